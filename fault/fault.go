// Package fault implements the page-fault handler and stack-growth policy:
// given a faulting address and the trap's privilege/write/present bits, it
// classifies the fault and dispatches materialization through the
// supplemental page table and frame table.
//
// Grounded on original_source/vm/vm.c's vm_try_handle_fault for the
// classification order, and on tinfo.go's Threadinfo_t (a map from tid to
// per-thread state) for tracking each thread's last-saved user stack
// pointer — tinfo.Current/SetCurrent rely on a per-goroutine pointer slot
// that only exists behind a forked runtime, so StackRegistry replaces it
// with an explicit tid-keyed map the caller looks up instead of relying on
// goroutine-local storage.
package fault

import (
	"sync"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/frame"
	"vmfs/metrics"
	"vmfs/page"
	"vmfs/spt"
	"vmfs/swap"
)

// StackRegistry tracks the last user rsp each thread saved at syscall
// entry, consulted when a fault is taken from kernel context rather than
// directly from a user trap frame.
type StackRegistry struct {
	sync.Mutex
	rsp map[defs.Tid]uint64
}

// NewStackRegistry creates an empty registry.
func NewStackRegistry() *StackRegistry {
	return &StackRegistry{rsp: make(map[defs.Tid]uint64)}
}

// Save records tid's current user rsp, called at syscall entry.
func (r *StackRegistry) Save(tid defs.Tid, rsp uint64) {
	r.Lock()
	defer r.Unlock()
	r.rsp[tid] = rsp
}

// Forget removes tid's saved rsp, called when the thread exits.
func (r *StackRegistry) Forget(tid defs.Tid) {
	r.Lock()
	defer r.Unlock()
	delete(r.rsp, tid)
}

// RSP returns tid's last-saved user rsp.
func (r *StackRegistry) RSP(tid defs.Tid) (uint64, bool) {
	r.Lock()
	defer r.Unlock()
	rsp, ok := r.rsp[tid]
	return rsp, ok
}

// Handler dispatches faults for one process: its SPT, the (process-wide)
// frame table, and the swap plumbing new stack pages are wired to.
type Handler struct {
	SPT       *spt.Table
	Frames    *frame.Table
	Stacks    *StackRegistry
	SwapDev   block.Device
	SwapAlloc *swap.Allocator
	Metrics   *metrics.Set // optional
}

func (h *Handler) recordFault(kind metrics.PageFaultKind) {
	if h.Metrics != nil {
		h.Metrics.RecordFault(kind)
	}
}

func pageAlign(addr uint64) uint64 {
	return addr &^ uint64(defs.PageSize-1)
}

// Handle services one fault for thread tid at address addr, with user,
// write, and notPresent carrying the trap's privilege/write/present bits,
// and trapRSP the trap frame's rsp (meaningful only when user is true).
func (h *Handler) Handle(tid defs.Tid, addr uint64, user, write, notPresent bool, trapRSP uint64) error {
	if user && addr >= defs.KernelBase {
		h.recordFault(metrics.FaultDenied)
		return defs.New(defs.Denied, "fault: user access to kernel address %#x", addr)
	}

	va := pageAlign(addr)
	p, found := h.SPT.Find(va)

	if found && p.Resident() {
		if p.Writable && write {
			return h.copyOnWrite(p)
		}
		h.recordFault(metrics.FaultDenied)
		return defs.New(defs.Denied, "fault: write to non-writable resident page at %#x", va)
	}

	if !found {
		rsp := trapRSP
		if !user {
			saved, ok := h.Stacks.RSP(tid)
			if !ok {
				h.recordFault(metrics.FaultDenied)
				return defs.New(defs.Denied, "fault: no saved user rsp for kernel-mode fault at %#x", addr)
			}
			rsp = saved
		}
		if canGrowStack(write, addr, rsp) {
			h.recordFault(metrics.FaultStackGrowth)
			return h.growStack(tid, va)
		}
		h.recordFault(metrics.FaultDenied)
		return defs.New(defs.Denied, "fault: no mapping for %#x", addr)
	}

	h.recordFault(metrics.FaultDemandPage)
	return h.claim(p)
}

// canGrowStack implements the stack-growth heuristic: the fault must be a
// write, within 8 bytes below rsp (to cover a PUSH), below the stack top,
// and within the fixed stack size cap.
func canGrowStack(write bool, addr, rsp uint64) bool {
	if !write {
		return false
	}
	if addr+8 < rsp {
		return false
	}
	if addr >= defs.UserStackTop {
		return false
	}
	return addr >= defs.UserStackTop-defs.MaxStackPages*defs.PageSize
}

func (h *Handler) growStack(tid defs.Tid, va uint64) error {
	p := page.NewAnon(va, true, tid, true, h.SwapDev, h.SwapAlloc)
	if err := h.SPT.Insert(p); err != nil {
		return err
	}
	f, err := h.Frames.Claim(p)
	if err != nil {
		return err
	}
	p.ZeroFill(f)
	return nil
}

func (h *Handler) claim(p *page.Page) error {
	f, err := h.Frames.Claim(p)
	if err != nil {
		return err
	}
	return p.SwapIn(f)
}

// copyOnWrite is the hook called when a writable page is faulted with the
// write bit set while already resident; true copy-on-write sharing is a
// known extension and not implemented, so this simply succeeds.
func (h *Handler) copyOnWrite(p *page.Page) error {
	p.Touch(true)
	return nil
}
