// Package page implements the per-virtual-page state machine: a
// mapped FILE page starts life UNINIT and materializes into FILE on first
// fault, while ANON pages are created already materialized (NewAnon); each
// kind carries its own swap_in/swap_out/destroy behavior. An UNINIT page
// whose target is ANON has no loader, and SwapIn on it fails.
//
// Grounded on original_source/vm/anon.c and vm/file.c for the three
// kinds' swap_in/swap_out/destroy bodies, and on vm/as.go's Vminfo_t
// (per-region type tag driving how a fault is serviced) for the Go shape
// of dispatch-by-kind without a vtable.
package page

import (
	"io"
	"sync"
	"sync/atomic"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/frame"
	"vmfs/swap"
)

// onSwapIn/onSwapOut are optional instrumentation hooks fired for every
// ANON page that actually crosses the swap device, installed once at
// startup via SetMetrics rather than threaded through every page
// constructor and clone call.
var onSwapIn, onSwapOut func()

// SetMetrics installs counters incremented on ANON swap-in/swap-out.
// Either argument may be nil.
func SetMetrics(swapIn, swapOut func()) {
	onSwapIn, onSwapOut = swapIn, swapOut
}

// Kind tags which substate a page is in.
type Kind int

const (
	Uninit Kind = iota
	Anon
	FileBacked
)

func (k Kind) String() string {
	switch k {
	case Uninit:
		return "uninit"
	case Anon:
		return "anon"
	case FileBacked:
		return "file"
	default:
		return "unknown"
	}
}

// FileHandle is the independent position-handle a mapped page reads and
// writes through; *os.File satisfies it. Reopening (rather than sharing a
// single handle and its seek position) mirrors fd.Copyfd's dup2 semantics.
type FileHandle interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

type anonState struct {
	slot     swap.Slot
	hasSlot  bool
	presence [defs.SectorsPerCluster]bool
}

type fileState struct {
	handle    FileHandle
	offset    int64
	readBytes int
	refcount  *int32
	last      bool
}

// Page is one user virtual page's state: key is the owning VA, which
// callers (the supplemental page table) use to look it up.
type Page struct {
	mu sync.Mutex

	VA       uint64
	Writable bool
	Stack    bool
	Owner    defs.Tid

	kind   Kind
	target Kind // for Uninit: the kind this transmutes into on first fault
	frame  *frame.Frame

	accessed bool
	dirty    bool

	anon anonState
	file fileState

	swapDev   block.Device
	swapAlloc *swap.Allocator
}

// NewAnon creates an already-materialized, empty ANON page (used for stack
// growth and for copy-on-claim of a resident source page): no swap slot,
// no presence bits set, and no frame until the caller claims one.
func NewAnon(va uint64, writable bool, owner defs.Tid, stack bool, swapDev block.Device, swapAlloc *swap.Allocator) *Page {
	return &Page{VA: va, Writable: writable, Owner: owner, Stack: stack, kind: Anon, swapDev: swapDev, swapAlloc: swapAlloc}
}

// NewFile creates an already-materialized FILE page. refcount is shared
// with the original mapping and is incremented by the caller before this is
// invoked. (SPT copy clones resident mmap'd pages with CloneFile, which
// increments the refcount itself.)
func NewFile(va uint64, writable bool, owner defs.Tid, handle FileHandle, offset int64, readBytes int, refcount *int32, last bool) *Page {
	return &Page{VA: va, Writable: writable, Owner: owner, kind: FileBacked,
		file: fileState{handle: handle, offset: offset, readBytes: readBytes, refcount: refcount, last: last}}
}

// NewUninitFile creates a lazily-loaded FILE page the way do_mmap does: the
// page materializes into FileBacked the first time it is faulted in.
func NewUninitFile(va uint64, writable bool, owner defs.Tid, handle FileHandle, offset int64, readBytes int, refcount *int32, last bool) *Page {
	return &Page{VA: va, Writable: writable, Owner: owner, kind: Uninit, target: FileBacked,
		file: fileState{handle: handle, offset: offset, readBytes: readBytes, refcount: refcount, last: last}}
}

// Kind reports the page's current kind.
func (p *Page) Kind() Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kind
}

// Resident reports whether the page currently owns a frame.
func (p *Page) Resident() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame != nil
}

// Frame returns the page's current frame, or nil if not resident.
func (p *Page) Frame() *frame.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frame
}

// IsLastMapped reports whether this page was tagged F_LAST_PAGE by do_mmap,
// the signal do_munmap uses to stop walking forward.
func (p *Page) IsLastMapped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.file.last
}

// Touch simulates the pml4 accessed/dirty bits being set on a memory
// reference through this page; whoever performs the access calls it once
// per access (the fault handler's copy-on-write hook does so for writes).
func (p *Page) Touch(write bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessed = true
	if write {
		p.dirty = true
	}
}

// Accessed implements frame.Owner.
func (p *Page) Accessed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accessed
}

// ClearAccessed implements frame.Owner.
func (p *Page) ClearAccessed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessed = false
}

// DetachFrame implements frame.Owner: drop the page's side of the
// frame<->page link. Called before WriteBack so a racing fault sees a
// non-resident page and re-enters SwapIn rather than reading the frame
// mid-writeback.
func (p *Page) DetachFrame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = nil
}

// WriteBack implements frame.Owner: persist data (the frame's content,
// captured by the caller before DetachFrame runs) to this page's backing
// store. Called with no frame-table lock held.
func (p *Page) WriteBack(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.kind {
	case Anon:
		return p.writeAnonLocked(data)
	case FileBacked:
		return p.writeFileLocked(data)
	default:
		return nil
	}
}

// writeAnonLocked implements ANON swap_out: acquire a slot if the page has
// none yet. A freshly allocated slot starts with no sectors written, so its
// presence bits are cleared and this always writes regardless of dirty,
// since the page's previous presence bitmap (if any) described a different,
// already-released slot. Otherwise, if the page is dirty, scan the 8
// sectors and write only the ones that are not all-zero, recording
// presence; if not dirty, the existing slot's presence bitmap from the last
// swap_out still holds and nothing is written.
func (p *Page) writeAnonLocked(data []byte) error {
	if onSwapOut != nil {
		onSwapOut()
	}
	freshSlot := false
	if !p.anon.hasSlot {
		slot, err := p.swapAlloc.Allocate()
		if err != nil {
			return err
		}
		p.anon.slot = slot
		p.anon.hasSlot = true
		freshSlot = true
		p.anon.presence = [defs.SectorsPerCluster]bool{}
	}
	if !p.dirty && !freshSlot {
		return nil
	}
	buf := make([]byte, defs.SectorSize)
	for i := 0; i < defs.SectorsPerCluster; i++ {
		off := i * defs.SectorSize
		sector := data[off : off+defs.SectorSize]
		if allZero(sector) {
			p.anon.presence[i] = false
			continue
		}
		copy(buf, sector)
		if err := p.swapDev.WriteSector(int64(p.anon.slot)+int64(i), buf); err != nil {
			return err
		}
		p.anon.presence[i] = true
	}
	p.dirty = false
	return nil
}

// writeFileLocked implements FILE swap_out: write read_bytes back to
// (file, offset) only if dirty.
func (p *Page) writeFileLocked(data []byte) error {
	if !p.dirty {
		return nil
	}
	if _, err := p.file.handle.WriteAt(data[:p.file.readBytes], p.file.offset); err != nil {
		return err
	}
	p.dirty = false
	return nil
}

// SwapIn materializes the page into frame f: for UNINIT it runs the
// kind-specific first load and transmutes into target; for ANON/FILE it
// reloads previously-evicted content. f must already be claimed and not
// yet visible to any other goroutine.
func (p *Page) SwapIn(f *frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = f
	switch p.kind {
	case Uninit:
		if err := p.loadUninitLocked(f.Data); err != nil {
			return err
		}
		p.kind = p.target
	case Anon:
		if err := p.loadAnonLocked(f.Data); err != nil {
			return err
		}
	case FileBacked:
		if err := p.loadFileLocked(f.Data); err != nil {
			return err
		}
	}
	p.accessed = false
	p.dirty = false
	return nil
}

func (p *Page) loadUninitLocked(dst []byte) error {
	switch p.target {
	case FileBacked:
		return p.loadFileLocked(dst)
	default:
		return defs.New(defs.Fatal, "page: uninit page has no loader for target %s", p.target)
	}
}

// loadAnonLocked implements ANON swap_in: fail if the page has never been
// swapped out (no slot means this is a brand-new page, which stack growth
// creates directly via ZeroFill instead of routing through here).
func (p *Page) loadAnonLocked(dst []byte) error {
	if !p.anon.hasSlot {
		return defs.New(defs.Fatal, "page: anon swap_in with no slot")
	}
	if onSwapIn != nil {
		onSwapIn()
	}
	buf := make([]byte, defs.SectorSize)
	for i := 0; i < defs.SectorsPerCluster; i++ {
		off := i * defs.SectorSize
		if p.anon.presence[i] {
			if err := p.swapDev.ReadSector(int64(p.anon.slot)+int64(i), buf); err != nil {
				return err
			}
			copy(dst[off:off+defs.SectorSize], buf)
		} else {
			for j := off; j < off+defs.SectorSize; j++ {
				dst[j] = 0
			}
		}
	}
	p.swapAlloc.Release(p.anon.slot)
	p.anon.hasSlot = false
	return nil
}

// loadFileLocked implements FILE swap_in: read read_bytes from (file,
// offset), zero-fill the remainder of the page.
func (p *Page) loadFileLocked(dst []byte) error {
	for i := range dst {
		dst[i] = 0
	}
	n, err := p.file.handle.ReadAt(dst[:p.file.readBytes], p.file.offset)
	if err != nil && err != io.EOF {
		return err
	}
	for i := n; i < p.file.readBytes; i++ {
		dst[i] = 0
	}
	return nil
}

// ZeroFill installs f as the page's frame and zeroes it directly, without
// going through SwapIn: used by stack growth, which materializes a brand
// new ANON page that has never had any backing content.
func (p *Page) ZeroFill(f *frame.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = f
	for i := range f.Data {
		f.Data[i] = 0
	}
	p.accessed = false
	p.dirty = false
}

// Destroy implements the per-kind destroy operation: if resident,
// write back dirty content and release the frame; then release any swap
// slot (ANON) or drop the shared refcount and close the handle once it
// reaches zero (FILE).
func (p *Page) Destroy(ft *frame.Table) error {
	p.mu.Lock()
	f := p.frame
	p.mu.Unlock()

	if f != nil {
		if err := p.WriteBack(f.Data); err != nil {
			return err
		}
		ft.Release(f)
		p.mu.Lock()
		p.frame = nil
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.kind {
	case Anon:
		if p.anon.hasSlot {
			p.swapAlloc.Release(p.anon.slot)
			p.anon.hasSlot = false
		}
	case FileBacked:
		if p.file.refcount != nil && atomic.AddInt32(p.file.refcount, -1) == 0 {
			return p.file.handle.Close()
		}
	}
	return nil
}

// Dirty reports the page's current dirty bit.
func (p *Page) Dirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// Install binds f to the page directly, without loading or zeroing it: used
// by supplemental-page-table copy, which has already memcpy'd the
// source page's live frame content into f.
func (p *Page) Install(f *frame.Frame, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frame = f
	p.accessed = false
	p.dirty = dirty
}

// CloneAnonEmpty creates a fresh, non-resident ANON page for owner sharing
// this page's writable/stack markers and swap plumbing, used by SPT copy
// when the source page is (or has just been forced) resident.
func (p *Page) CloneAnonEmpty(owner defs.Tid) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewAnon(p.VA, p.Writable, owner, p.Stack, p.swapDev, p.swapAlloc)
}

// CloneFile creates a new FILE page for owner aliasing this page's shared
// file handle and mmap refcount, incrementing the refcount. Used by SPT
// copy for a resident mmap'd page.
func (p *Page) CloneFile(owner defs.Tid) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file.refcount != nil {
		atomic.AddInt32(p.file.refcount, 1)
	}
	return &Page{VA: p.VA, Writable: p.Writable, Owner: owner, kind: FileBacked, file: p.file}
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
