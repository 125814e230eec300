// Package frame implements the frame table: the fixed pool of
// physical frames backing resident pages, and clock-algorithm victim
// selection for eviction.
//
// Grounded on mem/mem.go's Physmem_t (a process-wide table of physical
// pages with refcounts and a per-CPU free list) for the shape of a frame
// pool, and on original_source/vm/vm.c's vm_get_victim/vm_evict_frame for
// the clock algorithm and the "don't hold ft_access during swap-out"
// ordering rule.
package frame

import (
	"sync"

	"vmfs/defs"
)

// Owner is implemented by whatever currently occupies a frame (a page
// object, in package page). The frame table never inspects page kind; it
// only needs the clock bit and a way to evict.
type Owner interface {
	// Accessed reports the clock "accessed" bit, checked across every
	// alias of the page the way the original checks both the user VA and
	// the kernel VA in the pml4.
	Accessed() bool
	// ClearAccessed clears the accessed bit on every alias.
	ClearAccessed()
	// DetachFrame removes the mapping that let anyone reach this frame's
	// contents, before the contents are touched. A concurrent fault that
	// races with eviction therefore re-enters the supplemental-page-table
	// path and blocks on the page's own lock, instead of observing the
	// frame mid-writeback.
	DetachFrame()
	// WriteBack persists the frame's current content to the owner's
	// backing store (swap device or file). Called with no frame-table
	// lock held.
	WriteBack(data []byte) error
}

// Frame is one physical frame: defs.PageSize bytes of backing storage plus
// whichever Owner currently occupies it.
type Frame struct {
	ID    int
	Data  []byte
	Owner Owner
}

// Table is the fixed-size frame pool. All fields are guarded by mu except
// Frame.Data, which is only touched by whichever goroutine currently holds
// the frame (the owning page's own lock serializes that).
type Table struct {
	mu        sync.Mutex
	frames    []*Frame
	free      []int
	clockHand int

	onAlloc   func()
	onEvict   func()
	onFramesInUse func(n int)
}

// New creates a pool of n frames, n normally the small worked example of 8
// physical frames used throughout the repository's tests.
func New(n int) *Table {
	t := &Table{frames: make([]*Frame, n), free: make([]int, n)}
	for i := 0; i < n; i++ {
		t.frames[i] = &Frame{ID: i, Data: make([]byte, defs.PageSize)}
		t.free[i] = n - 1 - i
	}
	return t
}

// OnMetrics installs optional instrumentation callbacks; any may be nil.
func (t *Table) OnMetrics(onAlloc, onEvict func(), onFramesInUse func(n int)) {
	t.onAlloc, t.onEvict, t.onFramesInUse = onAlloc, onEvict, onFramesInUse
}

func (t *Table) inUseLocked() int {
	return len(t.frames) - len(t.free)
}

// Claim hands owner an empty frame, evicting the clock victim if the pool
// is full. The returned frame's Data is zeroed only when it came from the
// free list; a reused (evicted) frame retains whatever bytes WriteBack
// already persisted, since the caller (page.swap_in equivalent) is about
// to overwrite it anyway.
func (t *Table) Claim(owner Owner) (*Frame, error) {
	t.mu.Lock()
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		f := t.frames[id]
		f.Owner = owner
		inUse := t.inUseLocked()
		t.mu.Unlock()
		for i := range f.Data {
			f.Data[i] = 0
		}
		if t.onAlloc != nil {
			t.onAlloc()
		}
		if t.onFramesInUse != nil {
			t.onFramesInUse(inUse)
		}
		return f, nil
	}
	victim, ok := t.selectVictimLocked()
	t.mu.Unlock()
	if !ok {
		return nil, defs.New(defs.OutOfMemory, "frame: no victim to evict")
	}

	victimOwner := victim.Owner
	victimOwner.DetachFrame()
	if err := victimOwner.WriteBack(victim.Data); err != nil {
		return nil, err
	}

	t.mu.Lock()
	victim.Owner = owner
	inUse := t.inUseLocked()
	t.mu.Unlock()
	if t.onEvict != nil {
		t.onEvict()
	}
	if t.onFramesInUse != nil {
		t.onFramesInUse(inUse)
	}
	return victim, nil
}

// selectVictimLocked runs the clock algorithm over every frame currently
// in use, clearing accessed bits as the hand advances. It
// must be called with mu held, and must not perform any I/O: the actual
// eviction (DetachFrame/WriteBack) happens after mu is released.
func (t *Table) selectVictimLocked() (*Frame, bool) {
	n := len(t.frames)
	if n == 0 {
		return nil, false
	}
	for i := 0; i < 2*n; i++ {
		idx := t.clockHand
		t.clockHand = (t.clockHand + 1) % n
		f := t.frames[idx]
		if f.Owner == nil {
			continue
		}
		if f.Owner.Accessed() {
			f.Owner.ClearAccessed()
			continue
		}
		return f, true
	}
	return nil, false
}

// Release returns frame to the free pool without evicting anything; used
// when a page is destroyed outright (munmap, SPT kill) rather than
// swapped out.
func (t *Table) Release(f *Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f.Owner = nil
	t.free = append(t.free, f.ID)
}

// InUse reports how many frames are currently occupied, for tests and
// metrics.
func (t *Table) InUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inUseLocked()
}

// Size reports the total frame-pool capacity.
func (t *Table) Size() int {
	return len(t.frames)
}
