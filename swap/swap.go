// Package swap implements the swap-slot allocator: a bitmap over
// the whole swap device with one bit per 8-sector slot, allocated and
// released one slot at a time.
//
// Grounded on original_source/vm/anon.c's swap_table (a bitmap sized to
// disk_size(swap_disk), scanned and flipped under st_access), generalized
// from the single global bitmap there into a type any number of callers
// can hold, the way mem.go turns a swap bitmap into Physmem_t's free
// lists.
package swap

import (
	"sync"

	"vmfs/defs"
)

// Slot identifies an 8-sector-aligned range on the swap device by its
// first sector.
type Slot int64

// Allocator tracks free/used 8-sector runs on one swap device via a bitmap
// with one bit per slot. Access is serialized by mu, standing in for a
// binary semaphore; callers must never hold a frame-table lock when
// calling Allocate/Release.
type Allocator struct {
	mu     sync.Mutex
	bits   []uint64
	nslots int64
}

// NewAllocator creates a bitmap spanning a device of the given sector count.
func NewAllocator(deviceSectors int64) *Allocator {
	nslots := deviceSectors / defs.SectorsPerCluster
	words := (nslots + 63) / 64
	return &Allocator{bits: make([]uint64, words), nslots: nslots}
}

func (a *Allocator) test(i int64) bool {
	return a.bits[i/64]&(1<<uint(i%64)) != 0
}

func (a *Allocator) set(i int64, v bool) {
	if v {
		a.bits[i/64] |= 1 << uint(i%64)
	} else {
		a.bits[i/64] &^= 1 << uint(i%64)
	}
}

// Allocate finds a free slot via first-fit scan and marks it used.
func (a *Allocator) Allocate() (Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := int64(0); i < a.nslots; i++ {
		if !a.test(i) {
			a.set(i, true)
			return Slot(i * defs.SectorsPerCluster), nil
		}
	}
	// Swap-slot exhaustion is reported as a Fatal-kind error; Allocate
	// returns it to the caller and does not panic.
	return 0, defs.New(defs.Fatal, "swap: device exhausted")
}

// Release frees a previously allocated slot.
func (a *Allocator) Release(s Slot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := int64(s) / defs.SectorsPerCluster
	a.set(i, false)
}
