package fault_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/fault"
	"vmfs/frame"
	"vmfs/spt"
	"vmfs/swap"
)

// Growing a stack across 200 pages over an 8-frame pool forces repeated
// clock eviction and swap traffic; a page written before it is evicted
// must read back byte-identical once it is re-faulted in.
func TestStackGrowthForcesSwapChurn(t *testing.T) {
	const tid defs.Tid = 7
	const npages = 200

	ft := frame.New(8)
	s := spt.New(tid, ft)
	swapDev := block.NewMemDevice(int64(npages+8) * defs.SectorsPerCluster)
	swapAlloc := swap.NewAllocator(swapDev.SizeSectors())

	h := &fault.Handler{
		SPT:       s,
		Frames:    ft,
		Stacks:    fault.NewStackRegistry(),
		SwapDev:   swapDev,
		SwapAlloc: swapAlloc,
	}

	addrOf := func(i int) uint64 {
		return defs.UserStackTop - uint64(i+1)*defs.PageSize
	}

	for i := 0; i < npages; i++ {
		va := addrOf(i)
		err := h.Handle(tid, va, true, true, true, va)
		require.NoErrorf(t, err, "growing stack page %d", i)

		p, ok := s.Find(va)
		require.True(t, ok)
		f := p.Frame()
		require.NotNil(t, f)
		for j := range f.Data {
			f.Data[j] = byte((i + j) % 256)
		}
		p.Touch(true)
	}

	require.Equal(t, npages, s.Len())
	require.Equal(t, ft.Size(), ft.InUse())

	// The earliest pages were written long before the pool's 8 frames
	// could still hold them; they must have been evicted to swap by now.
	early := addrOf(0)
	p, ok := s.Find(early)
	require.True(t, ok)
	require.False(t, p.Resident(), "page 0 should have been evicted over %d later allocations", npages-1)

	// Re-fault it (a read) and check the content survived the round trip.
	err := h.Handle(tid, early, true, false, true, early)
	require.NoError(t, err)
	p, ok = s.Find(early)
	require.True(t, ok)
	require.True(t, p.Resident())
	f := p.Frame()
	for j := range f.Data {
		require.Equal(t, byte((0+j)%256), f.Data[j])
	}
}

// A user-mode fault at a kernel address is always denied, regardless of
// any mapping.
func TestKernelAddressAlwaysDenied(t *testing.T) {
	const tid defs.Tid = 1
	ft := frame.New(4)
	s := spt.New(tid, ft)
	h := &fault.Handler{SPT: s, Frames: ft, Stacks: fault.NewStackRegistry()}

	err := h.Handle(tid, defs.KernelBase+0x1000, true, false, true, 0)
	require.Error(t, err)
	require.True(t, defs.IsKind(err, defs.Denied))
}
