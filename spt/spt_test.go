package spt_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/frame"
	"vmfs/page"
	"vmfs/spt"
	"vmfs/swap"
)

// CopyFrom (the fork-time SPT clone) must produce pages that are
// independent of the source: writing through the child's copy must not
// change the parent's content, and vice versa.
func TestCopyFromIsolatesChildFromParent(t *testing.T) {
	const parentTid defs.Tid = 1
	const childTid defs.Tid = 2

	ft := frame.New(8)
	parent := spt.New(parentTid, ft)
	child := spt.New(childTid, ft)

	swapDev := block.NewMemDevice(64 * defs.SectorsPerCluster)
	swapAlloc := swap.NewAllocator(swapDev.SizeSectors())

	const va = 0x2000
	p := page.NewAnon(va, true, parentTid, false, swapDev, swapAlloc)
	require.NoError(t, parent.Insert(p))
	f, err := ft.Claim(p)
	require.NoError(t, err)
	p.ZeroFill(f)
	for i := range f.Data {
		f.Data[i] = 0x11
	}
	p.Touch(true)

	require.NoError(t, child.CopyFrom(parent))
	require.Equal(t, 1, child.Len())

	cp, ok := child.Find(va)
	require.True(t, ok)
	require.True(t, cp.Resident())
	require.Equal(t, f.Data, cp.Frame().Data)

	// Mutate the child's frame; the parent's must be untouched.
	cp.Frame().Data[0] = 0x22
	require.Equal(t, byte(0x11), p.Frame().Data[0])

	// Mutate the parent's frame; the child's must be untouched.
	p.Frame().Data[1] = 0x33
	require.NotEqual(t, byte(0x33), cp.Frame().Data[1])
}

// Kill destroys every tracked page and empties the table.
func TestKillEmptiesTable(t *testing.T) {
	const tid defs.Tid = 1
	ft := frame.New(4)
	s := spt.New(tid, ft)
	swapDev := block.NewMemDevice(32 * defs.SectorsPerCluster)
	swapAlloc := swap.NewAllocator(swapDev.SizeSectors())

	for i := 0; i < 3; i++ {
		va := uint64(i+1) * defs.PageSize
		p := page.NewAnon(va, true, tid, false, swapDev, swapAlloc)
		require.NoError(t, s.Insert(p))
	}
	require.Equal(t, 3, s.Len())

	require.NoError(t, s.Kill())
	require.Equal(t, 0, s.Len())
}
