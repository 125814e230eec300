package page_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/frame"
	"vmfs/page"
	"vmfs/swap"
)

// A page evicted a second time with no intervening write, after one full
// swap-out/swap-in cycle, must still read back its real content on the
// next swap-in rather than garbage from a never-written slot.
func TestAnonSecondEvictWithoutRedirtyPreservesContent(t *testing.T) {
	const tid defs.Tid = 1
	swapDev := block.NewMemDevice(64 * defs.SectorsPerCluster)
	swapAlloc := swap.NewAllocator(swapDev.SizeSectors())
	ft := frame.New(1)

	p := page.NewAnon(0x1000, true, tid, false, swapDev, swapAlloc)
	f, err := ft.Claim(p)
	require.NoError(t, err)
	p.ZeroFill(f)
	for i := range f.Data {
		f.Data[i] = byte(i % 251)
	}
	p.Touch(true)
	want := append([]byte(nil), f.Data...)

	// First swap-out: writes the real content to a fresh slot.
	require.NoError(t, p.WriteBack(f.Data))
	p.DetachFrame()
	ft.Release(f)

	// Swap back in: reloads the content and releases the slot.
	f2, err := ft.Claim(p)
	require.NoError(t, err)
	require.NoError(t, p.SwapIn(f2))
	require.Equal(t, want, f2.Data)

	// Evict again without ever re-dirtying the page. This must allocate a
	// fresh slot and rewrite it rather than skip the write because dirty
	// is false, which would leave presence bits pointing at a
	// never-written slot.
	require.NoError(t, p.WriteBack(f2.Data))
	p.DetachFrame()
	ft.Release(f2)

	f3, err := ft.Claim(p)
	require.NoError(t, err)
	require.NoError(t, p.SwapIn(f3))
	require.Equal(t, want, f3.Data)
}
