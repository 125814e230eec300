package mmap_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/defs"
	"vmfs/frame"
	"vmfs/limits"
	"vmfs/mmap"
	"vmfs/page"
	"vmfs/spt"
)

// memFile is an in-memory stand-in for a reopened file handle, enough to
// satisfy page.FileHandle for mmap tests without touching a real inode.
type memFile struct {
	mu   sync.Mutex
	data []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(m.data)) {
		grown := make([]byte, need)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:], p), nil
}

func (m *memFile) Close() error { return nil }

// Mapping a file region and materializing every page must reproduce the
// source content byte-for-byte; writing through a mapped page and
// unmapping must write that content back to the source handle.
func TestMapMaterializeAndUnmapWriteBack(t *testing.T) {
	const tid defs.Tid = 1
	content := make([]byte, 2*defs.PageSize)
	for i := range content {
		content[i] = byte(i % 200)
	}
	file := &memFile{data: append([]byte(nil), content...)}

	ft := frame.New(8)
	s := spt.New(tid, ft)

	const addr = 0x4000_0000_0000
	lim := limits.MkSysLimit()
	region, err := mmap.Map(s, lim, tid, addr, len(content), true, file, int64(len(content)), 0)
	require.NoError(t, err)
	require.Equal(t, len(content), region.Length)

	for i := 0; i < 2; i++ {
		va := addr + uint64(i)*defs.PageSize
		p, ok := s.Find(va)
		require.True(t, ok)
		f, err := ft.Claim(p)
		require.NoError(t, err)
		require.NoError(t, p.SwapIn(f))
		want := content[i*defs.PageSize : (i+1)*defs.PageSize]
		require.Equal(t, want, f.Data)
	}

	// Dirty the first page through its resident frame, then unmap and
	// confirm the change landed back in the file.
	p, ok := s.Find(addr)
	require.True(t, ok)
	f := p.Frame()
	f.Data[0] = 0xAB
	p.Touch(true)

	// Unmap walks forward from addr through the whole region in one call,
	// stopping once it destroys the page tagged F_LAST_PAGE.
	require.NoError(t, mmap.Unmap(s, lim, addr))
	require.Equal(t, byte(0xAB), file.data[0])
	require.Equal(t, 0, s.Len())
}

// Mapping at a non-page-aligned address is rejected.
func TestMapRejectsUnalignedAddr(t *testing.T) {
	const tid defs.Tid = 1
	ft := frame.New(8)
	s := spt.New(tid, ft)
	file := &memFile{data: make([]byte, defs.PageSize)}

	_, err := mmap.Map(s, limits.MkSysLimit(), tid, 1, defs.PageSize, true, file, defs.PageSize, 0)
	require.Error(t, err)
	require.True(t, defs.IsKind(err, defs.Denied))
}

var _ page.FileHandle = (*memFile)(nil)
