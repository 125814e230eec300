package inode_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/block"
	"vmfs/cache"
	"vmfs/defs"
	"vmfs/fat"
	"vmfs/inode"
	"vmfs/limits"
)

func newMount(t *testing.T, numClusters uint32) (*fat.Table, *cache.Cache, *inode.Table) {
	t.Helper()
	fatSectors := int64((numClusters*4 + defs.SectorSize - 1) / defs.SectorSize)
	dataBase := fatSectors
	dev := block.NewMemDevice(dataBase + int64(numClusters)*defs.SectorsPerCluster)
	fatTable, err := fat.Load(dev, 0, dataBase, numClusters)
	require.NoError(t, err)
	c := cache.New(dev, fatTable)
	return fatTable, c, inode.NewTable(fatTable, c, limits.MkSysLimit())
}

// A 6000-byte file spans two clusters (PageSize == 4096); writing and
// reading it back whole must reproduce the content exactly and report the
// right length.
func TestReadWriteAcrossClusterBoundary(t *testing.T) {
	_, _, inodes := newMount(t, 64)

	in, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)

	data := make([]byte, 6000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	n, err := inodes.WriteAt(in, data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(len(data)), in.Length())

	got := make([]byte, len(data))
	n, err = inodes.ReadAt(in, got, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, got)

	require.NoError(t, inodes.Close(in))
}

// A read past EOF returns 0 bytes rather than extending the file or
// erroring.
func TestReadAtEOFReturnsZero(t *testing.T) {
	_, _, inodes := newMount(t, 16)
	in, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)

	n, err := inodes.WriteAt(in, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = inodes.ReadAt(in, buf, 5)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, inodes.Close(in))
}

// Opening the same cluster twice returns the same in-memory Inode
// (one per cluster number, refcounted across opens).
func TestOpenSharesInMemoryInode(t *testing.T) {
	_, _, inodes := newMount(t, 16)
	in, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)
	cluster := in.Cluster

	again, err := inodes.Open(cluster)
	require.NoError(t, err)
	require.Same(t, in, again)

	require.NoError(t, inodes.Close(in))
	require.NoError(t, inodes.Close(again))
}
