package fd_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/block"
	"vmfs/cache"
	"vmfs/defs"
	"vmfs/fat"
	"vmfs/fd"
	"vmfs/inode"
	"vmfs/limits"
)

func newMount(t *testing.T) *inode.Table {
	t.Helper()
	const numClusters = 16
	fatSectors := int64((numClusters*4 + defs.SectorSize - 1) / defs.SectorSize)
	dev := block.NewMemDevice(fatSectors + numClusters*defs.SectorsPerCluster)
	fatTable, err := fat.Load(dev, 0, fatSectors, numClusters)
	require.NoError(t, err)
	return inode.NewTable(fatTable, cache.New(dev, fatTable), limits.MkSysLimit())
}

// dup2(oldfd, 42) then closing oldfd must leave fd 42 able to read what
// was written through oldfd: the inode stays open until both descriptor
// numbers are closed.
func TestDup2KeepsTargetAlive(t *testing.T) {
	inodes := newMount(t)
	in, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)

	table := fd.NewTable(3, limits.MkSysLimit())
	f := fd.Open(inodes, in, fd.Read|fd.Write)
	oldfd, err := table.Install(f)
	require.NoError(t, err)

	_, err = f.Write([]byte("payload"))
	require.NoError(t, err)

	require.NoError(t, table.Dup2(oldfd, 42))
	require.NoError(t, table.Close(oldfd))

	dup, ok := table.Get(42)
	require.True(t, ok)

	buf := make([]byte, 7)
	n, err := dup.Seek(0, 0)
	require.NoError(t, err)
	require.Zero(t, n)
	n2, err := dup.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 7, n2)
	require.Equal(t, "payload", string(buf))

	require.NoError(t, table.Close(42))
}

// Dup2 onto an already-occupied slot closes whatever was there first.
func TestDup2ReplacesOccupiedSlot(t *testing.T) {
	inodes := newMount(t)
	inA, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)
	inB, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)

	fdHandleA := fd.Open(inodes, inA, fd.Read|fd.Write)
	fdHandleB := fd.Open(inodes, inB, fd.Read|fd.Write)
	_, err = fdHandleB.Write([]byte("from-b"))
	require.NoError(t, err)

	table := fd.NewTable(3, limits.MkSysLimit())
	fdA, err := table.Install(fdHandleA)
	require.NoError(t, err)
	fdB, err := table.Install(fdHandleB)
	require.NoError(t, err)

	require.NoError(t, table.Dup2(fdB, fdA))

	got, ok := table.Get(fdA)
	require.True(t, ok)
	require.Equal(t, int64(6), got.Filesize())

	buf := make([]byte, 6)
	_, err = got.Seek(0, fd.SeekSet)
	require.NoError(t, err)
	n, err := got.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "from-b", string(buf))

	require.NoError(t, table.Close(fdA))
	require.NoError(t, table.Close(fdB))
}
