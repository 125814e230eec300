package fs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vmfs/block"
	"vmfs/cache"
	"vmfs/defs"
	"vmfs/fat"
	"vmfs/fs"
	"vmfs/inode"
	"vmfs/limits"
)

// nameResolver is a fake NameResolver for tests, since real directory name
// resolution is out of scope.
type nameResolver map[string]uint32

func (r nameResolver) Lookup(path string) (uint32, bool) {
	c, ok := r[path]
	return c, ok
}

func newMount(t *testing.T) (*fat.Table, *inode.Table) {
	t.Helper()
	const numClusters = 32
	fatSectors := int64((numClusters*4 + defs.SectorSize - 1) / defs.SectorSize)
	dev := block.NewMemDevice(fatSectors + numClusters*defs.SectorsPerCluster)
	fatTable, err := fat.Load(dev, 0, fatSectors, numClusters)
	require.NoError(t, err)
	c := cache.New(dev, fatTable)
	return fatTable, inode.NewTable(fatTable, c, limits.MkSysLimit())
}

func makeSymlink(t *testing.T, inodes *inode.Table, target string) *inode.Inode {
	t.Helper()
	in, err := inodes.Create(defs.TypeSymlink)
	require.NoError(t, err)
	_, err = inodes.WriteAt(in, append([]byte(target), 0), 0)
	require.NoError(t, err)
	return in
}

// Resolving a chain of symlinks must land on the final non-symlink inode.
func TestResolveSymlinkChain(t *testing.T) {
	_, inodes := newMount(t)

	target, err := inodes.Create(defs.TypeFile)
	require.NoError(t, err)
	_, err = inodes.WriteAt(target, []byte("leaf"), 0)
	require.NoError(t, err)
	require.NoError(t, inodes.Close(target))

	linkB := makeSymlink(t, inodes, "target")
	require.NoError(t, inodes.Close(linkB))
	linkA := makeSymlink(t, inodes, "linkB")
	require.NoError(t, inodes.Close(linkA))

	resolver := nameResolver{"linkB": linkB.Cluster, "target": target.Cluster}

	resolved, err := fs.ResolveSymlink(inodes, resolver, linkA.Cluster)
	require.NoError(t, err)
	require.Equal(t, target.Cluster, resolved.Cluster)
	require.Equal(t, defs.TypeFile, resolved.Type())
	require.NoError(t, inodes.Close(resolved))
}

// A symlink cycle must abort after MaxSymlinkHops rather than looping
// forever.
func TestResolveSymlinkCycleAborts(t *testing.T) {
	_, inodes := newMount(t)

	linkA := makeSymlink(t, inodes, "linkB")
	require.NoError(t, inodes.Close(linkA))
	linkB := makeSymlink(t, inodes, "linkA")
	require.NoError(t, inodes.Close(linkB))

	resolver := nameResolver{"linkA": linkA.Cluster, "linkB": linkB.Cluster}

	_, err := fs.ResolveSymlink(inodes, resolver, linkA.Cluster)
	require.Error(t, err)
	require.True(t, defs.IsKind(err, defs.Fatal))
}

// A manifest round-trips through EncodeManifest/LoadManifest via the root
// inode, the way mkvmfs persists the flat name->cluster table it builds.
func TestManifestRoundTrip(t *testing.T) {
	_, inodes := newMount(t)
	root, err := inodes.BootstrapRoot(defs.TypeDir)
	require.NoError(t, err)

	want := map[string]uint32{"a.txt": 5, "nested/b.txt": 9}
	n, err := inodes.WriteAt(root, fs.EncodeManifest(want), 0)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	resolver, err := fs.LoadManifest(inodes, root)
	require.NoError(t, err)
	for name, cluster := range want {
		got, ok := resolver.Lookup(name)
		require.True(t, ok)
		require.Equal(t, cluster, got)
	}
	_, ok := resolver.Lookup("missing")
	require.False(t, ok)
}
