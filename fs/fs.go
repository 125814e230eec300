// Package fs is the top-level orchestration layer: it wires a block
// device, FAT, cache, inode table, and resource limits together into one
// mounted filesystem, and implements symlink resolution over that assembly.
//
// Grounded on ufs.go (Ufs_t wrapping an ahci_disk_t plus a fs.Fs_t behind
// BootFS/ShutdownFS), replacing its log-structured filesystem internals
// (fs.Fs_t, fs.Bdev_block_t, fs.Superblock_t) with vmfs's own
// fat/cache/inode stack, since that filesystem format has no FAT or
// cluster chains to adapt.
package fs

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"vmfs/block"
	"vmfs/cache"
	"vmfs/defs"
	"vmfs/fat"
	"vmfs/inode"
	"vmfs/limits"
)

// Mount bundles the on-disk filesystem's live state: the block device, the
// in-memory FAT, the buffer cache over it, the process-wide open-inodes
// table, and the resource-budget limits they share, a single long-lived
// value in place of scattered package globals.
type Mount struct {
	Dev    block.Device
	Fat    *fat.Table
	Cache  *cache.Cache
	Inodes *inode.Table
	Limits *limits.Syslimit_t
}

// Geometry describes where the FAT and data regions sit on the backing
// device, needed at mount time and at mkvmfs format time alike.
type Geometry struct {
	FATBaseSector  int64
	DataBaseSector int64
	NumClusters    uint32
}

// Boot mounts a filesystem already formatted on dev: loads the FAT,
// starts the buffer cache's workers, and returns the assembled Mount.
// Grounded on ufs.BootFS.
func Boot(dev block.Device, g Geometry) (*Mount, error) {
	fatTable, err := fat.Load(dev, g.FATBaseSector, g.DataBaseSector, g.NumClusters)
	if err != nil {
		return nil, err
	}
	c := cache.New(dev, fatTable)
	c.Start(cache.WritebackInterval)
	lim := limits.MkSysLimit()
	return &Mount{
		Dev:    dev,
		Fat:    fatTable,
		Cache:  c,
		Inodes: inode.NewTable(fatTable, c, lim),
		Limits: lim,
	}, nil
}

// Shutdown stops the cache's workers, flushes every dirty cache frame, and
// flushes the FAT back to disk. Both flushes are attempted even if the
// first fails, so a caller sees every on-disk inconsistency shutdown left
// behind rather than just the first one. Grounded on ufs.ShutdownFS.
func (m *Mount) Shutdown() error {
	m.Cache.Stop()
	var result *multierror.Error
	if err := m.Cache.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.Fat.Flush(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// NameResolver is the directory name-resolution collaborator: given a path, it returns the cluster of the
// inode it names.
type NameResolver interface {
	Lookup(path string) (cluster uint32, ok bool)
}

// ResolveSymlink follows symlink inodes starting at startCluster, using
// resolver to turn each symlink's target path into the next cluster,
// until it reaches a non-symlink inode. It caps at defs.MaxSymlinkHops to
// abort cycles without deadlocking.
// The returned inode is open (one reference) and is the caller's to close.
func ResolveSymlink(inodes *inode.Table, resolver NameResolver, startCluster uint32) (*inode.Inode, error) {
	cluster := startCluster
	for hop := 0; ; hop++ {
		if hop >= defs.MaxSymlinkHops {
			return nil, defs.New(defs.Fatal, "fs: symlink resolution exceeded %d hops", defs.MaxSymlinkHops)
		}
		in, err := inodes.Open(cluster)
		if err != nil {
			return nil, err
		}
		if in.Type() != defs.TypeSymlink {
			return in, nil
		}

		target, err := readSymlinkTarget(inodes, in)
		closeErr := inodes.Close(in)
		if err != nil {
			return nil, err
		}
		if closeErr != nil {
			return nil, closeErr
		}

		next, ok := resolver.Lookup(target)
		if !ok {
			return nil, defs.New(defs.NotFound, "fs: symlink target %q not found", target)
		}
		cluster = next
	}
}

// readSymlinkTarget reads a symlink inode's NUL-terminated target path.
func readSymlinkTarget(inodes *inode.Table, in *inode.Inode) (string, error) {
	n := int(in.Length())
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := inodes.ReadAt(in, buf, 0); err != nil {
		return "", err
	}
	if idx := bytes.IndexByte(buf, 0); idx >= 0 {
		buf = buf[:idx]
	}
	return string(buf), nil
}

// ManifestResolver is the simplest possible NameResolver: a flat name ->
// cluster table loaded from the root directory's content. It exists
// because mkvmfs needs some way to record what it copied in, even though
// real directory resolution (nested paths, mkdir, unlink) is out of scope
//; a flat manifest is the minimum that lets ResolveSymlink be
// exercised against an actual on-disk image rather than only a fake.
type ManifestResolver struct {
	entries map[string]uint32
}

// Lookup implements NameResolver.
func (m *ManifestResolver) Lookup(path string) (uint32, bool) {
	c, ok := m.entries[path]
	return c, ok
}

// EncodeManifest serializes a name->cluster table as "name\tcluster\n"
// lines, the format written to the root directory inode by mkvmfs.
func EncodeManifest(entries map[string]uint32) []byte {
	var b bytes.Buffer
	for name, cluster := range entries {
		fmt.Fprintf(&b, "%s\t%d\n", name, cluster)
	}
	return b.Bytes()
}

// LoadManifest reads the root inode's content and parses it into a
// ManifestResolver.
func LoadManifest(inodes *inode.Table, root *inode.Inode) (*ManifestResolver, error) {
	n := int(root.Length())
	entries := make(map[string]uint32, 64)
	if n == 0 {
		return &ManifestResolver{entries: entries}, nil
	}
	buf := make([]byte, n)
	if _, err := inodes.ReadAt(root, buf, 0); err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(buf), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			continue
		}
		cluster, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, defs.New(defs.Fatal, "fs: malformed manifest entry %q", line)
		}
		entries[fields[0]] = uint32(cluster)
	}
	return &ManifestResolver{entries: entries}, nil
}

// NewFATRegion zeroes the FAT region of a fresh device image and loads it,
// used by cmd/mkvmfs when formatting a new disk image (where no prior FAT
// content exists to load).
func NewFATRegion(dev block.Device, g Geometry) (*fat.Table, error) {
	buf := make([]byte, defs.SectorSize)
	nsectors := (int64(g.NumClusters)*4 + defs.SectorSize - 1) / defs.SectorSize
	for s := int64(0); s < nsectors; s++ {
		if err := dev.WriteSector(g.FATBaseSector+s, buf); err != nil {
			return nil, err
		}
	}
	return fat.Load(dev, g.FATBaseSector, g.DataBaseSector, g.NumClusters)
}
