// Package inode implements the on-disk inode format and the
// read_at/write_at paths that route through the buffer cache.
//
// Grounded on original_source/filesys/inode.c for the read/write chunking
// and close-time writeback, and on ufs.go (a thin wrapper exposing
// file-level operations over its own filesystem) for the shape of a
// process-wide open table serialized by one lock, standing in for a single
// file_access semaphore guarding the whole open-inodes list.
package inode

import (
	"sync"

	"vmfs/cache"
	"vmfs/defs"
	"vmfs/fat"
	"vmfs/limits"
	"vmfs/stat"
)

// Disk is the fixed 512-byte on-disk inode layout.
type Disk struct {
	StartCluster uint32
	Length       int32
	Type         defs.InodeType
	Magic        uint32
}

func (d *Disk) marshal(sector []byte) {
	putLE32(sector[0:4], d.StartCluster)
	putLE32(sector[4:8], uint32(d.Length))
	putLE32(sector[8:12], uint32(d.Type))
	putLE32(sector[12:16], d.Magic)
	for i := 16; i < defs.InodeDiskSize; i++ {
		sector[i] = 0
	}
}

func unmarshalDisk(sector []byte) (*Disk, error) {
	d := &Disk{
		StartCluster: le32(sector[0:4]),
		Length:       int32(le32(sector[4:8])),
		Type:         defs.InodeType(le32(sector[8:12])),
		Magic:        le32(sector[12:16]),
	}
	if d.Magic != defs.InodeMagic {
		return nil, defs.New(defs.Fatal, "inode: bad magic %#x", d.Magic)
	}
	return d, nil
}

// Inode is the in-memory inode: one process-wide instance per
// cluster number, refcounted across opens.
type Inode struct {
	sync.Mutex
	Cluster   uint32
	disk      Disk
	openCount int
	removed   bool
	denyWrite int
}

// Length returns the file's current length in bytes.
func (in *Inode) Length() int64 {
	in.Lock()
	defer in.Unlock()
	return int64(in.disk.Length)
}

// Type returns the inode's on-disk type.
func (in *Inode) Type() defs.InodeType {
	in.Lock()
	defer in.Unlock()
	return in.disk.Type
}

// Remove marks the inode for deletion; its chain is freed when the last
// reference closes.
func (in *Inode) Remove() {
	in.Lock()
	in.removed = true
	in.Unlock()
}

// DenyWrite increments the deny-write count, rejecting further writes
// (used while a file is mapped executable, out of this module's scope but
// plumbed for callers that need it).
func (in *Inode) DenyWrite() {
	in.Lock()
	in.denyWrite++
	in.Unlock()
}

// AllowWrite reverses one DenyWrite.
func (in *Inode) AllowWrite() {
	in.Lock()
	in.denyWrite--
	in.Unlock()
}

// Stat returns a snapshot of in's externally visible attributes.
func (in *Inode) Stat() stat.Stat {
	in.Lock()
	defer in.Unlock()
	return stat.Stat{Cluster: in.Cluster, Type: in.disk.Type, Size: int64(in.disk.Length)}
}

// Table is the process-wide open-inodes list: "Open-inodes list:
// process-wide; mutated only in inode_open/close, serialized by the
// file-access semaphore." mu plays that semaphore's role.
type Table struct {
	mu        sync.Mutex
	byCluster map[uint32]*Inode
	fat       *fat.Table
	cache     *cache.Cache
	limits    *limits.Syslimit_t
}

// NewTable creates an open-inodes table backed by fatTable and the given
// buffer cache, enforcing lim's OpenInodes budget.
func NewTable(fatTable *fat.Table, c *cache.Cache, lim *limits.Syslimit_t) *Table {
	return &Table{byCluster: make(map[uint32]*Inode), fat: fatTable, cache: c, limits: lim}
}

// Create allocates a fresh, empty inode of the given type: one cluster for
// its own metadata image and one for its (as yet empty) data chain.
func (t *Table) Create(typ defs.InodeType) (*Inode, error) {
	if !t.limits.OpenInodes.Take() {
		return nil, defs.New(defs.OutOfSpace, "inode: open-inodes limit reached")
	}
	metaCluster, err := t.fat.CreateChain(0)
	if err != nil {
		t.limits.OpenInodes.Give()
		return nil, err
	}
	dataCluster, err := t.fat.CreateChain(0)
	if err != nil {
		t.fat.RemoveChain(metaCluster, 0)
		t.limits.OpenInodes.Give()
		return nil, err
	}

	in := &Inode{
		Cluster:   metaCluster,
		disk:      Disk{StartCluster: dataCluster, Length: 0, Type: typ, Magic: defs.InodeMagic},
		openCount: 1,
	}
	if err := t.writeDisk(in); err != nil {
		t.fat.RemoveChain(metaCluster, 0)
		t.fat.RemoveChain(dataCluster, 0)
		t.limits.OpenInodes.Give()
		return nil, err
	}

	t.mu.Lock()
	t.byCluster[metaCluster] = in
	t.mu.Unlock()
	return in, nil
}

// BootstrapRoot creates the root directory inode at the well-known
// fat.RootCluster, used once by mkvmfs when formatting a fresh image.
// Create cannot be reused here because its chain allocation never touches
// RootCluster.
func (t *Table) BootstrapRoot(typ defs.InodeType) (*Inode, error) {
	if !t.limits.OpenInodes.Take() {
		return nil, defs.New(defs.OutOfSpace, "inode: open-inodes limit reached")
	}
	if err := t.fat.ReserveRoot(); err != nil {
		t.limits.OpenInodes.Give()
		return nil, err
	}
	dataCluster, err := t.fat.CreateChain(0)
	if err != nil {
		t.limits.OpenInodes.Give()
		return nil, err
	}

	in := &Inode{
		Cluster:   fat.RootCluster,
		disk:      Disk{StartCluster: dataCluster, Length: 0, Type: typ, Magic: defs.InodeMagic},
		openCount: 1,
	}
	if err := t.writeDisk(in); err != nil {
		t.fat.RemoveChain(dataCluster, 0)
		t.limits.OpenInodes.Give()
		return nil, err
	}

	t.mu.Lock()
	t.byCluster[fat.RootCluster] = in
	t.mu.Unlock()
	return in, nil
}

// Open returns the in-memory inode for cluster, creating it from the
// on-disk image if this is the first open.
func (t *Table) Open(cluster uint32) (*Inode, error) {
	t.mu.Lock()
	if in, ok := t.byCluster[cluster]; ok {
		in.Lock()
		in.openCount++
		in.Unlock()
		t.mu.Unlock()
		return in, nil
	}
	t.mu.Unlock()

	if !t.limits.OpenInodes.Take() {
		return nil, defs.New(defs.OutOfSpace, "inode: open-inodes limit reached")
	}

	disk, err := t.readDisk(cluster)
	if err != nil {
		t.limits.OpenInodes.Give()
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if in, ok := t.byCluster[cluster]; ok {
		in.Lock()
		in.openCount++
		in.Unlock()
		t.limits.OpenInodes.Give()
		return in, nil
	}
	in := &Inode{Cluster: cluster, disk: *disk, openCount: 1}
	t.byCluster[cluster] = in
	return in, nil
}

// Close releases one reference to in. When the reference count reaches
// zero, a removed inode's chains are freed; otherwise every cluster in its
// data chain is forced out of the cache and the inode's own image is
// persisted.
func (t *Table) Close(in *Inode) error {
	in.Lock()
	in.openCount--
	if in.openCount > 0 {
		in.Unlock()
		return nil
	}
	removed := in.removed
	startCluster := in.disk.StartCluster
	metaCluster := in.Cluster
	in.Unlock()

	t.mu.Lock()
	delete(t.byCluster, metaCluster)
	t.mu.Unlock()
	t.limits.OpenInodes.Give()

	if removed {
		if err := t.fat.RemoveChain(startCluster, 0); err != nil {
			return err
		}
		return t.fat.RemoveChain(metaCluster, 0)
	}

	if err := t.flushChain(startCluster); err != nil {
		return err
	}
	return t.writeDisk(in)
}

func (t *Table) flushChain(head uint32) error {
	c := head
	for c != defs.EOChain && c != 0 {
		if err := t.cache.Evict(c); err != nil {
			return err
		}
		c = t.fat.Get(c)
	}
	return nil
}

func (t *Table) readDisk(cluster uint32) (*Disk, error) {
	var sector [defs.SectorSize]byte
	var d *Disk
	err := t.cache.Access(cluster, 0, false, func(s []byte) {
		copy(sector[:], s)
	})
	if err != nil {
		return nil, err
	}
	d, err = unmarshalDisk(sector[:])
	return d, err
}

func (t *Table) writeDisk(in *Inode) error {
	in.Lock()
	var sector [defs.SectorSize]byte
	in.disk.marshal(sector[:])
	in.Unlock()
	return t.cache.Access(in.Cluster, 0, true, func(s []byte) {
		copy(s, sector[:])
	})
}

// ReadAt reads into buf starting at offset, capped at the inode's current
// length (reads never grow the chain). Returns the number of bytes read.
func (t *Table) ReadAt(in *Inode, buf []byte, offset int64) (int, error) {
	in.Lock()
	length := int64(in.disk.Length)
	startCluster := in.disk.StartCluster
	in.Unlock()

	if offset >= length || len(buf) == 0 {
		return 0, nil
	}
	sizeLeft := len(buf)
	if avail := int(length - offset); sizeLeft > avail {
		sizeLeft = avail
	}

	hops := int(offset / defs.PageSize)
	cluster, _, err := t.fat.Walk(startCluster, hops, false)
	if err != nil {
		return 0, err
	}
	if cluster == defs.EOChain {
		return 0, defs.New(defs.Fatal, "inode: read_at: chain shorter than length")
	}

	done := 0
	pos := offset
	for sizeLeft > 0 {
		sectorInCluster := int((pos % defs.PageSize) / defs.SectorSize)
		sectorOff := int(pos % defs.SectorSize)
		chunk := defs.SectorSize - sectorOff
		if chunk > sizeLeft {
			chunk = sizeLeft
		}
		if err := t.cache.Access(cluster, sectorInCluster, false, func(sector []byte) {
			copy(buf[done:done+chunk], sector[sectorOff:sectorOff+chunk])
		}); err != nil {
			return done, err
		}
		done += chunk
		pos += int64(chunk)
		sizeLeft -= chunk
		if sizeLeft > 0 && pos%defs.PageSize == 0 {
			next := t.fat.Get(cluster)
			if next == defs.EOChain {
				return done, defs.New(defs.Fatal, "inode: read_at: chain shorter than length")
			}
			cluster = next
		}
	}
	return done, nil
}

// WriteAt writes buf at offset, extending the chain and the inode's
// length as needed.
func (t *Table) WriteAt(in *Inode, buf []byte, offset int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	in.Lock()
	if in.denyWrite > 0 {
		in.Unlock()
		return 0, defs.New(defs.Denied, "inode: write denied on cluster %d", in.Cluster)
	}
	startCluster := in.disk.StartCluster
	newLength := int64(in.disk.Length)
	if want := offset + int64(len(buf)); want > newLength {
		newLength = want
	}
	in.Unlock()

	hops := int(offset / defs.PageSize)
	cluster, _, err := t.fat.Walk(startCluster, hops, true)
	if err != nil {
		return 0, err
	}

	done := 0
	pos := offset
	sizeLeft := len(buf)
	for sizeLeft > 0 {
		sectorInCluster := int((pos % defs.PageSize) / defs.SectorSize)
		sectorOff := int(pos % defs.SectorSize)
		chunk := defs.SectorSize - sectorOff
		if chunk > sizeLeft {
			chunk = sizeLeft
		}
		if err := t.cache.Access(cluster, sectorInCluster, true, func(sector []byte) {
			copy(sector[sectorOff:sectorOff+chunk], buf[done:done+chunk])
		}); err != nil {
			return done, err
		}
		done += chunk
		pos += int64(chunk)
		sizeLeft -= chunk
		if sizeLeft > 0 && pos%defs.PageSize == 0 {
			next, _, err := t.fat.Walk(cluster, 1, true)
			if err != nil {
				return done, err
			}
			cluster = next
		}
	}

	in.Lock()
	if newLength > int64(in.disk.Length) {
		in.disk.Length = int32(newLength)
	}
	in.Unlock()
	return done, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
