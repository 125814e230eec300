// Package fat implements the persistent cluster-chain allocator: a
// FAT loaded into memory at mount and flushed at shutdown, mapping each
// cluster to its successor, to EOChain, or to 0 (free).
//
// Grounded on original_source/filesys/inode.c's byte_to_cluster and
// fat_create_chain, and on super.go's field-accessor idiom (typed
// getters/setters over a raw on-disk byte buffer) rather than a literal
// port, since that filesystem is log-structured and has no FAT.
package fat

import (
	"sync"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/util"
)

// RootCluster holds the root directory, by convention; vmfs itself does
// not implement directory resolution, but callers building a name layer on
// top need the constant.
const RootCluster uint32 = 1

// entriesPerSector is how many 32-bit FAT entries fit in one sector.
const entriesPerSector = defs.SectorSize / 4

// Table is the in-memory image of the on-disk FAT.
type Table struct {
	mu       sync.Mutex
	dev      block.Device
	baseSect int64 // first sector of the FAT region on dev
	dataBase int64 // first sector of the data region (where cluster 1 starts)
	entries  []uint32
	freeHint uint32 // last-known-free cluster, scan resumes here
}

// Load reads numClusters FAT entries starting at baseSector into memory.
// dataBaseSector is the first sector of the data region, where cluster 1
// (RootCluster) begins.
func Load(dev block.Device, baseSector, dataBaseSector int64, numClusters uint32) (*Table, error) {
	t := &Table{dev: dev, baseSect: baseSector, dataBase: dataBaseSector, entries: make([]uint32, numClusters), freeHint: RootCluster + 1}
	nsectors := int64(util.DivRoundup(int(numClusters), entriesPerSector))
	buf := make([]byte, defs.SectorSize)
	idx := uint32(0)
	for s := int64(0); s < nsectors && idx < numClusters; s++ {
		if err := dev.ReadSector(baseSector+s, buf); err != nil {
			return nil, err
		}
		for i := 0; i < entriesPerSector && idx < numClusters; i++ {
			t.entries[idx] = le32(buf[i*4 : i*4+4])
			idx++
		}
	}
	return t, nil
}

// Flush writes the in-memory FAT back to the device.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, defs.SectorSize)
	n := uint32(len(t.entries))
	nsectors := util.DivRoundup(int(n), entriesPerSector)
	idx := uint32(0)
	for s := 0; s < nsectors; s++ {
		for i := 0; i < entriesPerSector; i++ {
			var v uint32
			if idx < n {
				v = t.entries[idx]
			}
			putLE32(buf[i*4:i*4+4], v)
			idx++
		}
		if err := t.dev.WriteSector(t.baseSect+int64(s), buf); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the successor of cluster c, or EOChain/0.
func (t *Table) Get(c uint32) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(c)
}

func (t *Table) get(c uint32) uint32 {
	if c == 0 || int(c) >= len(t.entries) {
		return defs.EOChain
	}
	return t.entries[c]
}

// CreateChain allocates one free cluster and, if prev is nonzero, links
// prev -> new -> EOChain. Returns 0 if the device is out of clusters.
// Ties: allocation scans linearly from the last-known free hint and, on
// wraparound, retries once.
func (t *Table) CreateChain(prev uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nc, err := t.allocOne()
	if err != nil {
		return 0, err
	}
	t.entries[nc] = defs.EOChain
	if prev != 0 {
		if t.get(prev) != defs.EOChain && t.entries[prev] != 0 {
			return 0, defs.New(defs.Fatal, "fat: create_chain: prev %d already has a successor", prev)
		}
		t.entries[prev] = nc
	}
	return nc, nil
}

// allocOne finds one free cluster via first-fit scan from freeHint, wrapping
// at most once, and returns it without touching its entry; the caller marks
// it used by setting that entry.
func (t *Table) allocOne() (uint32, error) {
	n := uint32(len(t.entries))
	start := t.freeHint
	wrapped := false
	i := start
	for {
		if i >= n {
			if wrapped {
				return 0, defs.New(defs.OutOfSpace, "fat: no free clusters")
			}
			wrapped = true
			i = RootCluster + 1
			if i >= n {
				return 0, defs.New(defs.OutOfSpace, "fat: no free clusters")
			}
			continue
		}
		if t.entries[i] == 0 {
			t.freeHint = i + 1
			return i, nil
		}
		i++
		if i == start && wrapped {
			return 0, defs.New(defs.OutOfSpace, "fat: no free clusters")
		}
	}
}

// Allocate reserves a chain of n clusters, all-or-nothing, and returns the
// head cluster.
func (t *Table) Allocate(n int) (uint32, error) {
	if n <= 0 {
		return 0, defs.New(defs.Fatal, "fat: allocate: n must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	got := make([]uint32, 0, n)
	rollback := func() {
		for _, c := range got {
			t.entries[c] = 0
		}
	}
	for i := 0; i < n; i++ {
		c, err := t.allocOne()
		if err != nil {
			rollback()
			return 0, err
		}
		t.entries[c] = defs.EOChain
		got = append(got, c)
	}
	for i := 0; i < len(got)-1; i++ {
		t.entries[got[i]] = got[i+1]
	}
	return got[0], nil
}

// RemoveChain walks from head freeing clusters until stopAt (exclusive, 0
// means "free the whole chain") or EOChain. Frees are only performed
// at inode-close time by the caller, which is what prevents a freshly-freed
// cluster from being reallocated before the last reference is released.
func (t *Table) RemoveChain(head uint32, stopAt uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := head
	seen := 0
	for c != defs.EOChain && c != 0 && c != stopAt {
		if seen > len(t.entries) {
			return defs.New(defs.Fatal, "fat: cycle detected freeing chain at %d", head)
		}
		next := t.entries[c]
		t.entries[c] = 0
		c = next
		seen++
	}
	return nil
}

// Walk advances n hops from head, extending the chain by one freshly
// allocated cluster (as CreateChain does) each time it hits EOChain and grow
// is true. It returns the cluster reached.
func (t *Table) Walk(head uint32, hops int, grow bool) (uint32, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := head
	extended := false
	for ; hops > 0; hops-- {
		next := t.get(c)
		if next == defs.EOChain {
			if !grow {
				return defs.EOChain, extended, nil
			}
			nc, err := t.allocOne()
			if err != nil {
				return 0, extended, err
			}
			t.entries[nc] = defs.EOChain
			t.entries[c] = nc
			next = nc
			extended = true
		}
		c = next
	}
	return c, extended, nil
}

// ReserveRoot marks RootCluster allocated without linking it to anything,
// used once by mkvmfs when formatting a fresh image. Normal allocation
// never touches this cluster: allocOne's scan starts at RootCluster+1 and
// wraps there too, so without this call cluster 1 would sit free forever.
func (t *Table) ReserveRoot() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[RootCluster] != 0 {
		return defs.New(defs.Fatal, "fat: root cluster already allocated")
	}
	t.entries[RootCluster] = defs.EOChain
	return nil
}

// ClusterSector returns the first on-disk sector of cluster c's 8-sector
// span in the data region.
func (t *Table) ClusterSector(c uint32) int64 {
	return t.dataBase + int64(c-RootCluster)*defs.SectorsPerCluster
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
