// Package cache implements the buffer/page cache: a fixed set
// of 8 cache frames, each holding exactly one FAT cluster's worth of data
// (8 sectors), with clock eviction, a read-ahead producer/consumer worker,
// and a periodic writeback worker.
//
// Grounded on original_source/filesys/page_cache.c for the miss path
// (page_cache_kworkerd's clock scan over alloc_pages[8], cluster_to_sector
// address translation), read-ahead, and writeback-worker semantics, and on
// fs/blk.go's Bdev_block_t/Disk_i (a cached disk block with its own lock,
// read/write entry points, and a request/ack channel idiom) for the Go
// shape of an asynchronous block layer.
package cache

import (
	"fmt"
	"os"
	"sync"
	"time"

	"vmfs/block"
	"vmfs/defs"
	"vmfs/fat"
)

const nframes = defs.CacheFrames

// WritebackInterval is the default period of the writeback worker, flushing
// dirty frames periodically rather than only on demand or shutdown.
const WritebackInterval = 3 * time.Second

// cacheFrame is one of the 8 fixed cache slots, each a whole cluster.
type cacheFrame struct {
	mu       sync.Mutex // pglock
	valid    bool
	cluster  uint32
	accessed bool
	dirty    [defs.SectorsPerCluster]bool
	data     []byte
}

// Cache is the process-wide buffer/page cache over one block device,
// keyed by FAT cluster number.
type Cache struct {
	mu        sync.Mutex // cache_lock
	dev       block.Device
	fat       *fat.Table
	frames    [nframes]*cacheFrame
	clockHand int

	readAhead chan uint32
	stop      chan struct{}
	wg        sync.WaitGroup

	onHit, onMiss, onDropped, onSweep func()
}

// New creates a cache over dev, consulting fatTable both for the
// cluster-to-sector translation and for read-ahead look-ahead (fat_get).
func New(dev block.Device, fatTable *fat.Table) *Cache {
	c := &Cache{dev: dev, fat: fatTable, readAhead: make(chan uint32, 64), stop: make(chan struct{})}
	for i := range c.frames {
		c.frames[i] = &cacheFrame{data: make([]byte, defs.PageSize)}
	}
	return c
}

// OnMetrics installs optional instrumentation callbacks; any may be nil.
func (c *Cache) OnMetrics(onHit, onMiss, onDropped, onSweep func()) {
	c.onHit, c.onMiss, c.onDropped, c.onSweep = onHit, onMiss, onDropped, onSweep
}

// Start launches the read-ahead worker and the periodic writeback worker.
func (c *Cache) Start(writebackInterval time.Duration) {
	c.wg.Add(2)
	go c.readAheadLoop()
	go c.writebackLoop(writebackInterval)
}

// Stop signals both workers and waits for them to exit.
func (c *Cache) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// lookupLocked linearly scans the 8 entries for one holding cluster.
// Called with c.mu held.
func (c *Cache) lookupLocked(cluster uint32) *cacheFrame {
	for _, f := range c.frames {
		if f.valid && f.cluster == cluster {
			return f
		}
	}
	return nil
}

// Access runs the miss/hit path for cluster, then invokes fn with the
// bytes of sector sectorInCluster (0..7) under the frame's pglock; write
// marks that sector dirty. On a successful read (write==false) a
// read-ahead request for the following cluster is enqueued, best-effort.
func (c *Cache) Access(cluster uint32, sectorInCluster int, write bool, fn func(sector []byte)) error {
	c.mu.Lock()
	f := c.lookupLocked(cluster)
	hit := f != nil
	if f == nil {
		victim, err := c.evictLocked()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if err := c.loadClusterLocked(victim, cluster); err != nil {
			c.mu.Unlock()
			return err
		}
		f = victim
	}
	f.mu.Lock()
	c.mu.Unlock()

	off := sectorInCluster * defs.SectorSize
	fn(f.data[off : off+defs.SectorSize])
	if write {
		f.dirty[sectorInCluster] = true
	}
	f.accessed = true
	f.mu.Unlock()

	if hit {
		if c.onHit != nil {
			c.onHit()
		}
	} else if c.onMiss != nil {
		c.onMiss()
	}
	if !write {
		c.requestReadAhead(cluster)
	}
	return nil
}

// evictLocked runs the clock algorithm over the 8 entries:
// an empty slot is taken immediately; otherwise skip accessed entries
// (clearing the bit), write back the first unaccessed one, and reuse it.
// Called with c.mu held; performs the writeback I/O itself, since the
// cache's locking discipline (unlike the frame table's) holds cache_lock
// coarsely across the whole miss path.
func (c *Cache) evictLocked() (*cacheFrame, error) {
	for i := 0; i < 2*nframes; i++ {
		idx := c.clockHand
		c.clockHand = (c.clockHand + 1) % nframes
		f := c.frames[idx]
		if !f.valid {
			return f, nil
		}
		if f.accessed {
			f.accessed = false
			continue
		}
		if err := c.writebackLocked(f); err != nil {
			return nil, err
		}
		f.valid = false
		return f, nil
	}
	return nil, defs.New(defs.Fatal, "cache: no evictable frame")
}

func (c *Cache) writebackLocked(f *cacheFrame) error {
	base := c.fat.ClusterSector(f.cluster)
	for i := 0; i < defs.SectorsPerCluster; i++ {
		if !f.dirty[i] {
			continue
		}
		off := i * defs.SectorSize
		if err := c.dev.WriteSector(base+int64(i), f.data[off:off+defs.SectorSize]); err != nil {
			return err
		}
		f.dirty[i] = false
	}
	return nil
}

func (c *Cache) loadClusterLocked(f *cacheFrame, cluster uint32) error {
	base := c.fat.ClusterSector(cluster)
	for i := 0; i < defs.SectorsPerCluster; i++ {
		off := i * defs.SectorSize
		if err := c.dev.ReadSector(base+int64(i), f.data[off:off+defs.SectorSize]); err != nil {
			return err
		}
		f.dirty[i] = false
	}
	f.cluster = cluster
	f.valid = true
	f.accessed = false
	return nil
}

// requestReadAhead enqueues a prefetch of the cluster following cluster, if
// the FAT says one exists. The queue is best-effort: a full queue just
// drops the request.
func (c *Cache) requestReadAhead(cluster uint32) {
	next := c.fat.Get(cluster)
	if next == defs.EOChain || next == 0 {
		return
	}
	select {
	case c.readAhead <- next:
	default:
		if c.onDropped != nil {
			c.onDropped()
		}
	}
}

func (c *Cache) readAheadLoop() {
	defer c.wg.Done()
	for {
		select {
		case cluster := <-c.readAhead:
			c.prefetch(cluster)
		case <-c.stop:
			return
		}
	}
}

// prefetch loads cluster into a cache frame unless it is already cached,
// mirroring the miss path minus the caller's sector memcpy.
func (c *Cache) prefetch(cluster uint32) {
	c.mu.Lock()
	if c.lookupLocked(cluster) != nil {
		c.mu.Unlock()
		if c.onDropped != nil {
			c.onDropped()
		}
		return
	}
	victim, err := c.evictLocked()
	if err != nil {
		c.mu.Unlock()
		return
	}
	if err := c.loadClusterLocked(victim, cluster); err != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
}

func (c *Cache) writebackLoop(interval time.Duration) {
	defer c.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "cache: writeback sweep: %v\n", err)
			}
		case <-c.stop:
			return
		}
	}
}

// Flush writes back every dirty sector in every valid frame; used by the
// periodic writeback worker and at shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		f.mu.Lock()
		var err error
		if f.valid {
			err = c.writebackLocked(f)
		}
		f.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if c.onSweep != nil {
		c.onSweep()
	}
	return nil
}

// Evict drops cluster from the cache if present, writing back first; used
// by inode_close to force a cluster out before the inode's final
// persistence write.
func (c *Cache) Evict(cluster uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.lookupLocked(cluster)
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := c.writebackLocked(f); err != nil {
		return err
	}
	f.valid = false
	return nil
}
