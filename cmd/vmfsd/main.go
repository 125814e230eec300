// Command vmfsd is the long-running vmfs instance: it mounts a formatted
// filesystem image, installs the physical frame pool, wires Prometheus
// metrics, and serves /metrics until signaled to shut down. It replaces
// an ufs.BootFS/ShutdownFS call pair (invoked ad hoc from whichever
// subsystem needed a filesystem) with a single long-lived context value.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vmfs/block"
	"vmfs/config"
	"vmfs/defs"
	"vmfs/frame"
	"vmfs/fs"
	"vmfs/metrics"
)

// defaultSwapSectors sizes a freshly created swap device at boot if one
// does not already exist: 4096 clusters' worth of slots.
const defaultSwapSectors = 4096 * defs.SectorsPerCluster

func main() {
	cfg := config.Parse()
	instance := uuid.New()
	log.Printf("vmfsd %s: starting (fs=%s swap=%s frames=%d cache=%d log=%s)",
		instance, cfg.FSDevice, cfg.SwapDevice, cfg.FramePoolSize, cfg.CacheFrames, cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Fatalf("vmfsd %s: %+v", instance, err)
	}
}

func run(cfg *config.Config) error {
	fsDev, err := block.OpenFileDevice("fs", cfg.FSDevice, 0, false)
	if err != nil {
		return errors.Wrap(err, "open filesystem device (run mkvmfs first)")
	}
	defer fsDev.Close()

	swapDev, err := openOrCreateSwap(cfg.SwapDevice)
	if err != nil {
		return errors.Wrap(err, "open swap device")
	}
	defer swapDev.Close()

	g := fs.Geometry{
		FATBaseSector:  1,
		DataBaseSector: 1 + (8192*4+defs.SectorSize-1)/defs.SectorSize,
		NumClusters:    8192,
	}
	mount, err := fs.Boot(fsDev, g)
	if err != nil {
		return errors.Wrap(err, "mount filesystem")
	}
	defer func() {
		if err := mount.Shutdown(); err != nil {
			log.Printf("vmfsd: shutdown: %+v", err)
		}
	}()

	// frames is the process-wide physical-memory pool every per-process
	// fault.Handler (package fault) is built against; vmfsd owns no
	// process and drives no fault path itself, since no wire protocol for
	// one is defined here, so it installs the pool as the system's
	// capacity, the way a kernel's main reports installed RAM before any
	// process runs, and leaves handing frames out to whatever embeds this
	// Mount. The swap device itself is opened above; its allocator is
	// constructed per-process by that same embedder (swap.NewAllocator
	// takes no reference to this daemon's state).
	frames := frame.New(cfg.FramePoolSize)
	log.Printf("vmfsd: %d frames installed, swap device holds %d slots", cfg.FramePoolSize, swapDev.SizeSectors()/defs.SectorsPerCluster)

	m := metrics.New()
	m.WireFrameTable(frames)
	m.WireCache(mount.Cache)
	m.WirePageSwap()

	http.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":9700"}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("vmfsd: metrics server: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Printf("vmfsd: shutting down")
	return srv.Close()
}

func openOrCreateSwap(path string) (*block.FileDevice, error) {
	if _, err := os.Stat(path); err == nil {
		return block.OpenFileDevice("swap", path, 0, false)
	}
	return block.OpenFileDevice("swap", path, defaultSwapSectors, true)
}
