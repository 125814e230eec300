// Package config parses vmfs's command-line flags into a Config value:
// device paths, frame-pool and cache sizing, and log verbosity.
//
// Grounded directly on talyz-systemd_exporter's kingpin.Flag(...).Default(...).String()
// chain of package-level flag variables, parsed once via kingpin.Parse().
package config

import (
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

// Config holds every value vmfsd needs to boot a filesystem instance.
type Config struct {
	FSDevice      string
	SwapDevice    string
	FramePoolSize int
	CacheFrames   int
	LogLevel      string
}

var (
	fsDevice      = kingpin.Flag("fs-device", "Path to the filesystem block device image.").Default("fs.img").String()
	swapDevice    = kingpin.Flag("swap-device", "Path to the swap block device image.").Default("swap.img").String()
	framePoolSize = kingpin.Flag("frame-pool-size", "Number of physical frames to simulate.").Default("8").Int()
	cacheFrames   = kingpin.Flag("cache-frames", "Number of buffer-cache frames (fixed by design at 8).").Default("8").Int()
	logLevel      = kingpin.Flag("log-level", "Logging verbosity: debug, info, warn, error.").Default("info").String()
)

// Parse parses the process's command-line flags (via kingpin.Parse) into
// a Config.
func Parse() *Config {
	kingpin.Parse()
	return &Config{
		FSDevice:      *fsDevice,
		SwapDevice:    *swapDevice,
		FramePoolSize: *framePoolSize,
		CacheFrames:   *cacheFrames,
		LogLevel:      *logLevel,
	}
}
