// Package block provides the fixed-size sector I/O abstraction the rest of
// vmfs builds on: two named devices, "fs" and "swap", each addressed in
// 512-byte sectors. It is grounded on driver.go's ahci_disk_t, which plays
// the same role (a disk "driver" backed by a host file) for its own block
// layer.
package block

import (
	"fmt"
	"os"
	"sync"

	"vmfs/defs"
)

// Device is a block device: fixed sector size, synchronous read/write,
// calls may block.
type Device interface {
	// SizeSectors returns the device capacity in sectors.
	SizeSectors() int64
	// ReadSector reads exactly defs.SectorSize bytes into buf starting at
	// the given sector.
	ReadSector(sector int64, buf []byte) error
	// WriteSector writes exactly defs.SectorSize bytes from buf to the
	// given sector.
	WriteSector(sector int64, buf []byte) error
}

// FileDevice implements Device over a regular host file, standing in for a
// raw disk. Reads and writes are serialized with a mutex the way
// ahci_disk_t serializes seek+read/write as one step.
type FileDevice struct {
	mu   sync.Mutex
	f    *os.File
	name string
	size int64 // sectors
}

// OpenFileDevice opens (or creates, if create is true) a file-backed block
// device. sectors gives the capacity to truncate a freshly created file
// to; when create is false it is ignored and the capacity is read back
// from the existing file's size instead.
func OpenFileDevice(name, path string, sectors int64, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("open block device %s: %w", name, err)
	}
	if create {
		if err := f.Truncate(sectors * defs.SectorSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("size block device %s: %w", name, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat block device %s: %w", name, err)
		}
		sectors = info.Size() / defs.SectorSize
	}
	return &FileDevice{f: f, name: name, size: sectors}, nil
}

// SizeSectors returns the device capacity in sectors.
func (d *FileDevice) SizeSectors() int64 {
	return d.size
}

func (d *FileDevice) checkBounds(sector int64, buf []byte) error {
	if len(buf) != defs.SectorSize {
		return defs.New(defs.Fatal, "block %s: buffer must be %d bytes, got %d", d.name, defs.SectorSize, len(buf))
	}
	if sector < 0 || sector >= d.size {
		return defs.New(defs.Fatal, "block %s: sector %d out of range [0,%d)", d.name, sector, d.size)
	}
	return nil
}

// ReadSector reads one sector synchronously.
func (d *FileDevice) ReadSector(sector int64, buf []byte) error {
	if err := d.checkBounds(sector, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.ReadAt(buf, sector*defs.SectorSize)
	if err != nil || n != defs.SectorSize {
		return fmt.Errorf("block %s: read sector %d: %w", d.name, sector, err)
	}
	return nil
}

// WriteSector writes one sector synchronously.
func (d *FileDevice) WriteSector(sector int64, buf []byte) error {
	if err := d.checkBounds(sector, buf); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.f.WriteAt(buf, sector*defs.SectorSize)
	if err != nil || n != defs.SectorSize {
		return fmt.Errorf("block %s: write sector %d: %w", d.name, sector, err)
	}
	return nil
}

// Sync flushes pending writes to stable storage.
func (d *FileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}
