// Package mmap implements do_mmap/do_munmap: creating a run of
// lazily-loaded FILE pages over a caller-supplied file handle, and tearing
// one down page by page.
//
// Grounded on original_source/vm/file.c's do_mmap/do_munmap.
package mmap

import (
	"sync/atomic"

	"vmfs/defs"
	"vmfs/limits"
	"vmfs/page"
	"vmfs/spt"
	"vmfs/util"
)

// Region describes one successful mapping, returned so a caller can later
// pass its Addr to Unmap. The fields are informational; state actually
// lives in the SPT pages themselves.
type Region struct {
	Addr     uint64
	Length   int
	Writable bool

	pages []uint64
}

// Map implements do_mmap: addr and offset must be page-aligned, length
// positive, offset within the file, and the whole range must stay in user
// space. Each covered page becomes a lazily-loaded FILE page sharing the
// handle passed as file and one mmap refcount; the last page is tagged so
// Unmap knows where to stop. Map does not reopen file: the pages use that
// handle as is, and it is closed when the refcount drops to zero.
func Map(s *spt.Table, lim *limits.Syslimit_t, owner defs.Tid, addr uint64, length int, writable bool, file page.FileHandle, fileLength int64, offset int64) (*Region, error) {
	if addr%defs.PageSize != 0 {
		return nil, defs.New(defs.Denied, "mmap: addr %#x is not page-aligned", addr)
	}
	if offset%defs.PageSize != 0 {
		return nil, defs.New(defs.Denied, "mmap: offset %d is not page-aligned", offset)
	}
	if length <= 0 {
		return nil, defs.New(defs.Denied, "mmap: length must be positive")
	}
	if offset > fileLength {
		return nil, defs.New(defs.Denied, "mmap: offset %d beyond file length %d", offset, fileLength)
	}

	npages := util.DivRoundup(length, defs.PageSize)
	end := addr + uint64(npages)*defs.PageSize
	if end < addr || end > defs.KernelBase {
		return nil, defs.New(defs.Denied, "mmap: range [%#x,%#x) crosses into kernel space", addr, end)
	}
	if !lim.MmapRegions.Take() {
		return nil, defs.New(defs.OutOfSpace, "mmap: region limit reached")
	}

	refcount := new(int32)
	region := &Region{Addr: addr, Length: length, Writable: writable}

	remaining := length
	for i := 0; i < npages; i++ {
		va := addr + uint64(i)*defs.PageSize
		readBytes := defs.PageSize
		if remaining < defs.PageSize {
			readBytes = remaining
		}
		remaining -= readBytes
		last := i == npages-1

		p := page.NewUninitFile(va, writable, owner, file, offset+int64(i)*defs.PageSize, readBytes, refcount, last)
		if err := s.Insert(p); err != nil {
			region.unwind(s, i)
			lim.MmapRegions.Give()
			return nil, err
		}
		atomic.AddInt32(refcount, 1)
		region.pages = append(region.pages, va)
	}
	return region, nil
}

func (r *Region) unwind(s *spt.Table, upto int) {
	for i := 0; i < upto; i++ {
		s.Remove(r.pages[i])
	}
}

// Unmap implements do_munmap: walk forward one page at a time from addr,
// destroying (and so writing back and refcount-releasing) each FILE page,
// stopping once the page tagged F_LAST_PAGE has been destroyed.
func Unmap(s *spt.Table, lim *limits.Syslimit_t, addr uint64) error {
	va := addr
	for {
		p, ok := s.Find(va)
		if !ok {
			return defs.New(defs.NotFound, "munmap: no mapping at %#x", va)
		}
		last := p.IsLastMapped()
		if err := s.Remove(va); err != nil {
			return err
		}
		if last {
			lim.MmapRegions.Give()
			return nil
		}
		va += defs.PageSize
	}
}
