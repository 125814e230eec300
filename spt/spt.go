// Package spt implements the supplemental page table: the
// per-process map from user virtual address to page object that the fault
// handler and process-clone logic consult.
//
// Grounded on original_source/vm/vm.c's spt_hash (a hash table keyed by
// page->va, with insert/remove/copy/kill exactly as named here) and on the
// hashtable package's bucket-sharded table for the underlying storage.
package spt

import (
	"github.com/hashicorp/go-multierror"

	"vmfs/defs"
	"vmfs/frame"
	"vmfs/hashtable"
	"vmfs/page"
)

const buckets = 64

// hashVA is Knuth's multiplicative hash over the page-aligned virtual
// address.
func hashVA(va uint64) uint32 {
	return uint32((va * 2654435761) >> 16)
}

// Table is one process's supplemental page table.
type Table struct {
	owner defs.Tid
	ft    *frame.Table
	t     *hashtable.Table[uint64, *page.Page]
}

// New creates an empty SPT for owner, whose pages will be claimed from ft.
func New(owner defs.Tid, ft *frame.Table) *Table {
	return &Table{owner: owner, ft: ft, t: hashtable.New[uint64, *page.Page](buckets, hashVA)}
}

// Find looks up the page covering va.
func (s *Table) Find(va uint64) (*page.Page, bool) {
	return s.t.Get(va)
}

// Insert adds p, keyed by p.VA; fails if an entry already covers that
// address.
func (s *Table) Insert(p *page.Page) error {
	if !s.t.Insert(p.VA, p) {
		return defs.New(defs.AlreadyExists, "spt: duplicate entry for va %#x", p.VA)
	}
	return nil
}

// Remove deletes and destroys the page at va.
func (s *Table) Remove(va uint64) error {
	p, ok := s.t.Remove(va)
	if !ok {
		return defs.New(defs.NotFound, "spt: no entry for va %#x", va)
	}
	return p.Destroy(s.ft)
}

// Len reports how many pages are tracked.
func (s *Table) Len() int {
	return s.t.Len()
}

// CopyFrom implements the clone-time SPT copy: for every page in
// src, create a matching page in s with the same type/writable, forcing the
// source resident if it is not already, then claim a frame for the copy and
// memcpy the live content. This is copy-on-claim, not copy-on-write: both
// copies hold independent frames immediately.
func (s *Table) CopyFrom(src *Table) error {
	var copyErr error
	src.t.Each(func(va uint64, sp *page.Page) bool {
		if !sp.Resident() {
			f, err := src.ft.Claim(sp)
			if err != nil {
				copyErr = err
				return false
			}
			if err := sp.SwapIn(f); err != nil {
				copyErr = err
				return false
			}
		}

		var dp *page.Page
		switch sp.Kind() {
		case page.Anon:
			dp = sp.CloneAnonEmpty(s.owner)
		case page.FileBacked:
			dp = sp.CloneFile(s.owner)
		default:
			copyErr = defs.New(defs.Fatal, "spt: copy_from: page at %#x not materialized", va)
			return false
		}

		df, err := s.ft.Claim(dp)
		if err != nil {
			copyErr = err
			return false
		}
		sf := sp.Frame()
		copy(df.Data, sf.Data)
		dp.Install(df, sp.Dirty())

		if err := s.Insert(dp); err != nil {
			copyErr = err
			return false
		}
		return true
	})
	return copyErr
}

// Kill destroys every page (writing back dirty content) and empties the
// table; called when a thread exits.
func (s *Table) Kill() error {
	var errs *multierror.Error
	s.t.Each(func(va uint64, p *page.Page) bool {
		if err := p.Destroy(s.ft); err != nil {
			errs = multierror.Append(errs, err)
		}
		return true
	})
	s.t.Clear()
	return errs.ErrorOrNil()
}
