// Package limits tracks system-wide resource budgets: atomically-updated
// counters that cap how many open inodes, descriptors, and mmap regions
// the system will hand out at once, so a runaway caller fails an
// allocation instead of growing these tables without bound.
//
// Grounded directly on limits.Sysatomic_t/Syslimit_t (an atomically
// decremented budget with a Taken/Given pair), repurposed from
// process/vnode/futex counters onto vmfs's own resource set.
package limits

import "sync/atomic"

// Sysatomic_t is a numeric budget that can be atomically taken and given
// back; Taken fails (without going negative) once the budget is exhausted.
type Sysatomic_t int64

func (s *Sysatomic_t) ptr() *int64 {
	return (*int64)(s)
}

// Given increases the budget by n.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s.ptr(), int64(n))
}

// Taken tries to decrement the budget by n, reporting success.
func (s *Sysatomic_t) Taken(n uint) bool {
	if atomic.AddInt64(s.ptr(), -int64(n)) >= 0 {
		return true
	}
	atomic.AddInt64(s.ptr(), int64(n))
	return false
}

// Take decrements the budget by one.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// Give increments the budget by one.
func (s *Sysatomic_t) Give() { s.Given(1) }

// Syslimit_t holds the system-wide resource budgets vmfs enforces.
type Syslimit_t struct {
	// OpenInodes bounds the process-wide open-inodes list (inode.Table).
	OpenInodes Sysatomic_t
	// OpenDescriptors bounds one process's fd.Table.
	OpenDescriptors Sysatomic_t
	// MmapRegions bounds concurrently live mmap.Region values.
	MmapRegions Sysatomic_t
}

// MkSysLimit returns the default set of limits. Callers hold the result as
// a single injected value (see fs.Mount.Limits) rather than a package
// global, so distinct mounts or processes in the same binary never share a
// budget.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		OpenInodes:      1 << 16,
		OpenDescriptors: 1024,
		MmapRegions:     4096,
	}
}
