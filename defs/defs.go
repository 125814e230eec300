// Package defs holds the types and constants shared across every vmfs
// package: error kinds, sector/cluster geometry, and the tid-like handles
// used to identify callers of the fault path.
package defs

import "fmt"

// Kind classifies a failure the way the core reports it, independent of the
// particular operation that produced it.
type Kind int

const (
	// OutOfSpace: FAT or swap allocation failed.
	OutOfSpace Kind = iota
	// OutOfMemory: no frame/page struct available.
	OutOfMemory
	// NotFound: name lookup or SPT lookup failed.
	NotFound
	// Denied: write to a read-only page, deny-write, kernel address from user mode.
	Denied
	// AlreadyExists: duplicate directory entry or duplicate SPT insert.
	AlreadyExists
	// Fatal: inconsistent on-disk state or invariant violation.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case OutOfSpace:
		return "out of space"
	case OutOfMemory:
		return "out of memory"
	case NotFound:
		return "not found"
	case Denied:
		return "denied"
	case AlreadyExists:
		return "already exists"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Err is a failure tagged with a Kind. The core never returns a bare error
// for a condition the caller needs to branch on; it returns *Err (or wraps
// one), so callers can use IsKind instead of string matching.
type Err struct {
	Kind  Kind
	cause error
}

// New creates an *Err of the given kind with a message, wrapping no cause.
func New(k Kind, format string, args ...interface{}) *Err {
	return &Err{Kind: k, cause: fmt.Errorf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving it as the cause.
func Wrap(k Kind, cause error) *Err {
	return &Err{Kind: k, cause: cause}
}

func (e *Err) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Err) Unwrap() error { return e.cause }

// IsKind reports whether err is a *Err of kind k.
func IsKind(err error, k Kind) bool {
	e, ok := err.(*Err)
	return ok && e.Kind == k
}

// Tid identifies the calling thread of execution (a goroutine standing in
// for a Pintos kernel thread). The fault handler uses it to look up the
// thread's last-saved user stack pointer when a fault is not taken directly
// from a user trap frame.
type Tid uint64
