// Package stat gives callers outside inode a plain value describing an
// open file, without exposing inode.Inode's guarded fields directly.
//
// Grounded on stat.Stat_t's accessor shape (write-one, read-one fields for
// dev/ino/mode/size), dropping the unsafe-pointer Bytes() packing: nothing
// here crosses a syscall ABI boundary, so a plain struct with exported
// fields serves the same role idiomatically.
package stat

import "vmfs/defs"

// Stat describes one inode's externally visible attributes.
type Stat struct {
	Cluster uint32
	Type    defs.InodeType
	Size    int64
}
