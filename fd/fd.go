// Package fd implements the process-local file-descriptor layer: a
// dup-able view onto a shared open inode, distinct from the inode's own
// open_count.
//
// Grounded directly on fd.Fd_t and fd.Copyfd (duplicate a descriptor by
// reopening its underlying file, bumping the shared refcount), adapted
// from fdops.Fdops_i's indirection onto a concrete inode.Table-backed
// file.
package fd

import (
	"sync"

	"vmfs/defs"
	"vmfs/inode"
	"vmfs/limits"
)

// Permission bits, matching FD_READ/FD_WRITE/FD_CLOEXEC.
const (
	Read    = 0x1
	Write   = 0x2
	Cloexec = 0x4
)

// Fd is one process-local handle onto an open inode: its own cursor and
// permission bits layered over inode.Table's refcounted inode.
type Fd struct {
	mu    sync.Mutex
	table *inode.Table
	in    *inode.Inode
	perms int
	pos   int64
}

// Open wraps an already-opened inode in a fresh descriptor positioned at 0.
func Open(table *inode.Table, in *inode.Inode, perms int) *Fd {
	return &Fd{table: table, in: in, perms: perms}
}

// Read reads at the descriptor's current position and advances it.
func (f *Fd) Read(buf []byte) (int, error) {
	if f.perms&Read == 0 {
		return 0, defs.New(defs.Denied, "fd: not open for reading")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.table.ReadAt(f.in, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Write writes at the descriptor's current position and advances it.
func (f *Fd) Write(buf []byte) (int, error) {
	if f.perms&Write == 0 {
		return 0, defs.New(defs.Denied, "fd: not open for writing")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.table.WriteAt(f.in, buf, f.pos)
	f.pos += int64(n)
	return n, err
}

// Seek variants, matching lseek's SEEK_SET/SEEK_CUR/SEEK_END.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Seek repositions the descriptor's cursor.
func (f *Fd) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.pos
	case SeekEnd:
		base = f.in.Length()
	default:
		return 0, defs.New(defs.Fatal, "fd: bad whence %d", whence)
	}
	np := base + offset
	if np < 0 {
		return 0, defs.New(defs.Denied, "fd: seek to negative offset")
	}
	f.pos = np
	return np, nil
}

// Tell returns the descriptor's current position.
func (f *Fd) Tell() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

// Filesize returns the underlying inode's length.
func (f *Fd) Filesize() int64 {
	return f.in.Length()
}

// Copyfd duplicates f: reopens the same underlying inode (bumping its
// open_count) behind a new descriptor with its own, independent cursor
// reset to 0 — directly grounded on fd.Copyfd.
func Copyfd(f *Fd) (*Fd, error) {
	f.mu.Lock()
	table, in, perms := f.table, f.in, f.perms
	f.mu.Unlock()

	reopened, err := table.Open(in.Cluster)
	if err != nil {
		return nil, err
	}
	return &Fd{table: table, in: reopened, perms: perms}, nil
}

// Close releases f's reference to its inode; the inode is only actually
// closed (and, if removed, freed) once every descriptor reopened from it
// has also been closed.
func (f *Fd) Close() error {
	f.mu.Lock()
	table, in := f.table, f.in
	f.mu.Unlock()
	return table.Close(in)
}

// Table is a process's fd-number -> *Fd map, implementing dup2-style
// aliasing: Dup2 installs a freshly reopened descriptor at newfd, closing
// whatever was there first.
type Table struct {
	mu     sync.Mutex
	fds    map[int]*Fd
	next   int
	limits *limits.Syslimit_t
}

// NewTable creates an empty descriptor table, with fd numbers allocated
// starting at firstFd (3, conventionally, to leave room for stdio), and
// descriptor counts charged against lim's OpenDescriptors budget.
func NewTable(firstFd int, lim *limits.Syslimit_t) *Table {
	return &Table{fds: make(map[int]*Fd), next: firstFd, limits: lim}
}

// Install assigns f the next free descriptor number, failing once this
// process's descriptor budget is exhausted.
func (t *Table) Install(f *Fd) (int, error) {
	if !t.limits.OpenDescriptors.Take() {
		return 0, defs.New(defs.OutOfSpace, "fd: descriptor limit reached")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	t.fds[n] = f
	return n, nil
}

// Get returns the descriptor installed at n, if any.
func (t *Table) Get(n int) (*Fd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.fds[n]
	return f, ok
}

// Dup2 makes newfd an alias for oldfd's underlying file, closing newfd's
// previous occupant first. Matches dup2(2): Dup2(fd, fd) on a valid fd is
// a no-op.
func (t *Table) Dup2(oldfd, newfd int) error {
	if oldfd == newfd {
		t.mu.Lock()
		_, ok := t.fds[oldfd]
		t.mu.Unlock()
		if !ok {
			return defs.New(defs.NotFound, "dup2: fd %d not open", oldfd)
		}
		return nil
	}

	t.mu.Lock()
	src, ok := t.fds[oldfd]
	t.mu.Unlock()
	if !ok {
		return defs.New(defs.NotFound, "dup2: fd %d not open", oldfd)
	}

	dup, err := Copyfd(src)
	if err != nil {
		return err
	}

	t.mu.Lock()
	old, hadOld := t.fds[newfd]
	if !hadOld && !t.limits.OpenDescriptors.Take() {
		t.mu.Unlock()
		dup.Close()
		return defs.New(defs.OutOfSpace, "fd: descriptor limit reached")
	}
	t.fds[newfd] = dup
	t.mu.Unlock()

	if hadOld {
		return old.Close()
	}
	return nil
}

// Close closes the descriptor at n and removes it from the table.
func (t *Table) Close(n int) error {
	t.mu.Lock()
	f, ok := t.fds[n]
	if ok {
		delete(t.fds, n)
	}
	t.mu.Unlock()
	if !ok {
		return defs.New(defs.NotFound, "close: fd %d not open", n)
	}
	t.limits.OpenDescriptors.Give()
	return f.Close()
}
