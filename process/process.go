// Package process implements per-process resources: the file-descriptor
// table, the mmap-id table, the current working directory, and the
// process's accounting and lifetime teardown (3.9, 4.I). It is grounded
// directly on the teacher's fd.Fd_t/Cwd_t, accnt.Accnt_t, and
// limits.Sysatomic_t, adapted from their original collaborators (fdops,
// a real scheduler's children/wait/exit primitives) to this tree's own
// dirfs/inode/vm/mmap stack.
package process

import (
	"sync"
	"sync/atomic"
	"time"

	"bpath"
	"defs"
	"dirfs"
	"inode"
	"mmap"
	"ustr"
	"vm"
)

// Fd permission bits, carried from the teacher's fd package unchanged.
const (
	FdRead    = 0x1
	FdWrite   = 0x2
	FdCloexec = 0x4
)

// reservedFds is the number of low file descriptors never handed out by
// allocation (0 and 1, conventionally stdin/stdout).
const reservedFds = 2

// Fd is one open file descriptor: a handle on the directory layer plus
// the permission bits it was opened with. Grounded on fd.Fd_t, dropping
// the Fdops_i indirection since this tree has one concrete file type
// (inode.Handle) rather than a family of pipe/socket/file implementations.
type Fd struct {
	File  *inode.Handle
	Perms int
}

// FdTable is the per-process file-descriptor table: a dense array
// indexed from fd 2 upward, doubling in size when exhausted, per 4.I.
type FdTable struct {
	mu    sync.Mutex
	slots []*Fd // slots[i] is fd i+reservedFds
}

// NewFdTable builds an empty table with the given initial capacity.
func NewFdTable(capacity int) *FdTable {
	return &FdTable{slots: make([]*Fd, capacity)}
}

// Install finds an empty slot (doubling the table if none exists) and
// installs fd there, returning the fd number.
func (t *FdTable) Install(fd *Fd) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = fd
			return i + reservedFds
		}
	}
	old := len(t.slots)
	newCap := old * 2
	if newCap == 0 {
		newCap = 1
	}
	grown := make([]*Fd, newCap)
	copy(grown, t.slots)
	t.slots = grown
	t.slots[old] = fd
	return old + reservedFds
}

// Get returns the Fd at the given descriptor number, if any.
func (t *FdTable) Get(fdnum int) (*Fd, bool) {
	i := fdnum - reservedFds
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) || t.slots[i] == nil {
		return nil, false
	}
	return t.slots[i], true
}

// Remove clears the slot at fdnum and returns what was there, if
// anything; the caller is responsible for closing the underlying handle.
func (t *FdTable) Remove(fdnum int) (*Fd, bool) {
	i := fdnum - reservedFds
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.slots) || t.slots[i] == nil {
		return nil, false
	}
	fd := t.slots[i]
	t.slots[i] = nil
	return fd, true
}

// Each calls f for every installed descriptor, fd-number first. Used by
// process exit to close every open file.
func (t *FdTable) Each(f func(fdnum int, fd *Fd)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s != nil {
			f(i+reservedFds, s)
		}
	}
}

// MmapTable is the per-process mmap-id table, identifying live memory
// mappings the same way FdTable identifies open files (3.9).
type MmapTable struct {
	mu    sync.Mutex
	slots []*mmap.Mapping
}

// NewMmapTable builds an empty table with the given initial capacity.
func NewMmapTable(capacity int) *MmapTable {
	return &MmapTable{slots: make([]*mmap.Mapping, capacity)}
}

// Install finds an empty slot (doubling if none exists) and installs m
// there, returning its mmap id.
func (t *MmapTable) Install(m *mmap.Mapping) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s == nil {
			t.slots[i] = m
			return i
		}
	}
	old := len(t.slots)
	newCap := old * 2
	if newCap == 0 {
		newCap = 1
	}
	grown := make([]*mmap.Mapping, newCap)
	copy(grown, t.slots)
	t.slots = grown
	t.slots[old] = m
	return old
}

// Get returns the mapping at id, if any.
func (t *MmapTable) Get(id int) (*mmap.Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id], true
}

// Remove clears the slot at id and returns what was there, if anything.
func (t *MmapTable) Remove(id int) (*mmap.Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 0 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	m := t.slots[id]
	t.slots[id] = nil
	return m, true
}

// Each calls f for every installed mapping.
func (t *MmapTable) Each(f func(id int, m *mmap.Mapping)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.slots {
		if s != nil {
			f(i, s)
		}
	}
}

// Cwd tracks a process's current working directory: the directory's own
// held handle plus its canonical path, for resolving relative paths.
// Grounded on fd.Cwd_t, dropping the embedded Fd_t wrapper since the
// directory layer works directly in inode.Handle.
type Cwd struct {
	mu   sync.Mutex
	Dir  *inode.Handle
	Path ustr.Ustr
}

// MkRootCwd builds a Cwd rooted at "/".
func MkRootCwd(root *inode.Handle) *Cwd {
	return &Cwd{Dir: root, Path: ustr.MkUstrRoot()}
}

// Fullpath joins cwd with p if p is not already absolute.
func (c *Cwd) Fullpath(p ustr.Ustr) ustr.Ustr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.IsAbsolute() {
		return p
	}
	full := append(ustr.Ustr{}, c.Path...)
	full = append(full, '/')
	return append(full, p...)
}

// Canonicalpath resolves p relative to cwd and canonicalizes the result.
func (c *Cwd) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return bpath.Canonicalize(c.Fullpath(p))
}

// Chdir replaces the current directory, releasing the old handle via
// itbl once the swap is complete.
func (c *Cwd) Chdir(itbl *inode.Table, newDir *inode.Handle, newPath ustr.Ustr) {
	c.mu.Lock()
	old := c.Dir
	c.Dir = newDir
	c.Path = newPath
	c.mu.Unlock()
	itbl.Put(old)
}

// Accnt accumulates per-process CPU-time accounting, carried from
// accnt.Accnt_t essentially unchanged -- this tree has no real scheduler
// charging user/system time, but the counters and their nanosecond
// bookkeeping are exercised directly by whatever drives Process's
// lifecycle.
type Accnt struct {
	mu      sync.Mutex
	Userns  int64
	Sysns   int64
}

// Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// Now returns the current time in nanoseconds.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

// Finish adds the time elapsed since inttime to the system-time counter.
func (a *Accnt) Finish(inttime int64) {
	a.Systadd(a.Now() - inttime)
}

// Add merges another accounting record into this one.
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
}

// Limit is a system-wide resource counter that can be atomically taken
// and given back, carried from limits.Sysatomic_t.
type Limit struct {
	n int64
}

// NewLimit builds a limit counter starting at capacity.
func NewLimit(capacity int64) *Limit {
	return &Limit{n: capacity}
}

// Take decrements the limit by one and reports whether it succeeded.
func (l *Limit) Take() bool {
	if atomic.AddInt64(&l.n, -1) >= 0 {
		return true
	}
	atomic.AddInt64(&l.n, 1)
	return false
}

// Give increments the limit by one.
func (l *Limit) Give() {
	atomic.AddInt64(&l.n, 1)
}

// SysLimits bounds the resources this module's process table tracks
// system-wide: open files, live mappings, and disk blocks, adapted from
// limits.Syslimit_t's field set down to what this tree actually
// allocates (no network/futex/arp tables here).
type SysLimits struct {
	Files  *Limit
	Mmaps  *Limit
	Blocks *Limit
}

// DefaultSysLimits mirrors the teacher's MkSysLimit defaults, scaled down
// since this tree has no real installed-memory budget to size them from.
func DefaultSysLimits() *SysLimits {
	return &SysLimits{
		Files:  NewLimit(10000),
		Mmaps:  NewLimit(10000),
		Blocks: NewLimit(100000),
	}
}

// Process bundles one process's resources: its address space, open
// files, live mappings, current directory, accounting, the executable
// kept open with deny-writes, and its children -- the "collaborator
// surface only" scheduling fields the spec calls out (3.9).
type Process struct {
	mu sync.Mutex

	Spt    *vm.Spt
	Fds    *FdTable
	Mmaps  *MmapTable
	Cwd    *Cwd
	Accnt  *Accnt
	Fs     *dirfs.Filesystem
	itbl   *inode.Table
	exec   *inode.Handle

	children []*Process

	// load/wait/exit signaling: a real scheduler drives these from
	// elsewhere, so Process only provides the channel primitive a
	// waiter blocks on.
	exited   bool
	waitCh   chan struct{}
	exitCode int
}

// New builds a process rooted at cwd, using fs/itbl for path resolution
// and spt for its address space. exec, if non-nil, is the handle on the
// process's executable, opened deny-write for the process's lifetime per
// 4.I.
func New(spt *vm.Spt, fs *dirfs.Filesystem, itbl *inode.Table, cwd *Cwd, exec *inode.Handle) *Process {
	return &Process{
		Spt:    spt,
		Fds:    NewFdTable(reservedFds),
		Mmaps:  NewMmapTable(0),
		Cwd:    cwd,
		Accnt:  &Accnt{},
		Fs:     fs,
		itbl:   itbl,
		exec:   exec,
		waitCh: make(chan struct{}),
	}
}

// AddChild records a child process for this process's children list.
func (p *Process) AddChild(c *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, c)
}

// Children returns a snapshot of this process's child list.
func (p *Process) Children() []*Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Process, len(p.children))
	copy(out, p.children)
	return out
}

// Wait blocks until the process has exited and returns its exit code.
func (p *Process) Wait() int {
	<-p.waitCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Exit tears down every resource this process owns, per 4.I's teardown
// list: close all fds, tear down all mappings, close the executable,
// release the SPT. It is idempotent.
func (p *Process) Exit(code int) defs.Err_t {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return 0
	}
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()

	p.Fds.Each(func(_ int, fd *Fd) {
		p.itbl.Put(fd.File)
	})
	p.Mmaps.Each(func(_ int, m *mmap.Mapping) {
		m.Destroy()
	})
	if p.exec != nil {
		p.exec.AllowWrite()
		p.itbl.Put(p.exec)
	}
	p.Spt.ProcessExit()

	close(p.waitCh)
	return 0
}
