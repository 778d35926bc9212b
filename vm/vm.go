// Package vm implements the per-process supplemental page table (SPT):
// the demand-paging state machine described in the data model's frame/SPT
// pair. It plays the role the teacher kernel's Vm_t/Vminfo_t pairing plays
// for a process's address space, but drops everything tied to a real x86
// pmap (Vm_t.Pmap, Tlbshoot, the COW/refcount dance in Sys_pgfault) since
// this tree has no page tables to shoot down -- a loaded entry's "mapping"
// is just the entry itself holding a frame, and accessed/dirty are booleans
// the caller sets directly rather than bits read out of a PTE. Each Spt
// has one mutex guarding its entry map and each Entry its own mutex; both
// are held only for short sections, and no lock is held across a whole
// page fault.
package vm

import (
	"sync"

	"defs"
	"frame"
	"inode"
	"mem"
	"swap"
)

// State is an SPT entry's residency state (data model 3.7).
type State int

const (
	NotLoaded State = iota
	Loaded
	Swapped
)

// Type is an SPT entry's content origin (data model 3.7).
type Type int

const (
	Normal Type = iota
	Zero
	Code
	Mmap
)

// stackGrowLimit bounds how far below the current stack pointer a fault
// may land and still be treated as stack growth (4.G.3 step 2).
const stackGrowLimit = 32 * mem.PGSIZE

// Entry is one SPT entry: a user virtual page and everything needed to
// load, evict, or destroy it. Uaddr is page-aligned and is the entry's key
// within its owning Spt.
type Entry struct {
	mu sync.Mutex

	Uaddr    uintptr
	state    State
	typ      Type
	writable bool
	pinned   bool
	accessed bool
	dirty    bool // dirty-override flag (3.7); OR'd with the mapping's own dirty bit

	kpage mem.Kpage_t
	fr    *frame.Frame
	slot  int // valid when Swapped

	// file-backed fields (Code, Mmap); for Mmap, file is the reopened,
	// independent-cursor file handle per 4.H.
	file       *inode.Handle
	fileOffset int64
	readBytes  int
	zeroBytes  int
	shared     bool // VFILE-shared semantics: always resolved the same way on fault
}

// Pinned, Accessed, and ClearAccessed implement frame.Owner.
func (e *Entry) Pinned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pinned
}

func (e *Entry) Accessed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessed
}

func (e *Entry) ClearAccessed() {
	e.mu.Lock()
	e.accessed = false
	e.mu.Unlock()
}

// State and Type report the entry's current residency/content category.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Entry) Type() Type {
	return e.typ
}

// IsDirty is the logical OR of the dirty-override flag and the caller's
// observed per-mapping dirty bit, meaningful only while Loaded (4.G.4).
func (e *Entry) IsDirty(mappingDirty bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dirty || mappingDirty
}

// MarkDirty sets the dirty-override flag, e.g. after a kernel-initiated
// write to the page's contents that bypasses whatever the caller uses as
// its own per-mapping dirty bit.
func (e *Entry) MarkDirty() {
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
}

// MarkAccessed sets the accessed bit; callers report this on every access
// to the page's contents.
func (e *Entry) MarkAccessed() {
	e.mu.Lock()
	e.accessed = true
	e.mu.Unlock()
}

// Kpage returns the entry's backing page while Loaded, or nil otherwise.
func (e *Entry) Kpage() mem.Kpage_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Loaded {
		return nil
	}
	return e.kpage
}

// itbl is the narrow inode.Table surface Spt needs for file-backed and
// Mmap entries, factored out so vm does not otherwise depend on the full
// inode package API surface.
type itbl interface {
	ReadAt(h *inode.Handle, buf []byte, offset int64) (int, defs.Err_t)
	WriteAt(h *inode.Handle, buf []byte, offset int64) (int, defs.Err_t)
	Put(h *inode.Handle) defs.Err_t
}

// Spt is one process's supplemental page table: a map from user virtual
// page to Entry, a handle on the global frame table, and the swap area
// both share. Stacklo/Stackhi bound the stack-growth heuristic (4.G.3).
type Spt struct {
	mu sync.Mutex

	entries map[uintptr]*Entry
	frames  *frame.Table
	swapA   *swap.Area_t
	itbl    itbl

	stackLo, stackHi uintptr
}

// New builds an empty SPT backed by frames (the global frame table) and
// swapA (the swap area used for Swapped entries). stackLo/stackHi bound
// the permitted user-stack region the stack-growth heuristic may extend
// into.
func New(frames *frame.Table, swapA *swap.Area_t, files itbl, stackLo, stackHi uintptr) *Spt {
	return &Spt{
		entries: make(map[uintptr]*Entry),
		frames:  frames,
		swapA:   swapA,
		itbl:    files,
		stackLo: stackLo,
		stackHi: stackHi,
	}
}

// Lookup returns the entry for uaddr's containing page, if any (4.G.1).
func (s *Spt) Lookup(uaddr uintptr) (*Entry, bool) {
	page := uaddr &^ uintptr(mem.PGOFFSET)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[page]
	return e, ok
}

func (s *Spt) insert(e *Entry) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.Uaddr]; exists {
		return defs.EINVAL
	}
	s.entries[e.Uaddr] = e
	return 0
}

func (s *Spt) delete(uaddr uintptr) {
	s.mu.Lock()
	delete(s.entries, uaddr)
	s.mu.Unlock()
}

// InsertAnon registers a NotLoaded Normal or Zero entry at uaddr (page
// aligned), writable as given. It is the on-demand counterpart to a
// region mapped but not yet backed by a frame.
func (s *Spt) InsertAnon(uaddr uintptr, typ Type, writable bool) defs.Err_t {
	if typ != Normal && typ != Zero {
		return defs.EINVAL
	}
	e := &Entry{Uaddr: uaddr, state: NotLoaded, typ: typ, writable: writable}
	return s.insert(e)
}

// InsertFile registers a NotLoaded Code or Mmap entry backed by file at
// the given offset, per 4.H's per-page layout: readBytes bytes are copied
// from the file, the remainder of the page is zero-filled.
func (s *Spt) InsertFile(uaddr uintptr, typ Type, file *inode.Handle, offset int64, readBytes, zeroBytes int, writable, shared bool) defs.Err_t {
	if typ != Code && typ != Mmap {
		return defs.EINVAL
	}
	e := &Entry{
		Uaddr: uaddr, state: NotLoaded, typ: typ, writable: writable,
		file: file, fileOffset: offset, readBytes: readBytes, zeroBytes: zeroBytes,
		shared: shared,
	}
	return s.insert(e)
}

// evictForLoad is the frame.Table.AllocateWithEviction callback: it
// performs the type-specific write-back for whichever entry currently
// owns the victim frame, per 4.F's eviction contract.
func (s *Spt) evictForLoad(victim *frame.Frame) defs.Err_t {
	owner, ok := victim.Owner.(*Entry)
	if !ok {
		panic("vm: frame owner is not an *Entry")
	}
	return s.evictEntry(owner, victim)
}

// evictEntry performs the write-back/swap-out side effects of 4.F's
// eviction contract for owner, currently Loaded and holding victim, and
// marks owner NotLoaded or Swapped accordingly. The caller still owns
// victim's frame-table bookkeeping (Remove/Free).
func (s *Spt) evictEntry(owner *Entry, victim *frame.Frame) defs.Err_t {
	owner.mu.Lock()
	defer owner.mu.Unlock()

	if owner.typ == Mmap {
		if owner.dirty {
			if err := s.writeBackLocked(owner); err != 0 {
				return err
			}
		}
		owner.state = NotLoaded
		owner.kpage = nil
		owner.fr = nil
		owner.dirty = false
		return 0
	}

	slot := swap.Install(s.swapA, owner.kpage)
	owner.slot = slot
	owner.state = Swapped
	owner.kpage = nil
	owner.fr = nil
	return 0
}

// writeBackLocked writes a Mmap entry's current page contents back to its
// file at its recorded offset. Caller holds owner.mu.
func (s *Spt) writeBackLocked(owner *Entry) defs.Err_t {
	n := owner.readBytes
	if n == 0 {
		return 0
	}
	_, err := s.itbl.WriteAt(owner.file, owner.kpage[:n], owner.fileOffset)
	return err
}

// loadFromFileLocked reads a Code/Mmap entry's file-backed content into a
// freshly allocated page, zero-filling the tail. Caller holds e.mu.
func (s *Spt) loadFromFileLocked(e *Entry, pg mem.Kpage_t) defs.Err_t {
	mem.Zero(pg)
	if e.readBytes == 0 {
		return 0
	}
	n, err := s.itbl.ReadAt(e.file, pg[:e.readBytes], e.fileOffset)
	if err != 0 {
		return err
	}
	if n < e.readBytes {
		for i := n; i < e.readBytes; i++ {
			pg[i] = 0
		}
	}
	return 0
}

// Load transitions e from NotLoaded to Loaded (4.G.2's "load" events),
// allocating a frame (evicting if necessary) and filling it per e's type.
// pin, when true, leaves the frame pinned in the frame table on return
// (used when the faulting access is kernel-initiated, per 4.G.3's pinning
// hint).
func (s *Spt) Load(e *Entry, pin bool) defs.Err_t {
	e.mu.Lock()
	if e.state != NotLoaded {
		e.mu.Unlock()
		return 0
	}
	typ := e.typ
	e.mu.Unlock()

	fr, err := s.frames.AllocateWithEviction(e, s.evictForLoad)
	if err != 0 {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch typ {
	case Zero:
		mem.Zero(fr.Kpage)
	case Normal:
		// already zero-filled by mem.Pool_t.Alloc
	case Code, Mmap:
		if err := s.loadFromFileLocked(e, fr.Kpage); err != 0 {
			s.frames.Remove(fr)
			s.frames.Free(fr.Kpage)
			return err
		}
	}
	e.kpage = fr.Kpage
	e.fr = fr
	e.state = Loaded
	e.accessed = true
	e.pinned = pin
	if !pin {
		s.frames.Unpin(fr)
	}
	return 0
}

// Unpin releases the pin a caller took via Load/Unswap's pin hint, making
// e eligible for eviction again.
func (s *Spt) Unpin(e *Entry) {
	e.mu.Lock()
	if e.state != Loaded || !e.pinned {
		e.mu.Unlock()
		return
	}
	fr := e.fr
	e.pinned = false
	e.mu.Unlock()
	s.frames.Unpin(fr)
}

// Unswap transitions e from Swapped to Loaded (4.G.2), allocating a frame
// (evicting if necessary), reading the page back from its swap slot, and
// freeing the slot.
func (s *Spt) Unswap(e *Entry, pin bool) defs.Err_t {
	e.mu.Lock()
	if e.state != Swapped {
		e.mu.Unlock()
		return 0
	}
	slot := e.slot
	e.mu.Unlock()

	fr, err := s.frames.AllocateWithEviction(e, s.evictForLoad)
	if err != 0 {
		return err
	}
	if err := swap.Uninstall(s.swapA, slot, fr.Kpage); err != 0 {
		s.frames.Remove(fr)
		s.frames.Free(fr.Kpage)
		return err
	}

	e.mu.Lock()
	e.kpage = fr.Kpage
	e.fr = fr
	e.state = Loaded
	e.slot = -1
	e.accessed = true
	e.pinned = pin
	e.mu.Unlock()
	if !pin {
		s.frames.Unpin(fr)
	}
	return 0
}

// Unload transitions e from Loaded to NotLoaded (4.G.2): write back if
// Mmap-and-dirty, uninstall, free the frame.
func (s *Spt) Unload(e *Entry) defs.Err_t {
	e.mu.Lock()
	if e.state != Loaded {
		e.mu.Unlock()
		return 0
	}
	fr := e.fr
	if e.typ == Mmap && e.dirty {
		if err := s.writeBackLocked(e); err != 0 {
			e.mu.Unlock()
			return err
		}
	}
	e.state = NotLoaded
	e.kpage = nil
	e.fr = nil
	e.dirty = false
	e.mu.Unlock()

	s.frames.Remove(fr)
	s.frames.Free(fr.Kpage)
	return 0
}

// Swap transitions e from Loaded to Swapped (4.G.2): not valid for Mmap
// or a pinned entry.
func (s *Spt) Swap(e *Entry) defs.Err_t {
	e.mu.Lock()
	if e.state != Loaded {
		e.mu.Unlock()
		return 0
	}
	if e.typ == Mmap {
		e.mu.Unlock()
		return defs.EINVAL
	}
	if e.pinned {
		e.mu.Unlock()
		return defs.EBUSY
	}
	fr := e.fr
	slot := swap.Install(s.swapA, e.kpage)
	e.slot = slot
	e.state = Swapped
	e.kpage = nil
	e.fr = nil
	e.mu.Unlock()

	s.frames.Remove(fr)
	s.frames.Free(fr.Kpage)
	return 0
}

// Destroy tears down e regardless of state (4.G.2's "destroy" event):
// unload if Loaded, free the swap slot if Swapped, then remove e from the
// SPT. It is also the per-entry step of ProcessExit (4.G.5).
func (s *Spt) Destroy(e *Entry) defs.Err_t {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()

	switch state {
	case Loaded:
		if err := s.Unload(e); err != 0 {
			return err
		}
	case Swapped:
		swap.Remove(s.swapA, e.slot)
	}
	// e.file, when set, is shared by every page of the same file-backed
	// mapping; closing it is the mapping owner's job (one Put for the
	// whole mapping, not one per page), not the SPT's.
	s.delete(e.Uaddr)
	return 0
}

// ProcessExit walks the SPT and destroys every entry, per 4.G.5.
func (s *Spt) ProcessExit() {
	s.mu.Lock()
	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()

	for _, e := range all {
		s.Destroy(e)
	}
}

// inStackGrowthRange reports whether faultaddr is a plausible
// stack-growth fault: within stackGrowLimit bytes below sp and inside the
// permitted [stackLo, stackHi) user-stack region (4.G.3 step 2).
func (s *Spt) inStackGrowthRange(faultaddr, sp uintptr) bool {
	if faultaddr < s.stackLo || faultaddr >= s.stackHi {
		return false
	}
	if faultaddr > sp {
		return false
	}
	return sp-faultaddr <= stackGrowLimit
}

// PageFault resolves a page fault at faultaddr with the given stack
// pointer sp (for the stack-growth heuristic) and access kind, per 4.G.3.
// pin, when true, leaves a newly-loaded frame pinned (the pinning hint
// for kernel-initiated accesses to user data).
func (s *Spt) PageFault(faultaddr, sp uintptr, write, pin bool) defs.Err_t {
	if faultaddr == 0 {
		return defs.EFAULT
	}
	faultaddr &^= uintptr(mem.PGOFFSET)

	e, ok := s.Lookup(faultaddr)
	if !ok {
		if !s.inStackGrowthRange(faultaddr, sp) {
			return defs.EFAULT
		}
		e = &Entry{Uaddr: faultaddr, state: NotLoaded, typ: Zero, writable: true}
		if err := s.insert(e); err != 0 {
			// lost the race with a concurrent fault on the same page
			e, ok = s.Lookup(faultaddr)
			if !ok {
				return defs.EFAULT
			}
		}
	}

	e.mu.Lock()
	state := e.state
	writable := e.writable
	e.mu.Unlock()

	if write && !writable {
		return defs.EFAULT
	}

	switch state {
	case NotLoaded:
		return s.Load(e, pin)
	case Swapped:
		return s.Unswap(e, pin)
	case Loaded:
		e.MarkAccessed()
		if write {
			e.MarkDirty()
		}
		return 0
	}
	return defs.EFAULT
}
