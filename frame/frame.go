// Package frame implements the global frame table: the set of physical
// pages currently backing a Loaded entry somewhere in the system, with
// clock (second-chance) victim selection. It plays the role the teacher
// kernel's Vm_t/Physmem_t pairing plays for resident pages, but frame has
// no notion of a page's owner beyond the small Owner interface below --
// the type-specific eviction work (write back to swap or to a file) is the
// caller's job, keeping this package free of any SPT dependency even
// though the two are mutually referential at the data-model level.
package frame

import (
	"fmt"
	"math/rand"
	"sync"
	"unsafe"

	"defs"
	"mem"
)

// frame_debug gates verbose eviction tracing, matching the teacher's
// bdev_debug convention in fs/blk.go.
var frame_debug = false

// kpageAddr exposes a kpage's backing pointer as an integer for hashing
// and sharding. Kpage_t is already comparable (it is *Page_t), so this
// exists only to spread keys across shards -- no arithmetic is ever done
// on the resulting address.
func kpageAddr(kpage mem.Kpage_t) unsafe.Pointer {
	return unsafe.Pointer(kpage)
}

// Owner is the thin view the frame table needs of whatever owns a frame
// -- an SPT entry, in practice. Accessed/ClearAccessed drive the clock
// algorithm's second chance; Pinned excludes an entry from victim
// selection entirely.
type Owner interface {
	Pinned() bool
	Accessed() bool
	ClearAccessed()
}

// Frame is one entry in the global frame table: a physical page and the
// owner currently mapped to it. pinned is the frame table's own pin,
// separate from Owner.Pinned() -- it is how Allocate keeps a
// freshly-reserved frame from being evicted before its caller finishes
// installing the mapping (see the pin-on-allocate discipline below).
type Frame struct {
	Kpage  mem.Kpage_t
	Owner  Owner
	pinned bool
}

// Policy selects an eviction victim from the clock-ordered list. A
// cursor-based policy such as ClockPolicy starts at *cursor and leaves it
// just past whatever it returns; RandomPolicy ignores the cursor. It must
// not return a frame with pinned set.
type Policy interface {
	Select(list []*Frame, cursor *int) (*Frame, bool)
}

// ClockPolicy is the default second-chance policy described in the data
// model: rotate past pinned frames, clear the access bit on first sight
// and give it one more lap, evict the first frame found already clear.
type ClockPolicy struct{}

func (ClockPolicy) Select(list []*Frame, cursor *int) (*Frame, bool) {
	n := len(list)
	if n == 0 {
		return nil, false
	}
	limit := 2 * n
	for steps := 0; steps < limit; steps++ {
		f := list[*cursor]
		*cursor = (*cursor + 1) % n
		if f.pinned || f.Owner.Pinned() {
			continue
		}
		if f.Owner.Accessed() {
			f.Owner.ClearAccessed()
			continue
		}
		return f, true
	}
	return nil, false
}

// RandomPolicy picks a uniformly random non-pinned frame. The spec calls
// this out as "a simpler fallback for testing" alongside the clock
// policy; it never touches the access bit.
type RandomPolicy struct{}

func (RandomPolicy) Select(list []*Frame, cursor *int) (*Frame, bool) {
	n := len(list)
	if n == 0 {
		return nil, false
	}
	candidates := make([]*Frame, 0, n)
	for _, f := range list {
		if !f.pinned && !f.Owner.Pinned() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[rand.Intn(len(candidates))], true
}

const shardCount = 16

// shard is one bucket of the kpage index, following the same
// lock-per-bucket shape hashtable.Hashtable_t uses to keep a hot lookup
// off one global lock -- adapted here to a fixed Go map per shard since
// the frame table's key (a pointer) hashes cheaply and needs none of the
// multi-type dispatch the teacher's generic hashtable carries.
type shard struct {
	mu sync.RWMutex
	m  map[mem.Kpage_t]*Frame
}

// index is the frame table's kpage -> *Frame secondary structure,
// closing the Open Question about frame_lookup's asymptotics: the
// clock-ordered slice remains the source of truth for eviction order,
// and this index makes Lookup O(1) instead of a linear scan.
type index struct {
	shards [shardCount]*shard
}

func newIndex() *index {
	ix := &index{}
	for i := range ix.shards {
		ix.shards[i] = &shard{m: make(map[mem.Kpage_t]*Frame)}
	}
	return ix
}

func (ix *index) shardFor(kpage mem.Kpage_t) *shard {
	h := uintptr(kpageAddr(kpage))
	return ix.shards[(h>>4)%shardCount]
}

func (ix *index) put(kpage mem.Kpage_t, f *Frame) {
	s := ix.shardFor(kpage)
	s.mu.Lock()
	s.m[kpage] = f
	s.mu.Unlock()
}

func (ix *index) del(kpage mem.Kpage_t) {
	s := ix.shardFor(kpage)
	s.mu.Lock()
	delete(s.m, kpage)
	s.mu.Unlock()
}

func (ix *index) get(kpage mem.Kpage_t) (*Frame, bool) {
	s := ix.shardFor(kpage)
	s.mu.RLock()
	f, ok := s.m[kpage]
	s.mu.RUnlock()
	return f, ok
}

// Table is the global frame table: a bounded pool of physical pages, the
// clock-ordered membership list eviction scans, and the kpage index.
// Invariant (data model 3.8): a kpage is a member of list/index exactly
// while its owner's state is Loaded, plus the pinned window between
// Allocate and the caller finishing its install (see Allocate).
type Table struct {
	mu     sync.Mutex
	pool   *mem.Pool_t
	policy Policy
	list   []*Frame
	cursor int
	index  *index
}

// NewTable builds a frame table over pool using policy for eviction. A
// nil policy defaults to ClockPolicy{}.
func NewTable(pool *mem.Pool_t, policy Policy) *Table {
	if policy == nil {
		policy = ClockPolicy{}
	}
	return &Table{pool: pool, policy: policy, index: newIndex()}
}

// Allocate reserves a physical page for owner and registers it in the
// frame table, pinned. Per the Open Question resolution on the
// insert/install race, the frame is a full table member (visible to
// Lookup) from the moment Allocate returns, but pinned -- so no eviction
// can touch it -- until the caller finishes installing owner's mapping
// and calls Unpin. It returns false, without touching the table, if the
// underlying pool is exhausted.
func (t *Table) Allocate(owner Owner) (*Frame, bool) {
	pg, ok := t.pool.Alloc()
	if !ok {
		return nil, false
	}
	f := &Frame{Kpage: pg, Owner: owner, pinned: true}
	t.mu.Lock()
	t.list = append(t.list, f)
	t.mu.Unlock()
	t.index.put(pg, f)
	return f, true
}

// Unpin clears the table's own pin on f, making it eligible for
// eviction. Callers take this step only after owner's mapping has been
// installed and owner.state is Loaded.
func (t *Table) Unpin(f *Frame) {
	t.mu.Lock()
	f.pinned = false
	t.mu.Unlock()
}

// Evict selects a victim via the table's policy, pins it (so the caller
// may release-and-do-I/O without racing a second evictor), and returns
// it without removing it from the table. The caller performs the
// type-specific write-back (swap or mmap file), then must call Remove
// followed by Free to complete the eviction.
func (t *Table) Evict() (*Frame, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	victim, ok := t.policy.Select(t.list, &t.cursor)
	if !ok {
		return nil, defs.ENOMEM
	}
	victim.pinned = true
	if frame_debug {
		fmt.Printf("frame: evict kpage %v\n", victim.Kpage)
	}
	return victim, 0
}

// Remove detaches f from the clock list and the kpage index. It does
// not return f.Kpage to the pool; call Free separately once the caller
// has finished using the page's contents (e.g. after the write-back
// read-out).
func (t *Table) Remove(f *Frame) {
	t.mu.Lock()
	for i, e := range t.list {
		if e == f {
			t.list = append(t.list[:i], t.list[i+1:]...)
			if t.cursor > i {
				t.cursor--
			} else if t.cursor >= len(t.list) {
				t.cursor = 0
			}
			break
		}
	}
	t.mu.Unlock()
	t.index.del(f.Kpage)
}

// Free returns kpage to the backing pool. Call only after Remove.
func (t *Table) Free(kpage mem.Kpage_t) {
	t.pool.Free(kpage)
}

// AllocateWithEviction reserves a page for owner, evicting a victim and
// retrying if the pool is exhausted. evict performs the type-specific
// write-back for a chosen victim (swap-out for a Normal/Zero/Code page,
// write-back-to-file for Mmap) and must leave the victim's owner in a
// state consistent with "no longer Loaded" before returning; frame
// bookkeeping (Remove/Free) is handled here, not by evict. Per 4.F, this
// is guaranteed to succeed unless committed pages exceed physical
// memory, which is a fatal condition the caller cannot recover from.
func (t *Table) AllocateWithEviction(owner Owner, evict func(victim *Frame) defs.Err_t) (*Frame, defs.Err_t) {
	for {
		if f, ok := t.Allocate(owner); ok {
			return f, 0
		}
		victim, err := t.Evict()
		if err != 0 {
			panic("frame: eviction found no victim with memory exhausted")
		}
		if err := evict(victim); err != 0 {
			t.Unpin(victim)
			return nil, err
		}
		t.Remove(victim)
		t.Free(victim.Kpage)
	}
}

// Lookup returns the frame currently holding kpage, if any.
func (t *Table) Lookup(kpage mem.Kpage_t) (*Frame, bool) {
	return t.index.get(kpage)
}

// Len returns the number of resident frames.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.list)
}
