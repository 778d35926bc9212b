// Package mem manages physical memory for the VM core: fixed-size pages
// allocated from a bounded pool. It plays the role the teacher kernel's
// Physmem_t plays for Pa_t pages, simplified to a free-list allocator over
// a committed page budget -- this tree has no real page tables or TLB to
// drive, so there is nothing for a direct-map/refcount scheme to buy us.
package mem

import "sync"

// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks the in-page offset of an address.
const PGOFFSET = PGSIZE - 1

// Page_t is one physical page's backing storage.
type Page_t [PGSIZE]byte

// Kpage_t is a kernel-virtual address for a physical frame, per the
// glossary: a pointer to the page's backing storage. It is comparable, so
// it doubles as the frame table's lookup key.
type Kpage_t = *Page_t

// Pool_t is a bounded allocator of physical pages, representing total
// installed memory. Exhaustion is an ordinary allocation failure here;
// frame.Table turns that into eviction.
type Pool_t struct {
	mu       sync.Mutex
	free     []Kpage_t
	capacity int
	inUse    int
}

// NewPool creates a pool backed by capacity freshly allocated pages.
func NewPool(capacity int) *Pool_t {
	p := &Pool_t{capacity: capacity}
	p.free = make([]Kpage_t, 0, capacity)
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, new(Page_t))
	}
	return p
}

// Capacity returns the total number of pages in the pool.
func (p *Pool_t) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

// InUse returns the number of pages currently allocated.
func (p *Pool_t) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Alloc reserves a page and returns it zero-filled. It returns false if the
// pool is exhausted.
func (p *Pool_t) Alloc() (Kpage_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, false
	}
	n := len(p.free) - 1
	pg := p.free[n]
	p.free = p.free[:n]
	p.inUse++
	*pg = Page_t{}
	return pg, true
}

// Free returns a page to the pool.
func (p *Pool_t) Free(pg Kpage_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, pg)
	p.inUse--
}

// Zero clears pg in place without touching the pool budget, used by SPT
// load-Zero and before a file-backed load fills the page.
func Zero(pg Kpage_t) {
	*pg = Page_t{}
}
