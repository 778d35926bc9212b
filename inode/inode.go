// Package inode implements the on-disk inode format and the in-memory
// inode handle: depth-growing indirect block trees over the block
// cache, following the extent-tree shape of the teacher kernel's fs
// package (Ufs_t's underlying inode, not carried here directly since the
// teacher's own inode.go was not part of the retrieved source) but with
// this tree's own depth/growth contract.
package inode

import (
	"encoding/binary"
	"sync"

	"blkcache"
	"blockdev"
	"defs"
	"util"
)

// Magic identifies a valid on-disk inode sector ("INOD").
const Magic = 0x494e4f44

// headerBytes is the space consumed by Length, Depth, IsDir and Magic in
// the on-disk layout, each a 4-byte field.
const headerBytes = 16

// N is the number of direct block pointers, sized so the on-disk inode
// fills exactly one sector: (sector_size - header) / 4.
const N = (blockdev.SectorSize - headerBytes) / 4

// MaxDepth caps how deep grow_depth will push a tree. The reference
// implementation's own effective ceiling is about 3 for realistic device
// sizes (N^4 sectors is already far past any disk this tree simulates);
// capping here closes the Open Question about depth's representable
// range without ever being reachable in practice.
const MaxDepth = 3

// Disk is the on-disk inode layout: length, depth, the directory flag,
// N direct block pointers, and the trailing magic number. It must
// encode to exactly one sector.
type Disk struct {
	Length int32
	Depth  uint32
	IsDir  uint32
	Blocks [N]uint32
	Magic  uint32
}

// Encode serializes d into a full sector buffer.
func Encode(d *Disk) [blockdev.SectorSize]byte {
	var buf [blockdev.SectorSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Length))
	binary.LittleEndian.PutUint32(buf[4:8], d.Depth)
	binary.LittleEndian.PutUint32(buf[8:12], d.IsDir)
	off := 12
	for _, b := range d.Blocks {
		binary.LittleEndian.PutUint32(buf[off:off+4], b)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], Magic)
	return buf
}

// Decode parses a sector buffer into a Disk, failing if the magic number
// does not match.
func Decode(buf []byte) (Disk, defs.Err_t) {
	if len(buf) != blockdev.SectorSize {
		return Disk{}, defs.EINVAL
	}
	var d Disk
	d.Length = int32(binary.LittleEndian.Uint32(buf[0:4]))
	d.Depth = binary.LittleEndian.Uint32(buf[4:8])
	d.IsDir = binary.LittleEndian.Uint32(buf[8:12])
	off := 12
	for i := range d.Blocks {
		d.Blocks[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	magic := binary.LittleEndian.Uint32(buf[off : off+4])
	if magic != Magic {
		return Disk{}, defs.EINVAL
	}
	return d, 0
}

// Allocator hands out and reclaims free disk sectors for inode and data
// use. cmd/mkfs and the tests wire the in-memory BitmapAllocator below.
type Allocator interface {
	Alloc() (sector int, ok bool)
	Free(sector int)
}

// BitmapAllocator is a free-sector allocator over a bitmap covering
// [Start, Start+Count), mirroring the bit-per-slot shape swap.Area_t
// uses for page-sized slots, here at sector granularity.
type BitmapAllocator struct {
	mu     sync.Mutex
	start  int
	bitmap []bool
	cursor int
	inUse  int
}

// NewBitmapAllocator builds an allocator over count sectors starting at
// disk sector start.
func NewBitmapAllocator(start, count int) *BitmapAllocator {
	return &BitmapAllocator{start: start, bitmap: make([]bool, count)}
}

func (b *BitmapAllocator) Alloc() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.bitmap)
	for i := 0; i < n; i++ {
		idx := (b.cursor + i) % n
		if !b.bitmap[idx] {
			b.bitmap[idx] = true
			b.cursor = (idx + 1) % n
			b.inUse++
			return b.start + idx, true
		}
	}
	return 0, false
}

func (b *BitmapAllocator) Free(sector int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := sector - b.start
	if idx < 0 || idx >= len(b.bitmap) || !b.bitmap[idx] {
		return
	}
	b.bitmap[idx] = false
	b.inUse--
}

// Used returns the number of currently-allocated sectors.
func (b *BitmapAllocator) Used() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Handle is the in-memory inode handle: the cached disk contents plus
// the open/deny-write bookkeeping the data model requires. At most one
// Handle exists per disk sector at a time -- Table enforces that.
type Handle struct {
	mu           sync.Mutex
	sector       int
	disk         Disk
	openCount    int
	denyWriteCnt int
	removed      bool
}

func (h *Handle) Sector() int { return h.sector }

func (h *Handle) IsDir() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disk.IsDir != 0
}

func (h *Handle) Length() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(h.disk.Length)
}

// DenyWrite increments the deny-write count, refusing once it would
// exceed the open count (invariant 4.D.6 / testable property #6).
func (h *Handle) DenyWrite() defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyWriteCnt+1 > h.openCount {
		return defs.EBUSY
	}
	h.denyWriteCnt++
	return 0
}

func (h *Handle) AllowWrite() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.denyWriteCnt > 0 {
		h.denyWriteCnt--
	}
}

// Table is the process-wide open-inode table: at most one Handle per
// disk sector, reference-counted across Get/Put. It plays the role the
// data model's "open-inode list" collaborator plays in the global
// mutable state inventory (§5).
type Table struct {
	mu    sync.Mutex
	cache *blkcache.Cache_t
	alloc Allocator
	open  map[int]*Handle
}

// NewTable builds an inode table backed by cache for disk I/O and alloc
// for sector allocation.
func NewTable(cache *blkcache.Cache_t, alloc Allocator) *Table {
	return &Table{cache: cache, alloc: alloc, open: make(map[int]*Handle)}
}

// Get returns the handle for sector, reading it from disk on the first
// reference and incrementing openCount on every call thereafter.
func (t *Table) Get(sector int) (*Handle, defs.Err_t) {
	t.mu.Lock()
	if h, ok := t.open[sector]; ok {
		h.mu.Lock()
		h.openCount++
		h.mu.Unlock()
		t.mu.Unlock()
		return h, 0
	}
	t.mu.Unlock()

	var buf [blockdev.SectorSize]byte
	if err := t.cache.ReadSector(sector, buf[:]); err != 0 {
		return nil, err
	}
	d, err := Decode(buf[:])
	if err != 0 {
		return nil, err
	}
	h := &Handle{sector: sector, disk: d, openCount: 1}

	t.mu.Lock()
	if existing, ok := t.open[sector]; ok {
		// lost the race to a concurrent Get; use its winner instead.
		existing.mu.Lock()
		existing.openCount++
		existing.mu.Unlock()
		t.mu.Unlock()
		return existing, 0
	}
	t.open[sector] = h
	t.mu.Unlock()
	return h, 0
}

// Create allocates a fresh sector and installs a zero-length inode on
// it, returning an open handle with openCount 1.
func (t *Table) Create(isDir bool) (*Handle, defs.Err_t) {
	sector, ok := t.alloc.Alloc()
	if !ok {
		return nil, defs.ENOSPC
	}
	isDirVal := uint32(0)
	if isDir {
		isDirVal = 1
	}
	d := Disk{IsDir: isDirVal}
	buf := Encode(&d)
	if err := t.cache.WriteSector(sector, buf[:]); err != 0 {
		t.alloc.Free(sector)
		return nil, err
	}
	h := &Handle{sector: sector, disk: d, openCount: 1}
	t.mu.Lock()
	t.open[sector] = h
	t.mu.Unlock()
	return h, 0
}

// Remove marks h for deletion: its storage is released once the last
// reference is Put back.
func (t *Table) Remove(h *Handle) {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

// Put releases one reference to h. On the last reference to a
// Remove-marked handle, every allocated sector (innermost first) and
// the inode sector itself are freed.
func (t *Table) Put(h *Handle) defs.Err_t {
	h.mu.Lock()
	h.openCount--
	last := h.openCount == 0
	removed := h.removed
	disk := h.disk
	sector := h.sector
	h.mu.Unlock()

	if !last {
		return 0
	}
	t.mu.Lock()
	delete(t.open, sector)
	t.mu.Unlock()

	if !removed {
		return 0
	}
	freeTree(t.cache, t.alloc, &disk, disk.Depth)
	t.alloc.Free(sector)
	return 0
}

// freeTree releases every sector reachable from node, innermost first,
// per 4.D.5. It does not free the sector holding node itself -- the caller
// does that once the node's own contents have been released.
func freeTree(cache *blkcache.Cache_t, alloc Allocator, node *Disk, depth uint32) {
	if depth == 0 {
		for _, b := range node.Blocks {
			if b != 0 {
				alloc.Free(int(b))
			}
		}
		return
	}
	for _, b := range node.Blocks {
		if b == 0 {
			continue
		}
		child, err := readNode(cache, int(b))
		if err == 0 {
			freeTree(cache, alloc, &child, depth-1)
		}
		alloc.Free(int(b))
	}
}

// readNode and writeNode are the single-sector I/O primitives the depth
// tree is built from.
func readNode(cache *blkcache.Cache_t, sector int) (Disk, defs.Err_t) {
	var buf [blockdev.SectorSize]byte
	if err := cache.ReadSector(sector, buf[:]); err != 0 {
		return Disk{}, err
	}
	return Decode(buf[:])
}

func writeNode(cache *blkcache.Cache_t, sector int, d *Disk) defs.Err_t {
	buf := Encode(d)
	return cache.WriteSector(sector, buf[:])
}

// maxBlockSize returns N^depth * sector size: the span of bytes a
// single pointer at the given depth (when depth>0 this is an indirect
// pointer) is responsible for.
func maxBlockSize(depth uint32) int64 {
	sz := int64(blockdev.SectorSize)
	for i := uint32(0); i < depth; i++ {
		sz *= N
	}
	return sz
}

// requiredDepth returns the smallest depth whose capacity (N^(depth+1)
// sectors) can hold size bytes, capped at MaxDepth.
func requiredDepth(size int64) uint32 {
	var d uint32
	for d < MaxDepth && maxBlockSize(d+1) < size {
		d++
	}
	return d
}

// ReadAt copies up to len(buf) bytes starting at offset into buf,
// returning the number of bytes actually copied; fewer than len(buf)
// signals end-of-file, not an error.
func (t *Table) ReadAt(h *Handle, buf []byte, offset int64) (int, defs.Err_t) {
	h.mu.Lock()
	length := int64(h.disk.Length)
	depth := h.disk.Depth
	root := h.disk
	h.mu.Unlock()

	if offset >= length || len(buf) == 0 {
		return 0, 0
	}
	end := offset + int64(len(buf))
	if end > length {
		end = length
	}

	total := 0
	pos := offset
	for pos < end {
		sectorOff := pos % blockdev.SectorSize
		chunk := int64(blockdev.SectorSize) - sectorOff
		if remain := end - pos; chunk > remain {
			chunk = remain
		}
		sector, ok := descendToSector(t.cache, &root, depth, pos)
		if !ok {
			break // sparse hole within length: treat as a short read
		}
		var sbuf [blockdev.SectorSize]byte
		if sector != 0 {
			if err := t.cache.ReadSector(sector, sbuf[:]); err != 0 {
				return total, err
			}
		}
		copy(buf[total:total+int(chunk)], sbuf[sectorOff:int64(sectorOff)+chunk])
		pos += chunk
		total += int(chunk)
	}
	return total, 0
}

// WriteAt writes len(buf) bytes at offset, growing the tree (depth
// first, then length) as needed so every byte written lands in an
// allocated sector, per 4.D.2.
func (t *Table) WriteAt(h *Handle, buf []byte, offset int64) (int, defs.Err_t) {
	if len(buf) == 0 {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	end := offset + int64(len(buf))
	needDepth := requiredDepth(end)
	if needDepth > h.disk.Depth {
		if err := t.growDepth(h, needDepth); err != 0 {
			return 0, err
		}
	}
	if offset > int64(h.disk.Length) {
		if err := t.growLength(h, offset, true); err != 0 {
			return 0, err
		}
	}
	if err := t.growLength(h, end, false); err != 0 {
		return 0, err
	}

	total := 0
	pos := offset
	for pos < end {
		sectorOff := pos % blockdev.SectorSize
		chunk := int64(blockdev.SectorSize) - sectorOff
		if remain := end - pos; chunk > remain {
			chunk = remain
		}
		sector, ok := descendToSector(t.cache, &h.disk, h.disk.Depth, pos)
		if !ok || sector == 0 {
			return total, defs.EIO
		}
		if err := t.cache.WriteBytes(sector, buf[total:total+int(chunk)], int(sectorOff), int(chunk)); err != 0 {
			return total, err
		}
		pos += chunk
		total += int(chunk)
	}
	if end > int64(h.disk.Length) {
		h.disk.Length = int32(end)
	}
	if err := writeNode(t.cache, h.sector, &h.disk); err != 0 {
		return total, err
	}
	return total, 0
}

// descendToSector finds the data-sector number that holds the byte at
// offset within node (rooted at the given depth), reading indirect
// nodes through cache as it goes. It returns ok=false for an unallocated
// (sparse) pointer on the path, for an offset beyond the tree's
// capacity, or when an indirect node cannot be read -- callers treat
// that as either EOF (read) or an EIO failure (write, since growLength
// should have allocated it first).
func descendToSector(cache *blkcache.Cache_t, node *Disk, depth uint32, offset int64) (int, bool) {
	if depth == 0 {
		idx := offset / blockdev.SectorSize
		if idx >= N {
			return 0, false
		}
		sector := node.Blocks[idx]
		if sector == 0 {
			return 0, false
		}
		return int(sector), true
	}
	mbs := maxBlockSize(depth)
	idx := offset / mbs
	if idx >= N {
		return 0, false
	}
	childSector := node.Blocks[idx]
	if childSector == 0 {
		return 0, false
	}
	child, err := readNode(cache, int(childSector))
	if err != 0 {
		return 0, false
	}
	return descendToSector(cache, &child, depth-1, offset%mbs)
}

// growDepth pushes h's tree to depth dNew, per 4.D.3: push the current
// root contents down into a freshly allocated sector and grow a new,
// mostly-empty root above it, one level at a time.
func (t *Table) growDepth(h *Handle, dNew uint32) defs.Err_t {
	for h.disk.Depth < dNew {
		sector, ok := t.alloc.Alloc()
		if !ok {
			return defs.ENOSPC
		}
		pushed := h.disk
		if err := writeNode(t.cache, sector, &pushed); err != 0 {
			t.alloc.Free(sector)
			return err
		}
		var fresh Disk
		fresh.Depth = h.disk.Depth + 1
		fresh.IsDir = h.disk.IsDir
		fresh.Length = h.disk.Length
		fresh.Blocks[0] = uint32(sector)
		h.disk = fresh
	}
	return 0
}

// growLength extends h's tree so that every byte up to newLen has an
// allocated backing sector, zero-filling newly touched sectors when
// zeroFill is set (used when a write starts past the current length).
// It does not update h.disk.Length; callers do that once the write
// itself has landed.
func (t *Table) growLength(h *Handle, newLen int64, zeroFill bool) defs.Err_t {
	if newLen <= 0 {
		return 0
	}
	return t.growNode(&h.disk, h.sector, h.disk.Depth, newLen, zeroFill)
}

func (t *Table) growNode(node *Disk, nodeSector int, depth uint32, targetLen int64, zeroFill bool) defs.Err_t {
	if depth == 0 {
		needed := util.Min(util.Roundup(targetLen, int64(blockdev.SectorSize))/blockdev.SectorSize, int64(N))
		for i := int64(0); i < needed; i++ {
			if node.Blocks[i] != 0 {
				continue
			}
			sector, ok := t.alloc.Alloc()
			if !ok {
				return defs.ENOSPC
			}
			if zeroFill {
				var zero [blockdev.SectorSize]byte
				if err := t.cache.WriteSector(sector, zero[:]); err != 0 {
					t.alloc.Free(sector)
					return err
				}
			}
			node.Blocks[i] = uint32(sector)
		}
		return writeNode(t.cache, nodeSector, node)
	}

	mbs := maxBlockSize(depth)
	needed := util.Min(util.Roundup(targetLen, mbs)/mbs, int64(N))
	for i := int64(0); i < needed; i++ {
		childTarget := util.Min(targetLen-i*mbs, mbs)
		if childTarget <= 0 {
			continue
		}
		var child Disk
		childSector := int(node.Blocks[i])
		if childSector == 0 {
			sector, ok := t.alloc.Alloc()
			if !ok {
				return defs.ENOSPC
			}
			childSector = sector
			child.Depth = depth - 1
			node.Blocks[i] = uint32(childSector)
		} else {
			var err defs.Err_t
			child, err = readNode(t.cache, childSector)
			if err != 0 {
				return err
			}
		}
		if err := t.growNode(&child, childSector, depth-1, childTarget, zeroFill); err != 0 {
			return err
		}
	}
	return writeNode(t.cache, nodeSector, node)
}
