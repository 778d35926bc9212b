package mmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blkcache"
	"blockdev"
	"frame"
	"inode"
	"mem"
	"swap"
	"vm"
)

func newFixture(t *testing.T) (*vm.Spt, *inode.Table) {
	pool := mem.NewPool(8)
	ft := frame.NewTable(pool, nil)

	swapDev := blockdev.NewMem(64 * swap.PageSectors)
	swapA := swap.New(swapDev)

	fsDev := blockdev.NewMem(4096)
	cache := blkcache.New(fsDev, 64)
	alloc := inode.NewBitmapAllocator(1, 4095)
	itbl := inode.NewTable(cache, alloc)

	spt := vm.New(ft, swapA, itbl, 0x1000, 0x2000)
	return spt, itbl
}

// TestCreateCoversFileLength is scenario S6's setup half: a three-page
// file maps to exactly three Mmap SPT entries with the last page's
// read_bytes clamped to the remaining file length.
func TestCreateCoversFileLength(t *testing.T) {
	spt, itbl := newFixture(t)

	h, err := itbl.Create(false)
	require.Zero(t, err)
	content := make([]byte, 2*mem.PGSIZE+100)
	for i := range content {
		content[i] = byte(i)
	}
	_, err = itbl.WriteAt(h, content, 0)
	require.Zero(t, err)
	sector := h.Sector()
	itbl.Put(h)

	const base = uintptr(0x4000)
	m, err := Create(spt, itbl, sector, base, true)
	require.Zero(t, err)
	assert.Equal(t, 3, m.Pages())

	for p := 0; p < 3; p++ {
		e, ok := spt.Lookup(base + uintptr(p)*mem.PGSIZE)
		require.True(t, ok)
		assert.Equal(t, vm.Mmap, e.Type())
	}

	require.Zero(t, spt.Load(mustLookup(t, spt, base), false))
	data := mustLookup(t, spt, base).Kpage()
	assert.Equal(t, content[:mem.PGSIZE], data[:])

	last, ok := spt.Lookup(base + 2*mem.PGSIZE)
	require.True(t, ok)
	require.Zero(t, spt.Load(last, false))
	assert.Equal(t, content[2*mem.PGSIZE:], last.Kpage()[:100])
	for i := 100; i < mem.PGSIZE; i++ {
		assert.Equal(t, byte(0), last.Kpage()[i])
	}

	m.Destroy()
	_, ok = spt.Lookup(base)
	assert.False(t, ok)
}

// TestRejectsMisalignedAddress covers Create's uaddr validation.
func TestRejectsMisalignedAddress(t *testing.T) {
	spt, itbl := newFixture(t)
	h, err := itbl.Create(false)
	require.Zero(t, err)
	sector := h.Sector()
	itbl.Put(h)

	_, err = Create(spt, itbl, sector, 0x4001, true)
	assert.NotZero(t, err)
}

// TestDestroyWritesBackDirtyPage is scenario S6: a dirty Mmap page's
// contents are written to the backing file when the mapping is torn
// down.
func TestDestroyWritesBackDirtyPage(t *testing.T) {
	spt, itbl := newFixture(t)

	h, err := itbl.Create(false)
	require.Zero(t, err)
	_, err = itbl.WriteAt(h, make([]byte, mem.PGSIZE), 0)
	require.Zero(t, err)
	sector := h.Sector()
	itbl.Put(h)

	const base = uintptr(0x4000)
	m, err := Create(spt, itbl, sector, base, true)
	require.Zero(t, err)

	e := mustLookup(t, spt, base)
	require.Zero(t, spt.Load(e, false))
	copy(e.Kpage()[:5], []byte("hello"))
	e.MarkDirty()

	m.Destroy()

	reopened, err := itbl.Get(sector)
	require.Zero(t, err)
	defer itbl.Put(reopened)
	buf := make([]byte, 5)
	n, err := itbl.ReadAt(reopened, buf, 0)
	require.Zero(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func mustLookup(t *testing.T, spt *vm.Spt, uaddr uintptr) *vm.Entry {
	e, ok := spt.Lookup(uaddr)
	require.True(t, ok)
	return e
}
