package inode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blkcache"
	"blockdev"
	"defs"
)

func newFixture(t *testing.T, sectors int) (*Table, *blkcache.Cache_t) {
	dev := blockdev.NewMem(sectors)
	cache := blkcache.New(dev, 64)
	alloc := NewBitmapAllocator(1, sectors-1)
	return NewTable(cache, alloc), cache
}

func TestDiskEncodeDecodeSizeAndRoundTrip(t *testing.T) {
	d := Disk{Length: 42, Depth: 1, IsDir: 1}
	d.Blocks[0] = 7
	d.Blocks[N-1] = 99

	buf := Encode(&d)
	assert.Equal(t, blockdev.SectorSize, len(buf))

	got, err := Decode(buf[:])
	require.Zero(t, err)
	assert.Equal(t, d, got)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tbl, _ := newFixture(t, 4096)
	h, err := tbl.Create(false)
	require.Zero(t, err)

	payload := []byte("hello, inode")
	n, err := tbl.WriteAt(h, payload, 100)
	require.Zero(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = tbl.ReadAt(h, buf, 100)
	require.Zero(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

// TestDepthGrowsPastDirectCapacity is scenario S2: a write just past the
// N*sector_size direct-block capacity must grow the tree to depth 1,
// extend length accordingly, and leave everything before the write
// zero-filled.
func TestDepthGrowsPastDirectCapacity(t *testing.T) {
	tbl, _ := newFixture(t, 4*N*N)
	h, err := tbl.Create(false)
	require.Zero(t, err)

	offset := int64(N) * blockdev.SectorSize
	n, err := tbl.WriteAt(h, []byte{0x42}, offset)
	require.Zero(t, err)
	assert.Equal(t, 1, n)

	assert.EqualValues(t, 1, h.disk.Depth)
	assert.EqualValues(t, offset+1, h.disk.Length)

	buf := make([]byte, offset+1)
	n, err = tbl.ReadAt(h, buf, 0)
	require.Zero(t, err)
	assert.Equal(t, len(buf), n)
	for i := int64(0); i < offset; i++ {
		assert.Zerof(t, buf[i], "byte %d should be zero-filled", i)
	}
	assert.Equal(t, byte(0x42), buf[offset])
}

func TestReadPastEOFIsShort(t *testing.T) {
	tbl, _ := newFixture(t, 4096)
	h, err := tbl.Create(false)
	require.Zero(t, err)

	_, err = tbl.WriteAt(h, []byte("abc"), 0)
	require.Zero(t, err)

	buf := make([]byte, 10)
	n, err := tbl.ReadAt(h, buf, 0)
	require.Zero(t, err)
	assert.Equal(t, 3, n)
}

func TestWriteHoleZeroFills(t *testing.T) {
	tbl, _ := newFixture(t, 4096)
	h, err := tbl.Create(false)
	require.Zero(t, err)

	_, err = tbl.WriteAt(h, []byte("x"), 600)
	require.Zero(t, err)

	buf := make([]byte, 601)
	n, err := tbl.ReadAt(h, buf, 0)
	require.Zero(t, err)
	assert.Equal(t, 601, n)
	for i := 0; i < 600; i++ {
		assert.Zero(t, buf[i])
	}
	assert.Equal(t, byte('x'), buf[600])
}

func TestDenyWriteBoundedByOpenCount(t *testing.T) {
	tbl, _ := newFixture(t, 4096)
	h, err := tbl.Create(false)
	require.Zero(t, err)

	require.Zero(t, h.DenyWrite())
	assert.Equal(t, 1, h.openCount)
	err = h.DenyWrite()
	assert.Equal(t, defs.EBUSY, err) // second deny exceeds the single open reference

	h2, _ := tbl.Get(h.Sector())
	assert.Equal(t, 2, h2.openCount)
	require.Zero(t, h.DenyWrite())
}

func TestRemoveFreesStorageOnLastPut(t *testing.T) {
	tbl, _ := newFixture(t, 4096)
	h, err := tbl.Create(false)
	require.Zero(t, err)
	sector := h.Sector()

	_, err = tbl.WriteAt(h, []byte("payload"), 0)
	require.Zero(t, err)

	tbl.Remove(h)
	require.Zero(t, tbl.Put(h))

	// the sector is free again and a fresh Create can reclaim it.
	alloc := tbl.alloc.(*BitmapAllocator)
	got, ok := alloc.Alloc()
	require.True(t, ok)
	assert.Equal(t, sector, got)
}
