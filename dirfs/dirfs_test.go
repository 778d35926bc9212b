package dirfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blkcache"
	"blockdev"
	"inode"
	"ustr"
)

func newFixture(t *testing.T) (*Filesystem, *inode.Table, *inode.Handle) {
	dev := blockdev.NewMem(8192)
	cache := blkcache.New(dev, 128)
	alloc := inode.NewBitmapAllocator(1, 8191)
	itbl := inode.NewTable(cache, alloc)

	root, err := MkRootDir(itbl)
	require.Zero(t, err)
	return New(itbl, root.Sector()), itbl, root
}

// TestMkdirDotDotAndReaddir is scenario S3: mkdir("/a"); mkdir("/a/b");
// readdir("/a") == ["b"] (no "." or ".."), and "/a/b/../b" resolves to
// the same inode as "/a/b".
func TestMkdirDotDotAndReaddir(t *testing.T) {
	fs, itbl, root := newFixture(t)
	defer itbl.Put(root)

	require.Zero(t, fs.MkDir(root, ustr.Ustr("/a")))
	require.Zero(t, fs.MkDir(root, ustr.Ustr("/a/b")))

	names, err := fs.ReadDir(root, ustr.Ustr("/a"))
	require.Zero(t, err)
	assert.Equal(t, []string{"b"}, names)

	direct, err := fs.Open(root, ustr.Ustr("/a/b"))
	require.Zero(t, err)
	defer itbl.Put(direct)

	viaDotDot, err := fs.Open(root, ustr.Ustr("/a/b/../b"))
	require.Zero(t, err)
	defer itbl.Put(viaDotDot)

	assert.Equal(t, direct.Sector(), viaDotDot.Sector())
}

func TestCreateAndReadBackFile(t *testing.T) {
	fs, itbl, root := newFixture(t)
	defer itbl.Put(root)

	h, err := fs.Create(root, ustr.Ustr("hello.txt"))
	require.Zero(t, err)
	n, err := itbl.WriteAt(h, []byte("world"), 0)
	require.Zero(t, err)
	assert.Equal(t, 5, n)
	itbl.Put(h)

	opened, err := fs.Open(root, ustr.Ustr("hello.txt"))
	require.Zero(t, err)
	defer itbl.Put(opened)

	buf := make([]byte, 5)
	n, err = itbl.ReadAt(opened, buf, 0)
	require.Zero(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "world", string(buf))
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	fs, itbl, root := newFixture(t)
	defer itbl.Put(root)

	h, err := fs.Create(root, ustr.Ustr("dup"))
	require.Zero(t, err)
	itbl.Put(h)

	_, err = fs.Create(root, ustr.Ustr("dup"))
	assert.NotZero(t, err)
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	fs, itbl, root := newFixture(t)
	defer itbl.Put(root)

	require.Zero(t, fs.MkDir(root, ustr.Ustr("/a")))
	require.Zero(t, fs.MkDir(root, ustr.Ustr("/a/b")))

	err := fs.Remove(root, ustr.Ustr("/a"))
	assert.NotZero(t, err)

	require.Zero(t, fs.Remove(root, ustr.Ustr("/a/b")))
	require.Zero(t, fs.Remove(root, ustr.Ustr("/a")))
}

func TestRenameMovesEntry(t *testing.T) {
	fs, itbl, root := newFixture(t)
	defer itbl.Put(root)

	h, err := fs.Create(root, ustr.Ustr("old.txt"))
	require.Zero(t, err)
	sector := h.Sector()
	itbl.Put(h)

	require.Zero(t, fs.Rename(root, ustr.Ustr("old.txt"), ustr.Ustr("new.txt")))

	_, err = fs.Open(root, ustr.Ustr("old.txt"))
	assert.NotZero(t, err)

	moved, err := fs.Open(root, ustr.Ustr("new.txt"))
	require.Zero(t, err)
	defer itbl.Put(moved)
	assert.Equal(t, sector, moved.Sector())
}

func TestStatReportsSizeAndKind(t *testing.T) {
	fs, itbl, root := newFixture(t)
	defer itbl.Put(root)

	h, err := fs.Create(root, ustr.Ustr("f"))
	require.Zero(t, err)
	_, err = itbl.WriteAt(h, []byte("hello"), 0)
	require.Zero(t, err)
	itbl.Put(h)

	st, err := fs.Stat(root, ustr.Ustr("f"))
	require.Zero(t, err)
	assert.False(t, st.IsDir())
	assert.Equal(t, uint(5), st.Size())

	require.Zero(t, fs.MkDir(root, ustr.Ustr("d")))
	dst, err := fs.Stat(root, ustr.Ustr("d"))
	require.Zero(t, err)
	assert.True(t, dst.IsDir())
}
