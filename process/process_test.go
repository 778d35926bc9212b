package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blkcache"
	"blockdev"
	"dirfs"
	"frame"
	"inode"
	"mem"
	"swap"
	"ustr"
	"vm"
)

func newFixture(t *testing.T) (*Process, *frame.Table) {
	pool := mem.NewPool(8)
	ft := frame.NewTable(pool, nil)
	swapDev := blockdev.NewMem(64 * swap.PageSectors)
	swapA := swap.New(swapDev)
	fsDev := blockdev.NewMem(4096)
	cache := blkcache.New(fsDev, 64)
	alloc := inode.NewBitmapAllocator(1, 4095)
	itbl := inode.NewTable(cache, alloc)

	root, err := dirfs.MkRootDir(itbl)
	require.Zero(t, err)
	fs := dirfs.New(itbl, root.Sector())
	spt := vm.New(ft, swapA, itbl, 0x1000, 0x2000)

	cwd := MkRootCwd(root)
	return New(spt, fs, itbl, cwd, nil), ft
}

// TestFdTableAllocatesFromTwo covers 4.I's fd 0/1 reservation and dense
// allocation starting at 2.
func TestFdTableAllocatesFromTwo(t *testing.T) {
	p, _ := newFixture(t)

	h, err := p.Fs.Create(p.Cwd.Dir, ustr.Ustr("a"))
	require.Zero(t, err)
	fdnum := p.Fds.Install(&Fd{File: h, Perms: FdRead | FdWrite})
	assert.Equal(t, 2, fdnum)

	got, ok := p.Fds.Get(fdnum)
	require.True(t, ok)
	assert.Equal(t, h, got.File)
}

// TestFdTableGrowsWhenFull covers the table-doubling behavior.
func TestFdTableGrowsWhenFull(t *testing.T) {
	p, _ := newFixture(t)
	p.Fds = NewFdTable(1)

	h1, err := p.Fs.Create(p.Cwd.Dir, ustr.Ustr("a"))
	require.Zero(t, err)
	h2, err := p.Fs.Create(p.Cwd.Dir, ustr.Ustr("b"))
	require.Zero(t, err)

	fd1 := p.Fds.Install(&Fd{File: h1})
	fd2 := p.Fds.Install(&Fd{File: h2})
	assert.Equal(t, 2, fd1)
	assert.Equal(t, 3, fd2)

	_, ok := p.Fds.Get(fd1)
	assert.True(t, ok)
	_, ok = p.Fds.Get(fd2)
	assert.True(t, ok)
}

// TestFdTableReusesRemovedSlot.
func TestFdTableReusesRemovedSlot(t *testing.T) {
	p, _ := newFixture(t)
	h, err := p.Fs.Create(p.Cwd.Dir, ustr.Ustr("a"))
	require.Zero(t, err)
	fdnum := p.Fds.Install(&Fd{File: h})

	_, ok := p.Fds.Remove(fdnum)
	require.True(t, ok)

	h2, err := p.Fs.Create(p.Cwd.Dir, ustr.Ustr("b"))
	require.Zero(t, err)
	reused := p.Fds.Install(&Fd{File: h2})
	assert.Equal(t, fdnum, reused)
}

// TestCwdFullpathJoinsRelative covers Cwd.Fullpath's relative-path join.
func TestCwdFullpathJoinsRelative(t *testing.T) {
	p, _ := newFixture(t)
	full := p.Cwd.Canonicalpath(ustr.Ustr("a/b"))
	assert.Equal(t, "/a/b", full.String())

	abs := p.Cwd.Fullpath(ustr.Ustr("/x"))
	assert.Equal(t, "/x", abs.String())
}

// TestExitClosesFdsAndMappings is 4.I's process-exit teardown for a
// process with one open fd and one loaded anonymous page: after Exit the
// page's SPT entry and frame are gone, and a second Exit still returns 0.
// It installs no mapping and does not check the fd's handle.
func TestExitClosesFdsAndMappings(t *testing.T) {
	p, ft := newFixture(t)

	h, err := p.Fs.Create(p.Cwd.Dir, ustr.Ustr("a"))
	require.Zero(t, err)
	p.Fds.Install(&Fd{File: h})

	require.Zero(t, p.Spt.InsertAnon(0x4000, vm.Normal, true))
	e, _ := p.Spt.Lookup(0x4000)
	require.Zero(t, p.Spt.Load(e, false))

	require.Zero(t, p.Exit(0))
	_, ok := p.Spt.Lookup(0x4000)
	assert.False(t, ok)
	assert.Equal(t, 0, ft.Len())

	require.Zero(t, p.Exit(1)) // idempotent
}

// TestWaitUnblocksAfterExit covers the Wait/Exit signaling primitive.
func TestWaitUnblocksAfterExit(t *testing.T) {
	p, _ := newFixture(t)
	done := make(chan int, 1)
	go func() {
		done <- p.Wait()
	}()
	require.Zero(t, p.Exit(7))
	assert.Equal(t, 7, <-done)
}

// TestLimitTakeGive covers limit counter exhaustion and return, adapted
// from Sysatomic_t.Taken/Given.
func TestLimitTakeGive(t *testing.T) {
	l := NewLimit(1)
	assert.True(t, l.Take())
	assert.False(t, l.Take())
	l.Give()
	assert.True(t, l.Take())
}
