// Package mmap implements memory-mapped files (4.H): translating an
// open file into a run of Mmap-type SPT entries, one per page, backed by
// an independently-reopened inode handle so the mapping's lifetime is
// decoupled from whatever fd the caller used to create it. There is no
// teacher file to ground this on directly -- mmap never appears as a
// standalone package in the retrieved source, only as syscall plumbing
// inside files this tree doesn't carry -- so the page-layout arithmetic
// follows §4.H step by step, in the style vm.Spt's own file-backed load
// path already established.
package mmap

import (
	"mem"

	"defs"
	"inode"
	"vm"
)

// itbl is the narrow inode.Table surface mmap needs: reopening a sector
// for an independent handle, and releasing it again.
type itbl interface {
	Get(sector int) (*inode.Handle, defs.Err_t)
	Put(h *inode.Handle) defs.Err_t
}

// Mapping is a live memory mapping: the file it was opened against (via
// its own independent handle), the user address range it occupies, and
// the SPT it was installed into.
type Mapping struct {
	spt   *vm.Spt
	itbl  itbl
	file  *inode.Handle
	base  uintptr
	pages int
}

// Create implements mmap_file_create: it requires uaddr page-aligned and
// non-null, reopens sector (an independent handle so the mapping's close
// lifetime is not tied to the caller's own handle on the file), and
// inserts one Mmap-type SPT entry per page covering the file's length.
// Any overlapping SPT insertion fails and every prior insert from this
// call is unwound before returning the error.
func Create(spt *vm.Spt, itbl itbl, sector int, uaddr uintptr, writable bool) (*Mapping, defs.Err_t) {
	if uaddr == 0 || uaddr&uintptr(mem.PGOFFSET) != 0 {
		return nil, defs.EINVAL
	}

	file, err := itbl.Get(sector)
	if err != 0 {
		return nil, err
	}

	length := file.Length()
	pageCnt := int((length + mem.PGSIZE - 1) / mem.PGSIZE)
	if pageCnt == 0 {
		pageCnt = 1
	}

	inserted := 0
	for p := 0; p < pageCnt; p++ {
		off := int64(p) * mem.PGSIZE
		remaining := length - off
		readBytes := mem.PGSIZE
		if remaining < int64(mem.PGSIZE) {
			readBytes = int(remaining)
		}
		if readBytes < 0 {
			readBytes = 0
		}
		zeroBytes := mem.PGSIZE - readBytes

		pageAddr := uaddr + uintptr(p)*mem.PGSIZE
		if err := spt.InsertFile(pageAddr, vm.Mmap, file, off, readBytes, zeroBytes, writable, false); err != 0 {
			unwind(spt, uaddr, inserted)
			itbl.Put(file)
			return nil, err
		}
		inserted++
	}

	return &Mapping{spt: spt, itbl: itbl, file: file, base: uaddr, pages: pageCnt}, 0
}

// unwind destroys the first n SPT entries installed by a partially
// completed Create, in response to an overlap failure.
func unwind(spt *vm.Spt, base uintptr, n int) {
	for p := 0; p < n; p++ {
		pageAddr := base + uintptr(p)*mem.PGSIZE
		if e, ok := spt.Lookup(pageAddr); ok {
			spt.Destroy(e)
		}
	}
}

// Destroy implements mmap_file_destroy: for each page, destroy its SPT
// entry (which writes back dirty contents on the way, per vm.Spt.Destroy's
// Mmap handling), then close the file handle. Destroy is idempotent; a
// second call is a no-op since the per-page entries are already gone.
func (m *Mapping) Destroy() {
	for p := 0; p < m.pages; p++ {
		pageAddr := m.base + uintptr(p)*mem.PGSIZE
		if e, ok := m.spt.Lookup(pageAddr); ok {
			m.spt.Destroy(e)
		}
	}
	if m.pages > 0 {
		m.itbl.Put(m.file)
	}
	m.pages = 0
}

// Base returns the mapping's starting user address.
func (m *Mapping) Base() uintptr {
	return m.base
}

// Pages returns the number of pages the mapping covers.
func (m *Mapping) Pages() int {
	return m.pages
}
