// Package blockdev simulates the raw block-device collaborator assumed by
// the rest of this tree: block_size/block_read/block_write on fixed-size
// sectors. Two backends are provided: an in-memory device for tests and a
// file-backed device, memory-mapped with golang.org/x/sys/unix, for
// anything that wants the cache's writes to actually persist.
package blockdev

import (
	"sync"

	"golang.org/x/sys/unix"

	"defs"
)

// SectorSize is the fixed sector size assumed throughout the tree.
const SectorSize = 512

// Device_i is the collaborator interface everything else in this module
// depends on. Sector numbers are zero-based; ReadSector/WriteSector always
// transfer exactly SectorSize bytes.
type Device_i interface {
	NumSectors() int
	ReadSector(sector int, buf []byte) defs.Err_t
	WriteSector(sector int, buf []byte) defs.Err_t
	Sync() defs.Err_t
	Close() error
}

// Mem_t is an in-memory block device backed by a flat byte slice. It never
// fails except on out-of-range sector numbers or a buffer that is not
// exactly one sector, which makes it convenient
// for unit tests that want to drive eviction and failure paths without a
// real disk.
type Mem_t struct {
	mu   sync.Mutex
	data []byte
}

// NewMem allocates an in-memory device of the given sector count.
func NewMem(sectors int) *Mem_t {
	return &Mem_t{data: make([]byte, sectors*SectorSize)}
}

func (m *Mem_t) NumSectors() int { return len(m.data) / SectorSize }

func (m *Mem_t) ReadSector(sector int, buf []byte) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sector < 0 || sector >= m.NumSectors() || len(buf) != SectorSize {
		return defs.EINVAL
	}
	copy(buf, m.data[sector*SectorSize:(sector+1)*SectorSize])
	return 0
}

func (m *Mem_t) WriteSector(sector int, buf []byte) defs.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sector < 0 || sector >= m.NumSectors() || len(buf) != SectorSize {
		return defs.EINVAL
	}
	copy(m.data[sector*SectorSize:(sector+1)*SectorSize], buf)
	return 0
}

func (m *Mem_t) Sync() defs.Err_t { return 0 }
func (m *Mem_t) Close() error     { return nil }

// File_t is a block device backed by a regular file, mapped into this
// process's address space with unix.Mmap so that Sync can issue a real
// msync(2) rather than a hand-rolled write-back loop.
type File_t struct {
	mu   sync.Mutex
	fd   int
	data []byte
}

// OpenFile maps path, which must already be sectors*SectorSize bytes long,
// as a read/write shared mapping.
func OpenFile(path string, sectors int) (*File_t, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	size := sectors * SectorSize
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &File_t{fd: fd, data: data}, nil
}

func (f *File_t) NumSectors() int { return len(f.data) / SectorSize }

func (f *File_t) ReadSector(sector int, buf []byte) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sector < 0 || sector >= f.NumSectors() || len(buf) != SectorSize {
		return defs.EINVAL
	}
	copy(buf, f.data[sector*SectorSize:(sector+1)*SectorSize])
	return 0
}

func (f *File_t) WriteSector(sector int, buf []byte) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sector < 0 || sector >= f.NumSectors() || len(buf) != SectorSize {
		return defs.EINVAL
	}
	copy(f.data[sector*SectorSize:(sector+1)*SectorSize], buf)
	return 0
}

// Sync flushes the mapping back to the backing file with msync(2).
func (f *File_t) Sync() defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
		return defs.EIO
	}
	return 0
}

func (f *File_t) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := unix.Munmap(f.data)
	if cerr := unix.Close(f.fd); err == nil {
		err = cerr
	}
	return err
}
