// Package swap implements the swap area: an in-memory bitmap over a raw
// block region, granular at one page (PageSectors consecutive sectors) per
// slot, matching the on-disk format note in the spec's external
// interfaces section -- swap carries no on-disk metadata of its own.
package swap

import (
	"fmt"
	"sync"

	"blockdev"
	"defs"
	"mem"
)

// swap_debug gates verbose slot-install/uninstall tracing, matching the
// teacher's bdev_debug convention in fs/blk.go.
var swap_debug = false

// PageSectors is the number of device sectors per swap slot
// (PGSIZE / SectorSize; 8 with the reference 512-byte sector and 4096-byte
// page).
const PageSectors = mem.PGSIZE / blockdev.SectorSize

// Area_t is the swap area: a flat array of page-sized slots indexed
// 0..M-1 over a dedicated block device, plus the bitmap tracking which
// slots are occupied.
type Area_t struct {
	mu     sync.Mutex
	dev    blockdev.Device_i
	bitmap []bool
	nslots int
	inUse  int
}

// New builds a swap area over dev's full extent.
func New(dev blockdev.Device_i) *Area_t {
	nslots := dev.NumSectors() / PageSectors
	return &Area_t{
		dev:    dev,
		bitmap: make([]bool, nslots),
		nslots: nslots,
	}
}

// Slots returns the total number of swap slots.
func (a *Area_t) Slots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nslots
}

// Used returns the number of occupied slots.
func (a *Area_t) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Install claims a free slot and writes kpage's contents into it,
// returning the slot index. Swap exhaustion is fatal: the caller has no
// recourse and the system halts, per the resource-exhaustion error
// taxonomy ("out of swap" is PANIC, unlike out-of-memory or out-of-disk).
func Install(a *Area_t, kpage mem.Kpage_t) int {
	a.mu.Lock()
	slot := -1
	for i, used := range a.bitmap {
		if !used {
			slot = i
			break
		}
	}
	if slot < 0 {
		a.mu.Unlock()
		panic("swap: area exhausted")
	}
	a.bitmap[slot] = true
	a.inUse++
	a.mu.Unlock()

	if err := writeSlot(a.dev, slot, kpage); err != 0 {
		a.mu.Lock()
		a.bitmap[slot] = false
		a.inUse--
		a.mu.Unlock()
		panic("swap: write-back to swap device failed")
	}
	if swap_debug {
		fmt.Printf("swap: installed slot %v\n", slot)
	}
	return slot
}

// Uninstall reads slot's contents back into kpage and frees the slot.
func Uninstall(a *Area_t, slot int, kpage mem.Kpage_t) defs.Err_t {
	a.mu.Lock()
	if slot < 0 || slot >= a.nslots || !a.bitmap[slot] {
		a.mu.Unlock()
		return defs.EINVAL
	}
	a.mu.Unlock()

	if err := readSlot(a.dev, slot, kpage); err != 0 {
		return err
	}

	a.mu.Lock()
	a.bitmap[slot] = false
	a.inUse--
	a.mu.Unlock()
	return 0
}

// Remove frees slot's bit without touching the device; used during process
// teardown when the swapped contents are being discarded, not restored.
func Remove(a *Area_t, slot int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < 0 || slot >= a.nslots || !a.bitmap[slot] {
		return
	}
	a.bitmap[slot] = false
	a.inUse--
}

func writeSlot(dev blockdev.Device_i, slot int, kpage mem.Kpage_t) defs.Err_t {
	base := slot * PageSectors
	for i := 0; i < PageSectors; i++ {
		off := i * blockdev.SectorSize
		if err := dev.WriteSector(base+i, kpage[off:off+blockdev.SectorSize]); err != 0 {
			return err
		}
	}
	return 0
}

func readSlot(dev blockdev.Device_i, slot int, kpage mem.Kpage_t) defs.Err_t {
	base := slot * PageSectors
	for i := 0; i < PageSectors; i++ {
		off := i * blockdev.SectorSize
		if err := dev.ReadSector(base+i, kpage[off:off+blockdev.SectorSize]); err != 0 {
			return err
		}
	}
	return 0
}
