// Package swap provides the swap device that holds evicted dirty pages.
package swap

import (
	"fmt"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/bitmap"
)

type key struct {
	space vm.SpaceID
	vpn   int
}

// A Device is a fixed number of page-sized slots on a Store. Each occupied
// slot belongs to one (address space, virtual page) pair.
type Device struct {
	lock     sync.Mutex
	store    Store
	pageSize int
	slots    *bitmap.Bitmap
	table    map[key]int

	numWrites uint64
	numReads  uint64
}

// New creates a swap device with numSlots slots of pageSize bytes.
func New(store Store, numSlots, pageSize int) *Device {
	if numSlots <= 0 {
		panic("swap device must have at least one slot")
	}

	if pageSize <= 0 {
		panic("page size must be positive")
	}

	return &Device{
		store:    store,
		pageSize: pageSize,
		slots:    bitmap.New(numSlots),
		table:    make(map[key]int),
	}
}

// PageSize returns the size of a slot.
func (d *Device) PageSize() int {
	return d.pageSize
}

// NumSlots returns the capacity of the device.
func (d *Device) NumSlots() int {
	return d.slots.Len()
}

// NumFree returns the number of free slots.
func (d *Device) NumFree() int {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.slots.NumClear()
}

// Has tells if the page has a slot.
func (d *Device) Has(space vm.SpaceID, vpn int) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	_, found := d.table[key{space, vpn}]

	return found
}

// SlotOf returns the slot of the page, or -1.
func (d *Device) SlotOf(space vm.SpaceID, vpn int) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	slot, found := d.table[key{space, vpn}]
	if !found {
		return -1
	}

	return slot
}

// SlotsOf returns how many slots the address space holds.
func (d *Device) SlotsOf(space vm.SpaceID) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	n := 0
	for k := range d.table {
		if k.space == space {
			n++
		}
	}

	return n
}

// Stats returns the number of slot writes and reads performed.
func (d *Device) Stats() (writes, reads uint64) {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.numWrites, d.numReads
}

// WriteSlot writes one page of the address space. A page that already has a
// slot is overwritten in place; otherwise the lowest free slot is used.
func (d *Device) WriteSlot(space vm.SpaceID, vpn int, frame []byte) (int, error) {
	d.mustBePageSized(frame)

	d.lock.Lock()
	defer d.lock.Unlock()

	k := key{space, vpn}

	slot, found := d.table[k]
	if !found {
		slot = d.slots.Find()
		if slot < 0 {
			return -1, fmt.Errorf("space %d page %d: %w",
				space, vpn, vm.ErrSwapExhausted)
		}
	}

	_, err := d.store.WriteAt(frame, d.offset(slot))
	if err != nil {
		if !found {
			d.slots.Clear(slot)
		}

		return -1, fmt.Errorf("writing swap slot %d: %w", slot, err)
	}

	d.table[k] = slot
	d.numWrites++

	return slot, nil
}

// ReadSlot reads the page of the address space into dst. The slot stays
// allocated; call FreeSlot once the content is safe elsewhere.
func (d *Device) ReadSlot(space vm.SpaceID, vpn int, dst []byte) error {
	d.mustBePageSized(dst)

	d.lock.Lock()
	defer d.lock.Unlock()

	slot, found := d.table[key{space, vpn}]
	if !found {
		return fmt.Errorf("space %d page %d: %w", space, vpn, vm.ErrNotInSwap)
	}

	n, err := d.store.ReadAt(dst, d.offset(slot))
	if n < len(dst) {
		return fmt.Errorf("reading swap slot %d: %w", slot, err)
	}

	d.numReads++

	return nil
}

// FreeSlot releases the slot of the page. It reports whether the page had a
// slot.
func (d *Device) FreeSlot(space vm.SpaceID, vpn int) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	return d.free(key{space, vpn})
}

// FreeSpace releases every slot of the address space and returns how many
// were released.
func (d *Device) FreeSpace(space vm.SpaceID) int {
	d.lock.Lock()
	defer d.lock.Unlock()

	n := 0
	for k := range d.table {
		if k.space == space && d.free(k) {
			n++
		}
	}

	return n
}

// Duplicate copies the slot of a page from one address space to another.
// Fork uses it for pages that the parent has swapped out.
func (d *Device) Duplicate(from, to vm.SpaceID, vpn int) (int, error) {
	buf := make([]byte, d.pageSize)

	err := d.ReadSlot(from, vpn, buf)
	if err != nil {
		return -1, err
	}

	return d.WriteSlot(to, vpn, buf)
}

func (d *Device) free(k key) bool {
	slot, found := d.table[k]
	if !found {
		return false
	}

	delete(d.table, k)
	d.slots.Clear(slot)

	return true
}

func (d *Device) offset(slot int) int64 {
	return int64(slot) * int64(d.pageSize)
}

func (d *Device) mustBePageSized(buf []byte) {
	if len(buf) != d.pageSize {
		panic(fmt.Sprintf("swap buffer is %d bytes, page size is %d",
			len(buf), d.pageSize))
	}
}
