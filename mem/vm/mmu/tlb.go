package mmu

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
)

func (c *Comp) findFreeTLBEntry() int {
	slot := c.tlbBitMap.Find()
	if slot >= 0 {
		return slot
	}

	c.evictTLBEntry()

	slot = c.tlbBitMap.Find()
	if slot < 0 {
		panic("no TLB entry can be freed")
	}

	return slot
}

func (c *Comp) findTLBLeastRecentlyUsed() int {
	victim := -1
	for i := range c.ipt {
		e := &c.ipt[i]
		if e.TLBSlot < 0 {
			continue
		}

		if victim < 0 || e.LastAccessCount < c.ipt[victim].LastAccessCount {
			victim = i
		}
	}

	return victim
}

func (c *Comp) evictTLBEntry() {
	frame := c.findTLBLeastRecentlyUsed()
	if frame < 0 {
		panic("TLB is full but no frame is mirrored")
	}

	e := &c.ipt[frame]
	slot := e.TLBSlot
	space := c.tlbSpace[slot]

	c.dropMirror(frame)
	c.stats.TLBEvictions++

	c.hook(HookPosTLBEvict, Event{
		Space:       space.ID(),
		VirtualPage: e.VirtualPage,
		Frame:       frame,
		Slot:        slot,
	})
}

// mirror loads the frame into a TLB slot on behalf of the address space. The
// mirror copies the protection bits from the page table entry of the space.
func (c *Comp) mirror(frame int, space *addrspace.AddrSpace) int {
	e := &c.ipt[frame]
	if e.TLBSlot >= 0 {
		c.dropMirror(frame)
	}

	slot := c.findFreeTLBEntry()
	pte := space.Entry(e.VirtualPage)

	c.tlb[slot] = vm.TranslationEntry{
		VirtualPage:  e.VirtualPage,
		PhysicalPage: frame,
		Valid:        true,
		ReadOnly:     pte.ReadOnly,
		Dirty:        pte.Dirty,
		CopyOnWrite:  pte.CopyOnWrite,
	}
	c.tlbSpace[slot] = space
	e.TLBSlot = slot

	return slot
}

// syncFromTLB copies the bits that the hardware sets back into the page
// table entry and the inverted page table entry.
func (c *Comp) syncFromTLB(frame int) {
	e := &c.ipt[frame]
	if e.TLBSlot < 0 {
		return
	}

	t := &c.tlb[e.TLBSlot]
	pte := c.tlbSpace[e.TLBSlot].Entry(e.VirtualPage)

	if t.Use {
		pte.Use = true
	}

	if t.Dirty {
		pte.Dirty = true
		e.Dirty = true
	}
}

// dropMirror removes the TLB mirror of the frame, if any.
func (c *Comp) dropMirror(frame int) {
	e := &c.ipt[frame]
	if e.TLBSlot < 0 {
		return
	}

	c.syncFromTLB(frame)
	c.invalidateTLBEntry(e.TLBSlot)
	e.TLBSlot = -1
}

func (c *Comp) invalidateTLBEntry(slot int) {
	c.tlb[slot].Reset()
	c.tlbSpace[slot] = nil
	c.tlbBitMap.Clear(slot)
}

// mirroredFor tells if the frame is mirrored in the TLB for the address
// space.
func (c *Comp) mirroredFor(frame int, space *addrspace.AddrSpace) bool {
	slot := c.ipt[frame].TLBSlot
	return slot >= 0 && c.tlbSpace[slot] == space
}

// refreshMirror copies the protection bits of the page table entry into the
// existing mirror of the frame.
func (c *Comp) refreshMirror(frame int) {
	e := &c.ipt[frame]
	if e.TLBSlot < 0 {
		return
	}

	c.syncFromTLB(frame)

	t := &c.tlb[e.TLBSlot]
	pte := c.tlbSpace[e.TLBSlot].Entry(e.VirtualPage)
	t.ReadOnly = pte.ReadOnly
	t.CopyOnWrite = pte.CopyOnWrite
}

func (c *Comp) mustHaveConsistentMapping(
	e *IPTEntry,
	space *addrspace.AddrSpace,
) {
	pte := space.Entry(e.VirtualPage)
	if pte.Valid && pte.PhysicalPage != e.PhysicalPage {
		panic(fmt.Sprintf(
			"inconsistent mapping: space %d page %d maps frame %d, "+
				"inverted page table has frame %d",
			space.ID(), e.VirtualPage, pte.PhysicalPage, e.PhysicalPage))
	}
}
