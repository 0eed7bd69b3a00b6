package mmu

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
)

// findLeastRecentlyUsed returns the occupied frame with the smallest access
// stamp. Frames of switched-out address spaces are candidates too. Ties go to
// the lowest frame.
func (c *Comp) findLeastRecentlyUsed() int {
	victim := -1
	for i := range c.ipt {
		e := &c.ipt[i]
		if !e.Occupied() || e.pinned {
			continue
		}

		if victim < 0 || e.LastAccessCount < c.ipt[victim].LastAccessCount {
			victim = i
		}
	}

	return victim
}

// evictPage frees the least recently used frame and returns it. A dirty page
// is written to swap for every address space that maps it before the frame
// is reclaimed. If the write-back fails, nothing is unmapped.
func (c *Comp) evictPage() (int, error) {
	frame := c.findLeastRecentlyUsed()
	if frame < 0 {
		return -1, vm.ErrNoFrame
	}

	e := &c.ipt[frame]
	c.syncFromTLB(frame)

	mappers := e.mappers()
	dirty := e.Dirty
	vpn := e.VirtualPage

	if dirty {
		err := c.writeBack(e, mappers)
		if err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"frame": frame,
				"space": e.Space.ID(),
				"vpn":   vpn,
			}).Warn("cannot write back evicted page")

			return -1, err
		}

		c.stats.DirtyEvictions++
	}

	c.dropMirror(frame)

	for _, s := range mappers {
		unmap(s.Entry(vpn), dirty)
	}

	c.freeFrame(frame)
	c.stats.Evictions++

	c.log.WithFields(logrus.Fields{
		"frame":   frame,
		"space":   mappers[0].ID(),
		"vpn":     vpn,
		"dirty":   dirty,
		"mappers": len(mappers),
	}).Debug("evict")

	c.hook(HookPosEvict, Event{
		Space:       mappers[0].ID(),
		VirtualPage: vpn,
		Frame:       frame,
		Dirty:       dirty,
		Count:       len(mappers),
	})

	return frame, nil
}

// writeBack saves the frame to swap for every mapper. On failure, the slots
// already written are released again.
func (c *Comp) writeBack(e *IPTEntry, mappers []*addrspace.AddrSpace) error {
	data := c.frame(e.PhysicalPage)

	for i, s := range mappers {
		slot, err := c.swap.WriteSlot(s.ID(), e.VirtualPage, data)
		if err != nil {
			for _, done := range mappers[:i] {
				c.swap.FreeSlot(done.ID(), e.VirtualPage)
			}

			if !errors.Is(err, vm.ErrSwapExhausted) {
				err = fmt.Errorf("%w: %w", vm.ErrSwapExhausted, err)
			}

			return err
		}

		c.stats.SwapOuts++

		c.hook(HookPosSwapOut, Event{
			Space:       s.ID(),
			VirtualPage: e.VirtualPage,
			Frame:       e.PhysicalPage,
			Slot:        slot,
			Dirty:       true,
		})
	}

	return nil
}

// unmap invalidates the page table entry of an evicted page. The page is
// private to the address space from now on.
func unmap(pte *vm.TranslationEntry, dirty bool) {
	pte.Invalidate()
	pte.Dirty = dirty

	if pte.CopyOnWrite {
		pte.ReadOnly = false
		pte.CopyOnWrite = false
	}
}

// writePageToSwap saves the copy of the page that the address space sees to
// swap and unmaps it. Other address spaces that share the frame keep it.
func (c *Comp) writePageToSwap(
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	e := c.findPage(vpn, space)
	if e == nil {
		return -1, fmt.Errorf("space %d page %d is not resident",
			space.ID(), vpn)
	}

	frame := e.PhysicalPage
	c.syncFromTLB(frame)

	slot, err := c.swap.WriteSlot(space.ID(), vpn, c.frame(frame))
	if err != nil {
		return -1, err
	}

	c.stats.SwapOuts++

	if c.mirroredFor(frame, space) {
		c.dropMirror(frame)
	}

	c.detach(e, space)
	unmap(space.Entry(vpn), true)

	c.hook(HookPosSwapOut, Event{
		Space:       space.ID(),
		VirtualPage: vpn,
		Frame:       frame,
		Slot:        slot,
		Dirty:       true,
	})

	return slot, nil
}
