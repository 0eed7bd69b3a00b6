package mmu

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm/addrspace"
)

func (c *Comp) protectProcessPages(space *addrspace.AddrSpace) int {
	n := 0

	for i := range c.ipt {
		e := &c.ipt[i]

		wasMirrored := c.mirroredFor(i, space)
		if wasMirrored {
			c.dropMirror(i)
		}

		if e.Space == space && e.Valid {
			e.Valid = false
			e.Protected = true
			e.restoreTLB = wasMirrored
			n++
		}
	}

	c.hook(HookPosProtect, Event{
		Space: space.ID(),
		Frame: -1,
		Count: n,
	})

	return n
}

func (c *Comp) restoreProcessPages(space *addrspace.AddrSpace) int {
	n := 0
	toMirror := []int{}

	for i := range c.ipt {
		e := &c.ipt[i]

		var restoreTLB bool

		switch {
		case e.Space == space && e.Protected:
			restoreTLB = e.restoreTLB
		case e.IsParked(space):
			_, restoreTLB = e.unpark(space)
		default:
			continue
		}

		e.activate(space)
		n++

		if restoreTLB && e.TLBSlot < 0 {
			toMirror = append(toMirror, i)
		}
	}

	sort.Slice(toMirror, func(a, b int) bool {
		return c.ipt[toMirror[a]].LastAccessCount <
			c.ipt[toMirror[b]].LastAccessCount
	})

	for _, frame := range toMirror {
		c.mirror(frame, space)
	}

	c.hook(HookPosRestore, Event{
		Space: space.ID(),
		Frame: -1,
		Count: n,
	})

	return n
}

func (c *Comp) fork(parent, child *addrspace.AddrSpace) error {
	if parent.NumPages() != child.NumPages() {
		panic("child does not have the layout of the parent")
	}

	for vpn := 0; vpn < child.SharedPages(); vpn++ {
		ce := child.Entry(vpn)

		if e := c.findPage(vpn, parent); e != nil {
			c.syncFromTLB(e.PhysicalPage)
			c.refreshMirror(e.PhysicalPage)

			e.Sharers = append(e.Sharers, child)
			ce.Valid = true
			ce.PhysicalPage = e.PhysicalPage
			ce.Dirty = e.Dirty

			continue
		}

		ce.Invalidate()

		if !c.swap.Has(parent.ID(), vpn) {
			ce.Dirty = false
			continue
		}

		_, err := c.swap.Duplicate(parent.ID(), child.ID(), vpn)
		if err != nil {
			return fmt.Errorf("forking space %d into %d: %w",
				parent.ID(), child.ID(), err)
		}

		ce.Dirty = true
	}

	c.log.WithFields(logrus.Fields{
		"parent": parent.ID(),
		"child":  child.ID(),
	}).Debug("fork")

	return nil
}

func (c *Comp) releaseSpace(space *addrspace.AddrSpace) (frames, slots int) {
	for i := range c.ipt {
		e := &c.ipt[i]

		if c.mirroredFor(i, space) {
			c.dropMirror(i)
		}

		if !e.Maps(space) {
			continue
		}

		if c.detach(e, space) {
			frames++
		}
	}

	slots = c.swap.FreeSpace(space.ID())

	pt := space.PageTable()
	for vpn := range pt {
		pt[vpn].Invalidate()
	}

	c.log.WithFields(logrus.Fields{
		"space":  space.ID(),
		"frames": frames,
		"slots":  slots,
	}).Debug("release address space")

	return frames, slots
}
