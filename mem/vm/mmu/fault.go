package mmu

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
)

func (c *Comp) classify(
	space *addrspace.AddrSpace,
	vpn int,
	writing bool,
) (vm.FaultKind, error) {
	if !space.InBounds(vpn) {
		return 0, fmt.Errorf("space %d page %d: %w",
			space.ID(), vpn, vm.ErrAddress)
	}

	if c.findPage(vpn, space) != nil {
		pte := space.Entry(vpn)
		if writing && pte.ReadOnly {
			if !pte.CopyOnWrite {
				return 0, fmt.Errorf("space %d page %d: %w",
					space.ID(), vpn, vm.ErrReadOnly)
			}

			return vm.CopyOnWriteFault, nil
		}

		return vm.SoftFault, nil
	}

	if c.swap.Has(space.ID(), vpn) {
		return vm.HardFaultDirty, nil
	}

	return vm.HardFaultClean, nil
}

func (c *Comp) handlePageFault(
	addr uint64,
	vpn int,
	space *addrspace.AddrSpace,
	kind vm.FaultKind,
) error {
	if !space.InBounds(vpn) {
		return fmt.Errorf("space %d page %d: %w",
			space.ID(), vpn, vm.ErrAddress)
	}

	var (
		frame int
		err   error
	)

	switch kind {
	case vm.HardFaultClean:
		c.stats.HardCleanFaults++
		frame, err = c.loadFromExecutableToMemory(addr, vpn, space)
	case vm.HardFaultDirty:
		c.stats.HardDirtyFaults++
		frame, err = c.loadFromSwapToMemory(vpn, space)
	case vm.CopyOnWriteFault:
		c.stats.CopyOnWriteFaults++
		frame, err = c.copyOnWrite(vpn, space)
	case vm.SoftFault:
		c.stats.SoftFaults++
		_, err = c.reloadTLBWithValidEntry(vpn, space)
		if e := c.findPage(vpn, space); e != nil {
			frame = e.PhysicalPage
		}
	default:
		panic(fmt.Sprintf("unknown fault kind %d", kind))
	}

	c.log.WithFields(logrus.Fields{
		"kind":  kind,
		"space": space.ID(),
		"vpn":   vpn,
		"frame": frame,
	}).Debug("page fault")

	if err != nil {
		return err
	}

	c.hook(HookPosPageFault, Event{
		Kind:        kind,
		Space:       space.ID(),
		VirtualPage: vpn,
		Frame:       frame,
	})

	return nil
}

func (c *Comp) findFreeFrame() (int, error) {
	frame := c.memBitMap.Find()
	if frame >= 0 {
		return frame, nil
	}

	_, err := c.evictPage()
	if err != nil {
		return -1, err
	}

	frame = c.memBitMap.Find()
	if frame < 0 {
		return -1, vm.ErrNoFrame
	}

	return frame, nil
}

// loadFromExecutableToMemory brings in a page that is neither resident nor in
// swap. A page that became resident since it was classified is only put back
// into the TLB.
func (c *Comp) loadFromExecutableToMemory(
	addr uint64,
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	if e := c.findPage(vpn, space); e != nil {
		_, err := c.reloadTLBWithValidEntry(vpn, space)
		return e.PhysicalPage, err
	}

	frame, err := c.findFreeFrame()
	if err != nil {
		return -1, err
	}

	c.zeroFrame(frame)

	err = c.loadPageToMemory(addr, vpn, space, frame)
	switch {
	case errors.Is(err, vm.ErrUnbackedPage):
		c.stats.ZeroFills++
	case err != nil:
		c.zeroFrame(frame)
		c.memBitMap.Clear(frame)

		return -1, err
	}

	c.mapFrame(frame, vpn, space, false)

	return frame, nil
}

// loadPageToMemory fills the frame with the content of the page from the
// executable. It returns vm.ErrUnbackedPage for pages that have no content in
// the executable, such as the stack and uninitialized data; the frame is left
// zeroed in that case.
func (c *Comp) loadPageToMemory(
	addr uint64,
	vpn int,
	space *addrspace.AddrSpace,
	frame int,
) error {
	if !space.IsBacked(vpn) {
		return vm.ErrUnbackedPage
	}

	if c.images == nil {
		return fmt.Errorf("loading %s: no executable source",
			space.Executable())
	}

	img, err := c.images.Open(space.Executable())
	if err != nil {
		return fmt.Errorf("loading %s: %w", space.Executable(), err)
	}
	defer img.Close()

	_, err = img.ReadPage(vpn, c.frame(frame))
	if err != nil {
		return fmt.Errorf("loading address %#x: %w", addr, err)
	}

	return nil
}

func (c *Comp) loadFromSwapToMemory(
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	if e := c.findPage(vpn, space); e != nil {
		_, err := c.reloadTLBWithValidEntry(vpn, space)
		return e.PhysicalPage, err
	}

	frame, err := c.findFreeFrame()
	if err != nil {
		return -1, err
	}

	err = c.swap.ReadSlot(space.ID(), vpn, c.frame(frame))
	if err != nil {
		c.zeroFrame(frame)
		c.memBitMap.Clear(frame)

		return -1, err
	}

	slot := c.swap.SlotOf(space.ID(), vpn)
	c.swap.FreeSlot(space.ID(), vpn)
	c.stats.SwapIns++

	c.mapFrame(frame, vpn, space, true)

	c.hook(HookPosSwapIn, Event{
		Space:       space.ID(),
		VirtualPage: vpn,
		Frame:       frame,
		Slot:        slot,
		Dirty:       true,
	})

	return frame, nil
}

// mapFrame records that the frame now holds the page of the address space
// and makes the page reachable through both the page table and the TLB.
func (c *Comp) mapFrame(
	frame, vpn int,
	space *addrspace.AddrSpace,
	dirty bool,
) {
	e := &c.ipt[frame]
	e.VirtualPage = vpn
	e.Space = space
	e.Sharers = nil
	e.Valid = true
	e.Protected = false
	e.Dirty = dirty
	e.TLBSlot = -1
	e.restoreTLB = false

	pte := space.Entry(vpn)
	pte.PhysicalPage = frame
	pte.Valid = true
	pte.Use = false
	pte.Dirty = dirty

	c.updatePageAccess(frame)
	c.mirror(frame, space)
}

func (c *Comp) reloadTLBWithValidEntry(
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	e := c.findPage(vpn, space)
	if e == nil {
		return -1, c.loadNonResident(vpn, space)
	}

	c.mustHaveConsistentMapping(e, space)
	e.activate(space)

	pte := space.Entry(vpn)
	pte.Valid = true
	pte.PhysicalPage = e.PhysicalPage

	c.updatePageAccess(e.PhysicalPage)

	if c.mirroredFor(e.PhysicalPage, space) {
		c.refreshMirror(e.PhysicalPage)
		return e.TLBSlot, nil
	}

	return c.mirror(e.PhysicalPage, space), nil
}

// loadNonResident brings in a page that was evicted after it had been
// classified as resident.
func (c *Comp) loadNonResident(vpn int, space *addrspace.AddrSpace) error {
	var err error

	if c.swap.Has(space.ID(), vpn) {
		_, err = c.loadFromSwapToMemory(vpn, space)
	} else {
		addr := uint64(vpn) * uint64(c.pageSize)
		_, err = c.loadFromExecutableToMemory(addr, vpn, space)
	}

	return err
}

func (c *Comp) copyOnWrite(vpn int, space *addrspace.AddrSpace) (int, error) {
	e := c.findPage(vpn, space)
	if e == nil {
		err := c.loadNonResident(vpn, space)
		if err != nil {
			return -1, err
		}

		e = c.findPage(vpn, space)
	}

	pte := space.Entry(vpn)
	if !pte.ReadOnly {
		_, err := c.reloadTLBWithValidEntry(vpn, space)
		return e.PhysicalPage, err
	}

	if !pte.CopyOnWrite {
		return -1, fmt.Errorf("space %d page %d: %w",
			space.ID(), vpn, vm.ErrReadOnly)
	}

	if e.RefCount() == 1 {
		return c.takeOverSharedFrame(e, space)
	}

	return c.copySharedFrame(e, space)
}

// takeOverSharedFrame makes a frame writable in place once its writer is the
// only address space left mapping it.
func (c *Comp) takeOverSharedFrame(
	e *IPTEntry,
	space *addrspace.AddrSpace,
) (int, error) {
	pte := space.Entry(e.VirtualPage)
	pte.ReadOnly = false
	pte.CopyOnWrite = false

	if _, err := c.reloadTLBWithValidEntry(e.VirtualPage, space); err != nil {
		return -1, err
	}

	c.hook(HookPosCopyOnWrite, Event{
		Space:       space.ID(),
		VirtualPage: e.VirtualPage,
		Frame:       e.PhysicalPage,
	})

	return e.PhysicalPage, nil
}

func (c *Comp) copySharedFrame(
	e *IPTEntry,
	space *addrspace.AddrSpace,
) (int, error) {
	src := e.PhysicalPage
	vpn := e.VirtualPage

	e.pinned = true
	dst, err := c.findFreeFrame()
	e.pinned = false

	if err != nil {
		return -1, err
	}

	copy(c.frame(dst), c.frame(src))
	c.stats.Copies++

	if c.mirroredFor(src, space) {
		c.dropMirror(src)
	}

	dirty := e.Dirty
	c.detach(e, space)

	pte := space.Entry(vpn)
	pte.ReadOnly = false
	pte.CopyOnWrite = false

	c.mapFrame(dst, vpn, space, dirty)

	c.log.WithFields(logrus.Fields{
		"space": space.ID(),
		"vpn":   vpn,
		"from":  src,
		"to":    dst,
	}).Debug("copy on write")

	c.hook(HookPosCopyOnWrite, Event{
		Space:       space.ID(),
		VirtualPage: vpn,
		Frame:       dst,
		Slot:        src,
		Count:       1,
	})

	return dst, nil
}

// detach removes the address space from the mappers of the frame. When the
// owner leaves, the first sharer becomes the owner. It reports whether the
// frame became free.
func (c *Comp) detach(e *IPTEntry, space *addrspace.AddrSpace) bool {
	if e.Space != space {
		e.removeSharer(space)
		e.unpark(space)

		return false
	}

	if len(e.Sharers) == 0 {
		c.freeFrame(e.PhysicalPage)
		return true
	}

	if c.mirroredFor(e.PhysicalPage, space) {
		c.dropMirror(e.PhysicalPage)
	}

	next := e.Sharers[0]
	for _, s := range e.Sharers {
		if !e.IsParked(s) {
			next = s
			break
		}
	}

	e.removeSharer(next)
	e.Space = next

	parked, restoreTLB := e.unpark(next)
	e.Valid = !parked
	e.Protected = parked
	e.restoreTLB = restoreTLB

	return false
}

// freeFrame removes the page from the frame and makes the frame available.
func (c *Comp) freeFrame(frame int) {
	c.dropMirror(frame)
	c.ipt[frame].reset(frame)
	c.zeroFrame(frame)
	c.memBitMap.Clear(frame)
}
