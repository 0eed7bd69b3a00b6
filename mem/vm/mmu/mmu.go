// Package mmu implements demand paging on top of a machine with a software
// managed TLB. An inverted page table with one entry per frame records which
// page of which address space occupies the frame. The TLB is kept as a cache
// of the inverted page table. Frames are reclaimed with LRU replacement, and
// dirty frames are written back to a swap device before they are reused.
package mmu

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
	"github.com/sarchlab/vmsim/mem/vm/bitmap"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/mem/vm/swap"
	"github.com/sarchlab/vmsim/sim/hooking"
)

// Stats counts what the MMU has done since it was built.
type Stats struct {
	SoftFaults        uint64
	HardCleanFaults   uint64
	HardDirtyFaults   uint64
	CopyOnWriteFaults uint64
	ZeroFills         uint64
	Evictions         uint64
	DirtyEvictions    uint64
	TLBEvictions      uint64
	SwapOuts          uint64
	SwapIns           uint64
	Copies            uint64
}

// Faults returns the total number of page faults handled.
func (s Stats) Faults() uint64 {
	return s.SoftFaults + s.HardCleanFaults + s.HardDirtyFaults +
		s.CopyOnWriteFaults
}

// Comp is the MMU. It is safe for concurrent use; one mutex serializes every
// operation.
type Comp struct {
	hooking.HookableBase

	name string
	lock sync.Mutex

	pageSize int
	memory   []byte
	tlb      []vm.TranslationEntry
	tlbSpace []*addrspace.AddrSpace

	ipt       []IPTEntry
	memBitMap *bitmap.Bitmap
	tlbBitMap *bitmap.Bitmap
	clock     uint64

	swap   *swap.Device
	images noff.Opener
	log    logrus.FieldLogger
	stats  Stats
}

// Name returns the name of the MMU.
func (c *Comp) Name() string {
	return c.name
}

// PageSize returns the page size.
func (c *Comp) PageSize() int {
	return c.pageSize
}

// NumFrames returns the number of physical frames.
func (c *Comp) NumFrames() int {
	return len(c.ipt)
}

// Swap returns the swap device.
func (c *Comp) Swap() *swap.Device {
	return c.swap
}

// Stats returns the counters.
func (c *Comp) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.stats
}

// NumFreeFrames returns the number of frames that hold no page.
func (c *Comp) NumFreeFrames() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.memBitMap.NumClear()
}

// FindFreeFrame returns a free frame and marks it used. If every frame is
// used, one page is evicted first.
func (c *Comp) FindFreeFrame() (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.findFreeFrame()
}

// FindFreeTLBEntry returns a free TLB slot and marks it used. If every slot
// is used, the least recently used mirror is dropped first.
func (c *Comp) FindFreeTLBEntry() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.findFreeTLBEntry()
}

// Classify tells which kind of fault an access to the page raises.
func (c *Comp) Classify(
	space *addrspace.AddrSpace,
	vpn int,
	writing bool,
) (vm.FaultKind, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.classify(space, vpn, writing)
}

// HandlePageFault resolves a fault of the given kind. When it returns without
// error, the page table entry of the page is valid and a TLB entry maps it.
func (c *Comp) HandlePageFault(
	addr uint64,
	vpn int,
	space *addrspace.AddrSpace,
	kind vm.FaultKind,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.handlePageFault(addr, vpn, space, kind)
}

// LoadFromExecutableToMemory brings a page in from the executable. Pages
// with no content in the executable are zero-filled. It returns the frame.
func (c *Comp) LoadFromExecutableToMemory(
	addr uint64,
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.loadFromExecutableToMemory(addr, vpn, space)
}

// LoadFromSwapToMemory brings a page in from swap and releases its slot. It
// returns the frame.
func (c *Comp) LoadFromSwapToMemory(
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.loadFromSwapToMemory(vpn, space)
}

// WritePageToSwap writes a resident page to swap and unmaps it from the
// address space. It returns the swap slot.
func (c *Comp) WritePageToSwap(
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.writePageToSwap(vpn, space)
}

// ReloadTLBWithValidEntry puts a resident page back into the TLB. It returns
// the TLB slot.
func (c *Comp) ReloadTLBWithValidEntry(
	vpn int,
	space *addrspace.AddrSpace,
) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.reloadTLBWithValidEntry(vpn, space)
}

// CopyOnWrite gives the address space a private, writable copy of a page it
// shares. It returns the frame that the page maps to afterwards.
func (c *Comp) CopyOnWrite(vpn int, space *addrspace.AddrSpace) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.copyOnWrite(vpn, space)
}

// FindLeastRecentlyUsed returns the frame that would be evicted next, or -1.
func (c *Comp) FindLeastRecentlyUsed() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.findLeastRecentlyUsed()
}

// FindTLBLeastRecentlyUsed returns the frame whose TLB mirror would be
// dropped next, or -1.
func (c *Comp) FindTLBLeastRecentlyUsed() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.findTLBLeastRecentlyUsed()
}

// EvictPage frees the least recently used frame.
func (c *Comp) EvictPage() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	_, err := c.evictPage()

	return err
}

// EvictTLBEntry drops the least recently used TLB mirror. The page stays
// resident.
func (c *Comp) EvictTLBEntry() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.evictTLBEntry()
}

// UpdatePageAccess stamps the frame with the access clock.
func (c *Comp) UpdatePageAccess(frame int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.updatePageAccess(frame)
}

// UpdatePageDirty records a write to the frame.
func (c *Comp) UpdatePageDirty(frame int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.updatePageDirty(frame)
}

// ProtectProcessPages prepares for switching the address space out. Its TLB
// mirrors are dropped and the frames it owns are marked protected. It returns
// the number of frames protected.
func (c *Comp) ProtectProcessPages(space *addrspace.AddrSpace) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.protectProcessPages(space)
}

// RestoreProcessPages reverses ProtectProcessPages when the address space is
// switched back in. It returns the number of frames restored.
func (c *Comp) RestoreProcessPages(space *addrspace.AddrSpace) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.restoreProcessPages(space)
}

// Fork lets the child share the resident frames of the parent and gives it
// copies of the pages the parent has in swap. The page tables must already
// have been forked with addrspace.AddrSpace.Fork.
func (c *Comp) Fork(parent, child *addrspace.AddrSpace) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.fork(parent, child)
}

// ReleaseSpace removes every trace of the address space from the MMU and from
// swap. It returns the number of frames and swap slots freed.
func (c *Comp) ReleaseSpace(space *addrspace.AddrSpace) (frames, slots int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.releaseSpace(space)
}

// FindPage returns a copy of the inverted page table entry that holds the
// page.
func (c *Comp) FindPage(vpn int, space *addrspace.AddrSpace) (IPTEntry, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	e := c.findPage(vpn, space)
	if e == nil {
		return IPTEntry{}, false
	}

	return *e, true
}

// IsValid tells if the page is resident and usable by the address space
// without a fault other than a TLB refill. Pages of a switched-out space are
// not valid until the space is restored.
func (c *Comp) IsValid(vpn int, space *addrspace.AddrSpace) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	e := c.findPage(vpn, space)

	return e != nil && e.Valid && !e.IsParked(space)
}

// FindInTLB returns the TLB slot that maps the virtual page to the frame, or
// -1.
func (c *Comp) FindInTLB(vpn, frame int) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	for i := range c.tlb {
		if c.tlb[i].Valid &&
			c.tlb[i].VirtualPage == vpn &&
			c.tlb[i].PhysicalPage == frame {
			return i
		}
	}

	return -1
}

func (c *Comp) frame(i int) []byte {
	return c.memory[i*c.pageSize : (i+1)*c.pageSize]
}

func (c *Comp) zeroFrame(i int) {
	clear(c.frame(i))
}

// findPage returns the occupied entry that holds the page, for its owner or
// for one of its sharers.
func (c *Comp) findPage(vpn int, space *addrspace.AddrSpace) *IPTEntry {
	for i := range c.ipt {
		e := &c.ipt[i]
		if e.VirtualPage == vpn && e.Maps(space) {
			return e
		}
	}

	return nil
}

func (c *Comp) updatePageAccess(frame int) {
	c.mustBeFrame(frame)

	c.ipt[frame].LastAccessCount = c.clock
	c.clock++
}

func (c *Comp) updatePageDirty(frame int) {
	c.mustBeFrame(frame)

	e := &c.ipt[frame]
	if !e.Occupied() {
		return
	}

	e.Dirty = true
	e.Space.Entry(e.VirtualPage).Dirty = true
}

func (c *Comp) mustBeFrame(frame int) {
	if frame < 0 || frame >= len(c.ipt) {
		panic("frame does not exist")
	}
}
