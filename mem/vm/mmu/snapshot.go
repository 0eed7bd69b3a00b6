package mmu

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
)

// FrameState is a copy of one inverted page table entry, with the address
// spaces replaced by their identities.
type FrameState struct {
	Frame           int          `json:"frame"`
	Occupied        bool         `json:"occupied"`
	Space           vm.SpaceID   `json:"space"`
	Sharers         []vm.SpaceID `json:"sharers,omitempty"`
	Parked          []vm.SpaceID `json:"parked,omitempty"`
	VirtualPage     int          `json:"virtual_page"`
	LastAccessCount uint64       `json:"last_access_count"`
	Valid           bool         `json:"valid"`
	Dirty           bool         `json:"dirty"`
	Protected       bool         `json:"protected"`
	TLBSlot         int          `json:"tlb_slot"`
}

// TLBState is a copy of one TLB entry and the address space it was loaded
// for.
type TLBState struct {
	Slot  int                 `json:"slot"`
	Space vm.SpaceID          `json:"space"`
	Entry vm.TranslationEntry `json:"entry"`
}

// Snapshot is a consistent copy of the state of the MMU.
type Snapshot struct {
	Name          string       `json:"name"`
	PageSize      int          `json:"page_size"`
	Clock         uint64       `json:"clock"`
	FreeFrames    int          `json:"free_frames"`
	FreeTLBSlots  int          `json:"free_tlb_slots"`
	FreeSwapSlots int          `json:"free_swap_slots"`
	Frames        []FrameState `json:"frames"`
	TLB           []TLBState   `json:"tlb"`
	Stats         Stats        `json:"stats"`
}

// Snapshot copies the state of the MMU.
func (c *Comp) Snapshot() Snapshot {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := Snapshot{
		Name:          c.name,
		PageSize:      c.pageSize,
		Clock:         c.clock,
		FreeFrames:    c.memBitMap.NumClear(),
		FreeTLBSlots:  c.tlbBitMap.NumClear(),
		FreeSwapSlots: c.swap.NumFree(),
		Frames:        make([]FrameState, len(c.ipt)),
		TLB:           make([]TLBState, len(c.tlb)),
		Stats:         c.stats,
	}

	for i := range c.ipt {
		e := &c.ipt[i]
		fs := FrameState{
			Frame:           i,
			Occupied:        e.Occupied(),
			VirtualPage:     e.VirtualPage,
			LastAccessCount: e.LastAccessCount,
			Valid:           e.Valid,
			Dirty:           e.Dirty,
			Protected:       e.Protected,
			TLBSlot:         e.TLBSlot,
		}

		if e.Space != nil {
			fs.Space = e.Space.ID()
		}

		for _, sharer := range e.Sharers {
			fs.Sharers = append(fs.Sharers, sharer.ID())
		}

		for _, p := range e.parked {
			fs.Parked = append(fs.Parked, p.space.ID())
		}

		s.Frames[i] = fs
	}

	for i := range c.tlb {
		ts := TLBState{Slot: i, Entry: c.tlb[i]}
		if c.tlbSpace[i] != nil {
			ts.Space = c.tlbSpace[i].ID()
		}

		s.TLB[i] = ts
	}

	return s
}

type pageKey struct {
	space vm.SpaceID
	vpn   int
}

// CheckInvariants verifies the bookkeeping of the MMU. A page is held by at
// most one frame, every valid TLB entry mirrors a valid frame, the page
// tables point back at the frames that hold their pages, and the allocation
// bitmaps agree with the tables.
func (c *Comp) CheckInvariants() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.checkFrames(); err != nil {
		return err
	}

	return c.checkTLB()
}

func (c *Comp) checkFrames() error {
	holders := make(map[pageKey]int)

	for i := range c.ipt {
		e := &c.ipt[i]

		if e.PhysicalPage != i {
			return fmt.Errorf("frame %d: entry describes frame %d",
				i, e.PhysicalPage)
		}

		if e.Occupied() != c.memBitMap.Test(i) {
			return fmt.Errorf("frame %d: occupied %t but bitmap says %t",
				i, e.Occupied(), c.memBitMap.Test(i))
		}

		if !e.Occupied() {
			if e.TLBSlot >= 0 {
				return fmt.Errorf("free frame %d is mirrored in TLB slot %d",
					i, e.TLBSlot)
			}

			continue
		}

		for _, p := range e.parked {
			if p.space == e.Space || !e.Maps(p.space) {
				return fmt.Errorf("frame %d: space %d is parked "+
					"but is not a sharer", i, p.space.ID())
			}
		}

		for _, s := range e.mappers() {
			k := pageKey{s.ID(), e.VirtualPage}
			if other, found := holders[k]; found {
				return fmt.Errorf(
					"space %d page %d is held by frames %d and %d",
					k.space, k.vpn, other, i)
			}

			holders[k] = i

			pte := s.Entry(e.VirtualPage)
			if !pte.Valid || pte.PhysicalPage != i {
				return fmt.Errorf(
					"space %d page %d: frame %d holds it but the page "+
						"table has valid=%t frame=%d",
					k.space, k.vpn, i, pte.Valid, pte.PhysicalPage)
			}
		}
	}

	return nil
}

func (c *Comp) checkTLB() error {
	mirrored := make(map[pageKey]int)

	for slot := range c.tlb {
		t := &c.tlb[slot]

		if t.Valid != c.tlbBitMap.Test(slot) {
			return fmt.Errorf("TLB slot %d: valid %t but bitmap says %t",
				slot, t.Valid, c.tlbBitMap.Test(slot))
		}

		if !t.Valid {
			continue
		}

		space := c.tlbSpace[slot]
		if space == nil {
			return fmt.Errorf("TLB slot %d has no address space", slot)
		}

		frame := t.PhysicalPage
		if frame < 0 || frame >= len(c.ipt) {
			return fmt.Errorf("TLB slot %d maps frame %d", slot, frame)
		}

		e := &c.ipt[frame]
		if !e.Maps(space) || e.VirtualPage != t.VirtualPage ||
			e.TLBSlot != slot {
			return fmt.Errorf(
				"TLB slot %d maps space %d page %d to frame %d, "+
					"which does not hold it",
				slot, space.ID(), t.VirtualPage, frame)
		}

		if !e.Valid || e.IsParked(space) {
			return fmt.Errorf(
				"TLB slot %d mirrors frame %d for space %d, "+
					"which is switched out", slot, frame, space.ID())
		}

		k := pageKey{space.ID(), t.VirtualPage}
		if other, found := mirrored[k]; found {
			return fmt.Errorf("space %d page %d is in TLB slots %d and %d",
				k.space, k.vpn, other, slot)
		}

		mirrored[k] = slot
	}

	return nil
}
