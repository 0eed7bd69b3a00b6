package mmu

import "github.com/sarchlab/vmsim/mem/vm/addrspace"

// An IPTEntry describes what occupies one physical frame. The entry at index
// i of the inverted page table always describes frame i.
type IPTEntry struct {
	PhysicalPage int
	VirtualPage  int

	// Space owns the frame. Sharers map the same virtual page to the frame
	// after a fork; their page table entries are read-only.
	Space   *addrspace.AddrSpace
	Sharers []*addrspace.AddrSpace

	LastAccessCount uint64
	Valid           bool
	Dirty           bool

	// Protected is set while the owner is switched out. A protected frame
	// still holds the owner's page and can still be evicted.
	Protected bool

	// TLBSlot is the TLB entry that mirrors the frame, or -1.
	TLBSlot int

	restoreTLB bool
	pinned     bool

	// parked lists the sharers that were switched out while they owned the
	// frame. Each one is a sharer too.
	parked []parkedMapper
}

// A parkedMapper remembers the protection of an address space that lost the
// ownership of a frame to a running sharer.
type parkedMapper struct {
	space      *addrspace.AddrSpace
	restoreTLB bool
}

func (e *IPTEntry) reset(frame int) {
	*e = IPTEntry{
		PhysicalPage: frame,
		VirtualPage:  -1,
		TLBSlot:      -1,
	}
}

// Occupied tells if the frame holds a page, whether or not the owner is
// currently running.
func (e *IPTEntry) Occupied() bool {
	return e.Valid || e.Protected
}

// RefCount returns the number of address spaces that map the frame.
func (e *IPTEntry) RefCount() int {
	if !e.Occupied() {
		return 0
	}

	return 1 + len(e.Sharers)
}

// Maps tells if the address space maps its page to the frame.
func (e *IPTEntry) Maps(space *addrspace.AddrSpace) bool {
	if !e.Occupied() {
		return false
	}

	if e.Space == space {
		return true
	}

	for _, s := range e.Sharers {
		if s == space {
			return true
		}
	}

	return false
}

func (e *IPTEntry) mappers() []*addrspace.AddrSpace {
	m := make([]*addrspace.AddrSpace, 0, 1+len(e.Sharers))
	m = append(m, e.Space)
	m = append(m, e.Sharers...)

	return m
}

func (e *IPTEntry) removeSharer(space *addrspace.AddrSpace) bool {
	for i, s := range e.Sharers {
		if s == space {
			e.Sharers = append(e.Sharers[:i:i], e.Sharers[i+1:]...)
			return true
		}
	}

	return false
}

// IsParked tells if the address space maps the frame but was switched out
// while it owned it.
func (e *IPTEntry) IsParked(space *addrspace.AddrSpace) bool {
	for _, p := range e.parked {
		if p.space == space {
			return true
		}
	}

	return false
}

// unpark forgets the protection of the address space. It reports whether the
// space was parked and whether its TLB mirror should come back.
func (e *IPTEntry) unpark(space *addrspace.AddrSpace) (found, restoreTLB bool) {
	for i, p := range e.parked {
		if p.space == space {
			e.parked = append(e.parked[:i:i], e.parked[i+1:]...)
			return true, p.restoreTLB
		}
	}

	return false, false
}

// activate makes the frame usable by a running address space that maps it.
// If the owner is switched out, the running space takes the ownership over
// and the owner is parked with its protection.
func (e *IPTEntry) activate(space *addrspace.AddrSpace) {
	e.unpark(space)

	if !e.Protected {
		return
	}

	if e.Space != space {
		old := e.Space

		e.removeSharer(space)
		e.Sharers = append(e.Sharers, old)
		e.parked = append(e.parked, parkedMapper{
			space:      old,
			restoreTLB: e.restoreTLB,
		})
		e.Space = space
	}

	e.Protected = false
	e.Valid = true
	e.restoreTLB = false
}
