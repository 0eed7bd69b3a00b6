package vm

// SpaceID identifies an address space.
type SpaceID uint32

// A TranslationEntry maintains the information about how to translate one
// virtual page to a physical frame. The same type is used for the entries of
// a per-process page table and for the entries of the hardware TLB.
type TranslationEntry struct {
	VirtualPage  int
	PhysicalPage int // meaningful only when Valid is set
	Valid        bool
	ReadOnly     bool
	Use          bool
	Dirty        bool

	// CopyOnWrite marks that ReadOnly is only set because the frame is
	// shared with another address space. The hardware never looks at it.
	CopyOnWrite bool
}

// Invalidate puts the entry back to the unmapped state. The virtual page
// number is kept. The dirty bit is kept too, as it records whether the page
// content has diverged from the executable.
func (e *TranslationEntry) Invalidate() {
	e.Valid = false
	e.Use = false
	e.PhysicalPage = -1
}

// Reset clears the entry completely. It is used for TLB slots.
func (e *TranslationEntry) Reset() {
	*e = TranslationEntry{VirtualPage: -1, PhysicalPage: -1}
}

// A PageTable is a linear page table, indexed by virtual page number.
type PageTable []TranslationEntry

// NewPageTable creates a page table with numPages entries. Every entry starts
// invalid, as no page is allocated eagerly.
func NewPageTable(numPages int) PageTable {
	pt := make(PageTable, numPages)
	for i := range pt {
		pt[i] = TranslationEntry{
			VirtualPage:  i,
			PhysicalPage: -1,
		}
	}

	return pt
}

// InBounds tells if the virtual page number is covered by the page table.
func (pt PageTable) InBounds(vpn int) bool {
	return vpn >= 0 && vpn < len(pt)
}

// Entry returns the entry of the given virtual page. It panics if the page is
// out of bounds.
func (pt PageTable) Entry(vpn int) *TranslationEntry {
	if !pt.InBounds(vpn) {
		panic("page does not exist")
	}

	return &pt[vpn]
}

// NumResident returns the number of valid entries.
func (pt PageTable) NumResident() int {
	n := 0
	for i := range pt {
		if pt[i].Valid {
			n++
		}
	}

	return n
}

// PageNumber returns the virtual page number that contains the address.
func PageNumber(addr uint64, pageSize int) int {
	return int(addr / uint64(pageSize))
}

// PageOffset returns the offset of the address within its page.
func PageOffset(addr uint64, pageSize int) int {
	return int(addr % uint64(pageSize))
}

// DivRoundUp divides and rounds up.
func DivRoundUp(n, s int) int {
	return (n + s - 1) / s
}

// IsPowerOfTwo tells if n is a positive power of 2.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// MinPageSize is the smallest page that holds a word access.
const MinPageSize = 4

// IsValidPageSize tells if n is a power of 2 no smaller than MinPageSize.
func IsValidPageSize(n int) bool {
	return n >= MinPageSize && IsPowerOfTwo(n)
}
