// Package addrspace keeps track of the address space of a user program: its
// page table, the executable that backs it and the layout of its stack.
package addrspace

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/noff"
)

// DefaultStackSize is the number of bytes reserved for the user stack.
const DefaultStackSize = 1024

// AddrSpace is the address space of one process. Pages are not allocated when
// the address space is created; every page is brought in by a page fault.
type AddrSpace struct {
	id         vm.SpaceID
	executable string
	header     noff.Header
	pageSize   int
	stackSize  int
	numPages   int
	pageTable  vm.PageTable
	parent     vm.SpaceID
	hasParent  bool
}

// New creates the address space of a program.
func New(
	id vm.SpaceID,
	executable string,
	header noff.Header,
	pageSize, stackSize int,
) *AddrSpace {
	if !vm.IsValidPageSize(pageSize) {
		panic("page size must be a power of 2 of at least 4")
	}

	if stackSize < 0 {
		panic("stack size must not be negative")
	}

	size := header.ImageSize() + stackSize
	numPages := vm.DivRoundUp(size, pageSize)

	return &AddrSpace{
		id:         id,
		executable: executable,
		header:     header,
		pageSize:   pageSize,
		stackSize:  stackSize,
		numPages:   numPages,
		pageTable:  vm.NewPageTable(numPages),
	}
}

// Load creates the address space of the named executable.
func Load(
	id vm.SpaceID,
	images noff.Opener,
	executable string,
	pageSize, stackSize int,
) (*AddrSpace, error) {
	img, err := images.Open(executable)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", executable, err)
	}
	defer img.Close()

	return New(id, executable, img.Header(), pageSize, stackSize), nil
}

// ID returns the identity of the address space.
func (s *AddrSpace) ID() vm.SpaceID {
	return s.id
}

// Executable returns the name of the executable the address space runs.
func (s *AddrSpace) Executable() string {
	return s.executable
}

// Header returns the header of the executable.
func (s *AddrSpace) Header() noff.Header {
	return s.header
}

// PageSize returns the page size.
func (s *AddrSpace) PageSize() int {
	return s.pageSize
}

// NumPages returns the number of virtual pages.
func (s *AddrSpace) NumPages() int {
	return s.numPages
}

// Size returns the number of addressable bytes.
func (s *AddrSpace) Size() int {
	return s.numPages * s.pageSize
}

// PageTable returns the page table. The MMU updates it in place.
func (s *AddrSpace) PageTable() vm.PageTable {
	return s.pageTable
}

// Entry returns the page table entry of a virtual page.
func (s *AddrSpace) Entry(vpn int) *vm.TranslationEntry {
	return s.pageTable.Entry(vpn)
}

// InBounds tells if the virtual page belongs to the address space.
func (s *AddrSpace) InBounds(vpn int) bool {
	return s.pageTable.InBounds(vpn)
}

// StackPages returns the number of pages reserved for the stack.
func (s *AddrSpace) StackPages() int {
	return vm.DivRoundUp(s.stackSize, s.pageSize)
}

// SharedPages returns the number of pages below the stack. After a fork,
// these pages are shared with the parent.
func (s *AddrSpace) SharedPages() int {
	n := s.numPages - s.StackPages()
	if n < 0 {
		return 0
	}

	return n
}

// IsStackPage tells if the page belongs to the stack region.
func (s *AddrSpace) IsStackPage(vpn int) bool {
	return vpn >= s.SharedPages() && vpn < s.numPages
}

// IsBacked tells if any byte of the page lives in the executable.
func (s *AddrSpace) IsBacked(vpn int) bool {
	return len(s.header.FileRanges(vpn, s.pageSize)) > 0
}

// InitialStackPointer returns the initial value of the stack register. It
// sits a little below the end of the address space so that the program does
// not reference past the end.
func (s *AddrSpace) InitialStackPointer() int {
	return s.Size() - 16
}

// Parent returns the address space this one was forked from.
func (s *AddrSpace) Parent() (vm.SpaceID, bool) {
	return s.parent, s.hasParent
}

// Fork creates the address space of a child. The code and data pages are
// shared with the parent: both page tables mark them read-only and
// copy-on-write, and the child entries point at the same frames. The child
// stack is fresh. The MMU completes the sharing of frames and swap slots.
func (s *AddrSpace) Fork(childID vm.SpaceID) *AddrSpace {
	child := &AddrSpace{
		id:         childID,
		executable: s.executable,
		header:     s.header,
		pageSize:   s.pageSize,
		stackSize:  s.stackSize,
		numPages:   s.numPages,
		pageTable:  vm.NewPageTable(s.numPages),
		parent:     s.id,
		hasParent:  true,
	}

	shared := s.SharedPages()
	for vpn := 0; vpn < shared; vpn++ {
		pe := &s.pageTable[vpn]
		pe.ReadOnly = true
		pe.CopyOnWrite = true

		ce := &child.pageTable[vpn]
		*ce = *pe
		ce.Use = false
	}

	return child
}
