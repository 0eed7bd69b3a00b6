package machine

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
)

// A Builder can build machines.
type Builder struct {
	pageSize  int
	numFrames int
	tlbSize   int
}

// MakeBuilder creates a builder with the default geometry: 32 frames of 128
// bytes and a 4-entry TLB.
func MakeBuilder() Builder {
	return Builder{
		pageSize:  128,
		numFrames: 32,
		tlbSize:   4,
	}
}

// WithPageSize sets the page size.
func (b Builder) WithPageSize(n int) Builder {
	b.pageSize = n
	return b
}

// WithNumFrames sets the number of physical frames.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithTLBSize sets the number of TLB entries.
func (b Builder) WithTLBSize(n int) Builder {
	b.tlbSize = n
	return b
}

// Build creates the machine.
func (b Builder) Build() *Machine {
	if !vm.IsValidPageSize(b.pageSize) {
		panic(fmt.Sprintf("page size %d must be a power of 2 of at least %d",
			b.pageSize, vm.MinPageSize))
	}

	if b.numFrames <= 0 || b.tlbSize <= 0 {
		panic("machine needs at least one frame and one TLB entry")
	}

	m := &Machine{
		MainMemory: make([]byte, b.pageSize*b.numFrames),
		TLB:        make([]vm.TranslationEntry, b.tlbSize),
		pageSize:   b.pageSize,
		numFrames:  b.numFrames,
	}

	for i := range m.TLB {
		m.TLB[i].Reset()
	}

	return m
}
