package mmu

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
	"github.com/sarchlab/vmsim/mem/vm/bitmap"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/mem/vm/swap"
)

// A Builder can build MMU component
type Builder struct {
	pageSize   int
	numFrames  int
	swapFactor int
	memory     []byte
	tlb        []vm.TranslationEntry
	swap       *swap.Device
	images     noff.Opener
	logger     logrus.FieldLogger
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		pageSize:   128,
		numFrames:  32,
		swapFactor: 4,
		logger:     logrus.StandardLogger(),
	}
}

// WithPageSize sets the number of bytes in a page and in a frame.
func (b Builder) WithPageSize(pageSize int) Builder {
	b.pageSize = pageSize
	return b
}

// WithNumFrames sets the number of physical frames. The inverted page table
// has one entry per frame.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithMemory sets the main memory that the MMU manages. The memory belongs to
// the machine; the MMU never allocates it.
func (b Builder) WithMemory(memory []byte) Builder {
	b.memory = memory
	return b
}

// WithTLB sets the hardware TLB that the MMU keeps as a mirror of the inverted
// page table. It belongs to the machine.
func (b Builder) WithTLB(tlb []vm.TranslationEntry) Builder {
	b.tlb = tlb
	return b
}

// WithSwap sets the swap device. If not set, an in-memory device with
// swapFactor slots per frame is created.
func (b Builder) WithSwap(d *swap.Device) Builder {
	b.swap = d
	return b
}

// WithSwapFactor sets the number of swap slots per frame used when the
// builder creates the swap device.
func (b Builder) WithSwapFactor(n int) Builder {
	b.swapFactor = n
	return b
}

// WithImages sets where the executables are loaded from.
func (b Builder) WithImages(images noff.Opener) Builder {
	b.images = images
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(logger logrus.FieldLogger) Builder {
	b.logger = logger
	return b
}

// Build returns a newly created MMU component
func (b Builder) Build(name string) *Comp {
	b.mustHaveValidGeometry()

	c := &Comp{
		name:      name,
		pageSize:  b.pageSize,
		memory:    b.memory,
		tlb:       b.tlb,
		tlbSpace:  make([]*addrspace.AddrSpace, len(b.tlb)),
		ipt:       make([]IPTEntry, b.numFrames),
		memBitMap: bitmap.New(b.numFrames),
		tlbBitMap: bitmap.New(len(b.tlb)),
		clock:     1,
		swap:      b.swap,
		images:    b.images,
		log:       b.logger.WithField("mmu", name),
	}

	for i := range c.ipt {
		c.ipt[i].reset(i)
	}

	for i := range c.tlb {
		c.tlb[i].Reset()
	}

	if c.swap == nil {
		slots := b.swapFactor * b.numFrames
		c.swap = swap.New(swap.NewMemStore(slots*b.pageSize),
			slots, b.pageSize)
	}

	return c
}

func (b Builder) mustHaveValidGeometry() {
	if !vm.IsValidPageSize(b.pageSize) {
		panic(fmt.Sprintf("page size %d must be a power of 2 of at least %d",
			b.pageSize, vm.MinPageSize))
	}

	if b.numFrames <= 0 {
		panic("MMU needs at least one frame")
	}

	if len(b.memory) != b.pageSize*b.numFrames {
		panic(fmt.Sprintf("memory is %d bytes, want %d frames of %d bytes",
			len(b.memory), b.numFrames, b.pageSize))
	}

	if len(b.tlb) == 0 {
		panic("MMU needs a TLB with at least one entry")
	}

	if b.swap != nil && b.swap.PageSize() != b.pageSize {
		panic("swap page size does not match MMU page size")
	}

	if b.swap == nil && b.swapFactor < 1 {
		panic("swap factor must be at least 1")
	}
}
