// Package machine emulates the memory side of a CPU whose TLB is loaded by
// software. Every user access goes through the TLB; a miss raises a page
// fault that the kernel must resolve before the access is retried.
package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
)

// An AccessObserver is told about every successful translation. The MMU uses
// it to keep its LRU clock and dirty bits up to date.
type AccessObserver interface {
	UpdatePageAccess(frame int)
	UpdatePageDirty(frame int)
}

// Stats counts translations.
type Stats struct {
	TLBHits   uint64
	TLBMisses uint64
	Reads     uint64
	Writes    uint64
}

// Machine holds main memory, the TLB and the registers. It is not safe for
// concurrent use, like the single CPU it models.
type Machine struct {
	MainMemory []byte
	TLB        []vm.TranslationEntry

	registers Registers
	pageSize  int
	numFrames int
	observer  AccessObserver
	stats     Stats
}

// PageSize returns the page size.
func (m *Machine) PageSize() int {
	return m.pageSize
}

// NumFrames returns the number of physical frames.
func (m *Machine) NumFrames() int {
	return m.numFrames
}

// SetAccessObserver sets who is notified of translations.
func (m *Machine) SetAccessObserver(o AccessObserver) {
	m.observer = o
}

// Stats returns the counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// ReadRegister returns the value of a register.
func (m *Machine) ReadRegister(r int) int32 {
	mustBeRegister(r)
	return m.registers[r]
}

// WriteRegister sets the value of a register.
func (m *Machine) WriteRegister(r int, value int32) {
	mustBeRegister(r)
	m.registers[r] = value
}

// SaveRegisters returns a copy of the register file.
func (m *Machine) SaveRegisters() Registers {
	return m.registers
}

// RestoreRegisters loads the register file.
func (m *Machine) RestoreRegisters(regs Registers) {
	m.registers = regs
}

func mustBeRegister(r int) {
	if r < 0 || r >= NumTotalRegs {
		panic(fmt.Sprintf("register %d does not exist", r))
	}
}

// Translate turns a virtual address into a physical address through the TLB.
// The use bit of the TLB entry is set, and so is the dirty bit on writes.
func (m *Machine) Translate(
	vaddr uint64,
	size int,
	writing bool,
) (int, ExceptionType) {
	if (size == 4 && vaddr&0x3 != 0) || (size == 2 && vaddr&0x1 != 0) {
		return -1, AddressErrorException
	}

	vpn := vm.PageNumber(vaddr, m.pageSize)
	offset := vm.PageOffset(vaddr, m.pageSize)

	var entry *vm.TranslationEntry
	for i := range m.TLB {
		if m.TLB[i].Valid && m.TLB[i].VirtualPage == vpn {
			entry = &m.TLB[i]
			break
		}
	}

	if entry == nil {
		m.stats.TLBMisses++
		return -1, PageFaultException
	}

	if entry.ReadOnly && writing {
		return -1, ReadOnlyException
	}

	frame := entry.PhysicalPage
	if frame < 0 || frame >= m.numFrames {
		return -1, BusErrorException
	}

	m.stats.TLBHits++

	entry.Use = true
	if writing {
		entry.Dirty = true
	}

	if m.observer != nil {
		m.observer.UpdatePageAccess(frame)
		if writing {
			m.observer.UpdatePageDirty(frame)
		}
	}

	return frame*m.pageSize + offset, NoException
}

// ReadMem reads 1, 2 or 4 bytes. On an exception, the faulting address is
// stored in BadVAddrReg.
func (m *Machine) ReadMem(addr uint64, size int) (uint32, ExceptionType) {
	mustBeAccessSize(size)

	phys, exc := m.Translate(addr, size, false)
	if exc != NoException {
		m.raise(addr)
		return 0, exc
	}

	m.stats.Reads++

	buf := m.MainMemory[phys : phys+size]
	switch size {
	case 1:
		return uint32(buf[0]), NoException
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf)), NoException
	default:
		return binary.LittleEndian.Uint32(buf), NoException
	}
}

// WriteMem writes 1, 2 or 4 bytes. On an exception, the faulting address is
// stored in BadVAddrReg and memory is not changed.
func (m *Machine) WriteMem(addr uint64, size int, value uint32) ExceptionType {
	mustBeAccessSize(size)

	phys, exc := m.Translate(addr, size, true)
	if exc != NoException {
		m.raise(addr)
		return exc
	}

	m.stats.Writes++

	buf := m.MainMemory[phys : phys+size]
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	default:
		binary.LittleEndian.PutUint32(buf, value)
	}

	return NoException
}

func (m *Machine) raise(addr uint64) {
	m.registers[BadVAddrReg] = int32(addr)
}

func mustBeAccessSize(size int) {
	if size != 1 && size != 2 && size != 4 {
		panic(fmt.Sprintf("cannot access %d bytes", size))
	}
}
