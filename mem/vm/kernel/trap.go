package kernel

import (
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/machine"
)

// Load reads size bytes at addr in the running process. Page faults are
// resolved and the access is retried. A fatal fault terminates the process.
func (k *Kernel) Load(addr uint64, size int) (uint32, error) {
	var value uint32

	err := k.access(func() machine.ExceptionType {
		var exc machine.ExceptionType
		value, exc = k.machine.ReadMem(addr, size)

		return exc
	}, false)

	return value, err
}

// Store writes size bytes at addr in the running process. Page faults are
// resolved and the access is retried. A fatal fault terminates the process.
func (k *Kernel) Store(addr uint64, size int, value uint32) error {
	return k.access(func() machine.ExceptionType {
		return k.machine.WriteMem(addr, size, value)
	}, true)
}

func (k *Kernel) access(try func() machine.ExceptionType, writing bool) error {
	p := k.current
	if p == nil {
		return ErrNoProcess
	}

	for attempt := 0; attempt <= k.maxRetries; attempt++ {
		exc := try()
		if exc == machine.NoException {
			return nil
		}

		err := k.HandleException(exc, writing)
		if err != nil {
			k.terminate(p, err)
			return fmt.Errorf("process %d: %w: %w",
				p.PID, ErrProcessTerminated, err)
		}
	}

	err := fmt.Errorf("%w after %d attempts", ErrFaultLoop, k.maxRetries+1)
	k.terminate(p, err)

	return fmt.Errorf("process %d: %w: %w", p.PID, ErrProcessTerminated, err)
}

// HandleException is the trap handler for exceptions raised by memory
// accesses of the running process. The faulting address is taken from
// BadVAddrReg.
func (k *Kernel) HandleException(
	exc machine.ExceptionType,
	writing bool,
) error {
	p := k.current
	if p == nil {
		return ErrNoProcess
	}

	addr := uint64(uint32(k.machine.ReadRegister(machine.BadVAddrReg)))

	switch exc {
	case machine.PageFaultException, machine.ReadOnlyException:
		return k.handlePageFault(p, addr, writing)
	case machine.AddressErrorException:
		return fmt.Errorf("address %#x: %w", addr, vm.ErrAddress)
	case machine.BusErrorException:
		return fmt.Errorf("address %#x: %w", addr, ErrBusError)
	default:
		return fmt.Errorf("unexpected %s at address %#x", exc, addr)
	}
}

func (k *Kernel) handlePageFault(p *Process, addr uint64, writing bool) error {
	vpn := vm.PageNumber(addr, k.mmu.PageSize())

	kind, err := k.mmu.Classify(p.Space, vpn, writing)
	if err != nil {
		return err
	}

	err = k.mmu.HandlePageFault(addr, vpn, p.Space, kind)
	if err != nil {
		return err
	}

	p.Faults[kind]++

	return nil
}
