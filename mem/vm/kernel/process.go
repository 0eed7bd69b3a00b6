package kernel

import (
	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
	"github.com/sarchlab/vmsim/mem/vm/machine"
)

// ProcessState is where a process is in its life.
type ProcessState int

// The states of a process.
const (
	Ready ProcessState = iota
	Running
	Terminated
)

func (s ProcessState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// A Process is a user program and its address space.
type Process struct {
	PID    int
	Image  string
	Parent int
	Space  *addrspace.AddrSpace
	State  ProcessState

	// ExitErr is the fault that terminated the process, if any.
	ExitErr error

	// Faults counts the page faults resolved for the process, by kind.
	Faults map[vm.FaultKind]int

	registers machine.Registers
	started   bool
}

func newProcess(pid int, image string, space *addrspace.AddrSpace) *Process {
	return &Process{
		PID:    pid,
		Image:  image,
		Parent: -1,
		Space:  space,
		State:  Ready,
		Faults: make(map[vm.FaultKind]int),
	}
}

// NumFaults returns the number of page faults resolved for the process.
func (p *Process) NumFaults() int {
	n := 0
	for _, c := range p.Faults {
		n += c
	}

	return n
}
