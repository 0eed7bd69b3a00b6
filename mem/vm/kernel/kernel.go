// Package kernel drives user processes on top of the machine and the MMU. It
// creates address spaces, switches between processes, and acts as the trap
// handler that turns TLB misses into page faults for the MMU.
package kernel

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/addrspace"
	"github.com/sarchlab/vmsim/mem/vm/machine"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/sim/hooking"
)

var (
	// ErrNoProcess is returned when an access is made with no process
	// running.
	ErrNoProcess = errors.New("no process is running")

	// ErrUnknownProcess is returned for process ids that were never created.
	ErrUnknownProcess = errors.New("unknown process")

	// ErrProcessExists is returned when a process id is reused.
	ErrProcessExists = errors.New("process already exists")

	// ErrProcessTerminated is returned when the process was terminated,
	// either before the call or by a fatal fault during it.
	ErrProcessTerminated = errors.New("process terminated")

	// ErrBusError is reported when the TLB points outside of main memory.
	ErrBusError = errors.New("bus error")

	// ErrFaultLoop is reported when an access keeps faulting after the
	// faults were resolved.
	ErrFaultLoop = errors.New("access keeps faulting")
)

// HookPosContextSwitch is where the kernel reports context switches. The item
// is a SwitchEvent.
var HookPosContextSwitch = &hooking.HookPos{Name: "Kernel Context Switch"}

// A SwitchEvent describes a context switch. From is -1 when no process was
// running.
type SwitchEvent struct {
	From      int
	To        int
	Protected int
	Restored  int
}

// An Option configures a Kernel.
type Option func(k *Kernel)

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(k *Kernel) {
		k.log = logger
	}
}

// WithStackSize sets the size of the user stack of new processes.
func WithStackSize(n int) Option {
	return func(k *Kernel) {
		k.stackSize = n
	}
}

// WithMaxRetries sets how many times an access is retried after its faults
// were resolved.
func WithMaxRetries(n int) Option {
	return func(k *Kernel) {
		k.maxRetries = n
	}
}

// Kernel owns the processes. It is not safe for concurrent use.
type Kernel struct {
	hooking.HookableBase

	machine    *machine.Machine
	mmu        *mmu.Comp
	images     noff.Opener
	log        logrus.FieldLogger
	stackSize  int
	maxRetries int

	procs   map[int]*Process
	current *Process
}

// New creates a kernel. The MMU must have been built on the memory and the
// TLB of the machine. The kernel registers the MMU as the access observer of
// the machine.
func New(
	m *machine.Machine,
	u *mmu.Comp,
	images noff.Opener,
	opts ...Option,
) *Kernel {
	if m.PageSize() != u.PageSize() {
		panic("machine and MMU disagree on the page size")
	}

	k := &Kernel{
		machine:    m,
		mmu:        u,
		images:     images,
		log:        logrus.StandardLogger(),
		stackSize:  addrspace.DefaultStackSize,
		maxRetries: 4,
		procs:      make(map[int]*Process),
	}

	for _, opt := range opts {
		opt(k)
	}

	m.SetAccessObserver(u)

	return k
}

// Machine returns the machine.
func (k *Kernel) Machine() *machine.Machine {
	return k.machine
}

// MMU returns the MMU.
func (k *Kernel) MMU() *mmu.Comp {
	return k.mmu
}

// Current returns the running process, or nil.
func (k *Kernel) Current() *Process {
	return k.current
}

// Process returns the process with the given id.
func (k *Kernel) Process(pid int) (*Process, bool) {
	p, found := k.procs[pid]
	return p, found
}

// Processes returns every process ever created, ordered by id.
func (k *Kernel) Processes() []*Process {
	out := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })

	return out
}

// Exec creates a process that runs the named executable. No page is loaded
// until the process touches it.
func (k *Kernel) Exec(pid int, image string) (*Process, error) {
	if _, found := k.procs[pid]; found {
		return nil, fmt.Errorf("exec %d: %w", pid, ErrProcessExists)
	}

	space, err := addrspace.Load(vm.SpaceID(pid), k.images, image,
		k.mmu.PageSize(), k.stackSize)
	if err != nil {
		return nil, fmt.Errorf("exec %d: %w", pid, err)
	}

	p := newProcess(pid, image, space)
	k.procs[pid] = p

	k.log.WithFields(logrus.Fields{
		"pid":   pid,
		"image": image,
		"pages": space.NumPages(),
	}).Info("exec")

	return p, nil
}

// Fork creates a child of a process. The child shares the code and data of
// the parent copy-on-write, gets a fresh stack, and starts with the registers
// of the parent.
func (k *Kernel) Fork(parentPID, childPID int) (*Process, error) {
	parent, err := k.live(parentPID)
	if err != nil {
		return nil, err
	}

	if _, found := k.procs[childPID]; found {
		return nil, fmt.Errorf("fork %d: %w", childPID, ErrProcessExists)
	}

	space := parent.Space.Fork(vm.SpaceID(childPID))

	err = k.mmu.Fork(parent.Space, space)
	if err != nil {
		k.mmu.ReleaseSpace(space)
		return nil, fmt.Errorf("fork %d: %w", childPID, err)
	}

	child := newProcess(childPID, parent.Image, space)
	child.Parent = parentPID

	if parent == k.current {
		parent.registers = k.machine.SaveRegisters()
	}

	child.registers = parent.registers
	child.started = parent.started
	k.procs[childPID] = child

	k.log.WithFields(logrus.Fields{
		"parent": parentPID,
		"child":  childPID,
	}).Info("fork")

	return child, nil
}

// Exit terminates a process and releases its frames and swap slots.
func (k *Kernel) Exit(pid int) error {
	p, err := k.live(pid)
	if err != nil {
		return err
	}

	k.terminate(p, nil)

	return nil
}

func (k *Kernel) terminate(p *Process, cause error) {
	frames, slots := k.mmu.ReleaseSpace(p.Space)

	p.State = Terminated
	p.ExitErr = cause

	if k.current == p {
		k.current = nil
	}

	entry := k.log.WithFields(logrus.Fields{
		"pid":    p.PID,
		"frames": frames,
		"slots":  slots,
	})

	if cause != nil {
		entry.WithError(cause).Warn("process terminated by fault")
		return
	}

	entry.Info("exit")
}

// Switch makes the process the running one. The pages of the process that
// was running are protected, and those of the new process are restored.
func (k *Kernel) Switch(pid int) error {
	next, err := k.live(pid)
	if err != nil {
		return err
	}

	if next == k.current {
		return nil
	}

	evt := SwitchEvent{From: -1, To: pid}

	if prev := k.current; prev != nil {
		prev.registers = k.machine.SaveRegisters()
		evt.Protected = k.mmu.ProtectProcessPages(prev.Space)
		prev.State = Ready
		evt.From = prev.PID
	}

	evt.Restored = k.mmu.RestoreProcessPages(next.Space)

	if !next.started {
		next.registers = initialRegisters(next.Space)
		next.started = true
	}

	k.machine.RestoreRegisters(next.registers)
	next.State = Running
	k.current = next

	k.InvokeHook(hooking.HookCtx{
		Domain: k,
		Pos:    HookPosContextSwitch,
		Item:   evt,
	})

	return nil
}

func initialRegisters(space *addrspace.AddrSpace) machine.Registers {
	var regs machine.Registers

	regs[machine.PCReg] = 0
	regs[machine.NextPCReg] = 4
	regs[machine.StackReg] = int32(space.InitialStackPointer())

	return regs
}

func (k *Kernel) live(pid int) (*Process, error) {
	p, found := k.procs[pid]
	if !found {
		return nil, fmt.Errorf("process %d: %w", pid, ErrUnknownProcess)
	}

	if p.State == Terminated {
		return nil, fmt.Errorf("process %d: %w", pid, ErrProcessTerminated)
	}

	return p, nil
}
