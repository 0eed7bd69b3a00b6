package workload

import (
	"context"
	"errors"
	"fmt"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/kernel"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
)

// A ProcessResult is what happened to one process.
type ProcessResult struct {
	PID     int
	State   string
	ExitErr string
	Faults  map[vm.FaultKind]int
	Reads   []uint32
	Skipped int
}

// A Result is the outcome of running a workload.
type Result struct {
	Processes []ProcessResult
	Steps     int
	Stats     mmu.Stats
}

// Process returns the result of the process with the given pid.
func (r Result) Process(pid int) (ProcessResult, bool) {
	for _, p := range r.Processes {
		if p.PID == pid {
			return p, true
		}
	}

	return ProcessResult{}, false
}

// An Option configures a run.
type Option func(r *runner)

// WithProgress sets a function that is called after every step.
func WithProgress(f func(done, total int)) Option {
	return func(r *runner) {
		r.progress = f
	}
}

type runner struct {
	k        *kernel.Kernel
	w        *Workload
	progress func(done, total int)
	reads    map[int][]uint32
	skipped  map[int]int
}

// Run creates the processes of the workload and performs its steps on the
// kernel. A process that is terminated by a fatal fault stops taking steps;
// the other processes go on. Run returns an error only if the workload
// cannot be carried out, or if the context is canceled.
func Run(
	ctx context.Context,
	k *kernel.Kernel,
	w *Workload,
	opts ...Option,
) (Result, error) {
	r := &runner{
		k:       k,
		w:       w,
		reads:   make(map[int][]uint32),
		skipped: make(map[int]int),
	}

	for _, opt := range opts {
		opt(r)
	}

	err := r.createProcesses()
	if err != nil {
		return Result{}, err
	}

	done := 0
	for i, s := range w.Steps {
		if err := ctx.Err(); err != nil {
			return r.result(done), err
		}

		err := r.step(s)
		if err != nil {
			return r.result(done), fmt.Errorf("step %d: %w", i, err)
		}

		done++

		if r.progress != nil {
			r.progress(done, len(w.Steps))
		}
	}

	return r.result(done), nil
}

func (r *runner) createProcesses() error {
	for _, p := range r.w.Processes {
		var err error

		if p.Parent != nil {
			_, err = r.k.Fork(*p.Parent, p.PID)
		} else {
			_, err = r.k.Exec(p.PID, p.Image)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (r *runner) step(s Step) error {
	p, found := r.k.Process(s.PID)
	if !found {
		return fmt.Errorf("process %d: %w", s.PID, kernel.ErrUnknownProcess)
	}

	if p.State == kernel.Terminated {
		r.skipped[s.PID]++
		return nil
	}

	var err error

	switch s.Op {
	case OpExit:
		return r.k.Exit(s.PID)
	case OpFork:
		_, err = r.k.Fork(s.PID, s.Child)
		return err
	case OpSwitch:
		return r.k.Switch(s.PID)
	}

	err = r.k.Switch(s.PID)
	if err != nil {
		return err
	}

	switch s.Op {
	case OpRead:
		var v uint32

		v, err = r.k.Load(s.Addr, s.Size)
		if err == nil {
			r.reads[s.PID] = append(r.reads[s.PID], v)
		}
	case OpWrite:
		err = r.k.Store(s.Addr, s.Size, s.Value)
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}

	if errors.Is(err, kernel.ErrProcessTerminated) {
		return nil
	}

	return err
}

func (r *runner) result(steps int) Result {
	res := Result{
		Steps: steps,
		Stats: r.k.MMU().Stats(),
	}

	for _, p := range r.k.Processes() {
		pr := ProcessResult{
			PID:     p.PID,
			State:   p.State.String(),
			Faults:  make(map[vm.FaultKind]int, len(p.Faults)),
			Reads:   r.reads[p.PID],
			Skipped: r.skipped[p.PID],
		}

		for kind, n := range p.Faults {
			pr.Faults[kind] = n
		}

		if p.ExitErr != nil {
			pr.ExitErr = p.ExitErr.Error()
		}

		res.Processes = append(res.Processes, pr)
	}

	return res
}
