// Package workload describes what the user processes of a simulation do, and
// runs that description on a kernel.
//
// A workload is a TOML document:
//
//	[[process]]
//	pid = 1
//	image = "prog"
//
//	[[process]]
//	pid = 2
//	parent = 1
//
//	[[step]]
//	pid = 1
//	op = "write"
//	addr = 0x50
//	size = 4
//	value = 0xdeadbeef
//
// Processes with a parent are forked from it before the first step. The
// operations are read, write, fork (with child), switch and exit.
package workload

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// The operations of a step.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpFork   = "fork"
	OpSwitch = "switch"
	OpExit   = "exit"
)

// A Process is a process that exists when the workload starts.
type Process struct {
	PID    int    `toml:"pid"`
	Image  string `toml:"image"`
	Parent *int   `toml:"parent"`
}

// A Step is one action of a process.
type Step struct {
	PID   int    `toml:"pid"`
	Op    string `toml:"op"`
	Addr  uint64 `toml:"addr"`
	Size  int    `toml:"size"`
	Value uint32 `toml:"value"`
	Child int    `toml:"child"`
}

// A Workload is a set of processes and the steps they take, in order.
type Workload struct {
	Processes []Process `toml:"process"`
	Steps     []Step    `toml:"step"`
}

// Load reads a workload file.
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return w, nil
}

// Parse decodes and validates a workload. Reads and writes default to 4
// bytes.
func Parse(data []byte) (*Workload, error) {
	w := &Workload{}

	md, err := toml.Decode(string(data), w)
	if err != nil {
		return nil, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %s", undecoded[0])
	}

	for i := range w.Steps {
		s := &w.Steps[i]
		if s.Size == 0 && (s.Op == OpRead || s.Op == OpWrite) {
			s.Size = 4
		}
	}

	if err := w.Validate(); err != nil {
		return nil, err
	}

	return w, nil
}

// Validate checks that every step refers to a process that can exist by the
// time the step runs.
func (w *Workload) Validate() error {
	if len(w.Processes) == 0 {
		return errors.New("workload has no process")
	}

	known := make(map[int]bool)

	for i, p := range w.Processes {
		if known[p.PID] {
			return fmt.Errorf("process %d: pid %d is used twice", i, p.PID)
		}

		if p.Parent != nil {
			if !known[*p.Parent] {
				return fmt.Errorf("process %d: parent %d is not defined "+
					"before it", p.PID, *p.Parent)
			}
		} else if p.Image == "" {
			return fmt.Errorf("process %d: no image", p.PID)
		}

		known[p.PID] = true
	}

	for i, s := range w.Steps {
		if !known[s.PID] {
			return fmt.Errorf("step %d: unknown process %d", i, s.PID)
		}

		if err := s.validate(known); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	return nil
}

func (s Step) validate(known map[int]bool) error {
	switch s.Op {
	case OpRead, OpWrite:
		if s.Size != 1 && s.Size != 2 && s.Size != 4 {
			return fmt.Errorf("%s of %d bytes", s.Op, s.Size)
		}
	case OpFork:
		if known[s.Child] {
			return fmt.Errorf("fork into existing pid %d", s.Child)
		}

		known[s.Child] = true
	case OpSwitch, OpExit:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}

	return nil
}

// NumSteps returns the number of steps.
func (w *Workload) NumSteps() int {
	return len(w.Steps)
}
