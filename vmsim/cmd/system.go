package cmd

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/config"
	"github.com/sarchlab/vmsim/mem/vm/kernel"
	"github.com/sarchlab/vmsim/mem/vm/machine"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/mem/vm/swap"
	"github.com/sarchlab/vmsim/sim/hooking"
)

// A system is a machine, its MMU and the kernel that drives them.
type system struct {
	machine *machine.Machine
	mmu     *mmu.Comp
	kernel  *kernel.Kernel
	closers []io.Closer
}

// buildSystem wires a machine as the configuration describes it.
func buildSystem(
	cfg config.Config,
	images noff.Opener,
	name string,
	logger logrus.FieldLogger,
) (*system, error) {
	s := &system{}

	m := machine.MakeBuilder().
		WithPageSize(cfg.PageSize).
		WithNumFrames(cfg.NumPhysPages).
		WithTLBSize(cfg.TLBSize).
		Build()

	slots := cfg.NumSwapSlots()
	size := slots * cfg.PageSize

	var store swap.Store = swap.NewMemStore(size)

	if cfg.SwapFile != "" {
		f, err := swap.NewFileStore(cfg.SwapFile, int64(size))
		if err != nil {
			return nil, err
		}

		store = f
		s.closers = append(s.closers, f)
	}

	u := mmu.MakeBuilder().
		WithPageSize(cfg.PageSize).
		WithNumFrames(cfg.NumPhysPages).
		WithMemory(m.MainMemory).
		WithTLB(m.TLB).
		WithSwap(swap.New(store, slots, cfg.PageSize)).
		WithImages(images).
		WithLogger(logger).
		Build(name)

	k := kernel.New(m, u, images,
		kernel.WithStackSize(cfg.UserStackSize),
		kernel.WithLogger(logger))

	s.machine = m
	s.mmu = u
	s.kernel = k

	return s, nil
}

// attach registers the hook with both the MMU and the kernel.
func (s *system) attach(h hooking.Hook) {
	s.mmu.AcceptHook(h)
	s.kernel.AcceptHook(h)
}

// addCloser makes Close release c too.
func (s *system) addCloser(c io.Closer) {
	s.closers = append(s.closers, c)
}

// Close releases the files the system holds.
func (s *system) Close() error {
	var errs []error

	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}

	s.closers = nil

	return errors.Join(errs...)
}
