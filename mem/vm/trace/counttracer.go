package trace

import (
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/sim/hooking"
)

// A CountTracer counts how many times each hook position is reached, and how
// many page faults of each kind are handled. It can be shared by several
// MMUs.
type CountTracer struct {
	lock   sync.Mutex
	counts map[string]uint64
	faults map[vm.FaultKind]uint64
}

// NewCountTracer creates a CountTracer with all counts at zero.
func NewCountTracer() *CountTracer {
	return &CountTracer{
		counts: make(map[string]uint64),
		faults: make(map[vm.FaultKind]uint64),
	}
}

// Func counts the hook invocation.
func (t *CountTracer) Func(ctx hooking.HookCtx) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.counts[ctx.Pos.Name]++

	if evt, ok := ctx.Item.(mmu.Event); ok && ctx.Pos == mmu.HookPosPageFault {
		t.faults[evt.Kind]++
	}
}

// Count returns how many times the position was reached.
func (t *CountTracer) Count(pos *hooking.HookPos) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.counts[pos.Name]
}

// FaultCount returns how many page faults of the kind were handled.
func (t *CountTracer) FaultCount(kind vm.FaultKind) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.faults[kind]
}

// Counts returns a copy of the counts, keyed by hook position name.
func (t *CountTracer) Counts() map[string]uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	out := make(map[string]uint64, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}

	return out
}

// Reset sets all counts back to zero.
func (t *CountTracer) Reset() {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.counts = make(map[string]uint64)
	t.faults = make(map[vm.FaultKind]uint64)
}
