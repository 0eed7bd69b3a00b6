package trace

import (
	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/mem/vm/kernel"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/sim/hooking"
	"github.com/sarchlab/vmsim/sim/id"
)

// The tables that a DBTracer writes.
const (
	PageFaultTable     = "page_faults"
	EvictionTable      = "evictions"
	SwapIOTable        = "swap_io"
	ContextSwitchTable = "context_switches"
)

// pageFaultEntry is one handled page fault.
type pageFaultEntry struct {
	ID          string
	Location    string
	Kind        string
	Space       uint32
	VirtualPage int
	Frame       int
}

// evictionEntry is a page leaving memory or a mirror leaving the TLB.
type evictionEntry struct {
	ID          string
	Location    string
	Level       string
	Space       uint32
	VirtualPage int
	Frame       int
	Dirty       bool
	Mappers     int
}

// swapIOEntry is a page moving between memory and swap.
type swapIOEntry struct {
	ID          string
	Location    string
	Direction   string
	Space       uint32
	VirtualPage int
	Frame       int
	Slot        int
}

// contextSwitchEntry is a context switch with the number of pages that were
// protected and restored.
type contextSwitchEntry struct {
	ID        string
	Location  string
	From      int
	To        int
	Protected int
	Restored  int
}

// A DBTracer is a hook that records MMU and kernel events into a database
// using the data recorder.
type DBTracer struct {
	recorder datarecording.DataRecorder
	ids      id.IDGenerator
}

// NewDBTracer creates the tables of the tracer and returns the tracer. IDs
// are sequential unless another generator is given.
func NewDBTracer(
	recorder datarecording.DataRecorder,
	ids id.IDGenerator,
) *DBTracer {
	if ids == nil {
		ids = id.NewIDGenerator()
	}

	t := &DBTracer{
		recorder: recorder,
		ids:      ids,
	}

	t.recorder.CreateTable(PageFaultTable, pageFaultEntry{})
	t.recorder.CreateTable(EvictionTable, evictionEntry{})
	t.recorder.CreateTable(SwapIOTable, swapIOEntry{})
	t.recorder.CreateTable(ContextSwitchTable, contextSwitchEntry{})

	return t
}

// Func records the event carried by the hook context. Events that have no
// table are ignored.
func (t *DBTracer) Func(ctx hooking.HookCtx) {
	switch item := ctx.Item.(type) {
	case mmu.Event:
		t.recordMMUEvent(ctx, item)
	case kernel.SwitchEvent:
		t.recorder.InsertData(ContextSwitchTable, contextSwitchEntry{
			ID:        t.ids.Generate(),
			Location:  componentName(ctx),
			From:      item.From,
			To:        item.To,
			Protected: item.Protected,
			Restored:  item.Restored,
		})
	}
}

func (t *DBTracer) recordMMUEvent(ctx hooking.HookCtx, evt mmu.Event) {
	location := componentName(ctx)

	switch ctx.Pos {
	case mmu.HookPosPageFault:
		t.recorder.InsertData(PageFaultTable, pageFaultEntry{
			ID:          t.ids.Generate(),
			Location:    location,
			Kind:        evt.Kind.String(),
			Space:       uint32(evt.Space),
			VirtualPage: evt.VirtualPage,
			Frame:       evt.Frame,
		})
	case mmu.HookPosEvict, mmu.HookPosTLBEvict:
		level := "memory"
		if ctx.Pos == mmu.HookPosTLBEvict {
			level = "tlb"
		}

		t.recorder.InsertData(EvictionTable, evictionEntry{
			ID:          t.ids.Generate(),
			Location:    location,
			Level:       level,
			Space:       uint32(evt.Space),
			VirtualPage: evt.VirtualPage,
			Frame:       evt.Frame,
			Dirty:       evt.Dirty,
			Mappers:     evt.Count,
		})
	case mmu.HookPosSwapOut, mmu.HookPosSwapIn:
		direction := "out"
		if ctx.Pos == mmu.HookPosSwapIn {
			direction = "in"
		}

		t.recorder.InsertData(SwapIOTable, swapIOEntry{
			ID:          t.ids.Generate(),
			Location:    location,
			Direction:   direction,
			Space:       uint32(evt.Space),
			VirtualPage: evt.VirtualPage,
			Frame:       evt.Frame,
			Slot:        evt.Slot,
		})
	}
}
