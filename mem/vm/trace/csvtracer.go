package trace

import (
	"fmt"
	"io"

	"github.com/sarchlab/vmsim/mem/vm/kernel"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/sim/hooking"
)

// A CSVTracer writes one line per MMU or kernel event. The columns are
// seq,component,what,space,vpn,frame,slot,dirty,count. For context switches,
// space is the incoming process, slot the outgoing one, and count the number
// of restored pages.
type CSVTracer struct {
	writer io.Writer
	seq    uint64
}

// NewCSVTracer produces a new CSVTracer, injecting the dependency of a
// writer.
func NewCSVTracer(w io.Writer) *CSVTracer {
	t := new(CSVTracer)
	t.writer = w

	return t
}

// Func prints the trace line of the event.
func (t *CSVTracer) Func(ctx hooking.HookCtx) {
	var err error

	switch item := ctx.Item.(type) {
	case mmu.Event:
		t.seq++
		_, err = fmt.Fprintf(t.writer, "%d,%s,%s,%d,%d,%d,%d,%t,%d\n",
			t.seq,
			componentName(ctx),
			ctx.Pos.Name,
			item.Space,
			item.VirtualPage,
			item.Frame,
			item.Slot,
			item.Dirty,
			item.Count)
	case kernel.SwitchEvent:
		t.seq++
		_, err = fmt.Fprintf(t.writer, "%d,%s,%s,%d,-1,-1,%d,false,%d\n",
			t.seq,
			componentName(ctx),
			ctx.Pos.Name,
			item.To,
			item.From,
			item.Restored)
	default:
		return
	}

	if err != nil {
		panic(err)
	}
}
