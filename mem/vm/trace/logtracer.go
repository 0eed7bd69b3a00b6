package trace

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm/kernel"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/sim/hooking"
)

// A LogTracer forwards MMU and kernel events to a logger.
type LogTracer struct {
	logger logrus.FieldLogger
	level  logrus.Level
}

// NewLogTracer creates a LogTracer that writes at the given level.
func NewLogTracer(logger logrus.FieldLogger, level logrus.Level) *LogTracer {
	return &LogTracer{
		logger: logger,
		level:  level,
	}
}

// Func logs the event carried by the hook context.
func (t *LogTracer) Func(ctx hooking.HookCtx) {
	var entry *logrus.Entry

	switch item := ctx.Item.(type) {
	case mmu.Event:
		fields := logrus.Fields{
			"space": item.Space,
			"vpn":   item.VirtualPage,
			"frame": item.Frame,
		}

		switch ctx.Pos {
		case mmu.HookPosPageFault:
			fields["kind"] = item.Kind.String()
		case mmu.HookPosEvict:
			fields["dirty"] = item.Dirty
			fields["mappers"] = item.Count
		case mmu.HookPosSwapOut, mmu.HookPosSwapIn, mmu.HookPosTLBEvict:
			fields["slot"] = item.Slot
		case mmu.HookPosProtect, mmu.HookPosRestore:
			fields = logrus.Fields{
				"space": item.Space,
				"pages": item.Count,
			}
		}

		entry = t.logger.WithFields(fields)
	case kernel.SwitchEvent:
		entry = t.logger.WithFields(logrus.Fields{
			"from":      item.From,
			"to":        item.To,
			"protected": item.Protected,
			"restored":  item.Restored,
		})
	default:
		return
	}

	if name := componentName(ctx); name != "" {
		entry = entry.WithField("component", name)
	}

	entry.Log(t.level, ctx.Pos.Name)
}
