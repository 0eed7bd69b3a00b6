// Package trace provides hooks that record what the MMU and the kernel do.
// Attach a tracer with AcceptHook on an mmu.Comp or a kernel.Kernel.
package trace

import (
	"github.com/sarchlab/vmsim/sim/hooking"
)

type named interface {
	Name() string
}

// componentName returns the name of the object that invoked the hook, or an
// empty string if it has none.
func componentName(ctx hooking.HookCtx) string {
	if n, ok := ctx.Domain.(named); ok {
		return n.Name()
	}

	return ""
}
