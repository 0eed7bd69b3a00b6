package mmu

import (
	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/sim/hooking"
)

// The positions at which the MMU invokes its hooks. The item of the hook
// context is always an Event. Hooks run while the MMU holds its lock and must
// not call back into the MMU.
var (
	HookPosPageFault   = &hooking.HookPos{Name: "MMU Page Fault"}
	HookPosEvict       = &hooking.HookPos{Name: "MMU Evict"}
	HookPosSwapOut     = &hooking.HookPos{Name: "MMU Swap Out"}
	HookPosSwapIn      = &hooking.HookPos{Name: "MMU Swap In"}
	HookPosTLBEvict    = &hooking.HookPos{Name: "MMU TLB Evict"}
	HookPosCopyOnWrite = &hooking.HookPos{Name: "MMU Copy On Write"}
	HookPosProtect     = &hooking.HookPos{Name: "MMU Protect"}
	HookPosRestore     = &hooking.HookPos{Name: "MMU Restore"}
)

// An Event describes something the MMU did.
type Event struct {
	What        string
	Kind        vm.FaultKind
	Space       vm.SpaceID
	VirtualPage int
	Frame       int
	Slot        int
	Dirty       bool
	Count       int
}

func (c *Comp) hook(pos *hooking.HookPos, evt Event) {
	if c.NumHooks() == 0 {
		return
	}

	evt.What = pos.Name

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    pos,
		Item:   evt,
	})
}
