// Package hooking lets observers attach to well-known positions inside a
// component. The MMU uses it to report page faults, evictions and swap
// traffic to tracers without knowing about them.
package hooking

// HookPos names a position at which a hookable object invokes its hooks.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookFunc turns a plain function into a Hook.
type HookFunc func(ctx HookCtx)

// Func calls f.
func (f *HookFunc) Func(ctx HookCtx) {
	(*f)(ctx)
}

// NewHookFunc wraps f as a Hook. Each call returns a distinct hook, so the
// same function can be registered on several objects.
func NewHookFunc(f func(ctx HookCtx)) Hook {
	hf := HookFunc(f)
	return &hf
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface. Hooks are registered while a component is being
// wired; registering concurrently with InvokeHook is not supported.
type HookableBase struct {
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	return h.hookList
}

// AcceptHook register a hook.
func (h *HookableBase) AcceptHook(hook Hook) {
	h.mustNotHaveDuplicatedHook(hook)
	h.hookList = append(h.hookList, hook)
}

// RemoveHook unregisters a hook. It reports whether the hook was registered.
func (h *HookableBase) RemoveHook(hook Hook) bool {
	for i, registered := range h.hookList {
		if registered == hook {
			h.hookList = append(h.hookList[:i], h.hookList[i+1:]...)
			return true
		}
	}

	return false
}

func (h *HookableBase) mustNotHaveDuplicatedHook(hook Hook) {
	for _, registered := range h.hookList {
		if registered == hook {
			panic("duplicated hook")
		}
	}
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}
