package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type recordingHook struct {
	ctxs []HookCtx
}

func (h *recordingHook) Func(ctx HookCtx) {
	h.ctxs = append(h.ctxs, ctx)
}

var _ = Describe("HookableBase", func() {
	var (
		base *HookableBase
		pos  *HookPos
	)

	BeforeEach(func() {
		base = &HookableBase{}
		pos = &HookPos{Name: "Test"}
	})

	It("should invoke every hook in registration order", func() {
		order := []string{}
		first := NewHookFunc(func(HookCtx) { order = append(order, "first") })
		second := NewHookFunc(func(HookCtx) { order = append(order, "second") })

		base.AcceptHook(first)
		base.AcceptHook(second)
		base.InvokeHook(HookCtx{Pos: pos})

		Expect(base.NumHooks()).To(Equal(2))
		Expect(order).To(Equal([]string{"first", "second"}))
	})

	It("should pass the context through", func() {
		hook := &recordingHook{}
		base.AcceptHook(hook)

		base.InvokeHook(HookCtx{Pos: pos, Item: 42, Detail: "x"})

		Expect(hook.ctxs).To(HaveLen(1))
		Expect(hook.ctxs[0].Pos).To(BeIdenticalTo(pos))
		Expect(hook.ctxs[0].Item).To(Equal(42))
		Expect(hook.ctxs[0].Detail).To(Equal("x"))
	})

	It("should panic on duplicated hook", func() {
		hook := &recordingHook{}
		base.AcceptHook(hook)

		Expect(func() { base.AcceptHook(hook) }).To(Panic())
	})

	It("should remove hooks", func() {
		hook := &recordingHook{}
		base.AcceptHook(hook)

		Expect(base.RemoveHook(hook)).To(BeTrue())
		Expect(base.RemoveHook(hook)).To(BeFalse())

		base.InvokeHook(HookCtx{Pos: pos})
		Expect(hook.ctxs).To(BeEmpty())
	})
})
