package kernel

import (
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/machine"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/mem/vm/noff"
	"github.com/sarchlab/vmsim/mem/vm/swap"
	"github.com/sarchlab/vmsim/sim/hooking"
)

const pageSize = 16

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i)
	}

	return out
}

// The program has 40 bytes of code, 16 bytes of data, 16 bytes of bss and a
// 32 byte stack: 7 pages, with the initial stack pointer at 96.
var _ = Describe("Kernel", func() {
	var (
		images *noff.MemOpener
		logger *logrus.Logger
		m      *machine.Machine
		u      *mmu.Comp
		k      *Kernel
	)

	build := func(frames int, dev *swap.Device) {
		m = machine.MakeBuilder().
			WithPageSize(pageSize).
			WithNumFrames(frames).
			WithTLBSize(2).
			Build()

		b := mmu.MakeBuilder().
			WithPageSize(pageSize).
			WithNumFrames(frames).
			WithMemory(m.MainMemory).
			WithTLB(m.TLB).
			WithImages(images).
			WithLogger(logger)
		if dev != nil {
			b = b.WithSwap(dev)
		}

		u = b.Build("MMU")
		k = New(m, u, images, WithStackSize(32), WithLogger(logger))
	}

	start := func(pids ...int) {
		GinkgoHelper()

		for _, pid := range pids {
			_, err := k.Exec(pid, "prog")
			Expect(err).NotTo(HaveOccurred())
		}

		Expect(k.Switch(pids[0])).To(Succeed())
	}

	load := func(addr uint64) uint32 {
		GinkgoHelper()

		v, err := k.Load(addr, 4)
		Expect(err).NotTo(HaveOccurred())

		return v
	}

	store := func(addr uint64, value uint32) {
		GinkgoHelper()

		Expect(k.Store(addr, 4, value)).To(Succeed())
	}

	BeforeEach(func() {
		images = noff.NewMemOpener()
		images.Add("prog", noff.MakeBuilder().
			WithCode(pattern(40, 1)).
			WithInitData(pattern(16, 100)).
			WithUninitDataSize(16).
			Build())

		logger = logrus.New()
		logger.SetOutput(GinkgoWriter)

		build(4, nil)
	})

	It("should load code and data lazily", func() {
		start(1)
		p := k.Current()

		Expect(p.Space.PageTable().NumResident()).To(Equal(0))
		Expect(load(0)).To(Equal(uint32(0x04030201)))
		Expect(load(4)).To(Equal(uint32(0x08070605)))

		v, err := k.Load(40, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(uint32(100)))

		Expect(p.Faults[vm.HardFaultClean]).To(Equal(2))
		Expect(p.NumFaults()).To(Equal(2))
	})

	It("should initialize the registers on the first switch", func() {
		start(1)

		Expect(m.ReadRegister(machine.StackReg)).To(Equal(int32(96)))
		Expect(m.ReadRegister(machine.NextPCReg)).To(Equal(int32(4)))
	})

	It("should keep registers across switches", func() {
		start(1, 2)
		m.WriteRegister(machine.PCReg, 40)

		Expect(k.Switch(2)).To(Succeed())
		Expect(m.ReadRegister(machine.PCReg)).To(Equal(int32(0)))

		Expect(k.Switch(1)).To(Succeed())
		Expect(m.ReadRegister(machine.PCReg)).To(Equal(int32(40)))
	})

	It("should read back what was stored", func() {
		start(1)

		store(96, 0xcafe)
		store(56, 7)

		Expect(load(96)).To(Equal(uint32(0xcafe)))
		Expect(load(56)).To(Equal(uint32(7)))
	})

	It("should keep dirty pages across evictions", func() {
		build(2, nil)
		start(1)

		store(44, 0xdeadbeef)
		load(0)
		load(16)
		load(60)

		Expect(load(44)).To(Equal(uint32(0xdeadbeef)))
		Expect(k.Current().Faults[vm.HardFaultDirty]).To(Equal(1))
		Expect(u.CheckInvariants()).To(Succeed())
	})

	It("should isolate processes", func() {
		build(2, nil)
		start(1, 2)

		store(96, 111)
		Expect(k.Switch(2)).To(Succeed())
		store(96, 222)
		load(0)
		load(16)

		Expect(k.Switch(1)).To(Succeed())
		Expect(load(96)).To(Equal(uint32(111)))

		Expect(k.Switch(2)).To(Succeed())
		Expect(load(96)).To(Equal(uint32(222)))
		Expect(u.CheckInvariants()).To(Succeed())
	})

	It("should share pages copy-on-write after fork", func() {
		start(1)
		store(44, 0x1234)

		child, err := k.Fork(1, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(child.Parent).To(Equal(1))

		Expect(k.Switch(2)).To(Succeed())
		Expect(load(44)).To(Equal(uint32(0x1234)))

		store(44, 0x5678)
		Expect(load(44)).To(Equal(uint32(0x5678)))
		Expect(child.Faults[vm.CopyOnWriteFault]).To(Equal(1))

		Expect(k.Switch(1)).To(Succeed())
		Expect(load(44)).To(Equal(uint32(0x1234)))
		Expect(u.Stats().Copies).To(Equal(uint64(1)))
		Expect(u.CheckInvariants()).To(Succeed())
	})

	It("should let a forked child read pages its parent loaded", func() {
		start(1)
		word := load(0)

		_, err := k.Fork(1, 2)
		Expect(err).NotTo(HaveOccurred())

		Expect(k.Switch(2)).To(Succeed())
		Expect(load(0)).To(Equal(word))
		Expect(u.CheckInvariants()).To(Succeed())

		Expect(k.Switch(1)).To(Succeed())
		Expect(load(0)).To(Equal(word))
		Expect(u.CheckInvariants()).To(Succeed())

		Expect(k.Exit(2)).To(Succeed())
		Expect(load(0)).To(Equal(word))
		Expect(u.CheckInvariants()).To(Succeed())
	})

	It("should terminate a process that leaves its address space", func() {
		start(1)
		load(0)

		_, err := k.Load(200, 4)

		Expect(err).To(MatchError(ErrProcessTerminated))
		Expect(err).To(MatchError(vm.ErrAddress))

		p, _ := k.Process(1)
		Expect(p.State).To(Equal(Terminated))
		Expect(p.ExitErr).To(MatchError(vm.ErrAddress))
		Expect(k.Current()).To(BeNil())
		Expect(u.NumFreeFrames()).To(Equal(4))

		_, err = k.Load(0, 4)
		Expect(err).To(MatchError(ErrNoProcess))
	})

	It("should terminate a process on unaligned accesses", func() {
		start(1)

		err := k.Store(2, 4, 1)

		Expect(err).To(MatchError(vm.ErrAddress))
		Expect(k.Current()).To(BeNil())
	})

	It("should only terminate the process that exhausts swap", func() {
		dev := swap.New(swap.NewMemStore(pageSize), 1, pageSize)
		build(1, dev)
		start(1, 2)

		store(44, 0xabcd)
		Expect(k.Switch(2)).To(Succeed())
		store(96, 1)

		_, err := k.Load(0, 4)
		Expect(err).To(MatchError(vm.ErrSwapExhausted))

		p2, _ := k.Process(2)
		Expect(p2.State).To(Equal(Terminated))

		Expect(k.Switch(1)).To(Succeed())
		Expect(load(44)).To(Equal(uint32(0xabcd)))
	})

	It("should release everything on exit", func() {
		start(1)
		store(96, 1)
		load(0)

		Expect(k.Exit(1)).To(Succeed())

		Expect(k.Current()).To(BeNil())
		Expect(u.NumFreeFrames()).To(Equal(4))
		Expect(k.Exit(1)).To(MatchError(ErrProcessTerminated))
	})

	It("should reject bad process ids", func() {
		start(1)

		_, err := k.Exec(1, "prog")
		Expect(err).To(MatchError(ErrProcessExists))

		Expect(k.Switch(9)).To(MatchError(ErrUnknownProcess))

		_, err = k.Fork(9, 10)
		Expect(err).To(MatchError(ErrUnknownProcess))

		_, err = k.Exec(3, "missing")
		Expect(err).To(HaveOccurred())
	})

	It("should report context switches", func() {
		events := []SwitchEvent{}
		k.AcceptHook(hooking.NewHookFunc(func(ctx hooking.HookCtx) {
			events = append(events, ctx.Item.(SwitchEvent))
		}))

		start(1, 2)
		load(0)
		Expect(k.Switch(2)).To(Succeed())
		Expect(k.Switch(1)).To(Succeed())

		want := []SwitchEvent{
			{From: -1, To: 1},
			{From: 1, To: 2, Protected: 1},
			{From: 2, To: 1, Restored: 1},
		}
		Expect(cmp.Diff(want, events)).To(BeEmpty())
	})

	It("should list processes in order", func() {
		start(3, 1, 2)

		pids := []int{}
		for _, p := range k.Processes() {
			pids = append(pids, p.PID)
		}

		Expect(pids).To(Equal([]int{1, 2, 3}))
		Expect(k.Current().PID).To(Equal(3))
	})
})
