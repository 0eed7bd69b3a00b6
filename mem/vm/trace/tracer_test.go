package trace

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmsim/datarecording"
	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/kernel"
	"github.com/sarchlab/vmsim/mem/vm/machine"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
	"github.com/sarchlab/vmsim/mem/vm/noff"
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

// newSystem builds a machine with two frames running a 7 page program: 40
// bytes of code, 16 of data, 16 of bss and a 32 byte stack.
func newSystem() (*mmu.Comp, *kernel.Kernel) {
	images := noff.NewMemOpener()
	images.Add("prog", noff.MakeBuilder().
		WithCode(pattern(40, 1)).
		WithInitData(pattern(16, 100)).
		WithUninitDataSize(16).
		Build())

	logger := logrus.New()
	logger.SetOutput(GinkgoWriter)

	m := machine.MakeBuilder().
		WithPageSize(pageSize).
		WithNumFrames(2).
		WithTLBSize(2).
		Build()

	u := mmu.MakeBuilder().
		WithPageSize(pageSize).
		WithNumFrames(2).
		WithMemory(m.MainMemory).
		WithTLB(m.TLB).
		WithImages(images).
		WithLogger(logger).
		Build("MMU")

	k := kernel.New(m, u, images,
		kernel.WithStackSize(32),
		kernel.WithLogger(logger))

	return u, k
}

// runScenario touches every code page, dirties two pages and reads one of
// them back after it was pushed to swap.
func runScenario(k *kernel.Kernel) {
	GinkgoHelper()

	_, err := k.Exec(1, "prog")
	Expect(err).NotTo(HaveOccurred())
	Expect(k.Switch(1)).To(Succeed())

	for _, addr := range []uint64{0, 16, 32, 48} {
		_, err := k.Load(addr, 4)
		Expect(err).NotTo(HaveOccurred())
	}

	Expect(k.Store(80, 4, 0xdeadbeef)).To(Succeed())
	Expect(k.Store(64, 4, 0x12345678)).To(Succeed())

	_, err = k.Load(0, 4)
	Expect(err).NotTo(HaveOccurred())

	v, err := k.Load(80, 4)
	Expect(err).NotTo(HaveOccurred())
	Expect(v).To(Equal(uint32(0xdeadbeef)))
}

func attach(u *mmu.Comp, k *kernel.Kernel, h hooking.Hook) {
	u.AcceptHook(h)
	k.AcceptHook(h)
}

var _ = Describe("DBTracer", func() {
	var (
		mockCtrl *gomock.Controller
		recorder *MockDataRecorder
		u        *mmu.Comp
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		recorder = NewMockDataRecorder(mockCtrl)
		u, _ = newSystem()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	expectTables := func() {
		recorder.EXPECT().CreateTable(PageFaultTable, pageFaultEntry{})
		recorder.EXPECT().CreateTable(EvictionTable, evictionEntry{})
		recorder.EXPECT().CreateTable(SwapIOTable, swapIOEntry{})
		recorder.EXPECT().
			CreateTable(ContextSwitchTable, contextSwitchEntry{})
	}

	It("should create its tables", func() {
		expectTables()

		NewDBTracer(recorder, nil)
	})

	It("should record page faults", func() {
		expectTables()
		t := NewDBTracer(recorder, nil)

		recorder.EXPECT().InsertData(PageFaultTable, pageFaultEntry{
			ID:          "1",
			Location:    "MMU",
			Kind:        "HardFaultDirty",
			Space:       3,
			VirtualPage: 5,
			Frame:       1,
		})

		t.Func(hooking.HookCtx{
			Domain: u,
			Pos:    mmu.HookPosPageFault,
			Item: mmu.Event{
				Kind:        vm.HardFaultDirty,
				Space:       3,
				VirtualPage: 5,
				Frame:       1,
			},
		})
	})

	It("should record TLB evictions as evictions", func() {
		expectTables()
		t := NewDBTracer(recorder, nil)

		recorder.EXPECT().InsertData(EvictionTable, evictionEntry{
			ID:          "1",
			Location:    "MMU",
			Level:       "tlb",
			Space:       3,
			VirtualPage: 2,
			Frame:       0,
		})

		t.Func(hooking.HookCtx{
			Domain: u,
			Pos:    mmu.HookPosTLBEvict,
			Item:   mmu.Event{Space: 3, VirtualPage: 2, Frame: 0, Slot: 1},
		})
	})

	It("should record swap traffic", func() {
		expectTables()
		t := NewDBTracer(recorder, nil)

		recorder.EXPECT().InsertData(SwapIOTable, swapIOEntry{
			ID:          "1",
			Location:    "MMU",
			Direction:   "in",
			Space:       3,
			VirtualPage: 2,
			Frame:       1,
			Slot:        7,
		})

		t.Func(hooking.HookCtx{
			Domain: u,
			Pos:    mmu.HookPosSwapIn,
			Item:   mmu.Event{Space: 3, VirtualPage: 2, Frame: 1, Slot: 7},
		})
	})

	It("should record context switches", func() {
		expectTables()
		t := NewDBTracer(recorder, nil)

		recorder.EXPECT().InsertData(ContextSwitchTable, contextSwitchEntry{
			ID:        "1",
			From:      1,
			To:        2,
			Protected: 3,
			Restored:  1,
		})

		t.Func(hooking.HookCtx{
			Pos:  kernel.HookPosContextSwitch,
			Item: kernel.SwitchEvent{From: 1, To: 2, Protected: 3, Restored: 1},
		})
	})

	It("should ignore events without a table", func() {
		expectTables()
		t := NewDBTracer(recorder, nil)

		t.Func(hooking.HookCtx{
			Domain: u,
			Pos:    mmu.HookPosProtect,
			Item:   mmu.Event{Space: 3, Frame: -1, Count: 2},
		})
		t.Func(hooking.HookCtx{Pos: mmu.HookPosEvict, Item: "not an event"})
	})

	It("should write a run into a database", func() {
		path := filepath.Join(GinkgoT().TempDir(), "trace")
		db := datarecording.New(path)
		defer db.Close()

		u, k := newSystem()
		attach(u, k, NewDBTracer(db, nil))

		runScenario(k)
		db.Flush()

		reader, err := datarecording.NewReader(path + ".sqlite3")
		Expect(err).NotTo(HaveOccurred())
		defer reader.Close()

		reader.MapTable(PageFaultTable, pageFaultEntry{})
		reader.MapTable(SwapIOTable, swapIOEntry{})
		reader.MapTable(ContextSwitchTable, contextSwitchEntry{})

		ctx := context.Background()
		stats := u.Stats()

		faults, err := reader.Count(ctx, PageFaultTable)
		Expect(err).NotTo(HaveOccurred())
		Expect(faults).To(Equal(int(stats.Faults())))

		_, swapIns, err := reader.Query(ctx, SwapIOTable,
			datarecording.QueryParams{
				Where: "Direction = ?",
				Args:  []any{"in"},
			})
		Expect(err).NotTo(HaveOccurred())
		Expect(swapIns).To(Equal(int(stats.SwapIns)))
		Expect(swapIns).To(BeNumerically(">=", 1))

		switches, _, err := reader.Query(ctx, ContextSwitchTable,
			datarecording.QueryParams{})
		Expect(err).NotTo(HaveOccurred())
		Expect(switches).To(HaveLen(1))
		Expect(*switches[0].(*contextSwitchEntry)).To(Equal(contextSwitchEntry{
			ID:   "1",
			From: -1,
			To:   1,
		}))
	})
})

var _ = Describe("CountTracer", func() {
	It("should agree with the statistics of the MMU", func() {
		u, k := newSystem()
		t := NewCountTracer()
		attach(u, k, t)

		runScenario(k)

		stats := u.Stats()
		Expect(t.Count(mmu.HookPosPageFault)).To(Equal(stats.Faults()))
		Expect(t.Count(mmu.HookPosEvict)).To(Equal(stats.Evictions))
		Expect(t.Count(mmu.HookPosSwapOut)).To(Equal(stats.SwapOuts))
		Expect(t.Count(mmu.HookPosSwapIn)).To(Equal(stats.SwapIns))
		Expect(t.Count(kernel.HookPosContextSwitch)).To(Equal(uint64(1)))

		Expect(t.FaultCount(vm.HardFaultClean)).
			To(Equal(stats.HardCleanFaults))
		Expect(t.FaultCount(vm.HardFaultDirty)).
			To(Equal(stats.HardDirtyFaults))
		Expect(t.FaultCount(vm.HardFaultDirty)).
			To(BeNumerically(">=", 1))
	})

	It("should return a copy of the counts", func() {
		t := NewCountTracer()
		t.Func(hooking.HookCtx{Pos: mmu.HookPosEvict, Item: mmu.Event{}})

		counts := t.Counts()
		counts[mmu.HookPosEvict.Name] = 100

		Expect(t.Count(mmu.HookPosEvict)).To(Equal(uint64(1)))
	})

	It("should reset", func() {
		t := NewCountTracer()
		t.Func(hooking.HookCtx{
			Pos:  mmu.HookPosPageFault,
			Item: mmu.Event{Kind: vm.SoftFault},
		})

		t.Reset()

		Expect(t.Counts()).To(BeEmpty())
		Expect(t.FaultCount(vm.SoftFault)).To(BeZero())
	})
})

var _ = Describe("LogTracer", func() {
	It("should log page faults with their kind", func() {
		logger, hook := logtest.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		u, _ := newSystem()

		t := NewLogTracer(logger, logrus.InfoLevel)
		t.Func(hooking.HookCtx{
			Domain: u,
			Pos:    mmu.HookPosPageFault,
			Item: mmu.Event{
				Kind:        vm.SoftFault,
				Space:       1,
				VirtualPage: 2,
				Frame:       0,
			},
		})

		entry := hook.LastEntry()
		Expect(entry).NotTo(BeNil())
		Expect(entry.Level).To(Equal(logrus.InfoLevel))
		Expect(entry.Message).To(Equal(mmu.HookPosPageFault.Name))
		Expect(entry.Data).To(HaveKeyWithValue("kind", "SoftFault"))
		Expect(entry.Data).To(HaveKeyWithValue("component", "MMU"))
	})

	It("should log context switches", func() {
		logger, hook := logtest.NewNullLogger()

		t := NewLogTracer(logger, logrus.InfoLevel)
		t.Func(hooking.HookCtx{
			Pos:  kernel.HookPosContextSwitch,
			Item: kernel.SwitchEvent{From: 1, To: 2, Protected: 4},
		})

		entry := hook.LastEntry()
		Expect(entry).NotTo(BeNil())
		Expect(entry.Data).To(HaveKeyWithValue("protected", 4))
		Expect(entry.Data).NotTo(HaveKey("component"))
	})

	It("should skip items it does not know", func() {
		logger, hook := logtest.NewNullLogger()

		t := NewLogTracer(logger, logrus.InfoLevel)
		t.Func(hooking.HookCtx{Pos: mmu.HookPosEvict, Item: 42})

		Expect(hook.AllEntries()).To(BeEmpty())
	})
})

var _ = Describe("CSVTracer", func() {
	It("should write one line per event", func() {
		var buf bytes.Buffer

		u, k := newSystem()
		attach(u, k, NewCSVTracer(&buf))

		runScenario(k)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		Expect(lines[0]).To(Equal("1,MMU,MMU Restore,1,0,-1,0,false,0"))
		Expect(lines[1]).To(Equal("2,,Kernel Context Switch,1,-1,-1,-1,false,0"))
		Expect(lines[2]).To(Equal("3,MMU,MMU Page Fault,1,0,0,0,false,0"))
		Expect(len(lines)).To(BeNumerically(">",
			int(u.Stats().Faults()+u.Stats().Evictions)))
	})
})
