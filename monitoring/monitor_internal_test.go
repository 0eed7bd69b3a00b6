package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/vmsim/mem/vm"
	"github.com/sarchlab/vmsim/mem/vm/mmu"
)

type sampleStruct struct {
	Field1 int
	Field2 string
	Field3 *sampleStruct
	Field4 []sampleStruct
}

func sampleSnapshot() mmu.Snapshot {
	return mmu.Snapshot{
		Name:          "MMU",
		PageSize:      16,
		Clock:         9,
		FreeFrames:    1,
		FreeTLBSlots:  0,
		FreeSwapSlots: 7,
		Frames: []mmu.FrameState{
			{
				Frame:       0,
				Occupied:    true,
				Space:       1,
				Sharers:     []vm.SpaceID{2},
				VirtualPage: 3,
				Valid:       true,
				TLBSlot:     0,
			},
			{Frame: 1, TLBSlot: -1},
		},
		TLB: []mmu.TLBState{
			{
				Slot:  0,
				Space: 1,
				Entry: vm.TranslationEntry{
					VirtualPage:  3,
					PhysicalPage: 0,
					Valid:        true,
				},
			},
		},
		Stats: mmu.Stats{HardCleanFaults: 3, SoftFaults: 2, Evictions: 1},
	}
}

var _ = Describe("Monitor", func() {
	var (
		mockCtrl *gomock.Controller
		comp     *MockInspectable
		m        *Monitor
		router   http.Handler
	)

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

		return rec
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		comp = NewMockInspectable(mockCtrl)
		comp.EXPECT().Name().Return("MMU").AnyTimes()
		comp.EXPECT().Snapshot().Return(sampleSnapshot()).AnyTimes()

		logger := logrus.New()
		logger.SetOutput(GinkgoWriter)

		m = NewMonitor().WithLogger(logger)
		m.profileDuration = 10 * time.Millisecond
		m.RegisterComponent(comp)
		router = m.Router()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should refuse two components with the same name", func() {
		other := NewMockInspectable(mockCtrl)
		other.EXPECT().Name().Return("MMU").AnyTimes()

		Expect(func() { m.RegisterComponent(other) }).To(Panic())
	})

	It("should list components", func() {
		other := NewMockInspectable(mockCtrl)
		other.EXPECT().Name().Return("Another MMU").AnyTimes()
		m.RegisterComponent(other)

		rec := get("/api/list_components")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal(`["Another MMU","MMU"]`))
	})

	It("should serialize the component", func() {
		rec := get("/api/component/MMU")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
	})

	It("should report unknown components", func() {
		Expect(get("/api/component/Nope").Code).
			To(Equal(http.StatusNotFound))
		Expect(get("/api/ipt/Nope").Code).To(Equal(http.StatusNotFound))
	})

	It("should list the frames", func() {
		rec := get("/api/ipt/MMU")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var frames []mmu.FrameState
		Expect(json.Unmarshal(rec.Body.Bytes(), &frames)).To(Succeed())
		Expect(frames).To(Equal(sampleSnapshot().Frames))
	})

	It("should list the TLB", func() {
		rec := get("/api/tlb/MMU")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var tlb []mmu.TLBState
		Expect(json.Unmarshal(rec.Body.Bytes(), &tlb)).To(Succeed())
		Expect(tlb).To(Equal(sampleSnapshot().TLB))
	})

	It("should report the statistics", func() {
		rec := get("/api/stats/MMU")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var stats map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats).To(HaveKeyWithValue("faults", 5.0))
		Expect(stats).To(HaveKeyWithValue("free_swap_slots", 7.0))
		Expect(stats).To(HaveKeyWithValue("Evictions", 1.0))
	})

	It("should serve a single field", func() {
		rec := get("/api/field/MMU/Frames.0.Sharers")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("[2]"))

		Expect(get("/api/field/MMU/Frames.9").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should list progress bars", func() {
		bar := m.CreateProgressBar("run", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)

		rec := get("/api/progress")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var bars []ProgressBarState
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)

		Expect(get("/api/progress").Body.String()).To(Equal("[]"))
	})

	It("should report process resources", func() {
		rec := get("/api/resource")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		rec := get("/api/profile")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(json.Valid(rec.Body.Bytes())).To(BeTrue())
	})

	It("should serve over HTTP", func() {
		url, err := m.StartServer()
		Expect(err).NotTo(HaveOccurred())

		defer func() {
			Expect(m.Shutdown(context.Background())).To(Succeed())
		}()

		rsp, err := http.Get(url + "/api/list_components")
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal(`["MMU"]`))
	})

	Context("when walking fields", func() {
		It("should walk int fields", func() {
			s := &sampleStruct{
				Field1: 1,
			}

			elem, err := m.walkFields(s, "Field1")

			Expect(err).To(BeNil())
			Expect(elem.Kind()).To(Equal(reflect.Int))
			Expect(elem.Int()).To(Equal(int64(1)))
		})

		It("should walk recursively", func() {
			s := &sampleStruct{
				Field3: &sampleStruct{
					Field2: "abc",
				},
			}

			elem, err := m.walkFields(s, "Field3.Field2")

			Expect(err).To(BeNil())
			Expect(elem.String()).To(Equal("abc"))
		})

		It("should walk slice recursively", func() {
			s := &sampleStruct{
				Field4: []sampleStruct{{
					Field4: []sampleStruct{
						{Field1: 1},
					},
				}, {}},
			}

			elem, err := m.walkFields(s, "Field4.0.Field4.0.Field1")

			Expect(err).To(BeNil())
			Expect(elem.Int()).To(Equal(int64(1)))
		})

		It("should reject unknown fields", func() {
			_, err := m.walkFields(&sampleStruct{}, "Field9")

			Expect(err).To(MatchError(fieldFormatError{"Field9"}))
		})

		It("should reject walking into scalars", func() {
			_, err := m.walkFields(&sampleStruct{}, "Field1.x")

			Expect(err).To(HaveOccurred())
		})
	})
})
