package swap

import (
	"bytes"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/vmsim/mem/vm"
)

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

var _ = Describe("Device", func() {
	const pageSize = 16

	var d *Device

	BeforeEach(func() {
		d = New(NewMemStore(3*pageSize), 3, pageSize)
	})

	It("should write and read back a page", func() {
		slot, err := d.WriteSlot(1, 5, filled(pageSize, 0xab))
		Expect(err).NotTo(HaveOccurred())
		Expect(slot).To(Equal(0))

		buf := make([]byte, pageSize)
		Expect(d.ReadSlot(1, 5, buf)).To(Succeed())
		Expect(buf).To(Equal(filled(pageSize, 0xab)))
		Expect(d.Has(1, 5)).To(BeTrue())
		Expect(d.NumFree()).To(Equal(2))
	})

	It("should keep pages of different spaces apart", func() {
		_, err := d.WriteSlot(1, 0, filled(pageSize, 1))
		Expect(err).NotTo(HaveOccurred())
		_, err = d.WriteSlot(2, 0, filled(pageSize, 2))
		Expect(err).NotTo(HaveOccurred())

		buf := make([]byte, pageSize)
		Expect(d.ReadSlot(2, 0, buf)).To(Succeed())
		Expect(buf).To(Equal(filled(pageSize, 2)))
		Expect(d.ReadSlot(1, 0, buf)).To(Succeed())
		Expect(buf).To(Equal(filled(pageSize, 1)))
	})

	It("should overwrite the existing slot of a page", func() {
		first, _ := d.WriteSlot(1, 0, filled(pageSize, 1))
		second, err := d.WriteSlot(1, 0, filled(pageSize, 9))

		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal(first))
		Expect(d.NumFree()).To(Equal(2))
	})

	It("should report exhaustion", func() {
		for vpn := 0; vpn < 3; vpn++ {
			_, err := d.WriteSlot(1, vpn, filled(pageSize, byte(vpn)))
			Expect(err).NotTo(HaveOccurred())
		}

		_, err := d.WriteSlot(1, 3, filled(pageSize, 3))

		Expect(err).To(MatchError(vm.ErrSwapExhausted))
		Expect(d.Has(1, 3)).To(BeFalse())
	})

	It("should reuse the lowest freed slot", func() {
		d.WriteSlot(1, 0, filled(pageSize, 0))
		d.WriteSlot(1, 1, filled(pageSize, 1))
		d.WriteSlot(1, 2, filled(pageSize, 2))

		Expect(d.FreeSlot(1, 1)).To(BeTrue())
		Expect(d.FreeSlot(1, 1)).To(BeFalse())

		slot, err := d.WriteSlot(2, 7, filled(pageSize, 7))
		Expect(err).NotTo(HaveOccurred())
		Expect(slot).To(Equal(1))
	})

	It("should fail to read a page that is not in swap", func() {
		err := d.ReadSlot(1, 0, make([]byte, pageSize))

		Expect(err).To(MatchError(vm.ErrNotInSwap))
	})

	It("should free every slot of a space", func() {
		d.WriteSlot(1, 0, filled(pageSize, 0))
		d.WriteSlot(2, 0, filled(pageSize, 0))
		d.WriteSlot(1, 4, filled(pageSize, 0))

		Expect(d.SlotsOf(1)).To(Equal(2))
		Expect(d.FreeSpace(1)).To(Equal(2))
		Expect(d.SlotsOf(1)).To(Equal(0))
		Expect(d.NumFree()).To(Equal(2))
		Expect(d.Has(2, 0)).To(BeTrue())
	})

	It("should duplicate a page for another space", func() {
		d.WriteSlot(1, 3, filled(pageSize, 0x33))

		slot, err := d.Duplicate(1, 2, 3)
		Expect(err).NotTo(HaveOccurred())
		Expect(slot).To(Equal(1))

		buf := make([]byte, pageSize)
		Expect(d.ReadSlot(2, 3, buf)).To(Succeed())
		Expect(buf).To(Equal(filled(pageSize, 0x33)))
	})

	It("should panic on a buffer that is not page sized", func() {
		Expect(func() { d.WriteSlot(1, 0, make([]byte, 3)) }).To(Panic())
	})

	It("should count reads and writes", func() {
		d.WriteSlot(1, 0, filled(pageSize, 0))
		d.ReadSlot(1, 0, make([]byte, pageSize))

		writes, reads := d.Stats()
		Expect(writes).To(Equal(uint64(1)))
		Expect(reads).To(Equal(uint64(1)))
	})

	Context("file store", func() {
		It("should persist pages in the file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "SWAP")
			f, err := NewFileStore(path, 2*pageSize)
			Expect(err).NotTo(HaveOccurred())
			defer f.Close()

			fd := New(f, 2, pageSize)
			_, err = fd.WriteSlot(4, 1, filled(pageSize, 0x5a))
			Expect(err).NotTo(HaveOccurred())

			buf := make([]byte, pageSize)
			Expect(fd.ReadSlot(4, 1, buf)).To(Succeed())
			Expect(buf).To(Equal(filled(pageSize, 0x5a)))
		})
	})
})
