// Package noff reads and writes executables in the NOFF format. A NOFF file
// starts with a header that describes three contiguous segments: code,
// initialized data and uninitialized data.
package noff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the number that every NOFF header starts with.
const Magic = 0xbadfad

// HeaderSize is the number of bytes the header occupies in the file.
const HeaderSize = 40

// ErrBadMagic is returned when a file does not start with the NOFF magic
// number in either byte order.
var ErrBadMagic = errors.New("not a NOFF executable")

// ErrBadSegment is returned when a segment has a negative size or address.
var ErrBadSegment = errors.New("bad NOFF segment")

// A Segment describes where a segment lives in the file and in the virtual
// address space.
type Segment struct {
	VirtualAddr int32
	InFileAddr  int32
	Size        int32
}

// End returns the first virtual address after the segment.
func (s Segment) End() int {
	return int(s.VirtualAddr) + int(s.Size)
}

// Header is the NOFF header.
type Header struct {
	Magic      int32
	Code       Segment
	InitData   Segment
	UninitData Segment
}

// ImageSize returns the number of bytes covered by the three segments.
func (h Header) ImageSize() int {
	return int(h.Code.Size) + int(h.InitData.Size) + int(h.UninitData.Size)
}

// ReadHeader decodes the header at the start of r. Headers written on a
// machine with the other byte order are accepted.
func ReadHeader(r io.ReaderAt) (Header, error) {
	buf := make([]byte, HeaderSize)

	n, err := r.ReadAt(buf, 0)
	if n < HeaderSize {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return Header{}, fmt.Errorf("reading NOFF header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case binary.LittleEndian.Uint32(buf) == Magic:
	case binary.BigEndian.Uint32(buf) == Magic:
		order = binary.BigEndian
	default:
		return Header{}, ErrBadMagic
	}

	word := func(i int) int32 {
		return int32(order.Uint32(buf[i*4:]))
	}

	segment := func(i int) Segment {
		return Segment{
			VirtualAddr: word(i),
			InFileAddr:  word(i + 1),
			Size:        word(i + 2),
		}
	}

	h := Header{
		Magic:      word(0),
		Code:       segment(1),
		InitData:   segment(4),
		UninitData: segment(7),
	}

	if err := h.validate(); err != nil {
		return Header{}, err
	}

	return h, nil
}

func (h Header) validate() error {
	segments := []struct {
		name string
		seg  Segment
	}{
		{"code", h.Code},
		{"init data", h.InitData},
		{"uninit data", h.UninitData},
	}

	for _, s := range segments {
		if s.seg.Size < 0 || s.seg.VirtualAddr < 0 || s.seg.InFileAddr < 0 {
			return fmt.Errorf("%s segment %+v: %w", s.name, s.seg, ErrBadSegment)
		}
	}

	return nil
}

// Encode returns the little-endian encoding of the header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	words := []int32{
		h.Magic,
		h.Code.VirtualAddr, h.Code.InFileAddr, h.Code.Size,
		h.InitData.VirtualAddr, h.InitData.InFileAddr, h.InitData.Size,
		h.UninitData.VirtualAddr, h.UninitData.InFileAddr, h.UninitData.Size,
	}

	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(w))
	}

	return buf
}

// A Range is a piece of a page whose content lives in the executable file.
type Range struct {
	FileOffset int64
	PageOffset int
	Length     int
}

// FileRanges returns the parts of the virtual page that are backed by the
// file. Only the code and the initialized data live in the file. The offset
// of a page in a segment is computed from the segment start and clipped at
// the segment end, so the last partial page of a segment only reads the bytes
// that remain.
func (h Header) FileRanges(vpn, pageSize int) []Range {
	var ranges []Range

	pageStart := vpn * pageSize
	pageEnd := pageStart + pageSize

	for _, seg := range []Segment{h.Code, h.InitData} {
		if seg.Size <= 0 {
			continue
		}

		lo := max(pageStart, int(seg.VirtualAddr))
		hi := min(pageEnd, seg.End())
		if lo >= hi {
			continue
		}

		ranges = append(ranges, Range{
			FileOffset: int64(seg.InFileAddr) + int64(lo-int(seg.VirtualAddr)),
			PageOffset: lo - pageStart,
			Length:     hi - lo,
		})
	}

	return ranges
}
