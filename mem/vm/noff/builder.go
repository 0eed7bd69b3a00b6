package noff

// A Builder lays out an executable the way coff2noff does: code at virtual
// address 0, the initialized data right after it, and the uninitialized data
// after that. Only code and initialized data are stored in the file.
type Builder struct {
	code       []byte
	initData   []byte
	uninitSize int
}

// MakeBuilder creates a Builder for an empty executable.
func MakeBuilder() Builder {
	return Builder{}
}

// WithCode sets the content of the code segment.
func (b Builder) WithCode(code []byte) Builder {
	b.code = code
	return b
}

// WithInitData sets the content of the initialized data segment.
func (b Builder) WithInitData(data []byte) Builder {
	b.initData = data
	return b
}

// WithUninitDataSize sets the size of the uninitialized data segment.
func (b Builder) WithUninitDataSize(n int) Builder {
	b.uninitSize = n
	return b
}

// Header returns the header of the executable that Build would produce.
func (b Builder) Header() Header {
	codeSize := len(b.code)
	dataSize := len(b.initData)

	return Header{
		Magic: Magic,
		Code: Segment{
			VirtualAddr: 0,
			InFileAddr:  HeaderSize,
			Size:        int32(codeSize),
		},
		InitData: Segment{
			VirtualAddr: int32(codeSize),
			InFileAddr:  int32(HeaderSize + codeSize),
			Size:        int32(dataSize),
		},
		UninitData: Segment{
			VirtualAddr: int32(codeSize + dataSize),
			InFileAddr:  0,
			Size:        int32(b.uninitSize),
		},
	}
}

// Build returns the file content.
func (b Builder) Build() []byte {
	h := b.Header()

	out := make([]byte, 0, HeaderSize+len(b.code)+len(b.initData))
	out = append(out, h.Encode()...)
	out = append(out, b.code...)
	out = append(out, b.initData...)

	return out
}
