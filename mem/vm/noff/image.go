package noff

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sarchlab/vmsim/mem/vm"
)

// An Image is an opened executable.
type Image struct {
	name   string
	r      io.ReaderAt
	closer io.Closer
	header Header
}

// NewImage wraps a reader as an executable and decodes its header.
func NewImage(name string, r io.ReaderAt) (*Image, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	img := &Image{
		name:   name,
		r:      r,
		header: h,
	}

	if c, ok := r.(io.Closer); ok {
		img.closer = c
	}

	return img, nil
}

// Name returns the name the image was opened with.
func (i *Image) Name() string {
	return i.name
}

// Header returns the decoded header.
func (i *Image) Header() Header {
	return i.header
}

// ReadPage copies the file-backed content of a virtual page into dst, which
// must be one page long. Bytes of dst that are not backed by the file are
// left untouched. It returns the number of bytes read, or vm.ErrUnbackedPage
// if no byte of the page lives in the file.
func (i *Image) ReadPage(vpn int, dst []byte) (int, error) {
	ranges := i.header.FileRanges(vpn, len(dst))
	if len(ranges) == 0 {
		return 0, vm.ErrUnbackedPage
	}

	total := 0
	for _, rg := range ranges {
		buf := dst[rg.PageOffset : rg.PageOffset+rg.Length]

		n, err := i.r.ReadAt(buf, rg.FileOffset)
		total += n

		if n < len(buf) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return total, fmt.Errorf("%s: reading page %d: %w",
				i.name, vpn, err)
		}
	}

	return total, nil
}

// Close releases the underlying file, if any.
func (i *Image) Close() error {
	if i.closer == nil {
		return nil
	}

	return i.closer.Close()
}

// An Opener can find executables by name.
type Opener interface {
	Open(name string) (*Image, error)
}

// DirOpener opens executables stored as files under a directory.
type DirOpener struct {
	Dir string
}

// Open opens the named executable.
func (o DirOpener) Open(name string) (*Image, error) {
	f, err := os.Open(filepath.Join(o.Dir, name))
	if err != nil {
		return nil, err
	}

	img, err := NewImage(name, f)
	if err != nil {
		f.Close()
		return nil, err
	}

	return img, nil
}

// MemOpener keeps executables in memory.
type MemOpener struct {
	lock   sync.RWMutex
	images map[string][]byte
}

// NewMemOpener creates an empty MemOpener.
func NewMemOpener() *MemOpener {
	return &MemOpener{images: make(map[string][]byte)}
}

// Add registers an executable.
func (o *MemOpener) Add(name string, data []byte) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.images[name] = data
}

// Open opens the named executable.
func (o *MemOpener) Open(name string) (*Image, error) {
	o.lock.RLock()
	data, found := o.images[name]
	o.lock.RUnlock()

	if !found {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}

	return NewImage(name, bytes.NewReader(data))
}
