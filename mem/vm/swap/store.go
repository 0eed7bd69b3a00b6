package swap

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// A Store is the raw storage behind a swap device. Reads and writes are
// positioned, so a Store never keeps a cursor.
type Store interface {
	io.ReaderAt
	io.WriterAt
}

// NewFileStore creates (or truncates) a file to hold size bytes of swap.
func NewFileStore(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing swap file %s: %w", path, err)
	}

	return f, nil
}

// MemStore is a Store that lives in memory.
type MemStore struct {
	lock sync.RWMutex
	data []byte
}

// NewMemStore creates a zeroed in-memory store of size bytes.
func NewMemStore(size int) *MemStore {
	return &MemStore{data: make([]byte, size)}
}

// ReadAt implements io.ReaderAt.
func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if off < 0 || off >= int64(len(s.data)) {
		return 0, io.EOF
	}

	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end fail, as a swap device
// has a fixed capacity.
func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, io.ErrShortWrite
	}

	return copy(s.data[off:], p), nil
}
