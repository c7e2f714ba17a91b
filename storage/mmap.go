package storage

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/james-lawrence/peerwire/internal/errorsx"
)

// NewMMap memory maps a single file of the given length, creating it as needed.
func NewMMap(path string, length int64) (_ *mmapStorage, err error) {
	if err = os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, errorsx.Wrapf(err, "making directory %q", filepath.Dir(path))
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, errorsx.WithStack(err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, errorsx.WithStack(err)
	}

	if info.Size() < length {
		if err = file.Truncate(length); err != nil {
			return nil, errorsx.Wrap(err, "truncate")
		}
	}

	if length == 0 {
		return &mmapStorage{}, nil
	}

	if int64(int(length)) != length {
		return nil, errorsx.New("size too large for system")
	}

	mm, err := mmap.MapRegion(file, int(length), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, errorsx.Wrap(err, "error mapping region")
	}

	return &mmapStorage{mm: mm}, nil
}

type mmapStorage struct {
	mu     sync.RWMutex
	mm     mmap.MMap
	closed bool
}

func (t *mmapStorage) ReadAt(p []byte, off int64) (n int, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return 0, ErrClosed
	}

	if off < 0 || off >= int64(len(t.mm)) {
		return 0, io.EOF
	}

	n = copy(p, t.mm[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (t *mmapStorage) WriteAt(p []byte, off int64) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	if off < 0 || off+int64(len(p)) > int64(len(t.mm)) {
		return 0, errorsx.Errorf("write out of bounds: %d+%d > %d", off, len(p), len(t.mm))
	}

	return copy(t.mm[off:], p), nil
}

// Flush synchronizes the mapping with the underlying file.
func (t *mmapStorage) Flush() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.mm == nil {
		return nil
	}
	return errorsx.WithStack(t.mm.Flush())
}

func (t *mmapStorage) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.mm == nil {
		return nil
	}

	return errorsx.Compact(t.mm.Flush(), t.mm.Unmap())
}
