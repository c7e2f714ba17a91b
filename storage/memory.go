package storage

import (
	"io"
	"sync"

	"github.com/james-lawrence/peerwire/internal/errorsx"
)

// NewMemory storage of a fixed length held entirely in memory.
func NewMemory(length int64) *memory {
	return &memory{data: make([]byte, length)}
}

type memory struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

func (t *memory) ReadAt(p []byte, off int64) (n int, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return 0, ErrClosed
	}

	if off < 0 || off >= int64(len(t.data)) {
		return 0, io.EOF
	}

	n = copy(p, t.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

func (t *memory) WriteAt(p []byte, off int64) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	if off < 0 || off+int64(len(p)) > int64(len(t.data)) {
		return 0, errorsx.Errorf("write out of bounds: %d+%d > %d", off, len(p), len(t.data))
	}

	return copy(t.data[off:], p), nil
}

func (t *memory) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
