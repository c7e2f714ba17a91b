package disk

import (
	"sync"
	"sync/atomic"
)

// BlockSize default buffer size, buffers of this size or smaller are pooled.
const BlockSize = 16 * 1024

var (
	live   atomic.Int64
	blocks = sync.Pool{
		New: func() any {
			b := make([]byte, BlockSize)
			return &b
		},
	}
)

// Live number of buffers allocated and not yet released.
func Live() int64 {
	return live.Load()
}

// Allocate a buffer of n bytes. the caller owns it until Release.
func Allocate(n int) *Buffer {
	live.Add(1)
	if n <= BlockSize {
		b := blocks.Get().(*[]byte)
		return &Buffer{data: (*b)[:n], pooled: b}
	}

	return &Buffer{data: make([]byte, n)}
}

// Buffer exclusively owned memory backing a single disk operation.
type Buffer struct {
	data     []byte
	pooled   *[]byte
	released atomic.Bool
}

func (t *Buffer) Bytes() []byte {
	return t.data
}

func (t *Buffer) Len() int {
	return len(t.data)
}

// Release returns the memory to the allocator. safe to call more than once.
func (t *Buffer) Release() {
	if t == nil || !t.released.CompareAndSwap(false, true) {
		return
	}

	live.Add(-1)
	if t.pooled != nil {
		blocks.Put(t.pooled)
	}
	t.data, t.pooled = nil, nil
}
