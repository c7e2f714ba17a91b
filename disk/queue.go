// Package disk offloads block reads and writes onto a worker pool. completion
// callbacks run on the worker; callers hand them back to their own executor.
package disk

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/james-lawrence/peerwire/internal/asynccompute"
	"github.com/james-lawrence/peerwire/internal/errorsx"
	"github.com/james-lawrence/peerwire/internal/langx"
	"github.com/james-lawrence/peerwire/storage"
)

const ErrShortRead = errorsx.String("short read")

// Request span of a piece.
type Request struct {
	Piece  uint32
	Begin  uint32
	Length uint32
}

// Observer notified once queued writes drain below the low watermark.
type Observer interface {
	OnDisk()
}

type op struct {
	Request
	buf   *Buffer
	read  func(*Buffer, error)
	write func(error)
}

type QueueOption func(*Queue)

// QueueOptionWatermark write bytes at which the queue reports saturation, and
// the level it must drain to before observers are notified.
func QueueOptionWatermark(high, low int64) QueueOption {
	return func(q *Queue) {
		q.high, q.low = high, low
	}
}

func QueueOptionWorkers(n uint16) QueueOption {
	return func(q *Queue) {
		q.workers = n
	}
}

// NewQueue over the provided storage, offsets are piece*pieceLength+begin.
func NewQueue(s storage.TorrentImpl, pieceLength int64, options ...QueueOption) *Queue {
	ctx, done := context.WithCancelCause(context.Background())
	q := langx.Autoptr(langx.Clone(Queue{
		store:       s,
		pieceLength: pieceLength,
		high:        1024 * 1024,
		low:         512 * 1024,
		workers:     4,
		ctx:         ctx,
		done:        done,
	}, options...))

	q.pool = asynccompute.New(
		q.perform,
		asynccompute.Workers[op](q.workers),
		asynccompute.Backlog[op](1024),
	)

	return q
}

type Queue struct {
	store       storage.TorrentImpl
	pieceLength int64
	high, low   int64
	workers     uint16
	ctx         context.Context
	done        context.CancelCauseFunc
	pool        *asynccompute.Pool[op]
	queued      atomic.Int64
	saturated   atomic.Bool
	mu          sync.Mutex
	observers   []Observer
}

// AsyncRead the span into a freshly allocated buffer owned by the callback.
func (t *Queue) AsyncRead(r Request, done func(*Buffer, error)) {
	if err := t.pool.Run(t.ctx, op{Request: r, read: done}); err != nil {
		done(nil, err)
	}
}

// AsyncWrite the buffer, ownership passes to the queue.
func (t *Queue) AsyncWrite(r Request, b *Buffer, done func(error)) {
	if t.queued.Add(int64(b.Len())) >= t.high {
		t.saturated.Store(true)
	}

	if err := t.pool.Run(t.ctx, op{Request: r, buf: b, write: done}); err != nil {
		t.drained(int64(b.Len()))
		b.Release()
		done(err)
	}
}

// Saturated reports whether queued write bytes passed the high watermark.
func (t *Queue) Saturated() bool {
	return t.saturated.Load()
}

// Queued write bytes not yet flushed to storage.
func (t *Queue) Queued() int64 {
	return t.queued.Load()
}

func (t *Queue) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

func (t *Queue) Unsubscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, v := range t.observers {
		if v == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Close waits for queued operations and closes the storage.
func (t *Queue) Close() error {
	err := t.pool.Close()
	t.done(storage.ErrClosed)
	return errorsx.Compact(err, t.store.Close())
}

func (t *Queue) offset(r Request) int64 {
	return int64(r.Piece)*t.pieceLength + int64(r.Begin)
}

func (t *Queue) perform(ctx context.Context, o op) error {
	if o.read != nil {
		b := Allocate(int(o.Length))
		n, err := t.store.ReadAt(b.Bytes(), t.offset(o.Request))
		if err == nil && n != int(o.Length) {
			err = errorsx.Wrapf(ErrShortRead, "%d != %d", n, o.Length)
		}
		if n == int(o.Length) {
			err = nil
		}
		if err != nil {
			b.Release()
			o.read(nil, errorsx.Wrapf(err, "read piece %d begin %d", o.Piece, o.Begin))
			return nil
		}
		o.read(b, nil)
		return nil
	}

	_, err := t.store.WriteAt(o.buf.Bytes(), t.offset(o.Request))
	n := int64(o.buf.Len())
	o.buf.Release()
	t.drained(n)
	o.write(errorsx.Wrapf(err, "write piece %d begin %d", o.Piece, o.Begin))
	return nil
}

func (t *Queue) drained(n int64) {
	if t.queued.Add(-n) > t.low || !t.saturated.CompareAndSwap(true, false) {
		return
	}

	t.mu.Lock()
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()

	for _, o := range observers {
		o.OnDisk()
	}
}
