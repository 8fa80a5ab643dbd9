package internal

import (
	"context"
	"sync/atomic"
)

// AppendQueue carries AppendNotices from the event store to the index
// updater. Publish blocks when the buffer is full, which applies
// backpressure to the appending branch only.
type AppendQueue struct {
	ch        chan AppendNotice
	published atomic.Int64
	closed    atomic.Bool
}

func NewAppendQueue(size int) *AppendQueue {
	if size <= 0 {
		size = 1024
	}
	return &AppendQueue{ch: make(chan AppendNotice, size)}
}

func (q *AppendQueue) Publish(ctx context.Context, n AppendNotice) error {
	if q.closed.Load() {
		return ErrIndexUnavailable
	}
	select {
	case q.ch <- n:
		q.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AppendQueue) C() <-chan AppendNotice {
	return q.ch
}

// Published is the number of notices accepted so far.
func (q *AppendQueue) Published() int64 {
	return q.published.Load()
}

func (q *AppendQueue) Len() int {
	return len(q.ch)
}

// Close stops accepting notices. Buffered notices stay readable.
func (q *AppendQueue) Close() {
	q.closed.Store(true)
}
