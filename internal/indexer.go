package internal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/4thel00z/ctxmem/internal/logging"
)

// IndexStats describes how far the vector index trails the event store.
type IndexStats struct {
	Indexed int
	// Pending counts notices received but not yet visible to queries.
	Pending int
	LastLag time.Duration
	MaxLag  time.Duration
	// Refreshes counts completed index refreshes.
	Refreshes int64
	LastError string
}

// IndexUpdater drains the append queue into the vector index and refreshes
// it on a timer or when a batch fills up.
type IndexUpdater struct {
	queue    *AppendQueue
	index    VectorIndex
	interval time.Duration
	batch    int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending []AppendNotice
	lastLag time.Duration
	maxLag  time.Duration
	lastErr string

	refreshes atomic.Int64
	received  atomic.Int64
	done      chan struct{}
}

type UpdaterOption func(*IndexUpdater)

func WithRefreshInterval(d time.Duration) UpdaterOption {
	return func(u *IndexUpdater) {
		if d > 0 {
			u.interval = d
		}
	}
}

func WithBatchSize(n int) UpdaterOption {
	return func(u *IndexUpdater) {
		if n > 0 {
			u.batch = n
		}
	}
}

func WithUpdaterLogger(logger *slog.Logger) UpdaterOption {
	return func(u *IndexUpdater) {
		u.logger = logger
	}
}

func WithUpdaterClock(now func() time.Time) UpdaterOption {
	return func(u *IndexUpdater) {
		u.now = now
	}
}

func NewIndexUpdater(queue *AppendQueue, index VectorIndex, opts ...UpdaterOption) *IndexUpdater {
	u := &IndexUpdater{
		queue:    queue,
		index:    index,
		interval: time.Second,
		batch:    256,
		logger:   logging.Default(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Run consumes notices until ctx is cancelled, then flushes what it holds.
func (u *IndexUpdater) Run(ctx context.Context) {
	defer close(u.done)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.drain()
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			u.Flush(flushCtx)
			cancel()
			return
		case n := <-u.queue.C():
			u.receive(ctx, n)
			if u.Pending() >= u.batch {
				u.Flush(ctx)
			}
		case <-ticker.C:
			u.Flush(ctx)
		}
	}
}

// Done is closed when Run returns.
func (u *IndexUpdater) Done() <-chan struct{} {
	return u.done
}

func (u *IndexUpdater) drain() {
	for {
		select {
		case n := <-u.queue.C():
			u.receive(context.Background(), n)
		default:
			return
		}
	}
}

func (u *IndexUpdater) receive(ctx context.Context, n AppendNotice) {
	defer u.received.Add(1)
	if n.Event == nil || len(n.Vector) == 0 {
		return
	}
	meta := VectorMeta{EventID: n.Event.ID, BranchID: n.Event.BranchID, Timestamp: n.Event.Timestamp}
	if err := u.index.Upsert(ctx, n.Event.ID, n.Vector, meta); err != nil {
		u.logger.Warn("index upsert failed", "event_id", n.Event.ID, "error", err)
		u.mu.Lock()
		u.lastErr = err.Error()
		u.mu.Unlock()
		return
	}

	u.mu.Lock()
	u.pending = append(u.pending, n)
	u.mu.Unlock()
}

// Flush makes every received notice visible to queries and records the
// observed lag.
func (u *IndexUpdater) Flush(ctx context.Context) {
	u.mu.Lock()
	batch := u.pending
	u.pending = nil
	u.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := u.index.Refresh(ctx); err != nil {
		u.logger.Warn("index refresh failed", "pending", len(batch), "error", err)
		u.mu.Lock()
		u.pending = append(batch, u.pending...)
		u.lastErr = err.Error()
		u.mu.Unlock()
		return
	}
	u.refreshes.Add(1)

	now := u.now()
	var worst time.Duration
	for _, n := range batch {
		if lag := now.Sub(n.AppendedAt); lag > worst {
			worst = lag
		}
	}

	u.mu.Lock()
	u.lastLag = worst
	u.maxLag = max(u.maxLag, worst)
	u.lastErr = ""
	u.mu.Unlock()

	u.logger.Debug("index flushed", "vectors", len(batch), "lag", worst)
}

// Received is the number of notices taken off the queue so far.
func (u *IndexUpdater) Received() int64 {
	return u.received.Load()
}

func (u *IndexUpdater) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.pending)
}

func (u *IndexUpdater) Stats() IndexStats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return IndexStats{
		Indexed:   u.index.Len(),
		Pending:   len(u.pending) + u.queue.Len(),
		LastLag:   u.lastLag,
		MaxLag:    u.maxLag,
		Refreshes: u.refreshes.Load(),
		LastError: u.lastErr,
	}
}
