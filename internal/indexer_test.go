package internal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/4thel00z/ctxmem/internal/logging"
)

func TestIndexUpdaterFlushRecordsLag(t *testing.T) {
	idx := newTestAnnoy(t, t.TempDir())
	queue := NewAppendQueue(8)
	clock := newStepClock(testEpoch.Add(3*time.Second), 0)
	u := NewIndexUpdater(queue, idx, WithUpdaterClock(clock.Now), WithUpdaterLogger(logging.Discard()))
	ctx := context.Background()

	ev := &Event{ID: "e1", BranchID: "b", Timestamp: testEpoch}
	u.receive(ctx, AppendNotice{Event: ev, Vector: axis(4, 0), AppendedAt: testEpoch})

	assert.Equal(t, 1, u.Pending())
	assert.False(t, idx.IsIndexed("e1"), "visible before flush")

	u.Flush(ctx)

	assert.True(t, idx.IsIndexed("e1"))
	stats := u.Stats()
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 3*time.Second, stats.LastLag)
	assert.Equal(t, int64(1), stats.Refreshes)
	assert.Empty(t, stats.LastError)
}

func TestIndexUpdaterSkipsNoticesWithoutVector(t *testing.T) {
	idx := newTestAnnoy(t, t.TempDir())
	u := NewIndexUpdater(NewAppendQueue(8), idx, WithUpdaterLogger(logging.Discard()))

	u.receive(context.Background(), AppendNotice{Event: &Event{ID: "plain"}})
	assert.Equal(t, 0, u.Pending())
	assert.Equal(t, int64(1), u.Received())
}

func TestIndexUpdaterRecordsUpsertErrors(t *testing.T) {
	idx := newTestAnnoy(t, t.TempDir())
	u := NewIndexUpdater(NewAppendQueue(8), idx, WithUpdaterLogger(logging.Discard()))

	u.receive(context.Background(), AppendNotice{Event: &Event{ID: "bad"}, Vector: []float32{1}})
	assert.NotEmpty(t, u.Stats().LastError)
	assert.False(t, idx.IsIndexed("bad"))
}

func TestIndexUpdaterRunDrainsOnCancel(t *testing.T) {
	idx := newTestAnnoy(t, t.TempDir())
	queue := NewAppendQueue(8)
	u := NewIndexUpdater(queue, idx, WithRefreshInterval(time.Hour), WithUpdaterLogger(logging.Discard()))

	ctx, cancel := context.WithCancel(context.Background())
	go u.Run(ctx)

	for i, id := range []string{"a", "b"} {
		require.NoError(t, queue.Publish(ctx, AppendNotice{
			Event:      &Event{ID: id, Timestamp: testEpoch},
			Vector:     axis(4, i),
			AppendedAt: time.Now(),
		}))
	}

	cancel()
	select {
	case <-u.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("updater did not stop")
	}

	assert.True(t, idx.IsIndexed("a"))
	assert.True(t, idx.IsIndexed("b"))
}

func TestAppendQueueClosed(t *testing.T) {
	q := NewAppendQueue(1)
	q.Close()

	err := q.Publish(context.Background(), AppendNotice{})
	assert.ErrorIs(t, err, ErrIndexUnavailable)
}

func TestAppendQueueBackpressure(t *testing.T) {
	q := NewAppendQueue(1)
	require.NoError(t, q.Publish(context.Background(), AppendNotice{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, AppendNotice{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), q.Published())
	assert.Equal(t, 1, q.Len())
}
