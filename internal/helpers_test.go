package internal

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/4thel00z/ctxmem/internal/logging"
)

// stepClock returns a fixed start time advanced by step on every call.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newStepClock(start time.Time, step time.Duration) *stepClock {
	return &stepClock{t: start, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	c.t = c.t.Add(c.step)
	return now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(context.Background(), filepath.Join(t.TempDir(), JournalFilename))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type testEnv struct {
	db      *sql.DB
	store   *GitEventStore
	journal *SQLJournal
	queue   *AppendQueue
	clock   *stepClock
	main    *Branch
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db := openTestDB(t)

	cache, err := NewEventCache(1<<20, 1e4)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}

	env := &testEnv{
		db:    db,
		queue: NewAppendQueue(64),
		clock: newStepClock(testEpoch, time.Second),
	}
	env.store = NewGitEventStore(OpenObjectStorage(filepath.Join(dir, ObjectsDirname)), db,
		WithStoreCache(cache),
		WithStoreClock(env.clock.Now),
		WithStoreLogger(logging.Discard()),
		WithAppendQueue(env.queue),
	)
	env.journal = NewSQLJournal(db, WithJournalClock(env.clock.Now), WithJournalLogger(logging.Discard()))

	env.main, err = env.journal.CreateBranch(context.Background(), "main")
	if err != nil {
		t.Fatalf("create main: %v", err)
	}
	return env
}

func (env *testEnv) append(t *testing.T, branchID, typ, payload string, opts ...AppendOption) *Event {
	t.Helper()
	ev, err := env.store.Append(context.Background(), branchID, typ, payload, opts...)
	if err != nil {
		t.Fatalf("append %q: %v", payload, err)
	}
	return ev
}

func (env *testEnv) commit(t *testing.T, branch string, ids ...string) *Commit {
	t.Helper()
	ctx := context.Background()
	b, err := env.journal.Branch(ctx, branch)
	if err != nil {
		t.Fatalf("branch %s: %v", branch, err)
	}
	c, err := env.journal.Commit(ctx, CommitInput{BranchID: b.ID, ExpectedHead: b.Head, EventIDs: ids, Message: "test"})
	if err != nil {
		t.Fatalf("commit on %s: %v", branch, err)
	}
	return c
}

// drainQueue empties the append queue without indexing anything.
func (env *testEnv) drainQueue() []AppendNotice {
	var out []AppendNotice
	for {
		select {
		case n := <-env.queue.C():
			out = append(out, n)
		default:
			return out
		}
	}
}

// axis returns a unit vector along dimension i.
func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i%dim] = 1
	return v
}
