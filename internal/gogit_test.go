package internal

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestGitEventStoreAppendAndGet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ev := env.append(t, env.main.ID, "note", "  hello\r\nworld  ")
	if ev.Payload != "hello\nworld" {
		t.Errorf("payload = %q, want normalized", ev.Payload)
	}
	if ev.Seq <= 0 {
		t.Errorf("seq = %d, want positive", ev.Seq)
	}
	if !ev.Timestamp.Equal(testEpoch) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, testEpoch)
	}

	got, err := env.store.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload != ev.Payload || got.Type != "note" || got.BranchID != env.main.ID {
		t.Errorf("got %+v, want %+v", got, ev)
	}
}

func TestGitEventStoreGetNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.Get(context.Background(), "0000000000000000000000000000000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGitEventStoreRejectsEmptyPayload(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.store.Append(context.Background(), env.main.ID, "note", " \r\n ")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestGitEventStoreRetryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.append(t, env.main.ID, "note", "first")
	a := env.append(t, env.main.ID, "note", "second", ExpectParent(first.ID))
	b, err := env.store.Append(ctx, env.main.ID, "note", "second", ExpectParent(first.ID))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if a.ID != b.ID {
		t.Errorf("retry id = %s, want %s", b.ID, a.ID)
	}

	var n int
	for _, err := range env.store.Scan(ctx, env.main.ID, "") {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Errorf("scan found %d events, want 2", n)
	}
}

func TestGitEventStoreAppendConflict(t *testing.T) {
	env := newTestEnv(t)

	first := env.append(t, env.main.ID, "note", "one")
	second := env.append(t, env.main.ID, "note", "two")

	_, err := env.store.Append(context.Background(), env.main.ID, "note", "three", ExpectParent(first.ID))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err %v is not a ConflictError", err)
	}
	if ce.Tip != second.ID {
		t.Errorf("tip = %s, want %s", ce.Tip, second.ID)
	}
	if !IsRetryable(err) {
		t.Error("conflict should be retryable")
	}
}

func TestGitEventStoreSamePayloadDifferentBranches(t *testing.T) {
	env := newTestEnv(t)

	other, err := env.journal.CreateBranch(context.Background(), "other")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	a := env.append(t, env.main.ID, "note", "same")
	b := env.append(t, other.ID, "note", "same")
	if a.ID == b.ID {
		t.Error("events on different branches share an id")
	}
}

func TestGitEventStoreScanSince(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	e2 := env.append(t, env.main.ID, "note", "two")
	e3 := env.append(t, env.main.ID, "note", "three")

	var got []string
	for ev, err := range env.store.Scan(ctx, env.main.ID, e1.ID) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, ev.ID)
	}
	if len(got) != 2 || got[0] != e2.ID || got[1] != e3.ID {
		t.Errorf("scan = %v, want [%s %s]", got, e2.ID, e3.ID)
	}

	tip, err := env.store.Tip(ctx, env.main.ID)
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip != e3.ID {
		t.Errorf("tip = %s, want %s", tip, e3.ID)
	}
}

func TestGitEventStorePublishesNotices(t *testing.T) {
	env := newTestEnv(t)

	vec := axis(4, 1)
	ev := env.append(t, env.main.ID, "note", "with vector", WithVector(vec))
	env.append(t, env.main.ID, "note", "without vector")

	notices := env.drainQueue()
	if len(notices) != 2 {
		t.Fatalf("notices = %d, want 2", len(notices))
	}
	if notices[0].Event.ID != ev.ID || len(notices[0].Vector) != 4 {
		t.Errorf("first notice = %+v", notices[0])
	}
	if ev.EmbeddingID != ev.ID {
		t.Errorf("embedding id = %q, want event id", ev.EmbeddingID)
	}

	got, err := env.store.Embedding(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if len(got) != 4 || got[1] != 1 {
		t.Errorf("embedding = %v, want %v", got, vec)
	}
}

func TestGitEventStoreSupersede(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	kept := env.append(t, env.main.ID, "note", "kept", WithVector(axis(4, 0)))
	gone := env.append(t, env.main.ID, "note", "gone", WithVector(axis(4, 1)))

	if err := env.store.Supersede(ctx, []string{gone.ID}, "rollup-commit"); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	got, err := env.store.Get(ctx, gone.ID)
	if err != nil {
		t.Fatalf("superseded event must stay fetchable: %v", err)
	}
	if !got.Superseded() || got.SupersededBy != "rollup-commit" {
		t.Errorf("superseded_by = %q", got.SupersededBy)
	}

	var ids []string
	for n, err := range env.store.Embedded(ctx) {
		if err != nil {
			t.Fatalf("embedded: %v", err)
		}
		ids = append(ids, n.Event.ID)
	}
	if len(ids) != 1 || ids[0] != kept.ID {
		t.Errorf("embedded = %v, want [%s]", ids, kept.ID)
	}
}

func TestGitEventStoreDeferredNoticeAndDiscard(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	kept := env.append(t, env.main.ID, "note", "kept", WithVector(axis(4, 0)))
	env.commit(t, "main", kept.ID)
	draft := env.append(t, env.main.ID, "note", "draft", WithVector(axis(4, 1)), DeferNotice())

	if n := len(env.drainQueue()); n != 1 {
		t.Fatalf("notices before announce = %d, want 1", n)
	}
	if err := env.store.Announce(ctx, draft); err != nil {
		t.Fatalf("announce: %v", err)
	}
	notices := env.drainQueue()
	if len(notices) != 1 || notices[0].Event.ID != draft.ID || len(notices[0].Vector) != 4 {
		t.Fatalf("announced notices = %+v", notices)
	}

	if err := env.store.Discard(ctx, draft.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := env.store.Get(ctx, draft.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get discarded = %v, want ErrNotFound", err)
	}
	tip, err := env.store.Tip(ctx, env.main.ID)
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip != kept.ID {
		t.Errorf("tip = %s, want %s", tip, kept.ID)
	}

	if err := env.store.Discard(ctx, kept.ID); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("discard committed = %v, want ErrInvalidArgument", err)
	}
	if _, err := env.store.Get(ctx, kept.ID); err != nil {
		t.Errorf("committed event must survive: %v", err)
	}
}

func TestGitEventStoreConcurrentAppends(t *testing.T) {
	tests := []struct {
		name      string
		branches  int
		perBranch int
	}{
		{name: "one branch", branches: 1, perBranch: 24},
		{name: "four branches", branches: 4, perBranch: 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			ctx := context.Background()

			ids := []string{env.main.ID}
			for i := 1; i < tt.branches; i++ {
				b, err := env.journal.CreateBranch(ctx, fmt.Sprintf("b%d", i))
				if err != nil {
					t.Fatalf("create branch: %v", err)
				}
				ids = append(ids, b.ID)
			}

			var g errgroup.Group
			for _, branchID := range ids {
				for i := range tt.perBranch {
					g.Go(func() error {
						_, err := env.store.Append(ctx, branchID, "note", fmt.Sprintf("%s event %d", branchID, i))
						return err
					})
				}
			}
			if err := g.Wait(); err != nil {
				t.Fatalf("append: %v", err)
			}

			// Each branch is a single chain: every event points at the one
			// before it and sequence numbers only grow.
			for _, branchID := range ids {
				var (
					n    int
					prev *Event
				)
				for ev, err := range env.store.Scan(ctx, branchID, "") {
					if err != nil {
						t.Fatalf("scan: %v", err)
					}
					want := ""
					if prev != nil {
						want = prev.ID
						if ev.Seq <= prev.Seq {
							t.Errorf("seq %d after %d", ev.Seq, prev.Seq)
						}
					}
					if ev.ParentEventID != want {
						t.Errorf("event %s parent = %q, want %q", ev.ID, ev.ParentEventID, want)
					}
					prev = ev
					n++
				}
				if n != tt.perBranch {
					t.Errorf("branch %s has %d events, want %d", branchID, n, tt.perBranch)
				}
			}
		})
	}
}
