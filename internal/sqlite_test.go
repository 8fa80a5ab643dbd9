package internal

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestJournalCommitAndResolve(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	e2 := env.append(t, env.main.ID, "note", "two")
	e3 := env.append(t, env.main.ID, "note", "three")
	c1 := env.commit(t, "main", e1.ID, e2.ID, e3.ID)

	ref, err := env.journal.Resolve(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, ref.CommitID)
	assert.Equal(t, RefBranch, ref.Kind)

	history, err := CollectHistory(ctx, env.journal, c1.ID, HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{e1.ID, e2.ID, e3.ID}, history[0].EventIDs)
	assert.Equal(t, CommitRegular, history[0].Kind)
	assert.Equal(t, e3.Seq, history[0].Watermark)
}

func TestJournalForkIsolatesParent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "base")
	c1 := env.commit(t, "main", e1.ID)

	exp, err := env.journal.Fork(ctx, "main", "experiment")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, exp.Head)
	assert.Equal(t, env.main.ID, exp.ParentBranchID)

	e2 := env.append(t, exp.ID, "note", "only on experiment")
	c2 := env.commit(t, "experiment", e2.ID)
	assert.Equal(t, c1.ID, c2.Parent)

	ref, err := env.journal.Resolve(ctx, "main")
	require.NoError(t, err)
	mainHistory, err := CollectHistory(ctx, env.journal, ref.CommitID, HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, mainHistory, 1)
	assert.Equal(t, c1.ID, mainHistory[0].ID)

	expHistory, err := CollectHistory(ctx, env.journal, c2.ID, HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, expHistory, 2)
	assert.Equal(t, []string{c2.ID, c1.ID}, []string{expHistory[0].ID, expHistory[1].ID})
}

func TestJournalForkDoesNotCopyEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []string{"a", "b", "c", "d"} {
		ids = append(ids, env.append(t, env.main.ID, "note", p).ID)
	}
	env.commit(t, "main", ids...)

	var before int
	require.NoError(t, env.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commit_events`).Scan(&before))

	_, err := env.journal.Fork(ctx, "main", "copy")
	require.NoError(t, err)

	var after int
	require.NoError(t, env.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commit_events`).Scan(&after))
	assert.Equal(t, before, after)
}

func TestJournalForkDoesNotSeeLaterParentEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "before fork")
	env.commit(t, "main", e1.ID)
	exp, err := env.journal.Fork(ctx, "main", "experiment")
	require.NoError(t, err)

	late := env.append(t, env.main.ID, "note", "after fork")

	_, err = env.journal.Commit(ctx, CommitInput{BranchID: exp.ID, ExpectedHead: exp.Head, EventIDs: []string{late.ID}})
	assert.ErrorIs(t, err, ErrUnreachableEvent)

	// Events from before the fork point stay committable on the fork.
	_, err = env.journal.Commit(ctx, CommitInput{BranchID: exp.ID, ExpectedHead: exp.Head, EventIDs: []string{e1.ID}})
	assert.NoError(t, err)
}

func TestJournalUnreachableSiblingEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	other, err := env.journal.CreateBranch(ctx, "other")
	require.NoError(t, err)
	ev := env.append(t, other.ID, "note", "elsewhere")

	_, err = env.journal.Commit(ctx, CommitInput{BranchID: env.main.ID, EventIDs: []string{ev.ID}})
	assert.ErrorIs(t, err, ErrUnreachableEvent)

	_, err = env.journal.Commit(ctx, CommitInput{BranchID: env.main.ID, EventIDs: []string{"missing"}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournalStaleHead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)
	e2 := env.append(t, env.main.ID, "note", "two")

	// A writer that last saw the empty branch loses.
	_, err := env.journal.Commit(ctx, CommitInput{BranchID: env.main.ID, ExpectedHead: "", EventIDs: []string{e2.ID}})
	require.ErrorIs(t, err, ErrStaleHead)
	var stale *StaleHeadError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, c1.ID, stale.Actual)
	assert.True(t, IsRetryable(err))

	_, err = env.journal.Commit(ctx, CommitInput{BranchID: env.main.ID, ExpectedHead: c1.ID, EventIDs: []string{e2.ID}})
	assert.NoError(t, err)
}

func TestJournalCommitRequiresEvents(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.journal.Commit(context.Background(), CommitInput{BranchID: env.main.ID})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.True(t, IsValidation(err))
}

func TestJournalTags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)
	e2 := env.append(t, env.main.ID, "note", "two")
	c2 := env.commit(t, "main", e2.ID)

	tag, err := env.journal.Tag(ctx, c1.ID, "v1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, tag.CommitID)

	_, err = env.journal.Tag(ctx, c2.ID, "v1")
	assert.ErrorIs(t, err, ErrDuplicateTag)

	ref, err := env.journal.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, ref.CommitID)
	assert.Equal(t, RefTag, ref.Kind)

	tags, err := env.journal.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)

	require.NoError(t, env.journal.DeleteTag(ctx, "v1"))
	assert.ErrorIs(t, env.journal.DeleteTag(ctx, "v1"), ErrNotFound)
}

func TestJournalTagEmptyBranch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.journal.Tag(context.Background(), "main", "v0")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJournalAmbiguousRef(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	env.commit(t, "main", e1.ID)
	_, err := env.journal.CreateBranch(ctx, "release")
	require.NoError(t, err)
	_, err = env.journal.Tag(ctx, "main", "release")
	require.NoError(t, err)

	_, err = env.journal.Resolve(ctx, "release")
	assert.ErrorIs(t, err, ErrAmbiguousRef)

	r, err := env.journal.Resolve(ctx, "refs/tags/release")
	require.NoError(t, err)
	assert.Equal(t, RefTag, r.Kind)
	r, err = env.journal.Resolve(ctx, "refs/heads/release")
	require.NoError(t, err)
	assert.Equal(t, RefBranch, r.Kind)

	_, err = env.journal.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJournalRefNames(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, name := range []string{"", "-dash", "has space", "a..b?"} {
		_, err := env.journal.CreateBranch(ctx, name)
		assert.ErrorIs(t, err, ErrInvalidArgument, "name %q", name)
	}

	_, err := env.journal.CreateBranch(ctx, "main")
	assert.ErrorIs(t, err, ErrDuplicateBranch)

	_, err = env.journal.CreateBranch(ctx, "feature/x-1.2")
	assert.NoError(t, err)
}

func TestJournalDeleteBranch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)
	_, err := env.journal.Fork(ctx, "main", "child")
	require.NoError(t, err)

	assert.ErrorIs(t, env.journal.DeleteBranch(ctx, "main"), ErrInvalidArgument)

	require.NoError(t, env.journal.DeleteBranch(ctx, "child"))
	_, err = env.journal.Branch(ctx, "child")
	assert.ErrorIs(t, err, ErrNotFound)

	// Commits outlive their branch pointer.
	got, err := env.journal.GetCommit(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)
}

func TestJournalForkFromTag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)
	_, err := env.journal.Tag(ctx, "main", "v1")
	require.NoError(t, err)
	e2 := env.append(t, env.main.ID, "note", "two")
	env.commit(t, "main", e2.ID)

	b, err := env.journal.Fork(ctx, "v1", "hotfix")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, b.Head)
	assert.Equal(t, c1.Watermark, b.ForkSeq)

	_, err = env.journal.Commit(ctx, CommitInput{BranchID: b.ID, ExpectedHead: b.Head, EventIDs: []string{e2.ID}})
	assert.ErrorIs(t, err, ErrUnreachableEvent)
}

func TestJournalHistoryLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var last *Commit
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		ev := env.append(t, env.main.ID, "note", p)
		last = env.commit(t, "main", ev.ID)
	}

	history, err := CollectHistory(ctx, env.journal, last.ID, HistoryOptions{Limit: 3})
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, last.ID, history[0].ID)

	// Stopping early must not leak an error.
	for c, err := range env.journal.History(ctx, last.ID, HistoryOptions{}) {
		require.NoError(t, err)
		assert.Equal(t, last.ID, c.ID)
		break
	}
}

func TestJournalRollupHidesSuperseded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)
	e2 := env.append(t, env.main.ID, "note", "two")
	c2 := env.commit(t, "main", e2.ID)
	summary := env.append(t, env.main.ID, RollupEventType, "one and two", WithProvenance([]string{e1.ID, e2.ID}))

	r, err := env.journal.CommitRollup(ctx, RollupInput{
		BranchID:       env.main.ID,
		ExpectedHead:   c2.ID,
		SummaryEventID: summary.ID,
		Supersedes:     []string{c1.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, CommitRollup, r.Kind)

	history, err := CollectHistory(ctx, env.journal, r.ID, HistoryOptions{})
	require.NoError(t, err)
	var ids []string
	for _, c := range history {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{r.ID, c2.ID}, ids)
	// The default walk stops short of the root.
	assert.Equal(t, c1.ID, history[len(history)-1].Parent)

	all, err := CollectHistory(ctx, env.journal, r.ID, HistoryOptions{IncludeSuperseded: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c1.ID, all[2].ID)
	assert.Empty(t, all[2].Parent)

	live, err := LiveEventIDs(ctx, env.journal, r.ID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{summary.ID, e2.ID}, live)
}

func TestJournalRollupStaleHead(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)
	e2 := env.append(t, env.main.ID, "note", "two")
	env.commit(t, "main", e2.ID)
	summary := env.append(t, env.main.ID, RollupEventType, "summary")

	_, err := env.journal.CommitRollup(ctx, RollupInput{
		BranchID:       env.main.ID,
		ExpectedHead:   c1.ID,
		SummaryEventID: summary.ID,
		Supersedes:     []string{c1.ID},
	})
	assert.ErrorIs(t, err, ErrStaleHead)
}

func TestLiveEventsWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var (
		ids  []string
		head *Commit
	)
	for _, p := range []string{"a", "b", "c"} {
		ev := env.append(t, env.main.ID, "note", p)
		ids = append(ids, ev.ID)
		head = env.commit(t, "main", ev.ID)
	}

	live, err := LiveEventIDs(ctx, env.journal, head.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[2], ids[1]}, live)

	all, err := LiveEventIDs(ctx, env.journal, head.ID, 0)
	require.NoError(t, err)
	assert.True(t, slices.Equal([]string{ids[2], ids[1], ids[0]}, all))
}

func TestJournalDiff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "shared")
	env.commit(t, "main", e1.ID)
	_, err := env.journal.Fork(ctx, "main", "exp")
	require.NoError(t, err)
	exp, err := env.journal.Branch(ctx, "exp")
	require.NoError(t, err)
	e2 := env.append(t, exp.ID, "note", "experiment only")
	env.commit(t, "exp", e2.ID)

	d, err := env.journal.Diff(ctx, "main", "exp")
	require.NoError(t, err)
	assert.Equal(t, []string{e2.ID}, d.Added)
	assert.Empty(t, d.Removed)
	assert.False(t, d.Empty())

	text, err := RenderDiff(ctx, env.store, d)
	require.NoError(t, err)
	assert.Contains(t, text, "+")
	assert.Contains(t, text, "experiment only")

	same, err := env.journal.Diff(ctx, "main", "main")
	require.NoError(t, err)
	assert.True(t, same.Empty())
}

func TestJournalCommitIdsAreContentAddressed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	e1 := env.append(t, env.main.ID, "note", "one")
	c1 := env.commit(t, "main", e1.ID)

	// Same event set on the same parent from a fork is a different commit
	// owned by the fork.
	fork, err := env.journal.Fork(ctx, "main", "twin")
	require.NoError(t, err)
	a, err := env.journal.Commit(ctx, CommitInput{BranchID: env.main.ID, ExpectedHead: c1.ID, EventIDs: []string{e1.ID}})
	require.NoError(t, err)
	b, err := env.journal.Commit(ctx, CommitInput{BranchID: fork.ID, ExpectedHead: c1.ID, EventIDs: []string{e1.ID}})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	for branch, want := range map[*Branch]*Commit{env.main: a, fork: b} {
		got, err := env.journal.GetCommit(ctx, want.ID)
		require.NoError(t, err)
		assert.Equal(t, branch.ID, got.BranchID)
		assert.Equal(t, c1.ID, got.Parent)

		head, err := env.journal.Branch(ctx, branch.Name)
		require.NoError(t, err)
		assert.Equal(t, want.ID, head.Head)
	}

	// Deleting the fork leaves main's commit intact.
	require.NoError(t, env.journal.DeleteBranch(ctx, "twin"))
	got, err := env.journal.GetCommit(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, env.main.ID, got.BranchID)
}

func TestJournalConcurrentCommitsOnSameHead(t *testing.T) {
	tests := []struct {
		name    string
		writers int
		onEmpty bool
	}{
		{name: "two writers", writers: 2},
		{name: "eight writers", writers: 8},
		{name: "eight writers on an empty branch", writers: 8, onEmpty: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			ctx := context.Background()

			var head string
			if !tt.onEmpty {
				head = env.commit(t, "main", env.append(t, env.main.ID, "note", "base").ID).ID
			}
			events := make([]string, tt.writers)
			for i := range events {
				events[i] = env.append(t, env.main.ID, "note", fmt.Sprintf("writer %d", i)).ID
			}

			results := make([]*Commit, tt.writers)
			errs := make([]error, tt.writers)
			var g errgroup.Group
			for i := range tt.writers {
				g.Go(func() error {
					results[i], errs[i] = env.journal.Commit(ctx, CommitInput{
						BranchID:     env.main.ID,
						ExpectedHead: head,
						EventIDs:     []string{events[i]},
					})
					return nil
				})
			}
			require.NoError(t, g.Wait())

			var winner *Commit
			for i, err := range errs {
				if err == nil {
					require.Nil(t, winner, "more than one commit won")
					winner = results[i]
					continue
				}
				require.ErrorIs(t, err, ErrStaleHead)
				var stale *StaleHeadError
				require.True(t, errors.As(err, &stale))
				assert.Equal(t, head, stale.Expected)
			}
			require.NotNil(t, winner)

			b, err := env.journal.Branch(ctx, "main")
			require.NoError(t, err)
			assert.Equal(t, winner.ID, b.Head)
			assert.Equal(t, head, winner.Parent)
		})
	}
}
