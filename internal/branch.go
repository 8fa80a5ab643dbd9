package internal

import (
	"context"
	"iter"
	"regexp"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type CommitKind string

const (
	CommitRegular CommitKind = "regular"
	CommitRollup  CommitKind = "rollup"
)

type RefKind string

const (
	RefBranch RefKind = "branch"
	RefTag    RefKind = "tag"
	RefCommit RefKind = "commit"
)

type Branch struct {
	ID             string
	Name           string
	Head           string // commit id, empty until the first commit
	ParentBranchID string
	// ForkSeq bounds which parent-branch events this branch inherits.
	ForkSeq   int64
	CreatedAt time.Time
}

type Commit struct {
	ID       string
	BranchID string
	Parent   string
	Kind     CommitKind
	// EventIDs are the events this commit adds to the visible set.
	EventIDs []string
	// Supersedes lists the commits a roll-up replaces.
	Supersedes []string
	Message    string
	// Watermark is the highest event sequence committed on the branch.
	Watermark int64
	Timestamp time.Time
}

type Tag struct {
	Name      string
	CommitID  string
	CreatedAt time.Time
}

// ResolvedRef is the commit a branch, tag or commit id points to. CommitID is
// empty for a branch with no commits yet.
type ResolvedRef struct {
	CommitID string
	Kind     RefKind
	Name     string
	BranchID string
}

type CommitInput struct {
	BranchID     string
	ExpectedHead string
	EventIDs     []string
	Message      string
}

type RollupInput struct {
	BranchID       string
	ExpectedHead   string
	SummaryEventID string
	Supersedes     []string
	Message        string
}

type HistoryOptions struct {
	// IncludeSuperseded keeps commits that a later roll-up replaced.
	IncludeSuperseded bool
	Limit             int
}

// Journal records commits over events, branch heads and tags.
type Journal interface {
	CreateBranch(ctx context.Context, name string) (*Branch, error)
	Branch(ctx context.Context, nameOrID string) (*Branch, error)
	ListBranches(ctx context.Context) ([]*Branch, error)
	DeleteBranch(ctx context.Context, name string) error

	Commit(ctx context.Context, in CommitInput) (*Commit, error)
	CommitRollup(ctx context.Context, in RollupInput) (*Commit, error)
	// Fork creates a branch whose history starts at fromRef.
	Fork(ctx context.Context, fromRef, name string) (*Branch, error)

	Tag(ctx context.Context, ref, name string) (*Tag, error)
	DeleteTag(ctx context.Context, name string) error
	ListTags(ctx context.Context) ([]*Tag, error)

	Resolve(ctx context.Context, ref string) (*ResolvedRef, error)
	GetCommit(ctx context.Context, id string) (*Commit, error)
	// History walks parent pointers from commitID back to the root, newest
	// first. Commits replaced by a roll-up seen earlier in the walk are
	// skipped unless opts.IncludeSuperseded is set, so after a roll-up the
	// oldest commit yielded can still have a parent. Only a walk with
	// IncludeSuperseded is guaranteed to end at the root.
	History(ctx context.Context, commitID string, opts HistoryOptions) iter.Seq2[*Commit, error]
	Diff(ctx context.Context, fromRef, toRef string) (*Diff, error)
}

var refPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

func validateRefName(kind, name string) error {
	if name == "" {
		return goerr.Wrap(ErrInvalidArgument, kind+" name is empty")
	}
	if len(name) > 200 {
		return goerr.Wrap(ErrInvalidArgument, kind+" name too long", goerr.V("name", name))
	}
	if !refPattern.MatchString(name) {
		return goerr.Wrap(ErrInvalidArgument, "invalid "+kind+" name", goerr.V("name", name))
	}
	return nil
}

// LiveEvent is an event visible at a commit and the commit that added it.
type LiveEvent struct {
	EventID  string
	CommitID string
}

// LiveEvents returns the events visible at commitID: the events of the
// window most recent regular commits plus every roll-up commit in the
// default history. A window <= 0 means no cap. Order is newest commit first,
// then commit order, without duplicates.
func LiveEvents(ctx context.Context, j Journal, commitID string, window int) ([]LiveEvent, error) {
	if commitID == "" {
		return nil, nil
	}

	var (
		out     []LiveEvent
		seen    = make(map[string]struct{})
		regular int
	)
	for c, err := range j.History(ctx, commitID, HistoryOptions{}) {
		if err != nil {
			return nil, err
		}
		if c.Kind == CommitRegular {
			if window > 0 && regular >= window {
				continue
			}
			regular++
		}
		for _, id := range c.EventIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, LiveEvent{EventID: id, CommitID: c.ID})
		}
	}
	return out, nil
}

func LiveEventIDs(ctx context.Context, j Journal, commitID string, window int) ([]string, error) {
	live, err := LiveEvents(ctx, j, commitID, window)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(live))
	for i, e := range live {
		ids[i] = e.EventID
	}
	return ids, nil
}

// CollectHistory drains History into a slice.
func CollectHistory(ctx context.Context, j Journal, commitID string, opts HistoryOptions) ([]*Commit, error) {
	var out []*Commit
	for c, err := range j.History(ctx, commitID, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
