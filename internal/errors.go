package internal

import (
	"errors"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrNotFound             = goerr.New("not found")
	ErrInvalidArgument      = goerr.New("invalid argument")
	ErrConflict             = goerr.New("append would reorder branch causality")
	ErrStaleHead            = goerr.New("branch head moved")
	ErrDuplicateTag         = goerr.New("tag already exists")
	ErrDuplicateBranch      = goerr.New("branch already exists")
	ErrAmbiguousRef         = goerr.New("ref matches more than one namespace")
	ErrUnreachableEvent     = goerr.New("event is not reachable from branch lineage")
	ErrEmptyCandidateSet    = goerr.New("ref has no live events")
	ErrPolicyNotFound       = goerr.New("policy not found")
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable")
	ErrIndexUnavailable     = goerr.New("vector index unavailable")
)

// StaleHeadError is returned when a commit or roll-up observed a branch head
// that is no longer current. Callers re-resolve the branch and retry.
type StaleHeadError struct {
	BranchID string
	Expected string
	Actual   string
}

func (e *StaleHeadError) Error() string {
	return fmt.Sprintf("stale head on branch %s: expected %q, found %q", e.BranchID, e.Expected, e.Actual)
}

func (e *StaleHeadError) Is(target error) bool {
	return target == ErrStaleHead
}

// ConflictError is returned by Append when the caller's expected parent is
// no longer the branch tip.
type ConflictError struct {
	BranchID       string
	ExpectedParent string
	Tip            string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("append conflict on branch %s: expected parent %q, tip is %q", e.BranchID, e.ExpectedParent, e.Tip)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// IsRetryable reports whether err signals optimistic-concurrency contention
// that the caller may resolve by re-reading state and trying again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleHead) || errors.Is(err, ErrConflict)
}

// IsValidation reports whether err is a synchronous request rejection.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPolicyNotFound) ||
		errors.Is(err, ErrAmbiguousRef)
}
