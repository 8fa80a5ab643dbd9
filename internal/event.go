package internal

import (
	"context"
	"iter"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Event is an immutable unit of recorded memory. Its ID is the content hash
// of the normalized payload, its type, its branch and its parent linkage.
type Event struct {
	ID            string
	Type          string
	BranchID      string
	ParentEventID string
	Timestamp     time.Time
	Payload       string
	EmbeddingID   string
	// Provenance lists the events a roll-up summary was derived from.
	Provenance []string

	Seq          int64
	SupersededBy string
}

func (e *Event) Superseded() bool {
	return e.SupersededBy != ""
}

// AppendNotice is published for every successful append and consumed by the
// vector index updater.
type AppendNotice struct {
	Event      *Event
	Vector     []float32
	AppendedAt time.Time
}

type appendOptions struct {
	vector       []float32
	expectParent string
	checkParent  bool
	provenance   []string
	deferNotice  bool
}

type AppendOption func(*appendOptions)

// WithVector attaches an embedding computed by the writer.
func WithVector(vec []float32) AppendOption {
	return func(o *appendOptions) {
		o.vector = vec
	}
}

// ExpectParent makes the append fail with ConflictError unless the branch
// tip is parentID. An empty parentID expects an empty branch.
func ExpectParent(parentID string) AppendOption {
	return func(o *appendOptions) {
		o.expectParent = parentID
		o.checkParent = true
	}
}

// DeferNotice keeps the append off the index queue until the event is
// announced.
func DeferNotice() AppendOption {
	return func(o *appendOptions) {
		o.deferNotice = true
	}
}

// WithProvenance records the source events of a derived event.
func WithProvenance(ids []string) AppendOption {
	return func(o *appendOptions) {
		o.provenance = append([]string(nil), ids...)
	}
}

type EventStore interface {
	Append(ctx context.Context, branchID, eventType, payload string, opts ...AppendOption) (*Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	// Scan yields the events of a branch after sinceID in append order.
	// An empty sinceID starts at the first event.
	Scan(ctx context.Context, branchID, sinceID string) iter.Seq2[*Event, error]
	Tip(ctx context.Context, branchID string) (string, error)
	Embedding(ctx context.Context, id string) ([]float32, error)
	Supersede(ctx context.Context, ids []string, rollupCommitID string) error
	// Announce publishes an event appended with DeferNotice.
	Announce(ctx context.Context, ev *Event) error
	// Discard drops an event no commit references. Its body stays in the
	// object store.
	Discard(ctx context.Context, id string) error
}

// NormalizePayload canonicalizes payload text before hashing: NFC, LF line
// endings and no surrounding whitespace.
func NormalizePayload(payload string) string {
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	payload = strings.ReplaceAll(payload, "\r", "\n")
	return strings.TrimSpace(norm.NFC.String(payload))
}
