package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/m-mizutani/goerr/v2"

	"github.com/4thel00z/ctxmem/internal/logging"
)

const (
	ObjectsDirname = "events.git"
	scanPageSize   = 256
)

var _ EventStore = (*GitEventStore)(nil)

// GitEventStore keeps event bodies as blobs in a git object database, so an
// event id is the blob hash of its canonical identity, and keeps sequencing,
// timestamps, embeddings and supersession in the events table.
type GitEventStore struct {
	objects storer.EncodedObjectStorer
	db      *sql.DB
	cache   *ristretto.Cache
	queue   *AppendQueue
	logger  *slog.Logger
	now     func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// objMu serializes access to the object storage, which keeps unguarded
	// lazily built state.
	objMu sync.Mutex
}

// eventIdentity is the hashed part of an event. Timestamps and embeddings
// are not part of it.
type eventIdentity struct {
	Type       string   `json:"type"`
	BranchID   string   `json:"branch_id"`
	Parent     string   `json:"parent,omitempty"`
	Payload    string   `json:"payload"`
	Provenance []string `json:"provenance,omitempty"`
}

type StoreOption func(*GitEventStore)

func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *GitEventStore) {
		s.now = now
	}
}

func WithStoreCache(c *ristretto.Cache) StoreOption {
	return func(s *GitEventStore) {
		s.cache = c
	}
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *GitEventStore) {
		s.logger = logger
	}
}

// WithAppendQueue makes every successful append publish an AppendNotice.
func WithAppendQueue(q *AppendQueue) StoreOption {
	return func(s *GitEventStore) {
		s.queue = q
	}
}

// OpenObjectStorage opens (creating if needed) a bare git object database
// rooted at dir.
func OpenObjectStorage(dir string) storer.EncodedObjectStorer {
	return filesystem.NewStorage(osfs.New(dir), cache.NewObjectLRUDefault())
}

// NewEventCache builds the ristretto cache used for decoded events.
func NewEventCache(maxCost, numCounters int64) (*ristretto.Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create event cache")
	}
	return c, nil
}

func NewGitEventStore(objects storer.EncodedObjectStorer, db *sql.DB, opts ...StoreOption) *GitEventStore {
	s := &GitEventStore{
		objects: objects,
		db:      db,
		logger:  logging.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *GitEventStore) branchLock(branchID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[branchID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[branchID] = mu
	}
	return mu
}

func (s *GitEventStore) Append(ctx context.Context, branchID, eventType, payload string, opts ...AppendOption) (*Event, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	payload = NormalizePayload(payload)
	switch {
	case branchID == "":
		return nil, goerr.Wrap(ErrInvalidArgument, "branch id is empty")
	case eventType == "":
		return nil, goerr.Wrap(ErrInvalidArgument, "event type is empty")
	case payload == "":
		return nil, goerr.Wrap(ErrInvalidArgument, "payload is empty after normalization")
	}

	mu := s.branchLock(branchID)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tip, err := s.Tip(ctx, branchID)
	if err != nil {
		return nil, err
	}

	parent := tip
	if o.checkParent {
		parent = o.expectParent
	}

	ident := eventIdentity{
		Type:       eventType,
		BranchID:   branchID,
		Parent:     parent,
		Payload:    payload,
		Provenance: o.provenance,
	}
	body, err := json.Marshal(ident)
	if err != nil {
		return nil, goerr.Wrap(err, "marshal event identity")
	}
	id := plumbing.ComputeHash(plumbing.BlobObject, body).String()

	// A retried append of the same content on the same parent is a no-op.
	if existing, err := s.Get(ctx, id); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if o.checkParent && parent != tip {
		return nil, goerr.Wrap(&ConflictError{BranchID: branchID, ExpectedParent: parent, Tip: tip}, "append rejected")
	}

	if err := s.writeBlob(body); err != nil {
		return nil, err
	}

	ev := &Event{
		ID:            id,
		Type:          eventType,
		BranchID:      branchID,
		ParentEventID: parent,
		Timestamp:     s.now(),
		Payload:       payload,
		Provenance:    o.provenance,
	}
	if len(o.vector) > 0 {
		ev.EmbeddingID = id
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, branch_id, type, parent_id, created_at, embedding) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.BranchID, ev.Type, ev.ParentEventID, ev.Timestamp.UnixNano(), encodeVector(o.vector),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "insert event row", goerr.V("event_id", id))
	}
	if ev.Seq, err = res.LastInsertId(); err != nil {
		return nil, goerr.Wrap(err, "read event sequence", goerr.V("event_id", id))
	}

	s.logger.Debug("event appended", "event_id", id, "branch_id", branchID, "type", eventType, "seq", ev.Seq)

	if !o.deferNotice {
		s.publish(ctx, ev, o.vector)
	}
	return ev, nil
}

func (s *GitEventStore) publish(ctx context.Context, ev *Event, vec []float32) {
	if s.queue == nil {
		return
	}
	notice := AppendNotice{Event: ev, Vector: vec, AppendedAt: ev.Timestamp}
	if err := s.queue.Publish(ctx, notice); err != nil {
		// The event is durable; the index catches up on rebuild.
		s.logger.Warn("append notice dropped", "event_id", ev.ID, "error", err)
	}
}

func (s *GitEventStore) Announce(ctx context.Context, ev *Event) error {
	var vec []float32
	if ev.EmbeddingID != "" {
		var err error
		if vec, err = s.Embedding(ctx, ev.ID); err != nil {
			return err
		}
	}
	s.publish(ctx, ev, vec)
	return nil
}

func (s *GitEventStore) Discard(ctx context.Context, id string) error {
	var branchID string
	err := s.db.QueryRowContext(ctx, `SELECT branch_id FROM events WHERE id = ?`, id).Scan(&branchID)
	if errors.Is(err, sql.ErrNoRows) {
		return goerr.Wrap(ErrNotFound, "event not found", goerr.V("event_id", id))
	}
	if err != nil {
		return goerr.Wrap(err, "query event", goerr.V("event_id", id))
	}

	mu := s.branchLock(branchID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE id = ? AND NOT EXISTS (SELECT 1 FROM commit_events WHERE event_id = ?)`, id, id,
	)
	if err != nil {
		return goerr.Wrap(err, "delete event row", goerr.V("event_id", id))
	}
	if n, err := res.RowsAffected(); err != nil {
		return goerr.Wrap(err, "read deleted rows", goerr.V("event_id", id))
	} else if n == 0 {
		return goerr.Wrap(ErrInvalidArgument, "event is committed", goerr.V("event_id", id))
	}

	if s.cache != nil {
		s.cache.Del(id)
	}
	s.logger.Debug("event discarded", "event_id", id, "branch_id", branchID)
	return nil
}

func (s *GitEventStore) writeBlob(body []byte) error {
	s.objMu.Lock()
	defer s.objMu.Unlock()

	obj := s.objects.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(body)))

	w, err := obj.Writer()
	if err != nil {
		return goerr.Wrap(err, "open blob writer")
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "write blob")
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "close blob writer")
	}

	if _, err := s.objects.SetEncodedObject(obj); err != nil {
		return goerr.Wrap(err, "store blob")
	}
	return nil
}

func (s *GitEventStore) readIdentity(id string) (*eventIdentity, error) {
	body, err := s.readBlob(id)
	if err != nil {
		return nil, err
	}

	if got := plumbing.ComputeHash(plumbing.BlobObject, body).String(); got != id {
		return nil, goerr.New("event body hash mismatch", goerr.V("event_id", id), goerr.V("actual", got))
	}

	var ident eventIdentity
	if err := json.Unmarshal(body, &ident); err != nil {
		return nil, goerr.Wrap(err, "decode event body", goerr.V("event_id", id))
	}
	return &ident, nil
}

func (s *GitEventStore) readBlob(id string) ([]byte, error) {
	s.objMu.Lock()
	defer s.objMu.Unlock()

	obj, err := s.objects.EncodedObject(plumbing.BlobObject, plumbing.NewHash(id))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, goerr.Wrap(ErrNotFound, "event body missing", goerr.V("event_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "read event body", goerr.V("event_id", id))
	}

	r, err := obj.Reader()
	if err != nil {
		return nil, goerr.Wrap(err, "open event body", goerr.V("event_id", id))
	}
	defer r.Close()

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, goerr.Wrap(err, "read event body", goerr.V("event_id", id))
	}
	return body, nil
}

func (s *GitEventStore) Get(ctx context.Context, id string) (*Event, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(id); ok {
			ev := *v.(*Event)
			return &ev, nil
		}
	}

	var (
		ev        Event
		createdAt int64
		embedding []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, id, branch_id, type, parent_id, created_at, embedding, superseded_by FROM events WHERE id = ?`, id,
	).Scan(&ev.Seq, &ev.ID, &ev.BranchID, &ev.Type, &ev.ParentEventID, &createdAt, &embedding, &ev.SupersededBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "event not found", goerr.V("event_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query event", goerr.V("event_id", id))
	}

	ident, err := s.readIdentity(id)
	if err != nil {
		return nil, err
	}

	ev.Timestamp = time.Unix(0, createdAt).UTC()
	ev.Payload = ident.Payload
	ev.Provenance = ident.Provenance
	if len(embedding) > 0 {
		ev.EmbeddingID = ev.ID
	}

	if s.cache != nil {
		cached := ev
		s.cache.Set(id, &cached, int64(len(ev.Payload)+len(ev.ID)*4))
	}

	return &ev, nil
}

func (s *GitEventStore) Tip(ctx context.Context, branchID string) (string, error) {
	var tip string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM events WHERE branch_id = ? ORDER BY seq DESC LIMIT 1`, branchID,
	).Scan(&tip)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", goerr.Wrap(err, "query branch tip", goerr.V("branch_id", branchID))
	}
	return tip, nil
}

func (s *GitEventStore) Scan(ctx context.Context, branchID, sinceID string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		var after int64
		if sinceID != "" {
			since, err := s.Get(ctx, sinceID)
			if err != nil {
				yield(nil, err)
				return
			}
			after = since.Seq
		}

		for {
			ids, last, err := s.scanPage(ctx, branchID, after)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(ids) == 0 {
				return
			}

			for _, id := range ids {
				ev, err := s.Get(ctx, id)
				if !yield(ev, err) || err != nil {
					return
				}
			}
			after = last
		}
	}
}

func (s *GitEventStore) scanPage(ctx context.Context, branchID string, after int64) ([]string, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id FROM events WHERE branch_id = ? AND seq > ? ORDER BY seq LIMIT ?`,
		branchID, after, scanPageSize,
	)
	if err != nil {
		return nil, 0, goerr.Wrap(err, "scan events", goerr.V("branch_id", branchID))
	}
	defer rows.Close()

	var (
		ids  []string
		last int64
	)
	for rows.Next() {
		var id string
		if err := rows.Scan(&last, &id); err != nil {
			return nil, 0, goerr.Wrap(err, "scan event row")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, goerr.Wrap(err, "iterate event rows")
	}
	return ids, last, nil
}

func (s *GitEventStore) Embedding(ctx context.Context, id string) ([]float32, error) {
	var buf []byte
	err := s.db.QueryRowContext(ctx, `SELECT embedding FROM events WHERE id = ?`, id).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "event not found", goerr.V("event_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query embedding", goerr.V("event_id", id))
	}
	return decodeVector(buf), nil
}

// Supersede marks events as replaced by a roll-up commit. Bodies are kept
// so the events stay fetchable for audit.
func (s *GitEventStore) Supersede(ctx context.Context, ids []string, rollupCommitID string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin supersede")
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET superseded_by = ? WHERE id = ? AND superseded_by = ''`, rollupCommitID, id,
		); err != nil {
			return goerr.Wrap(err, "mark event superseded", goerr.V("event_id", id))
		}
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit supersede")
	}

	if s.cache != nil {
		for _, id := range ids {
			s.cache.Del(id)
		}
	}
	return nil
}

// Embedded lists every non-superseded event that carries an embedding, in
// append order. Used to rebuild the vector index.
func (s *GitEventStore) Embedded(ctx context.Context) iter.Seq2[AppendNotice, error] {
	return func(yield func(AppendNotice, error) bool) {
		var after int64
		for {
			rows, err := s.db.QueryContext(ctx,
				`SELECT seq, id, embedding FROM events
				 WHERE seq > ? AND embedding IS NOT NULL AND superseded_by = ''
				 ORDER BY seq LIMIT ?`, after, scanPageSize)
			if err != nil {
				yield(AppendNotice{}, goerr.Wrap(err, "scan embedded events"))
				return
			}

			type row struct {
				id  string
				vec []float32
			}
			var page []row
			for rows.Next() {
				var (
					id  string
					buf []byte
				)
				if err := rows.Scan(&after, &id, &buf); err != nil {
					_ = rows.Close()
					yield(AppendNotice{}, goerr.Wrap(err, "scan embedded row"))
					return
				}
				page = append(page, row{id: id, vec: decodeVector(buf)})
			}
			err = rows.Err()
			_ = rows.Close()
			if err != nil {
				yield(AppendNotice{}, goerr.Wrap(err, "iterate embedded rows"))
				return
			}
			if len(page) == 0 {
				return
			}

			for _, r := range page {
				ev, err := s.Get(ctx, r.id)
				if err != nil {
					yield(AppendNotice{}, err)
					return
				}
				if !yield(AppendNotice{Event: ev, Vector: r.vec, AppendedAt: ev.Timestamp}, nil) {
					return
				}
			}
		}
	}
}
