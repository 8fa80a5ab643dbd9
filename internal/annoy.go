package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/m-mizutani/goerr/v2"
	"github.com/mariotoffia/goannoy/builder"
	"github.com/mariotoffia/goannoy/interfaces"

	"github.com/4thel00z/ctxmem/internal/logging"
)

const (
	MappingFilename = "mapping.json"

	defaultTrees          = 10
	defaultExactThreshold = 512

	// minForestFetch is the smallest neighbour list asked of the forest.
	minForestFetch = 64
)

var _ VectorIndex = (*AnnoyIndex)(nil)

type annoyEntry struct {
	Vector []float32  `json:"vector"`
	Meta   VectorMeta `json:"meta"`
}

// annoySnapshot is an immutable built forest plus the entries it was built
// from. Queries only ever read a snapshot.
type annoySnapshot struct {
	idx     interfaces.AnnoyIndex[float32, uint32]
	items   []string // annoy item id -> embedding id
	entries map[string]*annoyEntry
}

// AnnoyIndex keeps the authoritative vectors in memory and periodically
// builds an Annoy forest over them. Filtered queries and small indexes are
// scored by brute force. Larger unfiltered ones over-fetch from the forest
// and rescore exactly. Only the vectors are persisted; the forest is rebuilt
// on load.
type AnnoyIndex struct {
	basePath       string
	dimension      int
	trees          int
	exactThreshold int
	logger         *slog.Logger

	mu      sync.Mutex
	entries map[string]*annoyEntry
	dirty   bool

	refreshMu sync.Mutex
	snap      atomic.Pointer[annoySnapshot]
	closed    atomic.Bool
}

type indexMapping struct {
	Entries map[string]*annoyEntry `json:"entries"`
}

type AnnoyOption func(*AnnoyIndex)

func WithTrees(n int) AnnoyOption {
	return func(a *AnnoyIndex) {
		if n > 0 {
			a.trees = n
		}
	}
}

// WithExactThreshold sets the candidate count up to which queries skip the
// forest.
func WithExactThreshold(n int) AnnoyOption {
	return func(a *AnnoyIndex) {
		if n >= 0 {
			a.exactThreshold = n
		}
	}
}

func WithAnnoyLogger(logger *slog.Logger) AnnoyOption {
	return func(a *AnnoyIndex) {
		a.logger = logger
	}
}

func NewAnnoyIndex(basePath string, dimension int, opts ...AnnoyOption) (*AnnoyIndex, error) {
	if dimension <= 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "index dimension must be positive", goerr.V("dimension", dimension))
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create vectors directory", goerr.V("path", basePath))
	}

	a := &AnnoyIndex{
		basePath:       basePath,
		dimension:      dimension,
		trees:          defaultTrees,
		exactThreshold: defaultExactThreshold,
		logger:         logging.Default(),
		entries:        make(map[string]*annoyEntry),
	}
	for _, o := range opts {
		o(a)
	}
	a.snap.Store(&annoySnapshot{entries: map[string]*annoyEntry{}})
	return a, nil
}

func (a *AnnoyIndex) newForest() interfaces.AnnoyIndex[float32, uint32] {
	return builder.Index[float32, uint32]().
		AngularDistance(a.dimension).
		SingleWorkerPolicy().
		GCMemoryIndexAllocator().
		Build()
}

func (a *AnnoyIndex) Upsert(ctx context.Context, id string, vec []float32, meta VectorMeta) error {
	if a.closed.Load() {
		return ErrIndexUnavailable
	}
	if id == "" {
		return goerr.Wrap(ErrInvalidArgument, "embedding id is empty")
	}
	if err := checkVector(vec, a.dimension); err != nil {
		return goerr.Wrap(err, "upsert", goerr.V("embedding_id", id))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries[id] = &annoyEntry{Vector: append([]float32(nil), vec...), Meta: meta}
	a.dirty = true
	return nil
}

func (a *AnnoyIndex) Remove(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.entries[id]; !ok {
		return nil
	}
	delete(a.entries, id)
	a.dirty = true
	return nil
}

// Refresh builds a new forest when vectors changed since the last build and
// swaps it in. Concurrent queries keep using the previous snapshot.
func (a *AnnoyIndex) Refresh(ctx context.Context) error {
	if a.closed.Load() {
		return ErrIndexUnavailable
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	entries := make(map[string]*annoyEntry, len(a.entries))
	for id, e := range a.entries {
		entries[id] = e
	}
	a.dirty = false
	a.mu.Unlock()

	snap, err := a.build(ctx, entries)
	if err != nil {
		a.markDirty()
		return err
	}
	a.snap.Store(snap)
	a.logger.Debug("vector index refreshed", "vectors", len(entries), "trees", a.trees)
	return nil
}

func (a *AnnoyIndex) build(ctx context.Context, entries map[string]*annoyEntry) (*annoySnapshot, error) {
	snap := &annoySnapshot{entries: entries}
	if len(entries) <= a.exactThreshold {
		return snap, nil
	}
	snap.items = sortedKeys(entries)
	snap.idx = a.newForest()
	for i, id := range snap.items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap.idx.AddItem(uint32(i), entries[id].Vector)
	}
	snap.idx.Build(a.trees, -1)
	return snap, nil
}

func (a *AnnoyIndex) markDirty() {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()
}

func (a *AnnoyIndex) Query(ctx context.Context, vec []float32, k int, filter VectorFilter) ([]VectorHit, error) {
	if a.closed.Load() {
		return nil, ErrIndexUnavailable
	}
	if err := checkVector(vec, a.dimension); err != nil {
		return nil, goerr.Wrap(err, "query")
	}
	if k <= 0 {
		return nil, nil
	}

	snap := a.snap.Load()
	if len(snap.entries) == 0 {
		return nil, nil
	}

	var hits []VectorHit
	if snap.idx == nil || filter.IDs != nil || len(snap.entries) <= a.exactThreshold {
		hits = a.exact(snap, vec, filter)
	} else {
		var err error
		if hits, err = a.approximate(ctx, snap, vec, k, filter); err != nil {
			return nil, err
		}
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (a *AnnoyIndex) exact(snap *annoySnapshot, vec []float32, filter VectorFilter) []VectorHit {
	var hits []VectorHit
	score := func(id string, e *annoyEntry) {
		hits = append(hits, VectorHit{EmbeddingID: id, Similarity: cosine(vec, e.Vector), Meta: e.Meta})
	}

	if filter.IDs != nil && len(filter.IDs) < len(snap.entries) {
		for id := range filter.IDs {
			if e, ok := snap.entries[id]; ok {
				score(id, e)
			}
		}
		return hits
	}
	for id, e := range snap.entries {
		if filter.admits(id) {
			score(id, e)
		}
	}
	return hits
}

// approximate asks the forest for growing neighbour lists until k admitted
// items are found or the whole index was visited. A forest that returns
// fewer items than asked for has lost leaves, so the query is answered
// exactly instead.
func (a *AnnoyIndex) approximate(ctx context.Context, snap *annoySnapshot, vec []float32, k int, filter VectorFilter) ([]VectorHit, error) {
	total := len(snap.items)
	n := min(max(k*4, minForestFetch), total)
	searchCtx := snap.idx.CreateContext()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ids, _ := snap.idx.GetNnsByVector(vec, n, a.trees*n, searchCtx)
		if len(ids) < n {
			a.logger.Debug("forest returned short neighbour list, scoring exactly", "want", n, "got", len(ids))
			return a.exact(snap, vec, filter), nil
		}

		hits := make([]VectorHit, 0, k)
		for _, item := range ids {
			if int(item) >= total {
				continue
			}
			id := snap.items[item]
			e, ok := snap.entries[id]
			if !ok || !filter.admits(id) {
				continue
			}
			hits = append(hits, VectorHit{EmbeddingID: id, Similarity: cosine(vec, e.Vector), Meta: e.Meta})
		}

		if len(hits) >= k || n >= total {
			return hits, nil
		}
		n = min(n*2, total)
	}
}

// IsIndexed reports whether id is visible to queries.
func (a *AnnoyIndex) IsIndexed(id string) bool {
	_, ok := a.snap.Load().entries[id]
	return ok
}

func (a *AnnoyIndex) Len() int {
	return len(a.snap.Load().entries)
}

func (a *AnnoyIndex) Reset(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.Lock()
	a.entries = make(map[string]*annoyEntry)
	a.dirty = false
	a.mu.Unlock()

	a.snap.Store(&annoySnapshot{entries: map[string]*annoyEntry{}})
	return nil
}

// Save writes the vectors. The forest is derived state and is rebuilt by
// Load.
func (a *AnnoyIndex) Save(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	a.mu.Lock()
	data, err := json.Marshal(indexMapping{Entries: a.entries})
	a.mu.Unlock()
	if err != nil {
		return goerr.Wrap(err, "marshal mapping")
	}

	mappingPath := filepath.Join(a.basePath, MappingFilename)
	tmp := mappingPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return goerr.Wrap(err, "write mapping", goerr.V("path", tmp))
	}
	if err := os.Rename(tmp, mappingPath); err != nil {
		return goerr.Wrap(err, "replace mapping", goerr.V("path", mappingPath))
	}
	return nil
}

// Load restores the saved vectors and builds a forest over them. A missing
// mapping leaves the index empty.
func (a *AnnoyIndex) Load(ctx context.Context) error {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	mappingPath := filepath.Join(a.basePath, MappingFilename)
	data, err := os.ReadFile(mappingPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "read mapping", goerr.V("path", mappingPath))
	}

	var mapping indexMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return goerr.Wrap(err, "unmarshal mapping", goerr.V("path", mappingPath))
	}
	entries := make(map[string]*annoyEntry, len(mapping.Entries))
	for id, e := range mapping.Entries {
		if e == nil || checkVector(e.Vector, a.dimension) != nil {
			return goerr.Wrap(ErrIndexUnavailable, "saved vector does not fit the index", goerr.V("embedding_id", id))
		}
		entries[id] = e
	}

	snap, err := a.build(ctx, entries)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.entries = maps.Clone(entries)
	a.dirty = false
	a.mu.Unlock()
	a.snap.Store(snap)

	a.logger.Debug("vector index loaded", "vectors", len(entries))
	return nil
}

func (a *AnnoyIndex) Close() error {
	a.closed.Store(true)
	return nil
}
