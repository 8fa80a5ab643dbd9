package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/4thel00z/ctxmem/internal/logging"
)

const (
	chromemCollection = "events"
	chromemDirname    = "chromem"
	chromemIDsFile    = "ids.json"
)

var _ VectorIndex = (*ChromemIndex)(nil)

// ChromemIndex stores vectors in an embedded chromem-go collection. Writes
// are visible to queries immediately, so Refresh has nothing to do.
type ChromemIndex struct {
	basePath  string
	dimension int
	logger    *slog.Logger

	db *chromem.DB
	// colMu is held shared by every collection call and exclusively while
	// Reset swaps the collection.
	colMu sync.RWMutex
	col   *chromem.Collection

	mu     sync.RWMutex
	metas  map[string]VectorMeta
	closed atomic.Bool
}

type ChromemOption func(*ChromemIndex)

func WithChromemLogger(logger *slog.Logger) ChromemOption {
	return func(c *ChromemIndex) {
		c.logger = logger
	}
}

// NewChromemIndex opens a persistent collection under basePath. An empty
// basePath keeps everything in memory.
func NewChromemIndex(basePath string, dimension int, opts ...ChromemOption) (*ChromemIndex, error) {
	if dimension <= 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "index dimension must be positive", goerr.V("dimension", dimension))
	}

	c := &ChromemIndex{
		basePath:  basePath,
		dimension: dimension,
		logger:    logging.Default(),
		metas:     make(map[string]VectorMeta),
	}
	for _, o := range opts {
		o(c)
	}

	if basePath == "" {
		c.db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(basePath, 0o755); err != nil {
			return nil, goerr.Wrap(err, "create vectors directory", goerr.V("path", basePath))
		}
		db, err := chromem.NewPersistentDB(filepath.Join(basePath, chromemDirname), false)
		if err != nil {
			return nil, goerr.Wrap(err, "open chromem db", goerr.V("path", basePath))
		}
		c.db = db
	}

	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "open chromem collection")
	}
	c.col = col
	return c, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, id string, vec []float32, meta VectorMeta) error {
	if c.closed.Load() {
		return ErrIndexUnavailable
	}
	if id == "" {
		return goerr.Wrap(ErrInvalidArgument, "embedding id is empty")
	}
	if err := checkVector(vec, c.dimension); err != nil {
		return goerr.Wrap(err, "upsert", goerr.V("embedding_id", id))
	}

	doc := chromem.Document{
		ID:        id,
		Content:   meta.EventID,
		Embedding: append([]float32(nil), vec...),
		Metadata: map[string]string{
			"event_id":  meta.EventID,
			"branch_id": meta.BranchID,
			"timestamp": meta.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}
	c.colMu.RLock()
	defer c.colMu.RUnlock()
	if err := c.col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "add document", goerr.V("embedding_id", id))
	}

	c.mu.Lock()
	c.metas[id] = meta
	c.mu.Unlock()
	return nil
}

func (c *ChromemIndex) Remove(ctx context.Context, id string) error {
	c.colMu.RLock()
	defer c.colMu.RUnlock()

	c.mu.Lock()
	_, ok := c.metas[id]
	delete(c.metas, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return goerr.Wrap(err, "delete document", goerr.V("embedding_id", id))
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, vec []float32, k int, filter VectorFilter) ([]VectorHit, error) {
	if c.closed.Load() {
		return nil, ErrIndexUnavailable
	}
	if err := checkVector(vec, c.dimension); err != nil {
		return nil, goerr.Wrap(err, "query")
	}
	if k <= 0 {
		return nil, nil
	}

	c.colMu.RLock()
	defer c.colMu.RUnlock()

	count := c.col.Count()
	if count == 0 {
		return nil, nil
	}

	// chromem-go rejects nResults above the collection size. With an id
	// filter every document is scored and the filter applied afterwards.
	n := k
	if filter.IDs != nil || n > count {
		n = count
	}

	results, err := c.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(errors.Join(ErrIndexUnavailable, err), "query chromem")
	}

	hits := make([]VectorHit, 0, min(k, len(results)))
	for _, r := range results {
		if !filter.admits(r.ID) {
			continue
		}
		ts, _ := time.Parse(time.RFC3339Nano, r.Metadata["timestamp"])
		hits = append(hits, VectorHit{
			EmbeddingID: r.ID,
			Similarity:  r.Similarity,
			Meta: VectorMeta{
				EventID:   r.Metadata["event_id"],
				BranchID:  r.Metadata["branch_id"],
				Timestamp: ts,
			},
		})
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *ChromemIndex) IsIndexed(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.metas[id]
	return ok
}

func (c *ChromemIndex) Refresh(ctx context.Context) error {
	return nil
}

func (c *ChromemIndex) Len() int {
	c.colMu.RLock()
	defer c.colMu.RUnlock()
	return c.col.Count()
}

func (c *ChromemIndex) Reset(ctx context.Context) error {
	c.colMu.Lock()
	defer c.colMu.Unlock()

	if err := c.db.DeleteCollection(chromemCollection); err != nil {
		return goerr.Wrap(err, "delete chromem collection")
	}
	col, err := c.db.GetOrCreateCollection(chromemCollection, nil, nil)
	if err != nil {
		return goerr.Wrap(err, "recreate chromem collection")
	}
	c.col = col

	c.mu.Lock()
	c.metas = make(map[string]VectorMeta)
	c.mu.Unlock()
	return nil
}

// Save writes the id set next to the collection. chromem-go persists the
// documents itself on every write.
func (c *ChromemIndex) Save(ctx context.Context) error {
	if c.basePath == "" {
		return nil
	}

	c.mu.RLock()
	data, err := json.Marshal(c.metas)
	c.mu.RUnlock()
	if err != nil {
		return goerr.Wrap(err, "marshal chromem ids")
	}

	path := filepath.Join(c.basePath, chromemIDsFile)
	if err := os.WriteFile(path+".tmp", data, 0o644); err != nil {
		return goerr.Wrap(err, "write chromem ids", goerr.V("path", path))
	}
	if err := os.Rename(path+".tmp", path); err != nil {
		return goerr.Wrap(err, "replace chromem ids", goerr.V("path", path))
	}
	return nil
}

func (c *ChromemIndex) Load(ctx context.Context) error {
	if c.basePath == "" {
		return nil
	}

	path := filepath.Join(c.basePath, chromemIDsFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "read chromem ids", goerr.V("path", path))
	}

	metas := make(map[string]VectorMeta)
	if err := json.Unmarshal(data, &metas); err != nil {
		return goerr.Wrap(err, "decode chromem ids", goerr.V("path", path))
	}

	c.mu.Lock()
	c.metas = metas
	c.mu.Unlock()

	c.logger.Debug("chromem index loaded", "vectors", len(metas))
	return nil
}

func (c *ChromemIndex) Close() error {
	c.closed.Store(true)
	return nil
}
