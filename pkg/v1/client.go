package v1

import (
	"context"
	"fmt"

	"github.com/4thel00z/ctxmem/internal"
)

// Client provides programmatic access to a context memory store.
type Client struct {
	engine *internal.Engine
	branch string
	policy string
}

// New opens the store described by the options.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	conf, err := internal.LoadConfig(cfg.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.dataDir != "" {
		conf.DataDir = cfg.dataDir
	}
	if cfg.dimension > 0 {
		conf.Embeddings.Dimension = cfg.dimension
	}

	var engineOpts []internal.EngineOption
	if cfg.logger != nil {
		engineOpts = append(engineOpts, internal.WithLogger(cfg.logger))
	}
	engine, err := internal.Open(context.Background(), conf, engineOpts...)
	if err != nil {
		return nil, err
	}

	c := &Client{
		engine: engine,
		branch: cfg.branch,
		policy: cfg.policy,
	}
	if c.branch == "" {
		c.branch = conf.DefaultBranch
	}
	return c, nil
}

// Remember appends one event to the client branch and commits it.
func (c *Client) Remember(ctx context.Context, eventType, payload string) (*Event, error) {
	ev, err := c.Append(ctx, eventType, payload)
	if err != nil {
		return nil, err
	}
	if _, err := c.Commit(ctx, fmt.Sprintf("%s: %s", eventType, ev.ID[:12]), ev.ID); err != nil {
		return nil, err
	}
	return ev, nil
}

// Append records an event without making it visible. Pass the returned id
// to Commit.
func (c *Client) Append(ctx context.Context, eventType, payload string) (*Event, error) {
	ev, err := c.engine.Append(ctx, internal.AppendInput{
		Branch:  c.branch,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	return toEvent(ev), nil
}

// Commit makes events visible on the client branch.
func (c *Client) Commit(ctx context.Context, message string, eventIDs ...string) (*Commit, error) {
	commit, err := c.engine.Commit(ctx, internal.CommitRequest{
		Branch:   c.branch,
		EventIDs: eventIDs,
		Message:  message,
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return toCommit(commit), nil
}

// Get fetches an event by id, including superseded ones.
func (c *Client) Get(ctx context.Context, id string) (*Event, error) {
	ev, err := c.engine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return toEvent(ev), nil
}

// Fork creates a branch from ref and returns a client bound to it. Both
// clients share the same store; close only the original.
func (c *Client) Fork(ctx context.Context, ref, name string) (*Client, error) {
	if ref == "" {
		ref = c.branch
	}
	if _, err := c.engine.Fork(ctx, ref, name); err != nil {
		return nil, fmt.Errorf("fork: %w", err)
	}
	return &Client{engine: c.engine, branch: name, policy: c.policy}, nil
}

// Tag names the commit ref resolves to.
func (c *Client) Tag(ctx context.Context, ref, name string) error {
	if ref == "" {
		ref = c.branch
	}
	_, err := c.engine.Tag(ctx, ref, name)
	return err
}

func (c *Client) Branches(ctx context.Context) ([]Branch, error) {
	branches, err := c.engine.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(branches))
	for _, b := range branches {
		names[b.ID] = b.Name
	}
	out := make([]Branch, 0, len(branches))
	for _, b := range branches {
		out = append(out, Branch{Name: b.Name, Head: b.Head, Parent: names[b.ParentBranchID]})
	}
	return out, nil
}

// Log returns up to limit commits reachable from ref, newest first. A limit
// of zero returns all of them.
func (c *Client) Log(ctx context.Context, ref string, limit int) ([]Commit, error) {
	if ref == "" {
		ref = c.branch
	}
	var out []Commit
	for commit, err := range c.engine.History(ctx, ref, internal.HistoryOptions{Limit: limit}) {
		if err != nil {
			return nil, err
		}
		out = append(out, *toCommit(commit))
	}
	return out, nil
}

// Retrieve builds a context pack for query from what ref can see.
func (c *Client) Retrieve(ctx context.Context, query string, opts RetrieveOptions) (*ContextPack, error) {
	req := internal.RetrievalRequest{
		QueryText:   query,
		BranchRef:   opts.Ref,
		PolicyID:    opts.Policy,
		K:           opts.K,
		TokenBudget: opts.Budget,
		Filters:     internal.Filters{Types: opts.Types, Since: opts.Since},
	}
	if req.BranchRef == "" {
		req.BranchRef = c.branch
	}
	if req.PolicyID == "" {
		req.PolicyID = c.policy
	}
	if req.K == 0 {
		req.K = 10
	}

	resp, err := c.engine.Retrieve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}

	pack := &ContextPack{
		Blocks:      make([]Block, 0, len(resp.Pack.Blocks)),
		TotalTokens: resp.Pack.TotalTokens,
		Truncated:   resp.Pack.Truncated,
		Commit:      resp.ResolvedCommit,
		Policy:      resp.Policy,
		Degraded:    resp.Degraded,
	}
	for _, b := range resp.Pack.Blocks {
		pack.Blocks = append(pack.Blocks, Block{
			EventID:   b.EventID,
			Content:   b.Content,
			Score:     b.Score,
			Tokens:    b.Tokens,
			CommitID:  b.Provenance.CommitID,
			EventType: b.Provenance.EventType,
			Timestamp: b.Provenance.Timestamp,
			Redacted:  b.Provenance.Redacted,
		})
	}
	for _, d := range resp.Pack.PolicyDecisions {
		pack.Decisions = append(pack.Decisions, Decision(d))
	}
	return pack, nil
}

// Flush waits until appended events are searchable by vector.
func (c *Client) Flush(ctx context.Context) error {
	return c.engine.Flush(ctx)
}

// Close persists the index and releases the store.
func (c *Client) Close() error {
	return c.engine.Close()
}

func toEvent(ev *internal.Event) *Event {
	return &Event{
		ID:         ev.ID,
		Type:       ev.Type,
		BranchID:   ev.BranchID,
		ParentID:   ev.ParentEventID,
		Payload:    ev.Payload,
		Timestamp:  ev.Timestamp,
		Embedded:   ev.EmbeddingID != "",
		Provenance: ev.Provenance,
		Superseded: ev.Superseded(),
	}
}

func toCommit(c *internal.Commit) *Commit {
	return &Commit{
		Hash:       c.ID,
		Branch:     c.BranchID,
		Parent:     c.Parent,
		Kind:       string(c.Kind),
		Events:     c.EventIDs,
		Supersedes: c.Supersedes,
		Message:    c.Message,
		Timestamp:  c.Timestamp,
	}
}
