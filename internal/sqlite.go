package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"

	"github.com/4thel00z/ctxmem/internal/logging"
)

var _ Journal = (*SQLJournal)(nil)

// SQLJournal keeps branches, commits and tags in SQLite next to the event
// metadata. Heads move with a compare-and-swap UPDATE, so commits on
// different branches never contend.
type SQLJournal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

type JournalOption func(*SQLJournal)

func WithJournalClock(now func() time.Time) JournalOption {
	return func(j *SQLJournal) {
		j.now = now
	}
}

func WithJournalLogger(logger *slog.Logger) JournalOption {
	return func(j *SQLJournal) {
		j.logger = logger
	}
}

func NewSQLJournal(db *sql.DB, opts ...JournalOption) *SQLJournal {
	j := &SQLJournal{
		db:     db,
		logger: logging.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// commitManifest is what a commit id hashes.
// commitManifest is hashed into the commit id. The branch is part of it so
// forks that commit the same events on the same parent keep separate rows.
type commitManifest struct {
	BranchID   string   `json:"branch"`
	Parent     string   `json:"parent,omitempty"`
	Kind       string   `json:"kind"`
	EventIDs   []string `json:"event_ids"`
	Supersedes []string `json:"supersedes,omitempty"`
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBranch(r rowScanner) (*Branch, error) {
	var (
		b         Branch
		head      sql.NullString
		parent    sql.NullString
		createdAt int64
	)
	if err := r.Scan(&b.ID, &b.Name, &head, &parent, &b.ForkSeq, &createdAt); err != nil {
		return nil, err
	}
	b.Head = head.String
	b.ParentBranchID = parent.String
	b.CreatedAt = time.Unix(0, createdAt).UTC()
	return &b, nil
}

const branchColumns = `id, name, head_commit_id, parent_branch_id, fork_seq, created_at`

func (j *SQLJournal) insertBranch(ctx context.Context, b *Branch) error {
	var exists int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE name = ?`, b.Name).Scan(&exists)
	if err != nil {
		return goerr.Wrap(err, "check branch name", goerr.V("name", b.Name))
	}
	if exists > 0 {
		return goerr.Wrap(ErrDuplicateBranch, "create branch", goerr.V("name", b.Name))
	}

	_, err = j.db.ExecContext(ctx,
		`INSERT INTO branches (`+branchColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, nullable(b.Head), nullable(b.ParentBranchID), b.ForkSeq, b.CreatedAt.UnixNano(),
	)
	if err != nil {
		// Lost a race with a concurrent create of the same name.
		if again := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM branches WHERE name = ?`, b.Name).Scan(&exists); again == nil && exists > 0 {
			return goerr.Wrap(ErrDuplicateBranch, "create branch", goerr.V("name", b.Name))
		}
		return goerr.Wrap(err, "insert branch", goerr.V("name", b.Name))
	}
	return nil
}

func (j *SQLJournal) CreateBranch(ctx context.Context, name string) (*Branch, error) {
	if err := validateRefName("branch", name); err != nil {
		return nil, err
	}

	b := &Branch{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: j.now(),
	}
	if err := j.insertBranch(ctx, b); err != nil {
		return nil, err
	}

	j.logger.Info("branch created", "branch", name, "branch_id", b.ID)
	return b, nil
}

func (j *SQLJournal) Branch(ctx context.Context, nameOrID string) (*Branch, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE name = ? OR id = ? ORDER BY name = ? DESC LIMIT 1`,
		nameOrID, nameOrID, nameOrID,
	)
	b, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "branch not found", goerr.V("branch", nameOrID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query branch", goerr.V("branch", nameOrID))
	}
	return b, nil
}

func (j *SQLJournal) ListBranches(ctx context.Context) ([]*Branch, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT `+branchColumns+` FROM branches ORDER BY name`)
	if err != nil {
		return nil, goerr.Wrap(err, "list branches")
	}
	defer rows.Close()

	var out []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "scan branch")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate branches")
	}
	return out, nil
}

// DeleteBranch removes the branch pointer. Its commits stay addressable by id
// and through tags. Branches that were forked from it keep it alive.
func (j *SQLJournal) DeleteBranch(ctx context.Context, name string) error {
	b, err := j.Branch(ctx, name)
	if err != nil {
		return err
	}

	var children int
	if err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM branches WHERE parent_branch_id = ?`, b.ID,
	).Scan(&children); err != nil {
		return goerr.Wrap(err, "count child branches", goerr.V("branch", name))
	}
	if children > 0 {
		return goerr.Wrap(ErrInvalidArgument, "branch has forks", goerr.V("branch", name), goerr.V("forks", children))
	}

	if _, err := j.db.ExecContext(ctx, `DELETE FROM branches WHERE id = ?`, b.ID); err != nil {
		return goerr.Wrap(err, "delete branch", goerr.V("branch", name))
	}

	j.logger.Info("branch deleted", "branch", name, "branch_id", b.ID)
	return nil
}

// lineage returns the branch followed by its fork ancestors.
func (j *SQLJournal) lineage(ctx context.Context, branchID string) ([]*Branch, error) {
	var chain []*Branch
	for id := branchID; id != ""; {
		b, err := j.Branch(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, b)
		id = b.ParentBranchID
		if len(chain) > 1024 {
			return nil, goerr.New("branch lineage too deep", goerr.V("branch_id", branchID))
		}
	}
	return chain, nil
}

// reachable reports whether an event on eventBranch with sequence seq was
// appended on the lineage of chain[0] before each fork point.
func reachable(chain []*Branch, eventBranch string, seq int64) bool {
	limit := int64(-1)
	for _, b := range chain {
		if b.ID == eventBranch && (limit < 0 || seq <= limit) {
			return true
		}
		if limit < 0 || b.ForkSeq < limit {
			limit = b.ForkSeq
		}
		if b.ParentBranchID == "" {
			break
		}
	}
	return false
}

func (j *SQLJournal) checkReachable(ctx context.Context, chain []*Branch, eventIDs []string) error {
	for _, id := range eventIDs {
		var (
			branchID string
			seq      int64
		)
		err := j.db.QueryRowContext(ctx, `SELECT branch_id, seq FROM events WHERE id = ?`, id).Scan(&branchID, &seq)
		if errors.Is(err, sql.ErrNoRows) {
			return goerr.Wrap(ErrNotFound, "event not found", goerr.V("event_id", id))
		}
		if err != nil {
			return goerr.Wrap(err, "query event", goerr.V("event_id", id))
		}
		if !reachable(chain, branchID, seq) {
			return goerr.Wrap(ErrUnreachableEvent, "commit rejected",
				goerr.V("event_id", id), goerr.V("branch_id", chain[0].ID))
		}
	}
	return nil
}

func (j *SQLJournal) maxSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := j.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0, goerr.Wrap(err, "query max event sequence")
	}
	return seq, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (j *SQLJournal) Commit(ctx context.Context, in CommitInput) (*Commit, error) {
	ids := dedupe(in.EventIDs)
	if len(ids) == 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "commit has no events", goerr.V("branch_id", in.BranchID))
	}

	chain, err := j.lineage(ctx, in.BranchID)
	if err != nil {
		return nil, err
	}
	if chain[0].Head != in.ExpectedHead {
		return nil, goerr.Wrap(&StaleHeadError{BranchID: chain[0].ID, Expected: in.ExpectedHead, Actual: chain[0].Head}, "commit rejected")
	}
	if err := j.checkReachable(ctx, chain, ids); err != nil {
		return nil, err
	}

	c := &Commit{
		BranchID: chain[0].ID,
		Parent:   in.ExpectedHead,
		Kind:     CommitRegular,
		EventIDs: ids,
		Message:  in.Message,
	}
	if err := j.writeCommit(ctx, c); err != nil {
		return nil, err
	}

	j.logger.Info("commit created", "commit_id", c.ID, "branch_id", c.BranchID, "events", len(ids))
	return c, nil
}

func (j *SQLJournal) CommitRollup(ctx context.Context, in RollupInput) (*Commit, error) {
	if in.SummaryEventID == "" {
		return nil, goerr.Wrap(ErrInvalidArgument, "roll-up has no summary event")
	}
	supersedes := dedupe(in.Supersedes)
	if len(supersedes) == 0 {
		return nil, goerr.Wrap(ErrInvalidArgument, "roll-up supersedes nothing")
	}

	chain, err := j.lineage(ctx, in.BranchID)
	if err != nil {
		return nil, err
	}
	if chain[0].Head != in.ExpectedHead || in.ExpectedHead == "" {
		return nil, goerr.Wrap(&StaleHeadError{BranchID: chain[0].ID, Expected: in.ExpectedHead, Actual: chain[0].Head}, "roll-up rejected")
	}
	if err := j.checkReachable(ctx, chain, []string{in.SummaryEventID}); err != nil {
		return nil, err
	}

	inHistory := make(map[string]struct{})
	for c, err := range j.History(ctx, in.ExpectedHead, HistoryOptions{}) {
		if err != nil {
			return nil, err
		}
		inHistory[c.ID] = struct{}{}
	}
	for _, id := range supersedes {
		if _, ok := inHistory[id]; !ok {
			return nil, goerr.Wrap(ErrInvalidArgument, "superseded commit not in live history", goerr.V("commit_id", id))
		}
	}

	c := &Commit{
		BranchID:   chain[0].ID,
		Parent:     in.ExpectedHead,
		Kind:       CommitRollup,
		EventIDs:   []string{in.SummaryEventID},
		Supersedes: supersedes,
		Message:    in.Message,
	}
	if err := j.writeCommit(ctx, c); err != nil {
		return nil, err
	}

	j.logger.Info("roll-up committed", "commit_id", c.ID, "branch_id", c.BranchID, "supersedes", len(supersedes))
	return c, nil
}

// writeCommit stores c and moves its branch head from c.Parent to c.ID in
// one transaction. It fills in ID, Watermark and Timestamp.
func (j *SQLJournal) writeCommit(ctx context.Context, c *Commit) error {
	manifest, err := json.Marshal(commitManifest{
		BranchID:   c.BranchID,
		Parent:     c.Parent,
		Kind:       string(c.Kind),
		EventIDs:   c.EventIDs,
		Supersedes: c.Supersedes,
	})
	if err != nil {
		return goerr.Wrap(err, "marshal commit manifest")
	}
	c.ID = plumbing.ComputeHash(plumbing.BlobObject, manifest).String()
	c.Timestamp = j.now()
	branchID, parent := c.BranchID, c.Parent

	if c.Watermark, err = j.maxSeq(ctx); err != nil {
		return err
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin commit")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO commits (id, branch_id, parent_id, kind, message, watermark, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		c.ID, c.BranchID, nullable(c.Parent), string(c.Kind), c.Message, c.Watermark, c.Timestamp.UnixNano(),
	)
	if err != nil {
		return goerr.Wrap(err, "insert commit", goerr.V("commit_id", c.ID))
	}

	if n, _ := res.RowsAffected(); n > 0 {
		for i, id := range c.EventIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commit_events (commit_id, position, event_id) VALUES (?, ?, ?)`, c.ID, i, id,
			); err != nil {
				return goerr.Wrap(err, "insert commit event", goerr.V("commit_id", c.ID), goerr.V("event_id", id))
			}
		}
		for _, id := range c.Supersedes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO commit_supersedes (rollup_id, commit_id) VALUES (?, ?)`, c.ID, id,
			); err != nil {
				return goerr.Wrap(err, "insert superseded commit", goerr.V("commit_id", c.ID))
			}
		}
	} else {
		// Same content on the same parent: reuse the stored commit.
		stored, err := j.getCommit(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		*c = *stored
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE branches SET head_commit_id = ? WHERE id = ? AND head_commit_id IS ?`,
		c.ID, branchID, nullable(parent),
	)
	if err != nil {
		return goerr.Wrap(err, "advance branch head", goerr.V("branch_id", branchID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var actual sql.NullString
		_ = tx.QueryRowContext(ctx, `SELECT head_commit_id FROM branches WHERE id = ?`, branchID).Scan(&actual)
		return goerr.Wrap(&StaleHeadError{BranchID: branchID, Expected: parent, Actual: actual.String}, "branch head moved during commit")
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit transaction", goerr.V("commit_id", c.ID))
	}
	return nil
}

func (j *SQLJournal) Fork(ctx context.Context, fromRef, name string) (*Branch, error) {
	if err := validateRefName("branch", name); err != nil {
		return nil, err
	}

	ref, err := j.Resolve(ctx, fromRef)
	if err != nil {
		return nil, err
	}

	b := &Branch{
		ID:        uuid.NewString(),
		Name:      name,
		Head:      ref.CommitID,
		CreatedAt: j.now(),
	}
	if ref.Kind == RefBranch {
		b.ParentBranchID = ref.BranchID
		if b.ForkSeq, err = j.maxSeq(ctx); err != nil {
			return nil, err
		}
	} else {
		c, err := j.GetCommit(ctx, ref.CommitID)
		if err != nil {
			return nil, err
		}
		b.ParentBranchID = c.BranchID
		b.ForkSeq = c.Watermark
	}

	if err := j.insertBranch(ctx, b); err != nil {
		return nil, err
	}

	j.logger.Info("branch forked", "branch", name, "from", fromRef, "head", b.Head)
	return b, nil
}

func (j *SQLJournal) Tag(ctx context.Context, ref, name string) (*Tag, error) {
	if err := validateRefName("tag", name); err != nil {
		return nil, err
	}

	resolved, err := j.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if resolved.CommitID == "" {
		return nil, goerr.Wrap(ErrInvalidArgument, "cannot tag a branch without commits", goerr.V("ref", ref))
	}

	t := &Tag{Name: name, CommitID: resolved.CommitID, CreatedAt: j.now()}
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO tags (name, commit_id, created_at) VALUES (?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		t.Name, t.CommitID, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "insert tag", goerr.V("tag", name))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, goerr.Wrap(ErrDuplicateTag, "create tag", goerr.V("tag", name))
	}

	j.logger.Info("tag created", "tag", name, "commit_id", t.CommitID)
	return t, nil
}

func (j *SQLJournal) DeleteTag(ctx context.Context, name string) error {
	res, err := j.db.ExecContext(ctx, `DELETE FROM tags WHERE name = ?`, name)
	if err != nil {
		return goerr.Wrap(err, "delete tag", goerr.V("tag", name))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(ErrNotFound, "tag not found", goerr.V("tag", name))
	}
	return nil
}

func (j *SQLJournal) ListTags(ctx context.Context) ([]*Tag, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT name, commit_id, created_at FROM tags ORDER BY name`)
	if err != nil {
		return nil, goerr.Wrap(err, "list tags")
	}
	defer rows.Close()

	var out []*Tag
	for rows.Next() {
		var (
			t         Tag
			createdAt int64
		)
		if err := rows.Scan(&t.Name, &t.CommitID, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "scan tag")
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "iterate tags")
	}
	return out, nil
}

func (j *SQLJournal) Resolve(ctx context.Context, ref string) (*ResolvedRef, error) {
	if ref == "" {
		return nil, goerr.Wrap(ErrInvalidArgument, "ref is empty")
	}

	byBranch, byTag, byCommit := true, true, true
	if name, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		ref, byTag, byCommit = name, false, false
	} else if name, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
		ref, byBranch, byCommit = name, false, false
	}

	var matches []*ResolvedRef

	var (
		branchID string
		head     sql.NullString
	)
	err := sql.ErrNoRows
	if byBranch {
		err = j.db.QueryRowContext(ctx, `SELECT id, head_commit_id FROM branches WHERE name = ?`, ref).Scan(&branchID, &head)
	}
	switch {
	case err == nil:
		matches = append(matches, &ResolvedRef{CommitID: head.String, Kind: RefBranch, Name: ref, BranchID: branchID})
	case !errors.Is(err, sql.ErrNoRows):
		return nil, goerr.Wrap(err, "resolve branch", goerr.V("ref", ref))
	}

	var tagged string
	err = sql.ErrNoRows
	if byTag {
		err = j.db.QueryRowContext(ctx, `SELECT commit_id FROM tags WHERE name = ?`, ref).Scan(&tagged)
	}
	switch {
	case err == nil:
		matches = append(matches, &ResolvedRef{CommitID: tagged, Kind: RefTag, Name: ref})
	case !errors.Is(err, sql.ErrNoRows):
		return nil, goerr.Wrap(err, "resolve tag", goerr.V("ref", ref))
	}

	var commitBranch string
	err = sql.ErrNoRows
	if byCommit {
		err = j.db.QueryRowContext(ctx, `SELECT branch_id FROM commits WHERE id = ?`, ref).Scan(&commitBranch)
	}
	switch {
	case err == nil:
		matches = append(matches, &ResolvedRef{CommitID: ref, Kind: RefCommit, Name: ref})
	case !errors.Is(err, sql.ErrNoRows):
		return nil, goerr.Wrap(err, "resolve commit", goerr.V("ref", ref))
	}

	switch len(matches) {
	case 0:
		return nil, goerr.Wrap(ErrNotFound, "unknown ref", goerr.V("ref", ref))
	case 1:
		return matches[0], nil
	default:
		kinds := make([]string, 0, len(matches))
		for _, m := range matches {
			kinds = append(kinds, string(m.Kind))
		}
		return nil, goerr.Wrap(ErrAmbiguousRef, "resolve", goerr.V("ref", ref), goerr.V("namespaces", kinds))
	}
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (j *SQLJournal) GetCommit(ctx context.Context, id string) (*Commit, error) {
	return j.getCommit(ctx, j.db, id)
}

func (j *SQLJournal) getCommit(ctx context.Context, q queryer, id string) (*Commit, error) {
	var (
		c         Commit
		parent    sql.NullString
		kind      string
		createdAt int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT id, branch_id, parent_id, kind, message, watermark, created_at FROM commits WHERE id = ?`, id,
	).Scan(&c.ID, &c.BranchID, &parent, &kind, &c.Message, &c.Watermark, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, goerr.Wrap(ErrNotFound, "commit not found", goerr.V("commit_id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "query commit", goerr.V("commit_id", id))
	}
	c.Parent = parent.String
	c.Kind = CommitKind(kind)
	c.Timestamp = time.Unix(0, createdAt).UTC()

	if c.EventIDs, err = queryStrings(ctx, q,
		`SELECT event_id FROM commit_events WHERE commit_id = ? ORDER BY position`, id); err != nil {
		return nil, goerr.Wrap(err, "query commit events", goerr.V("commit_id", id))
	}
	if c.Kind == CommitRollup {
		if c.Supersedes, err = queryStrings(ctx, q,
			`SELECT commit_id FROM commit_supersedes WHERE rollup_id = ? ORDER BY commit_id`, id); err != nil {
			return nil, goerr.Wrap(err, "query superseded commits", goerr.V("commit_id", id))
		}
	}
	return &c, nil
}

func queryStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (j *SQLJournal) History(ctx context.Context, commitID string, opts HistoryOptions) iter.Seq2[*Commit, error] {
	return func(yield func(*Commit, error) bool) {
		superseded := make(map[string]struct{})
		emitted := 0

		for id := commitID; id != ""; {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			c, err := j.GetCommit(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			id = c.Parent

			_, skip := superseded[c.ID]
			for _, s := range c.Supersedes {
				superseded[s] = struct{}{}
			}
			if skip && !opts.IncludeSuperseded {
				continue
			}

			if !yield(c, nil) {
				return
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
		}
	}
}

// Diff compares the visible event sets of two refs.
func (j *SQLJournal) Diff(ctx context.Context, fromRef, toRef string) (*Diff, error) {
	from, err := j.Resolve(ctx, fromRef)
	if err != nil {
		return nil, err
	}
	to, err := j.Resolve(ctx, toRef)
	if err != nil {
		return nil, err
	}

	before, err := LiveEventIDs(ctx, j, from.CommitID, 0)
	if err != nil {
		return nil, err
	}
	after, err := LiveEventIDs(ctx, j, to.CommitID, 0)
	if err != nil {
		return nil, err
	}

	d := &Diff{From: from.CommitID, To: to.CommitID}
	d.Added = subtract(after, before)
	d.Removed = subtract(before, after)
	return d, nil
}

// subtract returns the ids of a that are not in b, keeping a's order.
func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, id := range b {
		drop[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
