package internal

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"net/url"

	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

const JournalFilename = "journal.db"

// Schema holds the event metadata and journal tables. Event payloads live in
// the git object database keyed by the same content hash as events.id.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    branch_id TEXT NOT NULL,
    type TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    embedding BLOB,
    superseded_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS events_branch_seq ON events(branch_id, seq);

CREATE TABLE IF NOT EXISTS branches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    head_commit_id TEXT REFERENCES commits(id),
    parent_branch_id TEXT REFERENCES branches(id),
    fork_seq INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commits (
    id TEXT PRIMARY KEY,
    branch_id TEXT NOT NULL,
    parent_id TEXT REFERENCES commits(id),
    kind TEXT NOT NULL DEFAULT 'regular',
    message TEXT NOT NULL,
    watermark INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS commit_events (
    commit_id TEXT NOT NULL REFERENCES commits(id),
    position INTEGER NOT NULL,
    event_id TEXT NOT NULL REFERENCES events(id),
    PRIMARY KEY (commit_id, position)
);

CREATE INDEX IF NOT EXISTS commit_events_event ON commit_events(event_id);

CREATE TABLE IF NOT EXISTS commit_supersedes (
    rollup_id TEXT NOT NULL REFERENCES commits(id),
    commit_id TEXT NOT NULL REFERENCES commits(id),
    PRIMARY KEY (rollup_id, commit_id)
);

CREATE TABLE IF NOT EXISTS tags (
    name TEXT PRIMARY KEY,
    commit_id TEXT NOT NULL REFERENCES commits(id),
    created_at INTEGER NOT NULL
);
`

// OpenDB opens the SQLite database at path with WAL journaling, a busy
// timeout and foreign keys enabled on every pooled connection, then applies
// the schema.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, goerr.Wrap(err, "open sqlite", goerr.V("path", path))
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "ping sqlite", goerr.V("path", path))
	}

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "apply schema", goerr.V("path", path))
	}

	return db, nil
}

func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
