package v1

import "time"

// Event is a recorded memory.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	BranchID   string    `json:"branch_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Payload    string    `json:"payload"`
	Timestamp  time.Time `json:"timestamp"`
	Embedded   bool      `json:"embedded"`
	Provenance []string  `json:"provenance,omitempty"`
	Superseded bool      `json:"superseded,omitempty"`
}

// Commit is a journal entry that made events visible on a branch.
type Commit struct {
	Hash       string    `json:"hash"`
	Branch     string    `json:"branch_id"`
	Parent     string    `json:"parent,omitempty"`
	Kind       string    `json:"kind"`
	Events     []string  `json:"events"`
	Supersedes []string  `json:"supersedes,omitempty"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

type Branch struct {
	Name   string `json:"name"`
	Head   string `json:"head,omitempty"`
	Parent string `json:"parent,omitempty"`
}

// RetrieveOptions narrows a retrieval. Zero values use the client defaults.
type RetrieveOptions struct {
	Ref    string
	Policy string
	K      int
	// Budget caps the pack size in tokens. Nil uses the configured default.
	Budget *int
	Types  []string
	Since  time.Time
}

// Block is one piece of context with the record it came from.
type Block struct {
	EventID   string    `json:"event_id"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	Tokens    int       `json:"tokens"`
	CommitID  string    `json:"commit_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Redacted  bool      `json:"redacted,omitempty"`
}

type Decision struct {
	EventID string `json:"event_id,omitempty"`
	Action  string `json:"action"`
	Reason  string `json:"reason"`
}

// ContextPack is the budgeted result of a retrieval.
type ContextPack struct {
	Blocks      []Block    `json:"blocks"`
	TotalTokens int        `json:"total_tokens"`
	Truncated   bool       `json:"truncated"`
	Decisions   []Decision `json:"decisions"`
	Commit      string     `json:"commit"`
	Policy      string     `json:"policy"`
	Degraded    bool       `json:"degraded"`
}
