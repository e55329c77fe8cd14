package history

import (
	"encoding/json"
	"time"
)

// ActionRecord is one executed, skipped or scheduled action.
type ActionRecord struct {
	ID         int64           `json:"id"`
	ActionID   string          `json:"action_id"`
	Capability string          `json:"capability"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Status     string          `json:"status"`
	Message    string          `json:"message,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	ErrorText  string          `json:"error_text,omitempty"`
	Channel    string          `json:"channel,omitempty"`
	TurnID     string          `json:"turn_id,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
	Context    json.RawMessage `json:"context,omitempty"` // Serialized action context
	RunAt      *time.Time      `json:"run_at,omitempty"`  // Set for scheduled actions
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	CreatedAt  time.Time       `json:"created_at"`
}

const (
	StatusSuccess   = "success"
	StatusFailure   = "failure"
	StatusSkipped   = "skipped"
	StatusScheduled = "scheduled"

	EffectSourceLocal  = "local"
	EffectSourceRemote = "remote"
)

// Effect marks a side effect (semantic action + target) as done.
type Effect struct {
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	ActionID  string    `json:"action_id,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is the rolling conversation summary of a channel.
type Summary struct {
	Channel   string    `json:"channel"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemorySnapshot is the persisted short-term memory of a channel.
type MemorySnapshot struct {
	Channel           string          `json:"channel"`
	Entries           json.RawMessage `json:"entries"`
	TurnsSinceSummary int             `json:"turns_since_summary"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	Status     string
	Channel    string
	Capability string
	Limit      int
	Offset     int
}

const Schema = `
CREATE TABLE IF NOT EXISTS action_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action_id TEXT UNIQUE NOT NULL,
	capability TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	message TEXT DEFAULT '',
	error_kind TEXT DEFAULT '',
	error_text TEXT DEFAULT '',
	channel TEXT DEFAULT '',
	turn_id TEXT DEFAULT '',
	trace_id TEXT DEFAULT '',
	context TEXT DEFAULT '',
	run_at_ms INTEGER,
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_actions_status ON action_records(status);
CREATE INDEX IF NOT EXISTS idx_actions_channel ON action_records(channel);
CREATE INDEX IF NOT EXISTS idx_actions_due ON action_records(status, run_at_ms);

CREATE TABLE IF NOT EXISTS effects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	action_id TEXT DEFAULT '',
	source TEXT NOT NULL DEFAULT 'local',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(action, target)
);

CREATE TABLE IF NOT EXISTS summaries (
	channel TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memory_snapshots (
	channel TEXT PRIMARY KEY,
	entries TEXT NOT NULL DEFAULT '[]',
	turns_since_summary INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT,
	updated_at DATETIME
);
`
