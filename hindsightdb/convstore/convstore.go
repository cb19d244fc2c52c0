// Package convstore holds the derived conversation view: one row per
// session, its turn timeline, and per-session aggregates. All writes come
// from the slow path and are gated on the raw row id so redelivered change
// records are no-ops.
package convstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hindsight-dev/hindsight/hindsightdb"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	session_id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	workspace_hash TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	turn_count INTEGER NOT NULL DEFAULT 0,
	user_message_count INTEGER NOT NULL DEFAULT 0,
	assistant_message_count INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	tool_invocations_count INTEGER NOT NULL DEFAULT 0,
	last_processed_row_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversations_recency ON conversations(platform, last_activity_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	session_id TEXT NOT NULL,
	turn_index INTEGER NOT NULL,
	role TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	length_chars INTEGER NOT NULL DEFAULT 0,
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	tool_name TEXT,
	PRIMARY KEY (session_id, turn_index)
);

CREATE TABLE IF NOT EXISTS session_aggregates (
	session_id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	events_total INTEGER NOT NULL DEFAULT 0,
	bytes_total INTEGER NOT NULL DEFAULT 0,
	prompt_chars_total INTEGER NOT NULL DEFAULT 0,
	prompt_chars_max INTEGER NOT NULL DEFAULT 0,
	tool_error_count INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS derivation_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform TEXT NOT NULL,
	raw_row_id INTEGER NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	worker TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);
`

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Conversation is the per-session derived row.
type Conversation struct {
	SessionID             string    `json:"session_id"`
	Platform              string    `json:"platform"`
	WorkspaceHash         string    `json:"workspace_hash,omitempty"`
	StartedAt             time.Time `json:"started_at"`
	LastActivityAt        time.Time `json:"last_activity_at"`
	TurnCount             int64     `json:"turn_count"`
	UserMessageCount      int64     `json:"user_message_count"`
	AssistantMessageCount int64     `json:"assistant_message_count"`
	InputTokens           int64     `json:"input_tokens"`
	OutputTokens          int64     `json:"output_tokens"`
	ToolInvocationsCount  int64     `json:"tool_invocations_count"`
	LastProcessedRowID    int64     `json:"last_processed_row_id"`
}

// Turn is one message-shaped step of a conversation. Only shape is stored,
// never text.
type Turn struct {
	SessionID   string    `json:"session_id"`
	TurnIndex   int64     `json:"turn_index"`
	Role        string    `json:"role"`
	Timestamp   time.Time `json:"timestamp"`
	LengthChars int64     `json:"length_chars"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	ToolName    string    `json:"tool_name,omitempty"`
}

// Aggregates is the rolling per-session tally kept beside the conversation.
type Aggregates struct {
	SessionID        string    `json:"session_id"`
	Platform         string    `json:"platform"`
	EventsTotal      int64     `json:"events_total"`
	BytesTotal       int64     `json:"bytes_total"`
	PromptCharsTotal int64     `json:"prompt_chars_total"`
	PromptCharsMax   int64     `json:"prompt_chars_max"`
	ToolErrorCount   int64     `json:"tool_error_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Mutation is the derived effect of one raw event, applied atomically.
type Mutation struct {
	SessionID     string
	Platform      string
	WorkspaceHash string
	RawRowID      int64
	EventTime     time.Time
	BlobBytes     int64

	UserMessages      int64
	AssistantMessages int64
	ToolInvocations   int64
	InputTokens       int64
	OutputTokens      int64

	PromptChars int64
	ToolError   bool

	Turn *NewTurn
}

// NewTurn describes a turn to append; its index is assigned inside Apply.
type NewTurn struct {
	Role        string
	Timestamp   time.Time
	LengthChars int64
	TokensIn    int64
	TokensOut   int64
	ToolName    string
}

// DerivationError is a structured record of a permanently failed change
// record. The slow path acks after writing one so the pipeline never wedges.
type DerivationError struct {
	ID         int64     `json:"id"`
	Platform   string    `json:"platform"`
	RawRowID   int64     `json:"raw_row_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Store struct {
	db *hindsightdb.DB
}

func New(db *hindsightdb.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Writer().ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure conversation schema")
}

// Apply folds one event's effect into the session state. It creates the
// conversation on first sight and is idempotent: a RawRowID at or below the
// session's high-water mark leaves everything untouched and reports false.
func (s *Store) Apply(ctx context.Context, m Mutation) (bool, error) {
	tx, err := s.db.Writer().BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin apply")
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastRowID int64
		turnCount int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT last_processed_row_id, turn_count FROM conversations WHERE session_id = ?`,
		m.SessionID).Scan(&lastRowID, &turnCount)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO conversations (session_id, platform, workspace_hash, started_at, last_activity_at)
			 VALUES (?, ?, ?, ?, ?)`,
			m.SessionID, m.Platform, m.WorkspaceHash, m.EventTime.UnixNano(), m.EventTime.UnixNano())
		if err != nil {
			return false, errors.Wrap(err, "create conversation")
		}
	case err != nil:
		return false, errors.Wrap(err, "load conversation")
	default:
		if m.RawRowID <= lastRowID {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET
			user_message_count = user_message_count + ?,
			assistant_message_count = assistant_message_count + ?,
			tool_invocations_count = tool_invocations_count + ?,
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			last_activity_at = MAX(last_activity_at, ?),
			workspace_hash = CASE WHEN workspace_hash = '' THEN ? ELSE workspace_hash END,
			last_processed_row_id = ?
		WHERE session_id = ?`,
		m.UserMessages, m.AssistantMessages, m.ToolInvocations, m.InputTokens, m.OutputTokens,
		m.EventTime.UnixNano(), m.WorkspaceHash, m.RawRowID, m.SessionID)
	if err != nil {
		return false, errors.Wrap(err, "update conversation")
	}

	if m.Turn != nil {
		var toolName interface{}
		if m.Turn.ToolName != "" {
			toolName = m.Turn.ToolName
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO turns (session_id, turn_index, role, timestamp, length_chars, tokens_in, tokens_out, tool_name)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.SessionID, turnCount+1, m.Turn.Role, m.Turn.Timestamp.UnixNano(),
			m.Turn.LengthChars, m.Turn.TokensIn, m.Turn.TokensOut, toolName)
		if err != nil {
			return false, errors.Wrap(err, "insert turn")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE conversations SET turn_count = turn_count + 1 WHERE session_id = ?`, m.SessionID)
		if err != nil {
			return false, errors.Wrap(err, "bump turn count")
		}
	}

	toolErr := int64(0)
	if m.ToolError {
		toolErr = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_aggregates (session_id, platform, events_total, bytes_total, prompt_chars_total, prompt_chars_max, tool_error_count, updated_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			events_total = events_total + 1,
			bytes_total = bytes_total + excluded.bytes_total,
			prompt_chars_total = prompt_chars_total + excluded.prompt_chars_total,
			prompt_chars_max = MAX(prompt_chars_max, excluded.prompt_chars_max),
			tool_error_count = tool_error_count + excluded.tool_error_count,
			updated_at = excluded.updated_at`,
		m.SessionID, m.Platform, m.BlobBytes, m.PromptChars, m.PromptChars, toolErr, time.Now().UnixNano())
	if err != nil {
		return false, errors.Wrap(err, "upsert aggregates")
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit apply")
	}
	return true, nil
}

// RecordError writes one structured derivation failure.
func (s *Store) RecordError(ctx context.Context, e DerivationError) error {
	_, err := s.db.Writer().ExecContext(ctx,
		`INSERT INTO derivation_errors (platform, raw_row_id, session_id, worker, error, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Platform, e.RawRowID, e.SessionID, e.Worker, e.Error, time.Now().UnixNano())
	return errors.Wrap(err, "record derivation error")
}

// ListErrors returns the most recent derivation failures.
func (s *Store) ListErrors(ctx context.Context, limit int64) ([]DerivationError, error) {
	rows, err := s.db.Reader().QueryContext(ctx,
		`SELECT id, platform, raw_row_id, session_id, worker, error, occurred_at
		 FROM derivation_errors ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list derivation errors")
	}
	defer rows.Close()

	var out []DerivationError
	for rows.Next() {
		var (
			e  DerivationError
			ns int64
		)
		if err := rows.Scan(&e.ID, &e.Platform, &e.RawRowID, &e.SessionID, &e.Worker, &e.Error, &ns); err != nil {
			return nil, err
		}
		e.OccurredAt = time.Unix(0, ns).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
