package convstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/hindsight-dev/hindsight/hindsightdb"
)

const conversationCols = `session_id, platform, workspace_hash, started_at, last_activity_at,
	turn_count, user_message_count, assistant_message_count, input_tokens, output_tokens,
	tool_invocations_count, last_processed_row_id`

func scanConversation(row interface{ Scan(...interface{}) error }) (Conversation, error) {
	var c Conversation
	var startedNS, lastNS int64
	err := row.Scan(&c.SessionID, &c.Platform, &c.WorkspaceHash, &startedNS, &lastNS,
		&c.TurnCount, &c.UserMessageCount, &c.AssistantMessageCount, &c.InputTokens, &c.OutputTokens,
		&c.ToolInvocationsCount, &c.LastProcessedRowID)
	if err != nil {
		return c, err
	}
	c.StartedAt = time.Unix(0, startedNS).UTC()
	c.LastActivityAt = time.Unix(0, lastNS).UTC()
	return c, nil
}

// ListRecent returns conversations by recency, optionally for one platform.
func (s *Store) ListRecent(ctx context.Context, platform string, limit int64) ([]Conversation, error) {
	q := `SELECT ` + conversationCols + ` FROM conversations`
	args := []interface{}{}
	if platform != "" {
		q += ` WHERE platform = ?`
		args = append(args, platform)
	}
	q += ` ORDER BY last_activity_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Reader().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get fetches one conversation.
func (s *Store) Get(ctx context.Context, sessionID string) (Conversation, error) {
	row := s.db.Reader().QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE session_id = ?`, sessionID)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return c, errors.Wrapf(hindsightdb.ErrNotFound, "conversation %s", sessionID)
	}
	if err != nil {
		return c, errors.Wrapf(err, "get conversation %s", sessionID)
	}
	return c, nil
}

// Turns returns a session's turn timeline in order.
func (s *Store) Turns(ctx context.Context, sessionID string, limit int64) ([]Turn, error) {
	rows, err := s.db.Reader().QueryContext(ctx,
		`SELECT session_id, turn_index, role, timestamp, length_chars, tokens_in, tokens_out, tool_name
		 FROM turns WHERE session_id = ? ORDER BY turn_index ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "turns for %s", sessionID)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var (
			t        Turn
			ns       int64
			toolName sql.NullString
		)
		if err := rows.Scan(&t.SessionID, &t.TurnIndex, &t.Role, &ns, &t.LengthChars, &t.TokensIn, &t.TokensOut, &toolName); err != nil {
			return nil, err
		}
		t.Timestamp = time.Unix(0, ns).UTC()
		t.ToolName = toolName.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetAggregates fetches one session's tally.
func (s *Store) GetAggregates(ctx context.Context, sessionID string) (Aggregates, error) {
	var (
		a  Aggregates
		ns int64
	)
	err := s.db.Reader().QueryRowContext(ctx,
		`SELECT session_id, platform, events_total, bytes_total, prompt_chars_total, prompt_chars_max, tool_error_count, updated_at
		 FROM session_aggregates WHERE session_id = ?`, sessionID).
		Scan(&a.SessionID, &a.Platform, &a.EventsTotal, &a.BytesTotal, &a.PromptCharsTotal, &a.PromptCharsMax, &a.ToolErrorCount, &ns)
	if err == sql.ErrNoRows {
		return a, errors.Wrapf(hindsightdb.ErrNotFound, "aggregates %s", sessionID)
	}
	if err != nil {
		return a, errors.Wrapf(err, "aggregates %s", sessionID)
	}
	a.UpdatedAt = time.Unix(0, ns).UTC()
	return a, nil
}

// TotalCounts reports table-level totals for status surfaces.
func (s *Store) TotalCounts(ctx context.Context) (sessions, turns int64, err error) {
	if err = s.db.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&sessions); err != nil {
		return 0, 0, errors.Wrap(err, "count conversations")
	}
	if err = s.db.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&turns); err != nil {
		return 0, 0, errors.Wrap(err, "count turns")
	}
	return sessions, turns, nil
}
