// Package event defines the canonical telemetry event exchanged between
// capture agents and the pipeline, plus its wire codec.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types with derivation semantics. Unknown types are accepted and
// stored; only derivation ignores them.
const (
	TypeSessionStart     = "session_start"
	TypeSessionEnd       = "session_end"
	TypeUserPromptSubmit = "user_prompt_submit"
	TypeAssistantReply   = "assistant_response"
	TypePreToolUse       = "pre_tool_use"
	TypePostToolUse      = "post_tool_use"
	TypeNotification     = "notification"
	TypeStop             = "stop"
)

// MaxEncodedSize is the post-compression ceiling for a single event.
const MaxEncodedSize = 1024 * 1024

var (
	// ErrSchemaInvalid classifies events that fail validation. They are
	// dead-lettered without retry.
	ErrSchemaInvalid = errors.New("event schema invalid")

	// ErrPayloadTooLarge classifies events whose compressed form exceeds
	// MaxEncodedSize.
	ErrPayloadTooLarge = fmt.Errorf("compressed event exceeds %d bytes", MaxEncodedSize)
)

// Event is the canonical wire shape. event_id is client-assigned and is the
// idempotency key across redeliveries.
type Event struct {
	EventID           string                 `json:"event_id"`
	EnqueuedAt        time.Time              `json:"enqueued_at,omitempty"`
	RetryCount        int                    `json:"retry_count,omitempty"`
	Platform          string                 `json:"platform"`
	ExternalSessionID string                 `json:"external_session_id"`
	HookType          string                 `json:"hook_type,omitempty"`
	EventType         string                 `json:"event_type"`
	Timestamp         time.Time              `json:"timestamp"`
	Payload           map[string]interface{} `json:"payload,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Validate reports nil for a well-formed event and an ErrSchemaInvalid-
// wrapped error otherwise. Payload and metadata are opaque; their only bound
// is the codec's post-compression ceiling.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrSchemaInvalid)
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return fmt.Errorf("%w: event_id %q is not a UUID", ErrSchemaInvalid, e.EventID)
	}
	if e.Platform == "" {
		return fmt.Errorf("%w: platform is required", ErrSchemaInvalid)
	}
	for _, r := range e.Platform {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return fmt.Errorf("%w: platform %q must be lowercase [a-z0-9_]", ErrSchemaInvalid, e.Platform)
		}
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrSchemaInvalid)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrSchemaInvalid)
	}
	return nil
}

// SessionID returns the capture-side session identifier.
func (e *Event) SessionID() string {
	return e.ExternalSessionID
}

// WorkspaceHash returns the opaque workspace identifier carried in metadata,
// or "" when absent. It is comparable only within a platform.
func (e *Event) WorkspaceHash() string {
	if s, ok := e.Metadata["workspace_hash"].(string); ok {
		return s
	}
	return ""
}

// ItemKey returns the payload's item correlation key: item_key when present,
// else tool_use_id, else "".
func (e *Event) ItemKey() string {
	if s, ok := e.Payload["item_key"].(string); ok && s != "" {
		return s
	}
	if s, ok := e.Payload["tool_use_id"].(string); ok {
		return s
	}
	return ""
}

// ToolName returns payload["tool_name"] or "" when absent.
func (e *Event) ToolName() string {
	if s, ok := e.Payload["tool_name"].(string); ok {
		return s
	}
	return ""
}

// PayloadNumber reads a numeric payload field. JSON numbers decode as
// float64; integers sent by capture agents are handled too.
func (e *Event) PayloadNumber(key string) (float64, bool) {
	switch v := e.Payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
