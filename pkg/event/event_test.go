package event

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		EventID:           uuid.NewString(),
		Platform:          "claude",
		ExternalSessionID: "sess-abc",
		HookType:          "PostToolUse",
		EventType:         TypePostToolUse,
		Timestamp:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload: map[string]interface{}{
			"tool_name":   "Read",
			"tool_use_id": "toolu_123",
		},
		Metadata: map[string]interface{}{
			"workspace_hash": "w1",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr string
	}{
		{name: "valid", mutate: func(*Event) {}},
		{name: "bad uuid", mutate: func(e *Event) { e.EventID = "nope" }, wantErr: "not a UUID"},
		{name: "missing platform", mutate: func(e *Event) { e.Platform = "" }, wantErr: "platform is required"},
		{name: "uppercase platform", mutate: func(e *Event) { e.Platform = "Claude" }, wantErr: "lowercase"},
		{name: "missing event type", mutate: func(e *Event) { e.EventType = "" }, wantErr: "event_type is required"},
		{name: "zero timestamp", mutate: func(e *Event) { e.Timestamp = time.Time{} }, wantErr: "timestamp is required"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent()
			tc.mutate(e)
			err := e.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrSchemaInvalid)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateAcceptsUnknownEventType(t *testing.T) {
	e := validEvent()
	e.EventType = "some_future_hook"
	require.NoError(t, e.Validate())
}

func TestItemKeyFallback(t *testing.T) {
	e := validEvent()
	require.Equal(t, "toolu_123", e.ItemKey())

	e.Payload["item_key"] = "ik-7"
	require.Equal(t, "ik-7", e.ItemKey())

	e.Payload = nil
	require.Equal(t, "", e.ItemKey())
}

func TestWorkspaceHash(t *testing.T) {
	e := validEvent()
	require.Equal(t, "w1", e.WorkspaceHash())

	e.Metadata = nil
	require.Equal(t, "", e.WorkspaceHash())
}

func TestPayloadNumber(t *testing.T) {
	e := validEvent()
	e.Payload["prompt_length"] = float64(42)

	v, ok := e.PayloadNumber("prompt_length")
	require.True(t, ok)
	require.Equal(t, 42.0, v)

	_, ok = e.PayloadNumber("absent")
	require.False(t, ok)

	e.Payload["n"] = "not a number"
	_, ok = e.PayloadNumber("n")
	require.False(t, ok)
}

func TestValidatePlatformCharset(t *testing.T) {
	e := validEvent()
	e.Platform = "cursor_beta2"
	require.NoError(t, e.Validate())

	e.Platform = "cursor beta"
	err := e.Validate()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "lowercase"))
}
