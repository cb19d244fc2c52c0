package enricher

import (
	"strings"

	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/rawstore"
	"github.com/hindsight-dev/hindsight/pkg/event"
)

// derivation is the complete effect of one event: a conversation mutation,
// metric points, and shared counter bumps. It is computed purely from the
// prior session state and the event, so replaying the same event computes
// the same effect.
type derivation struct {
	mutation convstore.Mutation
	points   []metricstore.Point

	prompts  int64
	tools    int64
	accepted int64
}

// derive maps one stored event onto the derived stores. Unknown event types
// still count toward session aggregates; only the typed effects are skipped.
func derive(prior convstore.Conversation, ev *event.Event, row rawstore.RawRow) derivation {
	d := derivation{
		mutation: convstore.Mutation{
			SessionID:     row.SessionID,
			Platform:      ev.Platform,
			WorkspaceHash: row.WorkspaceHash,
			RawRowID:      row.RowID,
			EventTime:     ev.Timestamp,
			BlobBytes:     row.ByteSize,
		},
	}

	point := func(category, name string, value float64) {
		d.points = append(d.points, metricstore.Point{
			Category:  category,
			Name:      name,
			SessionID: row.SessionID,
			Timestamp: ev.Timestamp,
			Value:     value,
		})
	}

	switch ev.EventType {
	case event.TypeSessionStart:
		point("sessions", "started", 1)

	case event.TypeSessionEnd:
		point("sessions", "ended", 1)
		if !prior.StartedAt.IsZero() && ev.Timestamp.After(prior.StartedAt) {
			point("sessions", "duration_seconds", ev.Timestamp.Sub(prior.StartedAt).Seconds())
		}

	case event.TypeUserPromptSubmit:
		d.mutation.UserMessages = 1
		d.prompts = 1
		length, _ := ev.PayloadNumber("prompt_length")
		d.mutation.PromptChars = int64(length)
		d.mutation.Turn = &convstore.NewTurn{
			Role:        convstore.RoleUser,
			Timestamp:   ev.Timestamp,
			LengthChars: int64(length),
		}
		point("prompting", "length", length)

	case event.TypeAssistantReply:
		d.mutation.AssistantMessages = 1
		length, _ := ev.PayloadNumber("response_length")
		in, _ := ev.PayloadNumber("input_tokens")
		out, _ := ev.PayloadNumber("output_tokens")
		d.mutation.InputTokens = int64(in)
		d.mutation.OutputTokens = int64(out)
		d.mutation.Turn = &convstore.NewTurn{
			Role:        convstore.RoleAssistant,
			Timestamp:   ev.Timestamp,
			LengthChars: int64(length),
			TokensIn:    int64(in),
			TokensOut:   int64(out),
		}
		if in > 0 {
			point("tokens", "input", in)
		}
		if out > 0 {
			point("tokens", "output", out)
		}
		// Response latency is measured against the previous activity in the
		// session, which for a first reply is the prompt that caused it.
		if !prior.LastActivityAt.IsZero() && ev.Timestamp.After(prior.LastActivityAt) {
			point("latency", "response_seconds", ev.Timestamp.Sub(prior.LastActivityAt).Seconds())
		}

	case event.TypePostToolUse:
		d.mutation.ToolInvocations = 1
		d.tools = 1
		d.mutation.Turn = &convstore.NewTurn{
			Role:      convstore.RoleTool,
			Timestamp: ev.Timestamp,
			ToolName:  ev.ToolName(),
		}
		if name := toolMetricName(ev.ToolName()); name != "" {
			point("tools", name, 1)
		}
		if toolFailed(ev) {
			d.mutation.ToolError = true
			point("tools", "errors", 1)
		}

	case event.TypePreToolUse, event.TypeNotification, event.TypeStop:
		// Aggregates only.
	}

	if accepted, ok := ev.Payload["accepted"].(bool); ok && accepted {
		d.accepted = 1
		point("acceptance", "accepted", 1)
	}

	return d
}

// toolFailed reports whether a post_tool_use payload carries a failure:
// success == false or a non-empty error field.
func toolFailed(ev *event.Event) bool {
	if ok, present := ev.Payload["success"].(bool); present && !ok {
		return true
	}
	if msg, ok := ev.Payload["error"].(string); ok && msg != "" {
		return true
	}
	return false
}

// toolMetricName folds a capture-side tool name into a metric-safe series
// name: lowercase with everything outside [a-z0-9_] collapsed to '_'.
func toolMetricName(tool string) string {
	if tool == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(tool))
	for _, r := range strings.ToLower(tool) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}
