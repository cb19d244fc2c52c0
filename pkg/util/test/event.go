package test

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/hindsight-dev/hindsight/pkg/event"
)

// MakeEvent builds a valid event for the given platform and external
// session. The payload carries the fields capture agents send for that
// event type so derivation produces non-trivial turns and metrics.
func MakeEvent(platform, session, eventType string) *event.Event {
	ev := &event.Event{
		EventID:           uuid.NewString(),
		Platform:          platform,
		ExternalSessionID: session,
		EventType:         eventType,
		Timestamp:         time.Now().UTC().Truncate(time.Millisecond),
	}

	switch eventType {
	case event.TypeUserPromptSubmit:
		ev.Payload = map[string]interface{}{
			"prompt_length": float64(rand.Intn(500) + 1),
		}
	case event.TypeAssistantReply:
		ev.Payload = map[string]interface{}{
			"response_length": float64(rand.Intn(4000) + 1),
			"input_tokens":    float64(rand.Intn(2000) + 1),
			"output_tokens":   float64(rand.Intn(800) + 1),
		}
	case event.TypePreToolUse, event.TypePostToolUse:
		ev.Payload = map[string]interface{}{
			"tool_name":   "Bash",
			"tool_use_id": uuid.NewString(),
			"success":     true,
		}
	}

	return ev
}

// MakeSession builds a plausible transcript: a session start, the given
// number of prompt/response turns with the occasional tool call between
// them, and a session end.
func MakeSession(turns int, platform, session string) []*event.Event {
	evs := []*event.Event{MakeEvent(platform, session, event.TypeSessionStart)}

	for i := 0; i < turns; i++ {
		evs = append(evs, MakeEvent(platform, session, event.TypeUserPromptSubmit))

		// occasionally run a tool before answering
		if rand.Int()%3 == 0 {
			evs = append(evs, MakeEvent(platform, session, event.TypePostToolUse))
		}

		evs = append(evs, MakeEvent(platform, session, event.TypeAssistantReply))
	}

	return append(evs, MakeEvent(platform, session, event.TypeSessionEnd))
}
