package streamq

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	"github.com/redis/go-redis/v9"
)

// Dead-letter reasons. SchemaInvalid and PayloadTooLarge skip the retry
// budget entirely; MaxRetries is applied by the stale sweep.
const (
	ReasonMaxRetries      = "max_retries"
	ReasonSchemaInvalid   = "schema_invalid"
	ReasonPayloadTooLarge = "payload_too_large"
)

// DLQEntry is one dead-lettered event with its failure context.
type DLQEntry struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	Platform   string    `json:"platform"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error,omitempty"`
	RetryCount int       `json:"retry_count"`
	FailedAt   time.Time `json:"failed_at"`

	Body []byte `json:"-"`
}

// MoveToDLQ copies the delivery onto the DLQ stream with its failure context
// and acknowledges the original so it stops redelivering.
func (q *Queue) MoveToDLQ(ctx context.Context, group string, d Delivery, reason string, cause error) error {
	values := map[string]interface{}{
		"event":       string(d.Body),
		"event_id":    d.EventID,
		"platform":    d.Platform,
		"reason":      reason,
		"retry_count": strconv.Itoa(d.RetryCount),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
		"source_id":   d.ID,
	}
	if cause != nil {
		values["error"] = cause.Error()
	}
	if _, err := q.dlq.Append(ctx, values); err != nil {
		return err
	}
	if err := q.live.Ack(ctx, group, d.ID); err != nil {
		return err
	}
	metricDeadLettered.WithLabelValues(reason).Inc()
	level.Warn(q.logger).Log("msg", "event dead-lettered", "event_id", d.EventID, "platform", d.Platform, "reason", reason, "retry_count", d.RetryCount)
	return nil
}

// ListDLQ returns up to limit dead-lettered entries, oldest first.
func (q *Queue) ListDLQ(ctx context.Context, limit int64) ([]DLQEntry, error) {
	msgs, err := q.dlq.Range(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, dlqEntryFromMessage(m))
	}
	return out, nil
}

// ReplayFilter selects DLQ entries by platform and/or reason. Zero values
// match everything.
type ReplayFilter struct {
	Platform string `json:"platform,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (f ReplayFilter) matches(e DLQEntry) bool {
	if f.Platform != "" && e.Platform != f.Platform {
		return false
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	return true
}

// ReplayDLQ is the operator action: matching entries among the oldest limit
// are re-appended to the live stream with a fresh retry budget and removed
// from the DLQ. Returns how many were replayed.
func (q *Queue) ReplayDLQ(ctx context.Context, f ReplayFilter, limit int64) (int, error) {
	msgs, err := q.dlq.Range(ctx, limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, m := range msgs {
		e := dlqEntryFromMessage(m)
		if !f.matches(e) {
			continue
		}
		_, err := q.live.Append(ctx, map[string]interface{}{
			"event":       string(e.Body),
			"event_id":    e.EventID,
			"platform":    e.Platform,
			"retry_count": "0",
			"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return replayed, err
		}
		if err := q.dlq.Delete(ctx, m.ID); err != nil {
			return replayed, err
		}
		replayed++
		metricAppends.WithLabelValues(q.cfg.Stream).Inc()
		metricReplayed.Inc()
	}
	if replayed > 0 {
		level.Info(q.logger).Log("msg", "replayed DLQ entries", "count", replayed, "platform", f.Platform, "reason", f.Reason)
	}
	return replayed, nil
}

func dlqEntryFromMessage(m redis.XMessage) DLQEntry {
	e := DLQEntry{ID: m.ID}
	if s, ok := m.Values["event"].(string); ok {
		e.Body = []byte(s)
	}
	if s, ok := m.Values["event_id"].(string); ok {
		e.EventID = s
	}
	if s, ok := m.Values["platform"].(string); ok {
		e.Platform = s
	}
	if s, ok := m.Values["reason"].(string); ok {
		e.Reason = s
	}
	if s, ok := m.Values["error"].(string); ok {
		e.Error = s
	}
	if s, ok := m.Values["retry_count"].(string); ok {
		e.RetryCount, _ = strconv.Atoi(s)
	}
	if s, ok := m.Values["failed_at"].(string); ok {
		e.FailedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	return e
}
