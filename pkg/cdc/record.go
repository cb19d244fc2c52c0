// Package cdc carries change-data-capture records from the fast path to the
// slow path over partitioned streams. Partitioning is sticky by session so
// one consumer sees a session's records in raw-store order.
package cdc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record points at one committed raw-store row. It is deliberately flat:
// consumers route and dedupe on it without touching the blob.
type Record struct {
	RawRowID  int64
	Platform  string
	SessionID string
	EventType string
	Timestamp time.Time
}

// DedupeKey identifies the underlying row across redeliveries.
func (r Record) DedupeKey() string {
	return r.Platform + "/" + strconv.FormatInt(r.RawRowID, 10)
}

func (r Record) toValues() map[string]interface{} {
	return map[string]interface{}{
		"raw_row_id": strconv.FormatInt(r.RawRowID, 10),
		"platform":   r.Platform,
		"session_id": r.SessionID,
		"event_type": r.EventType,
		"ts":         strconv.FormatInt(r.Timestamp.UnixNano(), 10),
	}
}

func recordFromMessage(m redis.XMessage) (Record, error) {
	r := Record{}
	rowID, ok := m.Values["raw_row_id"].(string)
	if !ok {
		return r, fmt.Errorf("cdc entry %s has no raw_row_id", m.ID)
	}
	var err error
	r.RawRowID, err = strconv.ParseInt(rowID, 10, 64)
	if err != nil {
		return r, fmt.Errorf("cdc entry %s raw_row_id: %w", m.ID, err)
	}
	if s, ok := m.Values["platform"].(string); ok {
		r.Platform = s
	}
	if s, ok := m.Values["session_id"].(string); ok {
		r.SessionID = s
	}
	if s, ok := m.Values["event_type"].(string); ok {
		r.EventType = s
	}
	if s, ok := m.Values["ts"].(string); ok {
		ns, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return r, fmt.Errorf("cdc entry %s ts: %w", m.ID, err)
		}
		r.Timestamp = time.Unix(0, ns).UTC()
	}
	return r, nil
}

// Envelope is a delivered record with its stream position and retry count.
type Envelope struct {
	ID         string
	RetryCount int
	Record     Record
}
