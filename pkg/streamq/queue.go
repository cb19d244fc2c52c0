package streamq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"github.com/hindsight-dev/hindsight/pkg/event"
)

var (
	metricAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "queue",
		Name:      "appends_total",
		Help:      "Entries appended per stream.",
	}, []string{"stream"})
	metricDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "queue",
		Name:      "deliveries_total",
		Help:      "Entries handed to consumers, fresh reads and reclaims combined.",
	})
	metricAcks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "queue",
		Name:      "acks_total",
		Help:      "Entries acknowledged.",
	})
	metricDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Entries moved to the DLQ by reason.",
	}, []string{"reason"})
	metricReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "queue",
		Name:      "dlq_replayed_total",
		Help:      "DLQ entries replayed onto the live stream.",
	})
)

// Delivery is one queue entry handed to a consumer. RetryCount counts prior
// deliveries of the same entry, taken from the pending entries list.
type Delivery struct {
	ID         string
	EventID    string
	Platform   string
	Body       []byte
	RetryCount int
}

// Queue is the durable event queue: a capped live stream plus a dead-letter
// stream, consumed through consumer groups.
type Queue struct {
	cfg    Config
	logger log.Logger

	rdb  redis.UniversalClient
	live *Stream
	dlq  *Stream
}

// Dial builds a client for the configured address. Callers own closing it.
func Dial(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

func New(rdb redis.UniversalClient, cfg Config, logger log.Logger) *Queue {
	return &Queue{
		cfg:    cfg,
		logger: logger,
		rdb:    rdb,
		live:   NewStream(rdb, cfg.Stream, cfg.MaxLength),
		dlq:    NewStream(rdb, cfg.DLQStream, cfg.DLQMaxLength),
	}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// EnsureGroup makes the consumer group exist before the first read.
func (q *Queue) EnsureGroup(ctx context.Context, group string) error {
	return q.live.EnsureGroup(ctx, group)
}

// Append puts one event on the live stream. The entry carries the canonical
// JSON plus flat routing fields so consumers can inspect without decoding.
func (q *Queue) Append(ctx context.Context, ev *event.Event) (string, error) {
	if ev.EnqueuedAt.IsZero() {
		ev.EnqueuedAt = time.Now().UTC()
	}
	body, err := event.Marshal(ev)
	if err != nil {
		return "", err
	}
	id, err := q.live.Append(ctx, map[string]interface{}{
		"event":       string(body),
		"event_id":    ev.EventID,
		"platform":    ev.Platform,
		"enqueued_at": ev.EnqueuedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	metricAppends.WithLabelValues(q.cfg.Stream).Inc()
	return id, nil
}

// ReadGroup fetches up to count fresh entries for consumer, blocking up to
// block. An empty result after the block window is not an error.
func (q *Queue) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	msgs, err := q.live.ReadGroup(ctx, group, consumer, count, block)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, deliveryFromMessage(m, 0))
	}
	metricDeliveries.Add(float64(len(out)))
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, group string, ids ...string) error {
	if err := q.live.Ack(ctx, group, ids...); err != nil {
		return err
	}
	metricAcks.Add(float64(len(ids)))
	return nil
}

// ClaimStale sweeps the pending entries list: entries idle past the
// visibility timeout are either dead-lettered (delivery count beyond
// MaxRetries) or re-claimed for consumer with their retry count attached.
// Returns the reclaimed deliveries and the number dead-lettered.
func (q *Queue) ClaimStale(ctx context.Context, group, consumer string, limit int64) ([]Delivery, int, error) {
	pend, err := q.live.Pending(ctx, group, q.cfg.VisibilityTimeout, limit)
	if err != nil || len(pend) == 0 {
		return nil, 0, err
	}

	retries := make(map[string]int64, len(pend))
	ids := make([]string, 0, len(pend))
	for _, p := range pend {
		retries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	// Claim everything stale in one call; the bodies are needed both to
	// redeliver and to dead-letter. Entries that vanish here were trimmed or
	// won by another consumer.
	msgs, err := q.live.Claim(ctx, group, consumer, q.cfg.VisibilityTimeout, ids)
	if err != nil {
		return nil, 0, err
	}
	if missing := len(ids) - len(msgs); missing > 0 {
		level.Debug(q.logger).Log("msg", "stale entries skipped during claim", "count", missing)
	}

	var (
		claimed []Delivery
		dead    int
	)
	for _, m := range msgs {
		// Delivery count before this claim: the initial read plus every
		// reclaim so far. retry_count excludes the initial read.
		deliveries := int(retries[m.ID])
		if deliveries > q.cfg.MaxRetries {
			d := deliveryFromMessage(m, deliveries-1)
			if err := q.MoveToDLQ(ctx, group, d, ReasonMaxRetries, fmt.Errorf("retry_count reached %d", q.cfg.MaxRetries)); err != nil {
				return claimed, dead, err
			}
			dead++
			continue
		}
		claimed = append(claimed, deliveryFromMessage(m, deliveries))
	}
	metricDeliveries.Add(float64(len(claimed)))
	return claimed, dead, nil
}

// StreamStats is one stream's depth, plus PEL size where a group is given.
type StreamStats struct {
	Name    string `json:"name"`
	Length  int64  `json:"length"`
	Pending int64  `json:"pending,omitempty"`
}

type Stats struct {
	Live StreamStats `json:"live"`
	DLQ  StreamStats `json:"dlq"`
}

func (q *Queue) Stats(ctx context.Context, group string) (Stats, error) {
	var s Stats

	n, err := q.live.Len(ctx)
	if err != nil {
		return s, err
	}
	p, err := q.live.PendingCount(ctx, group)
	if err != nil {
		return s, err
	}
	s.Live = StreamStats{Name: q.cfg.Stream, Length: n, Pending: p}

	n, err = q.dlq.Len(ctx)
	if err != nil {
		return s, err
	}
	s.DLQ = StreamStats{Name: q.cfg.DLQStream, Length: n}
	return s, nil
}

func deliveryFromMessage(m redis.XMessage, retryCount int) Delivery {
	d := Delivery{ID: m.ID, RetryCount: retryCount}
	if s, ok := m.Values["event"].(string); ok {
		d.Body = []byte(s)
	}
	if s, ok := m.Values["event_id"].(string); ok {
		d.EventID = s
	}
	if s, ok := m.Values["platform"].(string); ok {
		d.Platform = s
	}
	if s, ok := m.Values["retry_count"].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && retryCount == 0 {
			d.RetryCount = n
		}
	}
	return d
}
