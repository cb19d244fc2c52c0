// Package ingester drains the durable queue in batches: decode, validate,
// compress, one insert transaction per platform, then change records for the
// slow path, then acks. An entry is acknowledged only after its row is
// committed and its change record appended, so every failure mode resolves
// to redelivery and the unique event id absorbs the replay.
package ingester

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/hindsight-dev/hindsight/hindsightdb/rawstore"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/event"
	"github.com/hindsight-dev/hindsight/pkg/state"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

var tracer = otel.Tracer("modules/ingester")

var (
	metricPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "events_persisted_total",
		Help:      "Events written to the raw store per platform.",
	}, []string{"platform"})
	metricDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "events_duplicate_total",
		Help:      "Redelivered events absorbed by the unique event id.",
	}, []string{"platform"})
	metricRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "events_rejected_total",
		Help:      "Events dead-lettered before the raw store.",
	}, []string{"reason"})
	metricBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "batch_size",
		Help:      "Entries per processed batch.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
	metricTxLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "tx_latency_seconds",
		Help:      "Raw-store write transaction latency.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
	metricEffectiveBatch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "effective_batch_size",
		Help:      "Current batch size after backpressure adjustment.",
	})
	metricE2ELatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "ingester",
		Name:      "enqueue_to_ack_seconds",
		Help:      "Time from queue append to fast-path ack.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	})
)

const heartbeatComponent = state.ComponentIngester

type Ingester struct {
	services.Service

	cfg    Config
	logger log.Logger

	queue  *streamq.Queue
	fanout *cdc.Fanout
	raw    *rawstore.Store
	states *state.Store

	sizer *sizer

	// Mutated only by the single run loop.
	knownPlatforms map[string]struct{}
	highWater      map[string]int64
	lastClaim      time.Time
}

func New(cfg Config, queue *streamq.Queue, fanout *cdc.Fanout, raw *rawstore.Store, states *state.Store, logger log.Logger) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Ingester{
		cfg:            cfg,
		logger:         log.With(logger, "component", "ingester"),
		queue:          queue,
		fanout:         fanout,
		raw:            raw,
		states:         states,
		sizer:          newSizer(cfg.BatchSize, cfg.HighWatermark, cfg.BackpressureWindow),
		knownPlatforms: map[string]struct{}{},
		highWater:      map[string]int64{},
	}
	i.Service = services.NewBasicService(i.starting, i.running, i.stopping)
	return i, nil
}

func (i *Ingester) starting(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 20,
	})
	for boff.Ongoing() {
		err := i.queue.EnsureGroup(ctx, Group)
		if err == nil {
			if err = i.fanout.EnsureGroups(ctx); err == nil {
				return nil
			}
		}
		level.Warn(i.logger).Log("msg", "queue not ready", "err", err)
		boff.Wait()
	}
	return boff.Err()
}

func (i *Ingester) running(ctx context.Context) error {
	level.Info(i.logger).Log("msg", "ingester running", "consumer", i.cfg.Consumer, "batch_size", i.cfg.BatchSize)

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	})
	for ctx.Err() == nil {
		_, err := i.runOnce(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			level.Warn(i.logger).Log("msg", "ingest pass failed, backing off", "err", err)
			boff.Wait()
			continue
		}
		boff.Reset()
	}
	return nil
}

func (i *Ingester) stopping(_ error) error {
	level.Info(i.logger).Log("msg", "ingester stopped")
	return nil
}

// runOnce drains and processes one batch. It returns how many entries were
// acknowledged; zero with a nil error means the queue was idle.
func (i *Ingester) runOnce(ctx context.Context) (int, error) {
	batch, err := i.nextBatch(ctx)
	if err != nil {
		return 0, err
	}
	i.beat(ctx)
	if len(batch) == 0 {
		return 0, nil
	}
	return i.process(ctx, batch)
}

// nextBatch prefers reclaimed stale deliveries, then tops up with fresh
// reads. The stale sweep is rate-limited; it also applies the retry budget.
func (i *Ingester) nextBatch(ctx context.Context) ([]streamq.Delivery, error) {
	size := int64(i.sizer.Size())
	metricEffectiveBatch.Set(float64(size))

	var batch []streamq.Delivery
	if time.Since(i.lastClaim) >= i.cfg.ClaimInterval {
		i.lastClaim = time.Now()
		claimed, dead, err := i.queue.ClaimStale(ctx, Group, i.cfg.Consumer, size)
		if err != nil {
			return nil, err
		}
		if dead > 0 {
			level.Warn(i.logger).Log("msg", "stale entries dead-lettered", "count", dead)
		}
		batch = claimed
	}

	if remaining := size - int64(len(batch)); remaining > 0 {
		fresh, err := i.queue.ReadGroup(ctx, Group, i.cfg.Consumer, remaining, i.cfg.BatchTimeout)
		if err != nil {
			return nil, err
		}
		batch = append(batch, fresh...)
	}
	return batch, nil
}

// item tracks one delivery through decode, compression, and the write.
type item struct {
	delivery  streamq.Delivery
	ev        *event.Event
	row       rawstore.Row
	encodeErr error
}

func (i *Ingester) process(ctx context.Context, batch []streamq.Delivery) (int, error) {
	ctx, span := tracer.Start(ctx, "ingester.process")
	defer span.End()

	metricBatchSize.Observe(float64(len(batch)))

	items := i.decode(ctx, batch)
	if err := i.compress(items); err != nil {
		return 0, err
	}

	// Compression failures are permanent; dead-letter before the write.
	writable := items[:0]
	for _, it := range items {
		if it.encodeErr == nil {
			writable = append(writable, it)
			continue
		}
		reason := streamq.ReasonSchemaInvalid
		if errors.Is(it.encodeErr, event.ErrPayloadTooLarge) {
			reason = streamq.ReasonPayloadTooLarge
		}
		if err := i.queue.MoveToDLQ(ctx, Group, it.delivery, reason, it.encodeErr); err != nil {
			return 0, err
		}
		metricRejected.WithLabelValues(reason).Inc()
	}

	acked, err := i.write(ctx, writable)
	if err != nil {
		return acked, err
	}
	return acked, nil
}

// decode unmarshals and validates. Invalid entries are dead-lettered here;
// DLQ append failures leave the entry pending for a later pass.
func (i *Ingester) decode(ctx context.Context, batch []streamq.Delivery) []*item {
	items := make([]*item, 0, len(batch))
	for _, d := range batch {
		ev, err := event.Unmarshal(d.Body)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			if dlqErr := i.queue.MoveToDLQ(ctx, Group, d, streamq.ReasonSchemaInvalid, err); dlqErr != nil {
				level.Warn(i.logger).Log("msg", "dead-letter failed, entry stays pending", "id", d.ID, "err", dlqErr)
				continue
			}
			metricRejected.WithLabelValues(streamq.ReasonSchemaInvalid).Inc()
			continue
		}
		items = append(items, &item{delivery: d, ev: ev})
	}
	return items
}

// compress canonicalizes and compresses payloads in parallel. Per-item
// failures land in encodeErr; only infrastructure errors propagate.
func (i *Ingester) compress(items []*item) error {
	var g errgroup.Group
	g.SetLimit(i.cfg.CompressParallelism)
	for _, it := range items {
		it := it
		g.Go(func() error {
			blob, err := event.Encode(it.ev)
			if err != nil {
				it.encodeErr = err
				return nil
			}
			it.row = rawstore.Row{
				EventID:       it.ev.EventID,
				SessionID:     it.ev.SessionID(),
				WorkspaceHash: it.ev.WorkspaceHash(),
				EventType:     it.ev.EventType,
				ItemKey:       it.ev.ItemKey(),
				Timestamp:     it.ev.Timestamp,
				Blob:          blob,
			}
			return nil
		})
	}
	return g.Wait()
}

// write commits one transaction per platform, appends change records, and
// acks. Any error before the ack leaves the remaining entries pending.
func (i *Ingester) write(ctx context.Context, items []*item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	byPlatform := map[string][]*item{}
	order := []string{}
	for _, it := range items {
		p := it.ev.Platform
		if _, ok := byPlatform[p]; !ok {
			order = append(order, p)
		}
		byPlatform[p] = append(byPlatform[p], it)
	}

	acked := 0
	for _, platform := range order {
		group := byPlatform[platform]
		if err := i.ensurePlatform(ctx, platform); err != nil {
			return acked, err
		}

		rows := make([]rawstore.Row, len(group))
		for n, it := range group {
			rows[n] = it.row
		}

		start := time.Now()
		results, err := i.raw.WriteBatch(ctx, platform, rows)
		latency := time.Since(start)
		i.sizer.Observe(latency)
		metricTxLatency.Observe(latency.Seconds())
		if err != nil {
			return acked, err
		}

		// Change records go out for duplicates too: a redelivery means the
		// previous pass may have died before its append.
		ids := make([]string, 0, len(group))
		maxRow := int64(0)
		for n, it := range group {
			res := results[n]
			if _, err := i.fanout.Append(ctx, cdc.Record{
				RawRowID:  res.RowID,
				Platform:  platform,
				SessionID: it.ev.SessionID(),
				EventType: it.ev.EventType,
				Timestamp: it.ev.Timestamp,
			}); err != nil {
				return acked, err
			}
			if res.Duplicate {
				metricDuplicates.WithLabelValues(platform).Inc()
			} else {
				metricPersisted.WithLabelValues(platform).Inc()
			}
			if res.RowID > maxRow {
				maxRow = res.RowID
			}
			ids = append(ids, it.delivery.ID)
		}

		if err := i.queue.Ack(ctx, Group, ids...); err != nil {
			return acked, err
		}
		acked += len(ids)

		for _, it := range group {
			if !it.ev.EnqueuedAt.IsZero() {
				metricE2ELatency.Observe(time.Since(it.ev.EnqueuedAt).Seconds())
			}
		}
		i.advanceCheckpoint(ctx, platform, maxRow)
	}
	return acked, nil
}

// ensurePlatform creates the platform's raw table on first sight. The
// platform set is open; capture agents introduce new ones at will.
func (i *Ingester) ensurePlatform(ctx context.Context, platform string) error {
	if _, ok := i.knownPlatforms[platform]; ok {
		return nil
	}
	if err := i.raw.CreatePlatform(ctx, platform); err != nil {
		return err
	}
	i.knownPlatforms[platform] = struct{}{}
	return nil
}

// advanceCheckpoint publishes the highest committed row id per platform so
// freshness can compare it against slow-path progress. Never moves backward.
func (i *Ingester) advanceCheckpoint(ctx context.Context, platform string, rowID int64) {
	if _, ok := i.highWater[platform]; !ok {
		if ckpt, err := i.states.GetCheckpoint(ctx, heartbeatComponent, platform); err == nil {
			i.highWater[platform] = ckpt.RowID
		}
	}
	if rowID <= i.highWater[platform] {
		return
	}
	i.highWater[platform] = rowID
	if err := i.states.SetCheckpoint(ctx, heartbeatComponent, platform, rowID); err != nil {
		level.Debug(i.logger).Log("msg", "checkpoint write failed", "platform", platform, "err", err)
	}
}

func (i *Ingester) beat(ctx context.Context) {
	if err := i.states.Heartbeat(ctx, heartbeatComponent); err != nil {
		level.Debug(i.logger).Log("msg", "heartbeat failed", "err", err)
	}
}
