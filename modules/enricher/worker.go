package enricher

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/hindsight-dev/hindsight/hindsightdb"
	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/event"
	"github.com/hindsight-dev/hindsight/pkg/state"
)

// worker owns one change-stream partition. Within the partition, records are
// handled strictly in delivery order, which is raw-store order per session.
type worker struct {
	partition int
	consumer  string
	logger    log.Logger

	e *Enricher

	lastClaim time.Time
	// High-water row id per platform, backing the published checkpoint.
	ckpt map[string]int64
}

func newWorker(e *Enricher, partition int) *worker {
	consumer := cdc.ConsumerName(partition)
	return &worker{
		partition: partition,
		consumer:  consumer,
		logger:    log.With(e.logger, "worker", consumer),
		e:         e,
		ckpt:      map[string]int64{},
	}
}

func (w *worker) run(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	})
	for ctx.Err() == nil {
		_, err := w.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			level.Warn(w.logger).Log("msg", "derivation pass failed, backing off", "err", err)
			boff.Wait()
			continue
		}
		boff.Reset()
	}
	return nil
}

// runOnce drains one batch from the partition. A transient failure mid-batch
// stops the pass; unacked records redeliver in order.
func (w *worker) runOnce(ctx context.Context) (int, error) {
	envs, err := w.next(ctx)
	if err != nil {
		return 0, err
	}
	w.beat(ctx)

	handled := 0
	for _, env := range envs {
		if err := w.handle(ctx, env); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

func (w *worker) next(ctx context.Context) ([]cdc.Envelope, error) {
	var envs []cdc.Envelope
	if time.Since(w.lastClaim) >= w.e.cfg.ClaimInterval {
		w.lastClaim = time.Now()
		claimed, err := w.e.fanout.ClaimStale(ctx, w.partition, w.consumer, w.e.cfg.BatchSize)
		if err != nil {
			return nil, err
		}
		envs = claimed
	}
	if remaining := w.e.cfg.BatchSize - int64(len(envs)); remaining > 0 {
		fresh, err := w.e.fanout.Read(ctx, w.partition, w.consumer, remaining, w.e.cfg.BlockTimeout)
		if err != nil {
			return nil, err
		}
		envs = append(envs, fresh...)
	}
	return envs, nil
}

// handle resolves one change record. Outcomes: applied, duplicate (acked
// no-op), misroute (re-appended), or a permanent failure recorded as a
// derivation error. Only transient infrastructure errors return non-nil.
func (w *worker) handle(ctx context.Context, env cdc.Envelope) error {
	rec := env.Record

	// A record from an older partition layout gets re-routed through the
	// current hash and acked here.
	if owner := w.e.fanout.PartitionFor(rec.SessionID); owner != w.partition {
		if _, err := w.e.fanout.Append(ctx, rec); err != nil {
			return err
		}
		metricRecords.WithLabelValues(outcomeMisroute).Inc()
		level.Debug(w.logger).Log("msg", "re-routed misplaced record", "session", rec.SessionID, "owner", owner)
		return w.ack(ctx, env)
	}

	row, err := w.e.raw.GetBlob(ctx, rec.Platform, rec.RawRowID)
	if errors.Is(err, hindsightdb.ErrNotFound) {
		// The raw row was compacted away (or the record outlived it). Permanent.
		return w.failPermanently(ctx, env, err)
	}
	if err != nil {
		return err
	}

	ev, err := event.Decode(row.Blob)
	if err != nil {
		return w.failPermanently(ctx, env, err)
	}

	prior, err := w.e.conv.Get(ctx, rec.SessionID)
	if err != nil && !errors.Is(err, hindsightdb.ErrNotFound) {
		return err
	}

	d := derive(prior, ev, row)
	applied, err := w.e.conv.Apply(ctx, d.mutation)
	if err != nil {
		return err
	}
	if !applied {
		metricRecords.WithLabelValues(outcomeDuplicate).Inc()
		return w.ack(ctx, env)
	}

	if err := w.e.metrics.RecordBatch(ctx, d.points); err != nil {
		return err
	}
	w.bumpCounters(ctx, rec.SessionID, d)
	w.advanceCheckpoint(ctx, rec.Platform, rec.RawRowID)

	metricRecords.WithLabelValues(outcomeApplied).Inc()
	return w.ack(ctx, env)
}

// failPermanently records a derivation error and acks so the partition never
// wedges on one bad record.
func (w *worker) failPermanently(ctx context.Context, env cdc.Envelope, cause error) error {
	rec := env.Record
	level.Warn(w.logger).Log("msg", "record failed permanently",
		"platform", rec.Platform, "raw_row_id", rec.RawRowID, "err", cause)

	err := w.e.conv.RecordError(ctx, convstore.DerivationError{
		Platform:  rec.Platform,
		RawRowID:  rec.RawRowID,
		SessionID: rec.SessionID,
		Worker:    w.consumer,
		Error:     cause.Error(),
	})
	if err != nil {
		return err
	}
	metricRecords.WithLabelValues(outcomeError).Inc()
	return w.ack(ctx, env)
}

func (w *worker) ack(ctx context.Context, env cdc.Envelope) error {
	return w.e.fanout.Ack(ctx, w.partition, env.ID)
}

// bumpCounters feeds the shared counters behind composite metrics. Failed
// bumps are logged, not retried: a redelivery would double every other
// effect just to recover an approximate counter.
func (w *worker) bumpCounters(ctx context.Context, sessionID string, d derivation) {
	for name, delta := range map[string]int64{
		state.CounterPrompts:  d.prompts,
		state.CounterTools:    d.tools,
		state.CounterAccepted: d.accepted,
	} {
		if delta == 0 {
			continue
		}
		if err := w.e.states.IncrCounter(ctx, name, delta); err != nil {
			level.Debug(w.logger).Log("msg", "counter bump failed", "counter", name, "err", err)
			continue
		}
		if err := w.e.states.IncrSessionCounter(ctx, sessionID, name, delta); err != nil {
			level.Debug(w.logger).Log("msg", "session counter bump failed", "counter", name, "err", err)
		}
	}
}

// advanceCheckpoint publishes this worker's per-platform progress, never
// moving backward even across restarts.
func (w *worker) advanceCheckpoint(ctx context.Context, platform string, rowID int64) {
	if _, ok := w.ckpt[platform]; !ok {
		if ckpt, err := w.e.states.GetCheckpoint(ctx, w.consumer, platform); err == nil {
			w.ckpt[platform] = ckpt.RowID
		}
	}
	if rowID <= w.ckpt[platform] {
		return
	}
	w.ckpt[platform] = rowID
	if err := w.e.states.SetCheckpoint(ctx, w.consumer, platform, rowID); err != nil {
		level.Debug(w.logger).Log("msg", "checkpoint write failed", "platform", platform, "err", err)
	}
}

func (w *worker) beat(ctx context.Context) {
	if err := w.e.states.Heartbeat(ctx, state.ComponentEnricher(w.partition)); err != nil {
		level.Debug(w.logger).Log("msg", "heartbeat failed", "err", err)
	}
}
