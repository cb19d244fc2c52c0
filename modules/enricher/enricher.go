// Package enricher is the slow path: it tails the partitioned change streams,
// fetches the referenced raw blobs, and folds each event into conversations,
// session aggregates, metric points, and shared counters. One worker owns one
// partition, so a session's events are always derived in raw-store order.
package enricher

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/rawstore"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/state"
)

const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeMisroute  = "misroute"
	outcomeError     = "error"
)

var (
	metricRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "enricher",
		Name:      "records_total",
		Help:      "Change records resolved, by outcome.",
	}, []string{"outcome"})
	metricOrphansDrained = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "enricher",
		Name:      "orphan_records_drained_total",
		Help:      "Records re-routed from partitions of an older layout.",
	})
)

type Enricher struct {
	services.Service

	cfg    Config
	logger log.Logger

	fanout  *cdc.Fanout
	raw     *rawstore.Store
	conv    *convstore.Store
	metrics *metricstore.Store
	states  *state.Store

	workers []*worker
}

func New(cfg Config, fanout *cdc.Fanout, raw *rawstore.Store, conv *convstore.Store, metrics *metricstore.Store, states *state.Store, logger log.Logger) (*Enricher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Enricher{
		cfg:     cfg,
		logger:  log.With(logger, "component", "enricher"),
		fanout:  fanout,
		raw:     raw,
		conv:    conv,
		metrics: metrics,
		states:  states,
	}
	for p := 0; p < cfg.WorkerCount; p++ {
		e.workers = append(e.workers, newWorker(e, p))
	}
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

func (e *Enricher) starting(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxRetries: 20,
	})
	for boff.Ongoing() {
		if err := e.fanout.EnsureGroups(ctx); err != nil {
			level.Warn(e.logger).Log("msg", "change streams not ready", "err", err)
			boff.Wait()
			continue
		}
		return e.drainOrphans(ctx)
	}
	return boff.Err()
}

// drainOrphans re-routes records stranded on partitions of a larger previous
// worker count. It runs before any worker reads, so per-session order holds
// across the layout change.
func (e *Enricher) drainOrphans(ctx context.Context) error {
	orphans, err := e.fanout.OrphanPartitions(ctx)
	if err != nil {
		return err
	}
	for _, p := range orphans {
		moved, err := e.fanout.DrainOrphan(ctx, p)
		if err != nil {
			return err
		}
		metricOrphansDrained.Add(float64(moved))
		level.Info(e.logger).Log("msg", "drained orphaned partition", "partition", p, "records", moved)
	}
	return nil
}

func (e *Enricher) running(ctx context.Context) error {
	level.Info(e.logger).Log("msg", "enricher running", "workers", len(e.workers))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range e.workers {
		w := w
		g.Go(func() error { return w.run(gctx) })
	}
	return g.Wait()
}

func (e *Enricher) stopping(_ error) error {
	level.Info(e.logger).Log("msg", "enricher stopped")
	return nil
}
