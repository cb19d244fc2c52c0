// Package storage owns the embedded database and the derived stores built on
// it, and runs the maintenance cycle: rollup materialization, retention, and
// optional raw compaction.
package storage

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hindsight-dev/hindsight/hindsightdb"
	"github.com/hindsight-dev/hindsight/hindsightdb/convstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/hindsightdb/rawstore"
)

var (
	metricMaintenanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "storage",
		Name:      "maintenance_total",
		Help:      "Maintenance cycles by outcome.",
	}, []string{"status"})
	metricMaintenanceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "storage",
		Name:      "maintenance_duration_seconds",
		Help:      "Wall time of one maintenance cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

// Store opens the database, ensures every schema, and keeps the stores
// healthy in the background. Other modules reach the stores through it.
type Store struct {
	services.Service

	cfg       hindsightdb.Config
	platforms []string
	logger    log.Logger

	db      *hindsightdb.DB
	raw     *rawstore.Store
	conv    *convstore.Store
	metrics *metricstore.Store
}

func New(cfg hindsightdb.Config, platforms []string, logger log.Logger) (*Store, error) {
	db, err := hindsightdb.Open(cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:       cfg,
		platforms: platforms,
		logger:    logger,
		db:        db,
		raw:       rawstore.New(db),
		conv:      convstore.New(db),
		metrics:   metricstore.New(db, cfg, nil),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *Store) starting(ctx context.Context) error {
	if err := s.conv.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.metrics.EnsureSchema(ctx); err != nil {
		return err
	}
	for _, platform := range s.platforms {
		if err := s.raw.CreatePlatform(ctx, platform); err != nil {
			return err
		}
	}
	level.Info(s.logger).Log("msg", "database ready", "path", s.db.Path(), "platforms", len(s.platforms))
	return nil
}

func (s *Store) running(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Maintain(ctx); err != nil {
				// Maintenance failures are retried on the next tick.
				level.Error(s.logger).Log("msg", "maintenance cycle failed", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Store) stopping(_ error) error {
	return nil
}

// Maintain runs one maintenance cycle. Every step is idempotent.
func (s *Store) Maintain(ctx context.Context) error {
	start := time.Now()
	defer func() { metricMaintenanceDuration.Observe(time.Since(start).Seconds()) }()

	if err := s.metrics.Downsample(ctx); err != nil {
		metricMaintenanceTotal.WithLabelValues("error").Inc()
		return err
	}
	deleted, err := s.metrics.EnforceRetention(ctx)
	if err != nil {
		metricMaintenanceTotal.WithLabelValues("error").Inc()
		return err
	}

	var compacted int64
	if s.cfg.RawRetention > 0 {
		cutoff := time.Now().Add(-s.cfg.RawRetention)
		for _, platform := range s.platforms {
			n, err := s.raw.CompactOlderThan(ctx, platform, cutoff)
			if err != nil {
				metricMaintenanceTotal.WithLabelValues("error").Inc()
				return err
			}
			compacted += n
		}
	}

	metricMaintenanceTotal.WithLabelValues("success").Inc()
	level.Debug(s.logger).Log("msg", "maintenance cycle complete",
		"duration", time.Since(start), "points_deleted", deleted, "raw_compacted", compacted)
	return nil
}

// Close releases the database handles. Call it only after every dependent
// service has stopped.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *hindsightdb.DB { return s.db }

func (s *Store) Raw() *rawstore.Store { return s.raw }

func (s *Store) Conversations() *convstore.Store { return s.conv }

func (s *Store) Metrics() *metricstore.Store { return s.metrics }
