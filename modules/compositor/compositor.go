// Package compositor recomputes the cross-session composite metrics on a
// fixed cadence. One computation per cycle runs across all processes: the
// cycle body is guarded by a shared-state lock, and losing the lock race
// means another instance already did the work this interval.
//
// Composites used to be recomputed inside the per-event path on a wall-clock
// modulus, which duplicated work under load. Here the cost is one cycle per
// interval no matter the event rate, and staleness is bounded by the
// interval.
package compositor

import (
	"context"
	"math"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/pkg/state"
)

const (
	lockName           = "composite"
	heartbeatComponent = state.ComponentCompositor

	// CategoryComposite is the metric category every composite series lives
	// under.
	CategoryComposite = "composite"
)

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "compositor",
		Name:      "runs_total",
		Help:      "Composite cycles by outcome.",
	}, []string{"outcome"})
	metricScore = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindsight",
		Subsystem: "compositor",
		Name:      "productivity_score",
		Help:      "Last computed productivity score.",
	})
)

// Compositor is the singleton background updater for composite metrics.
type Compositor struct {
	services.Service

	cfg     Config
	logger  log.Logger
	states  *state.Store
	metrics *metricstore.Store
	clock   clockwork.Clock
}

// New builds the updater. A nil clock means wall time; tests inject a fake.
func New(cfg Config, states *state.Store, metrics *metricstore.Store, clock clockwork.Clock, logger log.Logger) (*Compositor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Compositor{
		cfg:     cfg,
		logger:  log.With(logger, "component", "compositor"),
		states:  states,
		metrics: metrics,
		clock:   clock,
	}
	c.Service = services.NewBasicService(nil, c.running, nil)
	return c, nil
}

func (c *Compositor) running(ctx context.Context) error {
	compute := c.clock.NewTicker(c.cfg.Interval)
	defer compute.Stop()

	// The heartbeat outlives its TTL only if refreshed faster than it
	// expires; the compute interval is far too coarse for that.
	beat := c.clock.NewTicker(state.HeartbeatTTL / 2)
	defer beat.Stop()

	c.beat(ctx)
	for {
		select {
		case <-compute.Chan():
			// Failed cycles are skipped, never fatal; the next tick retries.
			if err := c.runOnce(ctx); err != nil {
				metricRuns.WithLabelValues("error").Inc()
				level.Warn(c.logger).Log("msg", "composite cycle failed", "err", err)
			}
		case <-beat.Chan():
			c.beat(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Compositor) runOnce(ctx context.Context) error {
	lock, ok, err := c.states.TryLock(ctx, lockName, c.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !ok {
		metricRuns.WithLabelValues("skipped").Inc()
		level.Debug(c.logger).Log("msg", "composite lock held elsewhere, skipping")
		return nil
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			level.Debug(c.logger).Log("msg", "composite unlock failed", "err", err)
		}
	}()

	prompts, err := c.states.Counter(ctx, state.CounterPrompts)
	if err != nil {
		return err
	}
	tools, err := c.states.Counter(ctx, state.CounterTools)
	if err != nil {
		return err
	}
	accepted, err := c.states.Counter(ctx, state.CounterAccepted)
	if err != nil {
		return err
	}

	var acceptanceRate, toolsPerPrompt float64
	if prompts > 0 {
		acceptanceRate = float64(accepted) / float64(prompts)
		toolsPerPrompt = float64(tools) / float64(prompts)
	}
	score := productivityScore(prompts, acceptanceRate, toolsPerPrompt)

	now := c.clock.Now().UTC()
	err = c.metrics.RecordBatch(ctx, []metricstore.Point{
		{Category: CategoryComposite, Name: "acceptance_rate", Value: acceptanceRate, Timestamp: now},
		{Category: CategoryComposite, Name: "tools_per_prompt", Value: toolsPerPrompt, Timestamp: now},
		{Category: CategoryComposite, Name: "productivity_score", Value: score, Timestamp: now},
	})
	if err != nil {
		return err
	}

	if err := c.states.SetString(ctx, state.CompositeLastCalcKey, now.Format(time.RFC3339Nano), 0); err != nil {
		return err
	}

	metricScore.Set(score)
	metricRuns.WithLabelValues("computed").Inc()
	level.Debug(c.logger).Log("msg", "composites updated",
		"prompts", prompts, "acceptance_rate", acceptanceRate, "score", score)
	return nil
}

// productivityScore blends acceptance, tool throughput and activity into a
// 0-100 score. Throughput saturates at 5 tools per prompt and activity at
// 100 prompts so short sessions are not over-rewarded.
func productivityScore(prompts int64, acceptanceRate, toolsPerPrompt float64) float64 {
	activity := math.Min(1, float64(prompts)/100)
	throughput := math.Min(1, toolsPerPrompt/5)
	return 100 * (0.45*acceptanceRate + 0.35*throughput + 0.20*activity)
}

func (c *Compositor) beat(ctx context.Context) {
	if err := c.states.Heartbeat(ctx, heartbeatComponent); err != nil {
		level.Debug(c.logger).Log("msg", "heartbeat failed", "err", err)
	}
}
