package compositor

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/hindsightdb"
	"github.com/hindsight-dev/hindsight/hindsightdb/metricstore"
	"github.com/hindsight-dev/hindsight/pkg/state"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testCompositor(t *testing.T) (*Compositor, *state.Store, *metricstore.Store, *clockwork.FakeClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	states := state.NewStore(client)

	dbcfg := hindsightdb.Config{}
	dbcfg.RegisterFlagsAndApplyDefaults("storage", flag.NewFlagSet("s", flag.PanicOnError))
	dbcfg.Path = t.TempDir()
	db, err := hindsightdb.Open(dbcfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := clockwork.NewFakeClockAt(testNow)
	metrics := metricstore.New(db, dbcfg, clock)
	require.NoError(t, metrics.EnsureSchema(context.Background()))

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("compositor", flag.NewFlagSet("c", flag.PanicOnError))

	c, err := New(cfg, states, metrics, clock, log.NewNopLogger())
	require.NoError(t, err)
	return c, states, metrics, clock
}

func compositePoint(t *testing.T, metrics *metricstore.Store, name string) metricstore.Point {
	t.Helper()
	pts, err := metrics.Range(context.Background(), metricstore.RangeQuery{
		Category: CategoryComposite,
		Name:     name,
		From:     testNow.Add(-time.Minute),
		To:       testNow.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	return pts[0]
}

func TestRunOnceComputesComposites(t *testing.T) {
	c, states, metrics, _ := testCompositor(t)
	ctx := context.Background()

	require.NoError(t, states.IncrCounter(ctx, state.CounterPrompts, 10))
	require.NoError(t, states.IncrCounter(ctx, state.CounterTools, 20))
	require.NoError(t, states.IncrCounter(ctx, state.CounterAccepted, 5))

	require.NoError(t, c.runOnce(ctx))

	require.InDelta(t, 0.5, compositePoint(t, metrics, "acceptance_rate").Value, 1e-9)
	require.InDelta(t, 2.0, compositePoint(t, metrics, "tools_per_prompt").Value, 1e-9)
	// 0.45*0.5 + 0.35*(2/5) + 0.20*(10/100) = 0.385
	require.InDelta(t, 38.5, compositePoint(t, metrics, "productivity_score").Value, 1e-9)

	val, ok, err := states.GetString(ctx, state.CompositeLastCalcKey)
	require.NoError(t, err)
	require.True(t, ok)
	last, err := time.Parse(time.RFC3339Nano, val)
	require.NoError(t, err)
	require.True(t, last.Equal(testNow))
}

func TestRunOnceWithNoActivityWritesZeroes(t *testing.T) {
	c, _, metrics, _ := testCompositor(t)

	require.NoError(t, c.runOnce(context.Background()))

	require.Zero(t, compositePoint(t, metrics, "acceptance_rate").Value)
	require.Zero(t, compositePoint(t, metrics, "tools_per_prompt").Value)
	require.Zero(t, compositePoint(t, metrics, "productivity_score").Value)
}

func TestRunOnceReleasesLock(t *testing.T) {
	c, states, _, _ := testCompositor(t)
	ctx := context.Background()

	require.NoError(t, c.runOnce(ctx))

	lock, ok, err := states.TryLock(ctx, lockName, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, lock.Unlock(ctx))
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	c, states, metrics, _ := testCompositor(t)
	ctx := context.Background()

	_, ok, err := states.TryLock(ctx, lockName, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.runOnce(ctx))

	n, err := metrics.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestProductivityScore(t *testing.T) {
	require.Zero(t, productivityScore(0, 0, 0))

	// Saturated on every axis.
	require.InDelta(t, 100, productivityScore(1000, 1, 10), 1e-9)

	// Throughput beyond five tools per prompt stops helping.
	require.Equal(t, productivityScore(50, 0.5, 5), productivityScore(50, 0.5, 8))
}

func TestServiceComputesOnTicks(t *testing.T) {
	c, states, metrics, clock := testCompositor(t)
	ctx := context.Background()

	require.NoError(t, states.IncrCounter(ctx, state.CounterPrompts, 4))
	require.NoError(t, services.StartAndAwaitRunning(ctx, c))

	clock.BlockUntil(2) // compute and heartbeat tickers armed
	clock.Advance(c.cfg.Interval)

	require.Eventually(t, func() bool {
		n, err := metrics.Count(context.Background())
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, c))
}
