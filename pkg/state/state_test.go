package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func TestCounters(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	n, err := s.Counter(ctx, CounterPrompts)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	require.NoError(t, s.IncrCounter(ctx, CounterPrompts, 3))
	require.NoError(t, s.IncrCounter(ctx, CounterPrompts, 2))
	require.NoError(t, s.IncrCounter(ctx, CounterPrompts, 0)) // no-op

	n, err = s.Counter(ctx, CounterPrompts)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestSessionCountersExpire(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.IncrSessionCounter(ctx, "sess-1", CounterTools, 1))

	key := SessionCounterKey("sess-1", CounterTools)
	n, err := s.GetInt(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Greater(t, mr.TTL(key), time.Duration(0))

	mr.FastForward(SessionCounterTTL + time.Minute)

	n, err = s.GetInt(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, "slowpath-0", "claude")
	require.NoError(t, err)
	require.Zero(t, cp.RowID)
	require.True(t, cp.UpdatedAt.IsZero())

	require.NoError(t, s.SetCheckpoint(ctx, "slowpath-0", "claude", 42))

	cp, err = s.GetCheckpoint(ctx, "slowpath-0", "claude")
	require.NoError(t, err)
	require.Equal(t, int64(42), cp.RowID)
	require.False(t, cp.UpdatedAt.IsZero())

	// Other consumers and platforms are independent.
	cp, err = s.GetCheckpoint(ctx, "slowpath-0", "cursor")
	require.NoError(t, err)
	require.Zero(t, cp.RowID)
}

func TestHeartbeats(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Heartbeat(ctx, "ingester"))

	beats, err := s.Heartbeats(ctx, "ingester", "enricher")
	require.NoError(t, err)
	require.Contains(t, beats, "ingester")
	require.NotContains(t, beats, "enricher")

	mr.FastForward(HeartbeatTTL + time.Second)

	beats, err = s.Heartbeats(ctx, "ingester")
	require.NoError(t, err)
	require.Empty(t, beats)
}

func TestTryLockExcludes(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	l1, ok, err := s.TryLock(ctx, "composite", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, l1)

	_, ok, err = s.TryLock(ctx, "composite", 5*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l1.Unlock(ctx))

	_, ok, err = s.TryLock(ctx, "composite", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// TTL alone also frees the lock.
	mr.FastForward(6 * time.Second)
	_, ok, err = s.TryLock(ctx, "composite", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUnlockDoesNotReleaseNewOwner(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	l1, ok, err := s.TryLock(ctx, "composite", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The lock expires and someone else takes it.
	mr.FastForward(2 * time.Second)
	_, ok, err = s.TryLock(ctx, "composite", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The stale owner's unlock must not free the new owner's lock.
	require.NoError(t, l1.Unlock(ctx))
	_, ok, err = s.TryLock(ctx, "composite", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetStringPresence(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	_, ok, err := s.GetString(ctx, "hs:composite:last_calc_at")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetString(ctx, "hs:composite:last_calc_at", "2025-01-01T00:00:00Z", 0))

	val, ok, err := s.GetString(ctx, "hs:composite:last_calc_at")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2025-01-01T00:00:00Z", val)
}
