package cdc

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

func testFanout(t *testing.T, partitions int) (*Fanout, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("cdc", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Partitions = partitions
	require.NoError(t, cfg.Validate())

	f := NewFanout(client, cfg)
	require.NoError(t, f.EnsureGroups(context.Background()))
	return f, mr
}

func testRecord(rowID int64, session string) Record {
	return Record{
		RawRowID:  rowID,
		Platform:  "claude",
		SessionID: session,
		EventType: "user_prompt_submit",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 123456789, time.UTC),
	}
}

func TestPartitionForIsSticky(t *testing.T) {
	f, _ := testFanout(t, 3)

	p := f.PartitionFor("sess-a")
	for i := 0; i < 100; i++ {
		require.Equal(t, p, f.PartitionFor("sess-a"))
	}
	require.Less(t, p, 3)
	require.GreaterOrEqual(t, p, 0)
}

func TestAppendReadRoundTrip(t *testing.T) {
	f, _ := testFanout(t, 3)
	ctx := context.Background()

	rec := testRecord(7, "sess-a")
	p, err := f.Append(ctx, rec)
	require.NoError(t, err)

	got, err := f.Read(ctx, p, "slowpath-0", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec, got[0].Record)
	require.Equal(t, 0, got[0].RetryCount)
	require.Equal(t, "claude/7", got[0].Record.DedupeKey())

	// Other partitions stay empty.
	for q := 0; q < 3; q++ {
		if q == p {
			continue
		}
		other, err := f.Read(ctx, q, "slowpath-x", 10, 0)
		require.NoError(t, err)
		require.Empty(t, other)
	}

	require.NoError(t, f.Ack(ctx, p, got[0].ID))
}

func TestPerSessionOrderWithinPartition(t *testing.T) {
	f, _ := testFanout(t, 2)
	ctx := context.Background()

	var p int
	for row := int64(1); row <= 5; row++ {
		var err error
		p, err = f.Append(ctx, testRecord(row, "sess-ordered"))
		require.NoError(t, err)
	}

	got, err := f.Read(ctx, p, "slowpath-0", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, env := range got {
		require.Equal(t, int64(i+1), env.Record.RawRowID)
	}
}

func TestClaimStale(t *testing.T) {
	f, mr := testFanout(t, 1)
	ctx := context.Background()
	start := time.Now()
	mr.SetTime(start)

	_, err := f.Append(ctx, testRecord(1, "sess-a"))
	require.NoError(t, err)

	got, err := f.Read(ctx, 0, "slowpath-dead", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	mr.SetTime(start.Add(f.cfg.VisibilityTimeout + time.Second))

	claimed, err := f.ClaimStale(ctx, 0, "slowpath-live", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].RetryCount)
	require.Equal(t, int64(1), claimed[0].Record.RawRowID)
}

func TestOrphanDrainReroutes(t *testing.T) {
	// Write through 4 partitions, then restart with 2.
	wide, _ := testFanout(t, 4)
	ctx := context.Background()

	sessions := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	for i, s := range sessions {
		_, err := wide.Append(ctx, testRecord(int64(i+1), s))
		require.NoError(t, err)
	}

	narrow := NewFanout(wide.rdb, Config{Partitions: 2, Prefix: wide.cfg.Prefix, MaxLength: wide.cfg.MaxLength, VisibilityTimeout: wide.cfg.VisibilityTimeout})
	require.NoError(t, narrow.EnsureGroups(ctx))

	orphans, err := narrow.OrphanPartitions(ctx)
	require.NoError(t, err)
	for _, p := range orphans {
		require.GreaterOrEqual(t, p, 2)
		_, err := narrow.DrainOrphan(ctx, p)
		require.NoError(t, err)
	}

	// Everything is readable from the surviving partitions, routed by the
	// current hash.
	seen := map[int64]int{}
	for p := 0; p < 2; p++ {
		envs, err := narrow.Read(ctx, p, "slowpath-0", 100, 0)
		require.NoError(t, err)
		for _, env := range envs {
			require.Equal(t, p, narrow.PartitionFor(env.Record.SessionID))
			seen[env.Record.RawRowID]++
		}
	}
	require.Len(t, seen, len(sessions))

	orphans, err = narrow.OrphanPartitions(ctx)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestTailGroupReadsIndependently(t *testing.T) {
	f, _ := testFanout(t, 1)
	ctx := context.Background()

	for row := int64(1); row <= 3; row++ {
		_, err := f.Append(ctx, testRecord(row, "sess-a"))
		require.NoError(t, err)
	}

	// An auxiliary reader joins after the fact and still sees the backlog,
	// through its own group.
	s := streamq.NewStream(f.rdb, StreamName(f.cfg.Prefix, 0), f.cfg.MaxLength)
	tail := TailGroup("dashboard")
	require.NoError(t, s.EnsureGroup(ctx, tail))

	msgs, err := s.ReadGroup(ctx, tail, "dashboard-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.NoError(t, s.Ack(ctx, tail, msgs[0].ID, msgs[1].ID, msgs[2].ID))

	// The slow-path group's delivery is untouched by the tail.
	got, err := f.Read(ctx, 0, ConsumerName(0), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, env := range got {
		require.Equal(t, int64(i+1), env.Record.RawRowID)
	}
}

func TestStats(t *testing.T) {
	f, _ := testFanout(t, 2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.Append(ctx, testRecord(int64(i), "sess-"+string(rune('a'+i))))
		require.NoError(t, err)
	}

	stats, err := f.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	var total int64
	for _, s := range stats {
		total += s.Length
	}
	require.Equal(t, int64(10), total)
}
