package rawstore

import (
	"context"
	"flag"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/hindsightdb"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := hindsightdb.Config{}
	cfg.RegisterFlagsAndApplyDefaults("storage", flag.NewFlagSet("test", flag.PanicOnError))
	cfg.Path = t.TempDir()

	db, err := hindsightdb.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	require.NoError(t, s.CreatePlatform(context.Background(), "claude"))
	return s
}

func testRow(session string) Row {
	return Row{
		EventID:       uuid.NewString(),
		SessionID:     session,
		WorkspaceHash: "w1",
		EventType:     "user_prompt_submit",
		Timestamp:     time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Blob:          []byte{0x78, 0x9c, 0x01, 0x02},
	}
}

func TestWriteBatchAssignsMonotonicRowIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rows := []Row{testRow("s1"), testRow("s1"), testRow("s2")}
	results, err := s.WriteBatch(ctx, "claude", rows)
	require.NoError(t, err)
	require.Len(t, results, 3)

	var last int64
	for _, r := range results {
		require.False(t, r.Duplicate)
		require.Greater(t, r.RowID, last)
		last = r.RowID
	}

	n, err := s.Count(ctx, "claude")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	max, err := s.MaxRowID(ctx, "claude")
	require.NoError(t, err)
	require.Equal(t, last, max)
}

func TestWriteBatchAbsorbsDuplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	row := testRow("s1")
	first, err := s.WriteBatch(ctx, "claude", []Row{row})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.False(t, first[0].Duplicate)

	// Redelivery of the same event plus a fresh one in the same batch.
	fresh := testRow("s1")
	second, err := s.WriteBatch(ctx, "claude", []Row{row, fresh})
	require.NoError(t, err)
	require.Len(t, second, 2)
	require.True(t, second[0].Duplicate)
	require.Equal(t, first[0].RowID, second[0].RowID)
	require.False(t, second[1].Duplicate)

	n, err := s.Count(ctx, "claude")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestWriteBatchDuplicateWithinBatch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	row := testRow("s1")
	results, err := s.WriteBatch(ctx, "claude", []Row{row, row})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.False(t, results[0].Duplicate)
	require.True(t, results[1].Duplicate)
	require.Equal(t, results[0].RowID, results[1].RowID)
}

func TestGetBlobRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	row := testRow("s1")
	row.ItemKey = "toolu_1"
	results, err := s.WriteBatch(ctx, "claude", []Row{row})
	require.NoError(t, err)

	got, err := s.GetBlob(ctx, "claude", results[0].RowID)
	require.NoError(t, err)
	require.Equal(t, row.EventID, got.EventID)
	require.Equal(t, row.SessionID, got.SessionID)
	require.Equal(t, "toolu_1", got.ItemKey)
	require.Equal(t, row.Blob, got.Blob)
	require.Equal(t, int64(len(row.Blob)), got.ByteSize)
	require.True(t, row.Timestamp.Equal(got.Timestamp))
}

func TestGetBlobNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetBlob(context.Background(), "claude", 999)
	require.ErrorIs(t, err, hindsightdb.ErrNotFound)
}

func TestNullItemKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	row := testRow("s1") // ItemKey empty
	results, err := s.WriteBatch(ctx, "claude", []Row{row})
	require.NoError(t, err)

	got, err := s.GetBlob(ctx, "claude", results[0].RowID)
	require.NoError(t, err)
	require.Equal(t, "", got.ItemKey)
}

func TestPlatformIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePlatform(ctx, "cursor"))

	_, err := s.WriteBatch(ctx, "claude", []Row{testRow("s1")})
	require.NoError(t, err)

	n, err := s.Count(ctx, "cursor")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestRejectsBadPlatformName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.Error(t, s.CreatePlatform(ctx, "claude; DROP TABLE x"))
	_, err := s.WriteBatch(ctx, "Claude", []Row{testRow("s1")})
	require.Error(t, err)
	_, err = s.GetBlob(ctx, "2bad", 1)
	require.Error(t, err)
}

func TestCompactOlderThan(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	old := testRow("s1")
	old.Timestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := testRow("s1")

	_, err := s.WriteBatch(ctx, "claude", []Row{old, recent})
	require.NoError(t, err)

	n, err := s.CompactOlderThan(ctx, "claude", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	count, err := s.Count(ctx, "claude")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
