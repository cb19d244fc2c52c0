// Package rawstore persists every captured event losslessly, one table per
// platform. Rows are immutable and the event_id unique index absorbs
// at-least-once redelivery.
package rawstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/hindsight-dev/hindsight/hindsightdb"
)

var platformNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Row is one event ready for persistence.
type Row struct {
	EventID       string
	SessionID     string
	WorkspaceHash string
	EventType     string
	ItemKey       string // "" stores NULL
	Timestamp     time.Time
	Blob          []byte // zlib canonical JSON
}

// WriteResult reports where a row landed. Duplicate rows return the
// pre-existing row id.
type WriteResult struct {
	RowID     int64
	Duplicate bool
}

// RawRow is a stored row read back by the slow path.
type RawRow struct {
	RowID         int64
	EventID       string
	SessionID     string
	WorkspaceHash string
	EventType     string
	ItemKey       string
	Timestamp     time.Time
	Blob          []byte
	ByteSize      int64
}

type Store struct {
	db *hindsightdb.DB
}

func New(db *hindsightdb.DB) *Store {
	return &Store{db: db}
}

func tableName(platform string) (string, error) {
	if !platformNameRe.MatchString(platform) {
		return "", fmt.Errorf("invalid platform name %q", platform)
	}
	return platform + "_raw_traces", nil
}

// CreatePlatform ensures the platform's trace table exists.
func (s *Store) CreatePlatform(ctx context.Context, platform string) error {
	table, err := tableName(platform)
	if err != nil {
		return err
	}
	_, err = s.db.Writer().ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			row_id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			workspace_hash TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL,
			item_key TEXT,
			timestamp INTEGER NOT NULL,
			event_data BLOB NOT NULL,
			byte_size INTEGER NOT NULL
		)`, table))
	if err != nil {
		return errors.Wrapf(err, "create table %s", table)
	}
	return nil
}

// WriteBatch inserts rows in one transaction. Duplicates (same event_id) are
// ignored by the unique index; their existing row ids are looked up so the
// caller can still emit CDC records for them.
func (s *Store) WriteBatch(ctx context.Context, platform string, rows []Row) ([]WriteResult, error) {
	table, err := tableName(platform)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.db.Writer().BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin batch")
	}
	defer func() { _ = tx.Rollback() }()

	ins, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (event_id, session_id, workspace_hash, event_type, item_key, timestamp, event_data, byte_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return nil, errors.Wrap(err, "prepare insert")
	}
	defer ins.Close()

	sel, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`SELECT row_id FROM %s WHERE event_id = ?`, table))
	if err != nil {
		return nil, errors.Wrap(err, "prepare dupe lookup")
	}
	defer sel.Close()

	results := make([]WriteResult, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		var itemKey interface{}
		if r.ItemKey != "" {
			itemKey = r.ItemKey
		}
		res, err := ins.ExecContext(ctx, r.EventID, r.SessionID, r.WorkspaceHash, r.EventType, itemKey, r.Timestamp.UnixNano(), r.Blob, len(r.Blob))
		if err != nil {
			return nil, errors.Wrapf(err, "insert event %s", r.EventID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Index-only lookup of the earlier row.
			var rowID int64
			if err := sel.QueryRowContext(ctx, r.EventID).Scan(&rowID); err != nil {
				return nil, errors.Wrapf(err, "lookup duplicate %s", r.EventID)
			}
			results = append(results, WriteResult{RowID: rowID, Duplicate: true})
			continue
		}
		rowID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		results = append(results, WriteResult{RowID: rowID})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit batch")
	}
	return results, nil
}

// GetBlob fetches one row by id for derivation.
func (s *Store) GetBlob(ctx context.Context, platform string, rowID int64) (RawRow, error) {
	table, err := tableName(platform)
	if err != nil {
		return RawRow{}, err
	}
	var (
		r       RawRow
		itemKey sql.NullString
		tsNanos int64
	)
	err = s.db.Reader().QueryRowContext(ctx, fmt.Sprintf(
		`SELECT row_id, event_id, session_id, workspace_hash, event_type, item_key, timestamp, event_data, byte_size
		 FROM %s WHERE row_id = ?`, table), rowID).
		Scan(&r.RowID, &r.EventID, &r.SessionID, &r.WorkspaceHash, &r.EventType, &itemKey, &tsNanos, &r.Blob, &r.ByteSize)
	if err == sql.ErrNoRows {
		return RawRow{}, errors.Wrapf(hindsightdb.ErrNotFound, "%s row %d", platform, rowID)
	}
	if err != nil {
		return RawRow{}, errors.Wrapf(err, "get %s row %d", platform, rowID)
	}
	r.ItemKey = itemKey.String
	r.Timestamp = time.Unix(0, tsNanos).UTC()
	return r, nil
}

// MaxRowID reports the newest row id, 0 for an empty table.
func (s *Store) MaxRowID(ctx context.Context, platform string) (int64, error) {
	table, err := tableName(platform)
	if err != nil {
		return 0, err
	}
	var max sql.NullInt64
	err = s.db.Reader().QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(row_id) FROM %s`, table)).Scan(&max)
	if err != nil {
		return 0, errors.Wrapf(err, "max row id %s", platform)
	}
	return max.Int64, nil
}

// Count reports total rows for one platform.
func (s *Store) Count(ctx context.Context, platform string) (int64, error) {
	table, err := tableName(platform)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.Reader().QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "count %s", platform)
	}
	return n, nil
}

// CompactOlderThan deletes rows older than cutoff. Only runs when raw
// retention is configured; the default keeps everything.
func (s *Store) CompactOlderThan(ctx context.Context, platform string, cutoff time.Time) (int64, error) {
	table, err := tableName(platform)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Writer().ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table), cutoff.UnixNano())
	if err != nil {
		return 0, errors.Wrapf(err, "compact %s", platform)
	}
	return res.RowsAffected()
}
