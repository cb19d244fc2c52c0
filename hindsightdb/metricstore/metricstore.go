// Package metricstore keeps the derived time-series: raw points written by
// the slow path and the composite updater, plus minute and hour rollups
// materialized by the maintenance job. Writes at an existing (series,
// timestamp) coordinate replace the stored value, which makes at-least-once
// delivery upstream harmless.
package metricstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hindsight-dev/hindsight/hindsightdb"
)

var (
	metricPointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "metricstore",
		Name:      "points_written_total",
		Help:      "Raw metric points written.",
	})
	metricRetentionDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hindsight",
		Subsystem: "metricstore",
		Name:      "retention_deleted_total",
		Help:      "Points removed by retention per resolution.",
	}, []string{"resolution"})
	metricDownsampleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hindsight",
		Subsystem: "metricstore",
		Name:      "downsample_duration_seconds",
		Help:      "Time spent materializing rollup buckets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

const schema = `
CREATE TABLE IF NOT EXISTS metrics_raw (
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (category, name, session_id, timestamp)
);
CREATE INDEX IF NOT EXISTS idx_metrics_raw_ts ON metrics_raw(timestamp);

CREATE TABLE IF NOT EXISTS metrics_minute (
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	bucket INTEGER NOT NULL,
	sum REAL NOT NULL,
	count INTEGER NOT NULL,
	min REAL NOT NULL,
	max REAL NOT NULL,
	PRIMARY KEY (category, name, session_id, bucket)
);
CREATE INDEX IF NOT EXISTS idx_metrics_minute_bucket ON metrics_minute(bucket);

CREATE TABLE IF NOT EXISTS metrics_hour (
	category TEXT NOT NULL,
	name TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	bucket INTEGER NOT NULL,
	sum REAL NOT NULL,
	count INTEGER NOT NULL,
	min REAL NOT NULL,
	max REAL NOT NULL,
	PRIMARY KEY (category, name, session_id, bucket)
);
CREATE INDEX IF NOT EXISTS idx_metrics_hour_bucket ON metrics_hour(bucket);
`

// Resolution selects which table a range query reads.
type Resolution string

const (
	ResolutionAuto   Resolution = ""
	ResolutionRaw    Resolution = "raw"
	ResolutionMinute Resolution = "minute"
	ResolutionHour   Resolution = "hour"
)

// SessionAll aggregates every session's series (the global series included)
// at read time, summing values that share a timestamp or bucket.
const SessionAll = "*"

// Point is one time-series sample. SessionID "" is the global series for the
// (category, name) pair.
type Point struct {
	Category  string    `json:"category"`
	Name      string    `json:"name"`
	SessionID string    `json:"session_id,omitempty"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

func (p Point) validate() error {
	if p.Category == "" || p.Name == "" {
		return fmt.Errorf("metric point needs category and name, got %q.%q", p.Category, p.Name)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("metric point %s.%s has no timestamp", p.Category, p.Name)
	}
	return nil
}

// RangeQuery selects points of one series between From (inclusive) and To
// (exclusive). MaxPoints 0 means unlimited; Resolution auto picks by window.
type RangeQuery struct {
	Category  string
	Name      string
	SessionID string

	From time.Time
	To   time.Time

	MaxPoints  int
	Resolution Resolution
}

type Store struct {
	db    *hindsightdb.DB
	cfg   hindsightdb.Config
	clock clockwork.Clock
}

// New builds the store. A nil clock means wall time; tests inject a fake.
func New(db *hindsightdb.DB, cfg hindsightdb.Config, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, cfg: cfg, clock: clock}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Writer().ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure metrics schema")
}

// Record writes one point, replacing any point already at the same series and
// timestamp.
func (s *Store) Record(ctx context.Context, p Point) error {
	return s.RecordBatch(ctx, []Point{p})
}

// RecordBatch writes points in one transaction.
func (s *Store) RecordBatch(ctx context.Context, pts []Point) error {
	if len(pts) == 0 {
		return nil
	}
	for _, p := range pts {
		if err := p.validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.Writer().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin record batch")
	}
	defer func() { _ = tx.Rollback() }()

	ins, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO metrics_raw (category, name, session_id, timestamp, value) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "prepare point insert")
	}
	defer ins.Close()

	for _, p := range pts {
		if _, err := ins.ExecContext(ctx, p.Category, p.Name, p.SessionID, p.Timestamp.UnixNano(), p.Value); err != nil {
			return errors.Wrapf(err, "insert point %s.%s", p.Category, p.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit record batch")
	}
	metricPointsWritten.Add(float64(len(pts)))
	return nil
}

// pickResolution chooses the coarsest table that still gives useful density
// for the window.
func pickResolution(q RangeQuery) Resolution {
	if q.Resolution != ResolutionAuto {
		return q.Resolution
	}
	window := q.To.Sub(q.From)
	switch {
	case window <= 6*time.Hour:
		return ResolutionRaw
	case window <= 7*24*time.Hour:
		return ResolutionMinute
	default:
		return ResolutionHour
	}
}

// Range reads one series. Rollup resolutions return one point per bucket with
// the bucket sum as the value; the full aggregate stays in the table.
func (s *Store) Range(ctx context.Context, q RangeQuery) ([]Point, error) {
	if q.Category == "" || q.Name == "" {
		return nil, fmt.Errorf("range query needs category and name")
	}
	if !q.To.After(q.From) {
		return nil, fmt.Errorf("range query window is empty: from %s to %s", q.From, q.To)
	}

	var (
		table, tsCol, valCol string
		res                  = pickResolution(q)
	)
	switch res {
	case ResolutionRaw:
		table, tsCol, valCol = "metrics_raw", "timestamp", "value"
	case ResolutionMinute:
		table, tsCol, valCol = "metrics_minute", "bucket", "sum"
	case ResolutionHour:
		table, tsCol, valCol = "metrics_hour", "bucket", "sum"
	default:
		return nil, fmt.Errorf("unknown resolution %q", res)
	}

	var query string
	args := []interface{}{q.Category, q.Name}
	if q.SessionID == SessionAll {
		// Fold every session's series into one, summing shared coordinates.
		query = fmt.Sprintf(`SELECT %s, SUM(%s) FROM %s
			WHERE category = ? AND name = ? AND %s >= ? AND %s < ?
			GROUP BY %s ORDER BY %s ASC`, tsCol, valCol, table, tsCol, tsCol, tsCol, tsCol)
	} else {
		query = fmt.Sprintf(`SELECT %s, %s FROM %s
			WHERE category = ? AND name = ? AND session_id = ? AND %s >= ? AND %s < ?
			ORDER BY %s ASC`, tsCol, valCol, table, tsCol, tsCol, tsCol)
		args = append(args, q.SessionID)
	}
	args = append(args, q.From.UnixNano(), q.To.UnixNano())

	rows, err := s.db.Reader().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "range %s.%s", q.Category, q.Name)
	}
	defer rows.Close()

	outSession := q.SessionID
	if outSession == SessionAll {
		outSession = ""
	}
	var out []Point
	for rows.Next() {
		var (
			ns  int64
			val float64
		)
		if err := rows.Scan(&ns, &val); err != nil {
			return nil, err
		}
		out = append(out, Point{
			Category:  q.Category,
			Name:      q.Name,
			SessionID: outSession,
			Value:     val,
			Timestamp: time.Unix(0, ns).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.MaxPoints > 0 && len(out) > q.MaxPoints {
		out = thinPoints(out, q)
	}
	return out, nil
}

// thinPoints folds the result into at most MaxPoints windows, summing values
// within each window. Timestamps snap to the window start.
func thinPoints(pts []Point, q RangeQuery) []Point {
	width := q.To.Sub(q.From) / time.Duration(q.MaxPoints)
	if width <= 0 {
		return pts[:q.MaxPoints]
	}

	out := make([]Point, 0, q.MaxPoints)
	for _, p := range pts {
		idx := int(p.Timestamp.Sub(q.From) / width)
		if idx >= q.MaxPoints {
			idx = q.MaxPoints - 1
		}
		start := q.From.Add(time.Duration(idx) * width)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(start) {
			out[n-1].Value += p.Value
			continue
		}
		folded := p
		folded.Timestamp = start
		out = append(out, folded)
	}
	return out
}

type rollup struct {
	resolution Resolution
	table      string
	width      time.Duration
}

var rollups = []rollup{
	{ResolutionMinute, "metrics_minute", time.Minute},
	{ResolutionHour, "metrics_hour", time.Hour},
}

// Downsample materializes rollup buckets from raw points up to the last fully
// closed bucket. Every bucket still covered by surviving raw points is
// recomputed whole each sweep, so reruns, redeliveries, and late arrivals
// (DLQ replays included) all converge to the same values. Raw retention
// bounds the sweep; buckets older than the surviving raw window keep their
// last materialized values.
func (s *Store) Downsample(ctx context.Context) error {
	start := time.Now()
	defer func() { metricDownsampleDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	for _, r := range rollups {
		if err := s.downsampleOne(ctx, r, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) downsampleOne(ctx context.Context, r rollup, now time.Time) error {
	width := r.width.Nanoseconds()
	closed := now.UnixNano() / width * width

	tx, err := s.db.Writer().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin %s rollup", r.resolution)
	}
	defer func() { _ = tx.Rollback() }()

	var oldest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MIN(timestamp) FROM metrics_raw`).Scan(&oldest); err != nil {
		return errors.Wrap(err, "oldest raw point")
	}
	if !oldest.Valid {
		return tx.Commit()
	}
	from := oldest.Int64 / width * width
	if from >= closed {
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (category, name, session_id, bucket, sum, count, min, max)
		SELECT category, name, session_id, (timestamp / %d) * %d,
		       SUM(value), COUNT(*), MIN(value), MAX(value)
		FROM metrics_raw
		WHERE timestamp >= ? AND timestamp < ?
		GROUP BY category, name, session_id, (timestamp / %d) * %d`,
		r.table, width, width, width, width),
		from, closed)
	if err != nil {
		return errors.Wrapf(err, "materialize %s buckets", r.resolution)
	}
	return errors.Wrapf(tx.Commit(), "commit %s rollup", r.resolution)
}

// EnforceRetention ages out points per resolution. Raw retention can be
// overridden per category; rollups keep a single policy. Returns rows
// deleted.
func (s *Store) EnforceRetention(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var total int64

	// Per-category raw overrides first, then the default for the rest.
	overridden := make([]string, 0, len(s.cfg.CategoryRetention))
	for category, d := range s.cfg.CategoryRetention {
		if d <= 0 {
			continue
		}
		n, err := s.deleteRaw(ctx, `category = ? AND timestamp < ?`, category, now.Add(-d).UnixNano())
		if err != nil {
			return total, err
		}
		total += n
		overridden = append(overridden, category)
	}

	where := `timestamp < ?`
	args := []interface{}{now.Add(-s.cfg.MetricRetentionRaw).UnixNano()}
	if len(overridden) > 0 {
		where += ` AND category NOT IN (?` + strings.Repeat(", ?", len(overridden)-1) + `)`
		for _, c := range overridden {
			args = append(args, c)
		}
	}
	n, err := s.deleteRaw(ctx, where, args...)
	if err != nil {
		return total, err
	}
	total += n

	for _, r := range []struct {
		table     string
		retention time.Duration
	}{
		{"metrics_minute", s.cfg.MetricRetentionMinute},
		{"metrics_hour", s.cfg.MetricRetentionHour},
	} {
		res, err := s.db.Writer().ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE bucket < ?`, r.table), now.Add(-r.retention).UnixNano())
		if err != nil {
			return total, errors.Wrapf(err, "retention %s", r.table)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += deleted
		metricRetentionDeleted.WithLabelValues(strings.TrimPrefix(r.table, "metrics_")).Add(float64(deleted))
	}
	return total, nil
}

func (s *Store) deleteRaw(ctx context.Context, where string, args ...interface{}) (int64, error) {
	res, err := s.db.Writer().ExecContext(ctx, `DELETE FROM metrics_raw WHERE `+where, args...)
	if err != nil {
		return 0, errors.Wrap(err, "retention metrics_raw")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metricRetentionDeleted.WithLabelValues(string(ResolutionRaw)).Add(float64(n))
	return n, nil
}

// Count reports raw point totals for status surfaces.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Reader().QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics_raw`).Scan(&n)
	return n, errors.Wrap(err, "count metric points")
}
