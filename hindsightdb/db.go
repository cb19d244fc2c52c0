// Package hindsightdb owns the local SQLite database underneath the raw,
// conversation and metrics stores. One writer connection per process; reads
// go through a separate pool so they never queue behind the write path.
package hindsightdb

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for register side-effects.
	"github.com/pkg/errors"
)

// DBFileName is the single database file under the data directory.
const DBFileName = "hindsight.db"

// ErrNotFound is returned by the substores for absent rows.
var ErrNotFound = errors.New("not found")

type Config struct {
	// Path is the data directory. The database file and capture handshake
	// directory live under it.
	Path string `yaml:"path"`

	// MaintenanceInterval paces downsampling, retention and compaction.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	// RawRetention bounds raw trace age. 0 keeps everything forever.
	RawRetention time.Duration `yaml:"raw_retention"`

	// Metric retention per resolution, with optional per-category overrides
	// of the raw resolution.
	MetricRetentionRaw    time.Duration            `yaml:"metric_retention_raw"`
	MetricRetentionMinute time.Duration            `yaml:"metric_retention_minute"`
	MetricRetentionHour   time.Duration            `yaml:"metric_retention_hour"`
	CategoryRetention     map[string]time.Duration `yaml:"category_retention"`

	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MaintenanceInterval = time.Minute
	cfg.RawRetention = 0
	cfg.MetricRetentionRaw = 24 * time.Hour
	cfg.MetricRetentionMinute = 30 * 24 * time.Hour
	cfg.MetricRetentionHour = 365 * 24 * time.Hour
	cfg.BusyTimeout = 2 * time.Second

	f.StringVar(&cfg.Path, prefix+".path", "", "Data directory holding the database and capture handshake dirs.")
	f.DurationVar(&cfg.MaintenanceInterval, prefix+".maintenance-interval", cfg.MaintenanceInterval, "How often downsampling and retention run.")
	f.DurationVar(&cfg.RawRetention, prefix+".raw-retention", cfg.RawRetention, "Age bound for raw traces. 0 keeps them forever.")
}

func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if cfg.MaintenanceInterval <= 0 {
		return fmt.Errorf("storage maintenance_interval must be greater than 0, got %s", cfg.MaintenanceInterval)
	}
	if cfg.MetricRetentionRaw <= 0 || cfg.MetricRetentionMinute <= 0 || cfg.MetricRetentionHour <= 0 {
		return fmt.Errorf("metric retention durations must be greater than 0")
	}
	return nil
}

// DB is the open database pair: one serialized writer, one read pool.
type DB struct {
	writer *sql.DB
	reader *sql.DB
	path   string
}

// Open prepares the data directory and opens the database in WAL mode.
func Open(cfg Config) (*DB, error) {
	if err := os.MkdirAll(cfg.Path, 0o700); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Path, "sessions"), 0o700); err != nil {
		return nil, errors.Wrap(err, "create sessions dir")
	}

	file := filepath.Join(cfg.Path, DBFileName)
	busyMS := int64(cfg.BusyTimeout / time.Millisecond)
	if busyMS <= 0 {
		busyMS = 2000
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on", file, busyMS)

	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open writer")
	}
	// SQLite allows one writer at a time; a single connection turns write
	// contention into queueing instead of SQLITE_BUSY.
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		_ = writer.Close()
		return nil, errors.Wrap(err, "ping writer")
	}

	reader, err := sql.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		_ = writer.Close()
		return nil, errors.Wrap(err, "open reader")
	}
	if err := reader.Ping(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, errors.Wrap(err, "ping reader")
	}

	return &DB{writer: writer, reader: reader, path: file}, nil
}

// Writer is the single-connection handle all mutations go through.
func (d *DB) Writer() *sql.DB { return d.writer }

// Reader is the read pool. Queries here never block on the writer.
func (d *DB) Reader() *sql.DB { return d.reader }

func (d *DB) Path() string { return d.path }

func (d *DB) Ping(ctx context.Context) error {
	if err := d.writer.PingContext(ctx); err != nil {
		return err
	}
	return d.reader.PingContext(ctx)
}

func (d *DB) Close() error {
	werr := d.writer.Close()
	rerr := d.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Size reports the database file size in bytes, WAL sidecar included.
func (d *DB) Size() (int64, error) {
	var total int64
	for _, p := range []string{d.path, d.path + "-wal"} {
		fi, err := os.Stat(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}
