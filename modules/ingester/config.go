package ingester

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

// Group is the fast path's consumer group on the live stream. A single
// consumer drains it; the group exists for the pending entries list.
const Group = streamq.GroupFastPath

type Config struct {
	Consumer string `yaml:"consumer"`

	// BatchSize is the configured ceiling. The effective batch shrinks
	// under write-latency pressure and recovers afterwards.
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// HighWatermark is the p95 transaction latency above which the
	// effective batch size is halved.
	HighWatermark      time.Duration `yaml:"high_watermark"`
	BackpressureWindow time.Duration `yaml:"backpressure_window"`

	// CompressParallelism bounds concurrent payload compression within one
	// batch.
	CompressParallelism int `yaml:"compress_parallelism"`

	// ClaimInterval is how often the pending entries list is swept for
	// stale deliveries.
	ClaimInterval time.Duration `yaml:"claim_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	cfg.Consumer = "ingester-" + host
	cfg.BatchTimeout = 100 * time.Millisecond
	cfg.HighWatermark = 50 * time.Millisecond
	cfg.BackpressureWindow = 30 * time.Second
	cfg.CompressParallelism = 4
	cfg.ClaimInterval = 30 * time.Second

	f.IntVar(&cfg.BatchSize, prefix+".batch-size", 100, "Entries drained from the queue per write transaction.")
}

func (cfg *Config) Validate() error {
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("ingester batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.CompressParallelism <= 0 {
		return fmt.Errorf("ingester compress parallelism must be positive, got %d", cfg.CompressParallelism)
	}
	if cfg.HighWatermark <= 0 {
		return fmt.Errorf("ingester high watermark must be positive, got %s", cfg.HighWatermark)
	}
	return nil
}
