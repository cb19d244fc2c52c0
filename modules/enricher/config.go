package enricher

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// WorkerCount is also the partition count of the change streams; one
	// worker owns one partition so a session's records stay ordered.
	WorkerCount int `yaml:"worker_count"`

	BatchSize    int64         `yaml:"batch_size"`
	BlockTimeout time.Duration `yaml:"block_timeout"`

	// ClaimInterval is how often each worker sweeps its partition's pending
	// entries list for stale deliveries.
	ClaimInterval time.Duration `yaml:"claim_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.BatchSize = 64
	cfg.BlockTimeout = time.Second
	cfg.ClaimInterval = 30 * time.Second

	f.IntVar(&cfg.WorkerCount, prefix+".worker-count", 3, "Slow-path workers; one per change-stream partition.")
}

func (cfg *Config) Validate() error {
	if cfg.WorkerCount <= 0 {
		return fmt.Errorf("enricher worker count must be positive, got %d", cfg.WorkerCount)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("enricher batch size must be positive, got %d", cfg.BatchSize)
	}
	return nil
}
