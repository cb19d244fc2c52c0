package streamq

import (
	"flag"
	"fmt"
	"time"
)

const (
	// DefaultStream is the live intake stream capture agents append to.
	DefaultStream = "events"
	// DefaultDLQStream holds entries that exhausted retries or failed
	// validation. It outlives the live window.
	DefaultDLQStream = "events.dlq"

	// GroupFastPath is the live stream's consumer group. One group, one
	// logical consumer: the ingester.
	GroupFastPath = "fastpath"
)

type Config struct {
	Address string `yaml:"address"`

	Stream       string `yaml:"stream"`
	DLQStream    string `yaml:"dlq_stream"`
	MaxLength    int64  `yaml:"max_length"`
	DLQMaxLength int64  `yaml:"dlq_max_length"`

	// VisibilityTimeout is how long a delivered entry may stay unacked
	// before it is considered stale and reclaimable.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Stream = DefaultStream
	cfg.DLQStream = DefaultDLQStream
	cfg.MaxLength = 10_000
	cfg.DLQMaxLength = 100_000
	cfg.VisibilityTimeout = 30 * time.Second
	cfg.MaxRetries = 5
	cfg.DialTimeout = 5 * time.Second
	cfg.ReadTimeout = 5 * time.Second
	cfg.WriteTimeout = 2 * time.Second

	f.StringVar(&cfg.Address, prefix+".address", "127.0.0.1:6379", "Address of the local queue (host:port).")
	f.Int64Var(&cfg.MaxLength, prefix+".max-length", cfg.MaxLength, "Approximate cap on the live stream length.")
	f.DurationVar(&cfg.VisibilityTimeout, prefix+".visibility-timeout", cfg.VisibilityTimeout, "Idle time after which an unacked delivery becomes reclaimable.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", cfg.MaxRetries, "Deliveries before an entry is dead-lettered.")
}

func (cfg *Config) Validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("queue address is required")
	}
	if cfg.Stream == "" || cfg.DLQStream == "" {
		return fmt.Errorf("queue stream names are required")
	}
	if cfg.Stream == cfg.DLQStream {
		return fmt.Errorf("live stream and DLQ stream must differ, both are %q", cfg.Stream)
	}
	if cfg.MaxLength <= 0 {
		return fmt.Errorf("queue max_length must be greater than 0, got %d", cfg.MaxLength)
	}
	if cfg.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue visibility_timeout must be greater than 0, got %s", cfg.VisibilityTimeout)
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("queue max_retries must be greater than 0, got %d", cfg.MaxRetries)
	}
	return nil
}
