package distributor

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// MaxBodyBytes caps one intake request body. Single-event payloads are
	// limited separately by the codec after compression.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// BreakerFailures is how many consecutive queue failures trip the
	// breaker; while open, intake fails fast with 503.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.BreakerFailures = 5
	cfg.BreakerTimeout = 10 * time.Second

	f.Int64Var(&cfg.MaxBodyBytes, prefix+".max-body-bytes", 32<<20, "Maximum intake request body size in bytes.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("distributor max body bytes must be greater than 0, got %d", cfg.MaxBodyBytes)
	}
	if cfg.BreakerFailures == 0 {
		return fmt.Errorf("distributor breaker failure threshold must be greater than 0")
	}
	if cfg.BreakerTimeout <= 0 {
		return fmt.Errorf("distributor breaker timeout must be greater than 0, got %s", cfg.BreakerTimeout)
	}
	return nil
}
