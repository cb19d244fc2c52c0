package compositor

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// Interval is the composite recomputation cadence. Staleness is bounded
	// by one interval plus the lock TTL.
	Interval time.Duration `yaml:"interval"`

	// LockTTL caps how long a crashed holder can block other instances.
	LockTTL time.Duration `yaml:"lock_ttl"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.LockTTL = 5 * time.Second

	f.DurationVar(&cfg.Interval, prefix+".interval", 30*time.Second, "How often composite metrics are recomputed.")
}

func (cfg *Config) Validate() error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("compositor interval must be greater than 0, got %s", cfg.Interval)
	}
	if cfg.LockTTL <= 0 {
		return fmt.Errorf("compositor lock ttl must be greater than 0, got %s", cfg.LockTTL)
	}
	return nil
}
