package querier

import (
	"flag"
	"fmt"
	"time"
)

type Config struct {
	// QueryTimeout bounds one read request end to end.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// MaxSeriesPoints caps a metrics range response when max_points is not
	// given by the caller.
	MaxSeriesPoints int `yaml:"max_series_points"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.MaxSeriesPoints = 10_000

	f.DurationVar(&cfg.QueryTimeout, prefix+".query-timeout", 30*time.Second, "Timeout for one read request.")
}

func (cfg *Config) Validate() error {
	if cfg.QueryTimeout <= 0 {
		return fmt.Errorf("querier query timeout must be greater than 0, got %s", cfg.QueryTimeout)
	}
	if cfg.MaxSeriesPoints <= 0 {
		return fmt.Errorf("querier max series points must be greater than 0, got %d", cfg.MaxSeriesPoints)
	}
	return nil
}
