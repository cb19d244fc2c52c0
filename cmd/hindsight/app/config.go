package app

import (
	"flag"
	"fmt"
	"time"

	"github.com/hindsight-dev/hindsight/hindsightdb"
	"github.com/hindsight-dev/hindsight/modules/compositor"
	"github.com/hindsight-dev/hindsight/modules/distributor"
	"github.com/hindsight-dev/hindsight/modules/enricher"
	"github.com/hindsight-dev/hindsight/modules/ingester"
	"github.com/hindsight-dev/hindsight/modules/querier"
	"github.com/hindsight-dev/hindsight/pkg/cdc"
	"github.com/hindsight-dev/hindsight/pkg/streamq"
	"github.com/hindsight-dev/hindsight/pkg/util"
)

// Config is the root config for App.
type Config struct {
	Target    string   `yaml:"target,omitempty"`
	Platforms []string `yaml:"platforms,omitempty"`

	Server      ServerConfig       `yaml:"server,omitempty"`
	Queue       streamq.Config     `yaml:"queue,omitempty"`
	Changefeed  cdc.Config         `yaml:"changefeed,omitempty"`
	Distributor distributor.Config `yaml:"distributor,omitempty"`
	Ingester    ingester.Config    `yaml:"ingester,omitempty"`
	Enricher    enricher.Config    `yaml:"enricher,omitempty"`
	Compositor  compositor.Config  `yaml:"compositor,omitempty"`
	Querier     querier.Config     `yaml:"querier,omitempty"`
	Storage     hindsightdb.Config `yaml:"storage,omitempty"`
}

// RegisterFlagsAndApplyDefaults registers flags and fills every section with
// its defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Platforms = []string{"claude", "cursor"}

	f.StringVar(&c.Target, "target", SingleBinary, "target module")

	c.Server.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "server"), f)
	c.Queue.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "queue"), f)
	c.Changefeed.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "changefeed"), f)
	c.Distributor.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "distributor"), f)
	c.Ingester.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "ingester"), f)
	c.Enricher.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "enricher"), f)
	c.Compositor.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "compositor"), f)
	c.Querier.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "querier"), f)
	c.Storage.RegisterFlagsAndApplyDefaults(util.PrefixConfig(prefix, "storage"), f)
}

// ApplyDerived forces settings that only make sense derived from others.
// One enricher worker owns one change-stream partition, so the fan-out width
// always follows the worker count.
func (c *Config) ApplyDerived() {
	c.Changefeed.Partitions = c.Enricher.WorkerCount
}

// Validate checks every section. Derived settings must be applied first.
func (c *Config) Validate() error {
	if len(c.Platforms) == 0 {
		return fmt.Errorf("at least one platform is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Platforms {
		if p == "" {
			return fmt.Errorf("platform names must not be empty")
		}
		if seen[p] {
			return fmt.Errorf("platform %q is listed twice", p)
		}
		seen[p] = true
	}

	for _, v := range []struct {
		name string
		err  error
	}{
		{"server", c.Server.Validate()},
		{"queue", c.Queue.Validate()},
		{"changefeed", c.Changefeed.Validate()},
		{"distributor", c.Distributor.Validate()},
		{"ingester", c.Ingester.Validate()},
		{"enricher", c.Enricher.Validate()},
		{"compositor", c.Compositor.Validate()},
		{"querier", c.Querier.Validate()},
		{"storage", c.Storage.Validate()},
	} {
		if v.err != nil {
			return fmt.Errorf("invalid %s config: %w", v.name, v.err)
		}
	}
	return nil
}

// NewDefaultConfig returns a config with every default applied.
func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// ConfigWarning bundles a warning with its operator-facing consequence.
type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnListenBeyondLoopback = ConfigWarning{
		Message: "server.http_listen_address is not loopback",
		Explain: "The API is unauthenticated and serves raw usage telemetry; keep it on 127.0.0.1 unless the network is trusted.",
	}
	warnVisibilityUnderBatchTimeout = ConfigWarning{
		Message: "queue.visibility_timeout < ingester.batch_timeout",
		Explain: "Entries may be redelivered while the ingester is still writing them. Duplicates are dropped on the unique index but the work is wasted.",
	}
	warnCompositorIntervalUnderLockTTL = ConfigWarning{
		Message: "compositor.interval < compositor.lock_ttl",
		Explain: "Cycles will be skipped while the previous cycle's lock is still live.",
	}
	warnShortRawRetention = ConfigWarning{
		Message: "storage.raw_retention is under a day",
		Explain: "Derived state cannot be rebuilt for events whose blobs have been compacted away.",
	}
)

// CheckConfig spots legal-but-suspect combinations.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if a := c.Server.HTTPListenAddress; a != "127.0.0.1" && a != "localhost" && a != "::1" {
		warnings = append(warnings, warnListenBeyondLoopback)
	}
	if c.Queue.VisibilityTimeout < c.Ingester.BatchTimeout {
		warnings = append(warnings, warnVisibilityUnderBatchTimeout)
	}
	if c.Compositor.Interval < c.Compositor.LockTTL {
		warnings = append(warnings, warnCompositorIntervalUnderLockTTL)
	}
	if r := c.Storage.RawRetention; r > 0 && r < 24*time.Hour {
		warnings = append(warnings, warnShortRawRetention)
	}

	return warnings
}
