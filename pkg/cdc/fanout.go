package cdc

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hindsight-dev/hindsight/pkg/streamq"
)

// Group is the consumer group the slow-path workers read through.
const Group = "slowpath"

type Config struct {
	// Partitions is the number of partition streams; it tracks the slow-path
	// worker count so each worker owns exactly one partition.
	Partitions int    `yaml:"partitions"`
	Prefix     string `yaml:"prefix"`
	MaxLength  int64  `yaml:"max_length"`

	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Prefix = "cdc"
	cfg.MaxLength = 100_000
	cfg.VisibilityTimeout = 30 * time.Second

	f.IntVar(&cfg.Partitions, prefix+".partitions", 3, "Number of CDC partition streams. Tracks the slow-path worker count.")
}

func (cfg *Config) Validate() error {
	if cfg.Partitions <= 0 {
		return fmt.Errorf("cdc partitions must be greater than 0, got %d", cfg.Partitions)
	}
	if cfg.Prefix == "" {
		return fmt.Errorf("cdc stream prefix is required")
	}
	return nil
}

// Fanout owns the partition streams and the session-sticky routing between
// them.
type Fanout struct {
	cfg        Config
	rdb        redis.UniversalClient
	partitions []*streamq.Stream
}

func NewFanout(rdb redis.UniversalClient, cfg Config) *Fanout {
	f := &Fanout{cfg: cfg, rdb: rdb}
	for p := 0; p < cfg.Partitions; p++ {
		f.partitions = append(f.partitions, streamq.NewStream(rdb, StreamName(cfg.Prefix, p), cfg.MaxLength))
	}
	return f
}

// StreamName renders the stream key for one partition, e.g. "cdc.2".
func StreamName(prefix string, partition int) string {
	return prefix + "." + strconv.Itoa(partition)
}

// ConsumerName names one partition's group member, e.g. "slowpath-2". It is
// also the checkpoint consumer that worker publishes under.
func ConsumerName(partition int) string {
	return Group + "-" + strconv.Itoa(partition)
}

// TailGroup names the consumer group an auxiliary reader tails partition
// streams through, e.g. "cdc-tail-dashboard". Each tail group carries its own
// delivery cursor, so read-side consumers never compete with the slow-path
// group for entries.
func TailGroup(consumer string) string {
	return "cdc-tail-" + consumer
}

func (f *Fanout) Partitions() int { return f.cfg.Partitions }

// PartitionFor maps a session onto its owning partition. The hash must stay
// stable across restarts; session stickiness is what keeps per-session
// ordering.
func (f *Fanout) PartitionFor(sessionID string) int {
	return int(xxhash.Sum64String(sessionID) % uint64(f.cfg.Partitions))
}

// EnsureGroups creates the consumer group on every partition stream.
func (f *Fanout) EnsureGroups(ctx context.Context) error {
	for _, s := range f.partitions {
		if err := s.EnsureGroup(ctx, Group); err != nil {
			return err
		}
	}
	return nil
}

// Append routes the record to its session's partition.
func (f *Fanout) Append(ctx context.Context, rec Record) (int, error) {
	p := f.PartitionFor(rec.SessionID)
	return p, f.AppendTo(ctx, p, rec)
}

// AppendTo writes to an explicit partition. Misroute recovery re-appends to
// the owning partition with the record unchanged.
func (f *Fanout) AppendTo(ctx context.Context, partition int, rec Record) error {
	if partition < 0 || partition >= len(f.partitions) {
		return fmt.Errorf("partition %d out of range [0,%d)", partition, len(f.partitions))
	}
	_, err := f.partitions[partition].Append(ctx, rec.toValues())
	return err
}

// Read fetches fresh records from one partition for consumer.
func (f *Fanout) Read(ctx context.Context, partition int, consumer string, count int64, block time.Duration) ([]Envelope, error) {
	msgs, err := f.partitions[partition].ReadGroup(ctx, Group, consumer, count, block)
	if err != nil {
		return nil, err
	}
	return envelopes(msgs, nil)
}

func (f *Fanout) Ack(ctx context.Context, partition int, ids ...string) error {
	return f.partitions[partition].Ack(ctx, Group, ids...)
}

// ClaimStale reclaims records stuck past the visibility timeout. CDC records
// have no dead-letter path: derivation either acks them (including on
// permanent per-record failures) or leaves them to redeliver.
func (f *Fanout) ClaimStale(ctx context.Context, partition int, consumer string, limit int64) ([]Envelope, error) {
	s := f.partitions[partition]
	pend, err := s.Pending(ctx, Group, f.cfg.VisibilityTimeout, limit)
	if err != nil || len(pend) == 0 {
		return nil, err
	}
	retries := make(map[string]int, len(pend))
	ids := make([]string, 0, len(pend))
	for _, p := range pend {
		retries[p.ID] = int(p.RetryCount)
		ids = append(ids, p.ID)
	}
	msgs, err := s.Claim(ctx, Group, consumer, f.cfg.VisibilityTimeout, ids)
	if err != nil {
		return nil, err
	}
	return envelopes(msgs, retries)
}

// PartitionStats reports stream depth and PEL size per partition.
type PartitionStats struct {
	Partition int    `json:"partition"`
	Stream    string `json:"stream"`
	Length    int64  `json:"length"`
	Pending   int64  `json:"pending"`
}

func (f *Fanout) Stats(ctx context.Context) ([]PartitionStats, error) {
	out := make([]PartitionStats, 0, len(f.partitions))
	for p, s := range f.partitions {
		n, err := s.Len(ctx)
		if err != nil {
			return nil, err
		}
		pel, err := s.PendingCount(ctx, Group)
		if err != nil {
			return nil, err
		}
		out = append(out, PartitionStats{Partition: p, Stream: s.Name(), Length: n, Pending: pel})
	}
	return out, nil
}

// OrphanPartitions lists partition streams left behind by a larger previous
// worker count. Their entries must be re-routed before workers start.
func (f *Fanout) OrphanPartitions(ctx context.Context) ([]int, error) {
	keys, err := f.rdb.Keys(ctx, f.cfg.Prefix+".*").Result()
	if err != nil {
		return nil, fmt.Errorf("scan cdc streams: %w", err)
	}
	var orphans []int
	for _, k := range keys {
		idx := strings.TrimPrefix(k, f.cfg.Prefix+".")
		p, err := strconv.Atoi(idx)
		if err != nil {
			continue
		}
		if p >= f.cfg.Partitions {
			orphans = append(orphans, p)
		}
	}
	return orphans, nil
}

// DrainOrphan re-routes every record of an orphaned partition stream through
// the current hash and deletes the stream. Runs before workers start, so
// plain XRANGE order preserves per-session order during the move.
func (f *Fanout) DrainOrphan(ctx context.Context, partition int) (int, error) {
	s := streamq.NewStream(f.rdb, StreamName(f.cfg.Prefix, partition), f.cfg.MaxLength)

	moved := 0
	for {
		msgs, err := s.Range(ctx, 1000)
		if err != nil {
			return moved, err
		}
		if len(msgs) == 0 {
			break
		}
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			rec, err := recordFromMessage(m)
			if err != nil {
				// Undecodable leftovers cannot be routed; drop with the stream.
				ids = append(ids, m.ID)
				continue
			}
			if _, err := f.Append(ctx, rec); err != nil {
				return moved, err
			}
			ids = append(ids, m.ID)
			moved++
		}
		if err := s.Delete(ctx, ids...); err != nil {
			return moved, err
		}
	}
	return moved, s.Drop(ctx)
}

func envelopes(msgs []redis.XMessage, retries map[string]int) ([]Envelope, error) {
	out := make([]Envelope, 0, len(msgs))
	for _, m := range msgs {
		rec, err := recordFromMessage(m)
		if err != nil {
			return out, err
		}
		out = append(out, Envelope{ID: m.ID, RetryCount: retries[m.ID], Record: rec})
	}
	return out, nil
}
