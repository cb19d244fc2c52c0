// Package state is the shared mutable state between pipeline components:
// counters, checkpoints, heartbeats and locks. Everything lives in redis so
// workers stay stateless across restarts; nothing here is mirrored in worker
// memory.
package state

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "hs:"

	// SessionCounterTTL bounds per-session counter lifetime; sessions idle a
	// full day no longer feed composite metrics.
	SessionCounterTTL = 24 * time.Hour

	// HeartbeatTTL is how long a component heartbeat stays fresh.
	HeartbeatTTL = 10 * time.Second
)

// Well-known counter names.
const (
	CounterPrompts  = "prompts"
	CounterTools    = "tools"
	CounterAccepted = "accepted"
)

// CompositeLastCalcKey holds the wall-clock time of the last composite
// computation, RFC3339Nano.
const CompositeLastCalcKey = keyPrefix + "composite:last_calc_at"

// Component names under the heartbeat keyspace. The ingester name doubles as
// its checkpoint consumer.
const (
	ComponentIngester   = "ingester"
	ComponentCompositor = "compositor"
)

// ComponentEnricher names one enricher worker's heartbeat.
func ComponentEnricher(partition int) string {
	return "enricher-" + strconv.Itoa(partition)
}

func SessionCounterKey(sessionID, name string) string {
	return keyPrefix + "ctr:sess:" + sessionID + ":" + name
}

func GlobalCounterKey(name string) string {
	return keyPrefix + "ctr:global:" + name + "_total"
}

func CheckpointKey(consumer, platform string) string {
	return keyPrefix + "ckpt:" + consumer + ":" + platform
}

func LockKey(name string) string {
	return keyPrefix + "lock:" + name
}

func HeartbeatKey(component string) string {
	return keyPrefix + "hb:" + component
}

// Store is a thin client over the shared keyspace.
type Store struct {
	rdb redis.UniversalClient
}

func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// IncrCounter bumps a global counter.
func (s *Store) IncrCounter(ctx context.Context, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	return s.rdb.IncrBy(ctx, GlobalCounterKey(name), delta).Err()
}

// IncrSessionCounter bumps a per-session counter and refreshes its TTL.
func (s *Store) IncrSessionCounter(ctx context.Context, sessionID, name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	key := SessionCounterKey(sessionID, name)
	pipe := s.rdb.Pipeline()
	pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, SessionCounterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetInt reads an integer key; absent keys read as 0.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("key %s holds non-integer %q: %w", key, val, err)
	}
	return n, nil
}

func (s *Store) Counter(ctx context.Context, name string) (int64, error) {
	return s.GetInt(ctx, GlobalCounterKey(name))
}

func (s *Store) SetString(ctx context.Context, key, val string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, val, ttl).Err()
}

// GetString reads a string key; the bool reports presence.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Checkpoint is a consumer's progress through one platform's raw rows, with
// the write time for freshness computation.
type Checkpoint struct {
	RowID     int64     `json:"row_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Store) SetCheckpoint(ctx context.Context, consumer, platform string, rowID int64) error {
	return s.rdb.HSet(ctx, CheckpointKey(consumer, platform),
		"row_id", strconv.FormatInt(rowID, 10),
		"updated_at", strconv.FormatInt(time.Now().UnixNano(), 10),
	).Err()
}

// GetCheckpoint reads a consumer checkpoint; a zero Checkpoint and no error
// means none recorded yet.
func (s *Store) GetCheckpoint(ctx context.Context, consumer, platform string) (Checkpoint, error) {
	vals, err := s.rdb.HGetAll(ctx, CheckpointKey(consumer, platform)).Result()
	if err != nil {
		return Checkpoint{}, err
	}
	if len(vals) == 0 {
		return Checkpoint{}, nil
	}
	cp := Checkpoint{}
	if v, ok := vals["row_id"]; ok {
		cp.RowID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := vals["updated_at"]; ok {
		ns, _ := strconv.ParseInt(v, 10, 64)
		cp.UpdatedAt = time.Unix(0, ns).UTC()
	}
	return cp, nil
}

// Heartbeat marks a component alive for HeartbeatTTL.
func (s *Store) Heartbeat(ctx context.Context, component string) error {
	now := strconv.FormatInt(time.Now().UnixNano(), 10)
	return s.rdb.Set(ctx, HeartbeatKey(component), now, HeartbeatTTL).Err()
}

// Heartbeats reads the last-beat time per component. Components whose key
// expired are absent from the result.
func (s *Store) Heartbeats(ctx context.Context, components ...string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(components))
	for _, c := range components {
		val, ok, err := s.GetString(ctx, HeartbeatKey(c))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ns, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[c] = time.Unix(0, ns).UTC()
	}
	return out, nil
}

// unlockScript releases a lock only for its owner.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is an acquired NX+TTL lock. It self-expires; Unlock releases early.
type Lock struct {
	key   string
	token string
	rdb   redis.UniversalClient
}

// TryLock attempts a non-blocking lock acquisition. ok reports whether this
// caller owns the lock now.
func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	key := LockKey(name)
	ok, err := s.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{key: key, token: token, rdb: s.rdb}, true, nil
}

// Unlock releases the lock if still owned. Releasing an expired or re-taken
// lock is a no-op.
func (l *Lock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}
