// Package streamq maps the pipeline's durable-queue contract onto redis
// streams: consumer groups for competing consumers, the pending entries list
// for visibility timeouts and retry accounting, and a second stream as the
// dead-letter queue.
package streamq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream wraps one named redis stream with a length cap. Queue composes two
// of these; the CDC fan-out composes one per partition.
type Stream struct {
	rdb    redis.UniversalClient
	name   string
	maxLen int64
}

func NewStream(rdb redis.UniversalClient, name string, maxLen int64) *Stream {
	return &Stream{rdb: rdb, name: name, maxLen: maxLen}
}

func (s *Stream) Name() string { return s.name }

// Append adds an entry, trimming approximately to the configured cap.
func (s *Stream) Append(ctx context.Context, values map[string]interface{}) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", s.name, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group at the stream head, creating the
// stream as well if needed. An already-existing group is not an error.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, s.name, err)
	}
	return nil
}

// ReadGroup fetches up to count undelivered entries for consumer, blocking up
// to block. block == 0 returns immediately.
func (s *Stream) ReadGroup(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]redis.XMessage, error) {
	if block <= 0 {
		// go-redis treats 0 as "block forever"; a negative value means do
		// not block at all.
		block = -1
	}
	res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", s.name, group, err)
	}
	for _, sr := range res {
		if sr.Stream == s.name {
			return sr.Messages, nil
		}
	}
	return nil, nil
}

func (s *Stream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.name, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", s.name, group, err)
	}
	return nil
}

// Pending lists entries delivered at least minIdle ago and not yet acked,
// with their delivery counts.
func (s *Stream) Pending(ctx context.Context, group string, minIdle time.Duration, count int64) ([]redis.XPendingExt, error) {
	res, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xpending %s/%s: %w", s.name, group, err)
	}
	return res, nil
}

// Claim transfers ownership of the given pending entries to consumer,
// bumping their delivery counts. Entries claimed by someone else in the
// meantime, or trimmed from the stream, are absent from the result.
func (s *Stream) Claim(ctx context.Context, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	res, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xclaim %s/%s: %w", s.name, group, err)
	}
	return res, nil
}

func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", s.name, err)
	}
	return n, nil
}

// PendingCount returns the total PEL size for group, 0 when the group does
// not exist yet.
func (s *Stream) PendingCount(ctx context.Context, group string) (int64, error) {
	res, err := s.rdb.XPending(ctx, s.name, group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s/%s: %w", s.name, group, err)
	}
	return res.Count, nil
}

// Range reads up to count entries oldest-first.
func (s *Stream) Range(ctx context.Context, count int64) ([]redis.XMessage, error) {
	res, err := s.rdb.XRangeN(ctx, s.name, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", s.name, err)
	}
	return res, nil
}

func (s *Stream) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XDel(ctx, s.name, ids...).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", s.name, err)
	}
	return nil
}

// Drop removes the stream entirely. Used when retiring orphaned partitions.
func (s *Stream) Drop(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.name).Err(); err != nil {
		return fmt.Errorf("del %s: %w", s.name, err)
	}
	return nil
}
