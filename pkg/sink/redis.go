package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces the Redis sink keys.
const DefaultPrefix = "harvest"

// RedisSink stores outcomes in Redis:
//
//	<prefix>:ids:<entity>        SET of every identifier ever discovered
//	<prefix>:records:<entity>    LIST of record JSON, appended
//	<prefix>:discoveries         LIST of discovery JSON, appended
//
// The identifier set doubles as a seed source for the static fallback.
type RedisSink struct {
	redis  redis.Cmdable
	prefix string
}

// NewRedisSink creates a Redis sink. An empty prefix uses DefaultPrefix.
func NewRedisSink(rdb redis.Cmdable, prefix string) *RedisSink {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisSink{redis: rdb, prefix: prefix}
}

func (s *RedisSink) idsKey(entity string) string {
	return s.prefix + ":ids:" + normalize(entity)
}

func (s *RedisSink) recordsKey(entity string) string {
	return s.prefix + ":records:" + normalize(entity)
}

func (s *RedisSink) discoveriesKey() string {
	return s.prefix + ":discoveries"
}

func normalize(entity string) string {
	return strings.ToLower(strings.TrimSpace(entity))
}

// WriteDiscovery adds the identifiers to the entity's set and appends the
// outcome, in one transaction.
func (s *RedisSink) WriteDiscovery(ctx context.Context, d Discovery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal discovery: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(d.Items) > 0 {
			members := make([]any, len(d.Items))
			for i, id := range d.Items {
				members[i] = id
			}
			pipe.SAdd(ctx, s.idsKey(d.Entity), members...)
		}
		pipe.RPush(ctx, s.discoveriesKey(), data)
		return nil
	})
	observe("redis", "discovery", err)
	if err != nil {
		return fmt.Errorf("redis write discovery: %w", err)
	}
	return nil
}

// WriteRecord appends r to the entity's record list.
func (s *RedisSink) WriteRecord(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	err = s.redis.RPush(ctx, s.recordsKey(r.Entity), data).Err()
	observe("redis", "record", err)
	if err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Known returns every identifier previously discovered for entity, sorted.
func (s *RedisSink) Known(ctx context.Context, entity string) ([]string, error) {
	ids, err := s.redis.Sort(ctx, s.idsKey(entity), &redis.Sort{Alpha: true}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sort: %w", err)
	}
	return ids, nil
}

// Seeds implements the static fallback's seed source.
func (s *RedisSink) Seeds(ctx context.Context, entity string) ([]string, error) {
	return s.Known(ctx, entity)
}

// Records returns the records appended for entity, oldest first.
func (s *RedisSink) Records(ctx context.Context, entity string) ([]Record, error) {
	raw, err := s.redis.LRange(ctx, s.recordsKey(entity), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	out := make([]Record, 0, len(raw))
	for _, line := range raw {
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
