package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"issue-monitor/pkg/issues"
)

// RedisStore keeps a SeenSet in a Redis hash of issue id -> first-notified time.
type RedisStore struct {
	rdb    redis.Cmdable
	logger *slog.Logger
	key    string
}

// NewRedisClient parses redisURL and verifies connectivity.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// NewRedis creates a store for the monitor called name.
func NewRedis(rdb redis.Cmdable, name string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		logger: logger,
		key:    "issue-monitor:seen:" + name,
	}
}

// Key returns the Redis hash holding the set.
func (s *RedisStore) Key() string {
	return s.key
}

// Load returns the persisted set. A missing hash is an empty set.
func (s *RedisStore) Load(ctx context.Context) (issues.SeenSet, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}

	set := make(issues.SeenSet, len(fields))
	for k, v := range fields {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid issue id %q in %s", k, s.key)
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp for issue %d in %s: %w", id, s.key, err)
		}
		set[id] = t
	}

	s.logger.Info("Seen set loaded", "key", s.key, "count", len(set))
	return set, nil
}

// Save replaces the persisted set with set in a single transaction.
func (s *RedisStore) Save(ctx context.Context, set issues.SeenSet) error {
	values := make(map[string]any, len(set))
	for id, t := range set {
		values[strconv.FormatInt(id, 10)] = t.UTC().Format(time.RFC3339)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		if len(values) > 0 {
			pipe.HSet(ctx, s.key, values)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", s.key, err)
	}

	s.logger.Info("Seen set saved", "key", s.key, "count", len(set))
	return nil
}
