package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "notify:delivered:"

// RedisStore records delivered notification ids with a TTL
type RedisStore struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

// Seen reports whether id was delivered within the TTL
func (s *RedisStore) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.rdb.Exists(ctx, keyPrefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: lookup %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkDelivered remembers id until the TTL expires
func (s *RedisStore) MarkDelivered(ctx context.Context, id string) error {
	if err := s.rdb.Set(ctx, keyPrefix+id, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: mark %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
