package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore records producer-supplied idempotency keys of events that
// were applied. A key is only marked after its handler committed, so a crash
// or panic mid-handler leaves it unmarked and redelivery runs the handler again.
type IdempotencyStore interface {
	// Seen reports whether the key was marked as applied.
	Seen(ctx context.Context, scope, key string) (bool, error)
	// Mark records the key as applied.
	Mark(ctx context.Context, scope, key string) error
}

type RedisIdempotencyStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(rdb *redis.Client, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisIdempotencyStore{rdb: rdb, prefix: "incbus:idem:", ttl: ttl}
}

var _ IdempotencyStore = (*RedisIdempotencyStore)(nil)

func (s *RedisIdempotencyStore) key(scope, key string) string {
	return s.prefix + scope + ":" + key
}

func (s *RedisIdempotencyStore) Seen(ctx context.Context, scope, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(scope, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisIdempotencyStore) Mark(ctx context.Context, scope, key string) error {
	return s.rdb.Set(ctx, s.key(scope, key), time.Now().UTC().Format(time.RFC3339), s.ttl).Err()
}
