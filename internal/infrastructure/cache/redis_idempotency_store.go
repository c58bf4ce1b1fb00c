package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "audit:idempotency:"

// RedisIdempotencyStore shares marks between consumer instances. A mark is a
// key with an expiry, so Redis drops it without a sweeper.
type RedisIdempotencyStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisIdempotencyStore uses rdb. The client stays owned by the caller.
func NewRedisIdempotencyStore(rdb redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisIdempotencyStore{rdb: rdb, prefix: prefix}
}

func (s *RedisIdempotencyStore) key(eventID string) string { return s.prefix + eventID }

// MarkProcessed sets the key only if absent, which makes check and mark one
// round trip.
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = shared.DefaultIdempotencyTTL
	}
	set, err := s.rdb.SetNX(ctx, s.key(eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark %s: %w", eventID, err)
	}
	return set, nil
}

func (s *RedisIdempotencyStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", eventID, err)
	}
	return n == 1, nil
}

// Close leaves the client open.
func (s *RedisIdempotencyStore) Close() error { return nil }

var _ shared.IdempotencyStore = (*RedisIdempotencyStore)(nil)
