package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrStoreClosed is returned by a closed in-memory store.
	ErrStoreClosed = errors.New("idempotency store closed")
	// ErrNoRedis means no client was configured and fallback is off.
	ErrNoRedis = errors.New("no redis client configured")
)

type storeOptions struct {
	prefix       string
	logger       *zap.Logger
	requireRedis bool
}

// Option tunes OpenIdempotencyStore.
type Option func(*storeOptions)

// WithLogger logs the chosen backend.
func WithLogger(l *zap.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

// WithKeyPrefix namespaces the Redis keys.
func WithKeyPrefix(prefix string) Option {
	return func(o *storeOptions) { o.prefix = prefix }
}

// RequireRedis makes an unreachable Redis an error instead of a fallback.
func RequireRedis() Option {
	return func(o *storeOptions) { o.requireRedis = true }
}

// OpenIdempotencyStore returns a Redis store when rdb answers a ping and an
// in-memory store otherwise. rdb may be nil.
func OpenIdempotencyStore(ctx context.Context, rdb redis.UniversalClient, opts ...Option) (shared.IdempotencyStore, error) {
	o := storeOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	err := ErrNoRedis
	if rdb != nil {
		if err = rdb.Ping(ctx).Err(); err == nil {
			o.logger.Info("Idempotency store backed by Redis", zap.String("prefix", o.prefix))
			return NewRedisIdempotencyStore(rdb, o.prefix), nil
		}
	}
	if o.requireRedis {
		return nil, fmt.Errorf("open idempotency store: %w", err)
	}

	// Per-process marks only; the audit log's unique event id still rejects
	// duplicates across instances.
	o.logger.Warn("Idempotency store falling back to memory", zap.Error(err))
	return NewInMemoryIdempotencyStore(), nil
}
