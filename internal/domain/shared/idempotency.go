package shared

import (
	"context"
	"time"
)

// IdempotencyStore remembers event ids that a consumer already handled.
type IdempotencyStore interface {
	// MarkProcessed records eventID for ttl. It reports false when the id was
	// already recorded.
	MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	Close() error
}

// DefaultIdempotencyTTL covers the longest broker redelivery window.
const DefaultIdempotencyTTL = 24 * time.Hour
