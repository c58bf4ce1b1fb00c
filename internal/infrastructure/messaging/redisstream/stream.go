// Package redisstream carries audit events over Redis Streams. Events are
// sharded over a fixed set of streams by invoice, and each shard is read by a
// single consumer so the events of one invoice are handled in order.
package redisstream

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
)

// Stream entry field names
const (
	fieldKey       = "key"
	fieldEventType = "event_type"
	fieldEventID   = "event_id"
	fieldPayload   = "payload"
	fieldError     = "error"
	fieldAttempts  = "attempts"
	fieldReason    = "reason"
)

// Defaults
const (
	DefaultStreamPrefix = "invoice-audit-events"
	DefaultGroup        = "audit-consumer"
	DefaultShards       = 12
)

// streamClient is the part of redis.UniversalClient the transport needs
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
}

func withDefaults(cfg config.RedisStreamConfig) config.RedisStreamConfig {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = DefaultStreamPrefix
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "auditd"
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	return cfg
}

// ShardFor maps a partition key onto one of shards streams
func ShardFor(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// StreamName returns the name of a shard stream
func StreamName(prefix string, shard int) string {
	return fmt.Sprintf("%s:%d", prefix, shard)
}

// DeadLetterStream returns the name of the dead letter stream
func DeadLetterStream(prefix string) string {
	return prefix + ":dlq"
}
