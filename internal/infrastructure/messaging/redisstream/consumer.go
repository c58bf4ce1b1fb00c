package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readCount = 64

// Consumer reads every shard stream through a consumer group, one reader per
// shard. An entry is acknowledged only after it was handled or dead-lettered;
// unacknowledged entries are read again from the pending list on restart.
// Entries another consumer left unacknowledged for ClaimMinIdle are claimed
// and handled here, so a consumer that never comes back loses nothing.
type Consumer struct {
	client    streamClient
	cfg       config.RedisStreamConfig
	deliverer *event.Deliverer
	logger    *zap.Logger
}

// NewConsumer creates a consumer on a shared Redis client
func NewConsumer(
	client redis.UniversalClient,
	cfg config.RedisStreamConfig,
	serializer *event.EventSerializer,
	handler shared.EventHandler,
	metrics event.DeadLetterMetrics,
	logger *zap.Logger,
) *Consumer {
	cfg = withDefaults(cfg)
	deliveryCfg := event.DefaultDeliveryConfig()
	deliveryCfg.MaxAttempts = cfg.MaxDeliveryAttempts
	return newConsumer(client, cfg, serializer, handler, deliveryCfg, metrics, logger)
}

func newConsumer(
	client streamClient,
	cfg config.RedisStreamConfig,
	serializer *event.EventSerializer,
	handler shared.EventHandler,
	deliveryCfg event.DeliveryConfig,
	metrics event.DeadLetterMetrics,
	logger *zap.Logger,
) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{client: client, cfg: withDefaults(cfg), logger: logger}
	c.deliverer = event.NewDeliverer(serializer, handler, c, deliveryCfg, metrics, logger)
	return c
}

// Run reads all shards until ctx is cancelled or a shard fails
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for shard := 0; shard < c.cfg.Shards; shard++ {
		stream := StreamName(c.cfg.StreamPrefix, shard)
		g.Go(func() error {
			return c.readShard(ctx, stream)
		})
	}
	c.logger.Info("Redis stream audit consumer started",
		zap.String("prefix", c.cfg.StreamPrefix),
		zap.Int("shards", c.cfg.Shards),
		zap.String("group", c.cfg.Group),
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	c.logger.Info("Redis stream audit consumer stopped", zap.Error(err))
	return err
}

func (c *Consumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", c.cfg.Group, stream, err)
	}
	return nil
}

// readShard drains this consumer's pending entries first, then reads new ones.
// Idle entries of other consumers are claimed before the first new read and
// again every ClaimMinIdle.
func (c *Consumer) readShard(ctx context.Context, stream string) error {
	if err := c.ensureGroup(ctx, stream); err != nil {
		return err
	}
	cursor := "0"
	var lastClaim time.Time
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cursor == ">" && time.Since(lastClaim) >= c.cfg.ClaimMinIdle {
			if err := c.claimIdle(ctx, stream); err != nil {
				return err
			}
			lastClaim = time.Now()
		}
		args := &redis.XReadGroupArgs{
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{stream, cursor},
			Count:    readCount,
			Block:    c.block(cursor),
		}
		streams, err := c.client.XReadGroup(ctx, args).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read %s: %w", stream, err)
		}

		read := 0
		for _, s := range streams {
			for _, entry := range s.Messages {
				read++
				if err := c.handleEntry(ctx, stream, entry); err != nil {
					return err
				}
			}
		}
		if cursor == "0" && read == 0 {
			cursor = ">"
		}
	}
}

// claimIdle walks the group's pending list with XAUTOCLAIM and handles every
// entry it takes over.
func (c *Consumer) claimIdle(ctx context.Context, stream string) error {
	start := "0-0"
	for {
		entries, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.cfg.Group,
			Consumer: c.cfg.Consumer,
			MinIdle:  c.cfg.ClaimMinIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to claim idle entries of %s: %w", stream, err)
		}
		if len(entries) > 0 {
			c.logger.Warn("Claimed idle stream entries",
				zap.String("stream", stream),
				zap.Int("count", len(entries)),
				zap.Duration("min_idle", c.cfg.ClaimMinIdle),
			)
		}
		for _, entry := range entries {
			if err := c.handleEntry(ctx, stream, entry); err != nil {
				return err
			}
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
}

// block is -1 (no BLOCK) for pending reads, which must return at once
func (c *Consumer) block(cursor string) time.Duration {
	if cursor == "0" {
		return -1
	}
	if c.cfg.Block > 0 {
		return c.cfg.Block
	}
	return 5 * time.Second
}

func (c *Consumer) handleEntry(ctx context.Context, stream string, entry redis.XMessage) error {
	if err := c.deliverer.Deliver(ctx, messageFromEntry(entry)); err != nil {
		return fmt.Errorf("failed to deliver %s/%s: %w", stream, entry.ID, err)
	}
	if err := c.client.XAck(ctx, stream, c.cfg.Group, entry.ID).Err(); err != nil {
		return fmt.Errorf("failed to ack %s/%s: %w", stream, entry.ID, err)
	}
	return nil
}

// DeadLetter appends the message to the dead letter stream
func (c *Consumer) DeadLetter(ctx context.Context, dl event.DeadLetter) error {
	errText := ""
	if dl.Err != nil {
		errText = dl.Err.Error()
	}
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStream(c.cfg.StreamPrefix),
		Values: map[string]any{
			fieldKey:       dl.Message.Key,
			fieldEventType: dl.Message.EventType,
			fieldPayload:   string(dl.Message.Payload),
			fieldError:     errText,
			fieldAttempts:  strconv.Itoa(dl.Attempts),
			fieldReason:    dl.Reason,
		},
	}).Err()
}

func messageFromEntry(entry redis.XMessage) event.Message {
	str := func(field string) string {
		v, _ := entry.Values[field].(string)
		return v
	}
	return event.Message{
		Key:       str(fieldKey),
		EventType: str(fieldEventType),
		Payload:   []byte(str(fieldPayload)),
	}
}

var _ event.DeadLetterSink = (*Consumer)(nil)
