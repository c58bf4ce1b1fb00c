package redisstream

import (
	"context"
	"fmt"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher appends events to the shard stream of their partition key
type Publisher struct {
	client     streamClient
	cfg        config.RedisStreamConfig
	serializer *event.EventSerializer
	logger     *zap.Logger
}

// NewPublisher creates a publisher on a shared Redis client
func NewPublisher(client redis.UniversalClient, cfg config.RedisStreamConfig, serializer *event.EventSerializer, logger *zap.Logger) *Publisher {
	return newPublisher(client, cfg, serializer, logger)
}

func newPublisher(client streamClient, cfg config.RedisStreamConfig, serializer *event.EventSerializer, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, cfg: withDefaults(cfg), serializer: serializer, logger: logger}
}

// Publish appends the events one by one, in order
func (p *Publisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	for _, evt := range events {
		msg, err := event.EncodeMessage(p.serializer, evt)
		if err != nil {
			return err
		}
		stream := StreamName(p.cfg.StreamPrefix, ShardFor(msg.Key, p.cfg.Shards))
		id, err := p.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]any{
				fieldKey:       msg.Key,
				fieldEventType: msg.EventType,
				fieldEventID:   evt.EventID().String(),
				fieldPayload:   string(msg.Payload),
			},
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to append event %s to %s: %w", evt.EventID(), stream, err)
		}
		p.logger.Debug("Audit event appended",
			zap.String("stream", stream),
			zap.String("entry_id", id),
			zap.String("event_type", msg.EventType),
		)
	}
	return nil
}

var _ shared.EventPublisher = (*Publisher)(nil)
