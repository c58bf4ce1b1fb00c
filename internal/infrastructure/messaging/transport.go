// Package messaging selects the audit event transport and builds the audit
// consumer handler shared by the in-process and standalone consumers.
package messaging

import (
	"context"
	"fmt"

	appaudit "github.com/erp/compliance/internal/application/audit"
	"github.com/erp/compliance/internal/domain/audit"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/cache"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/erp/compliance/internal/infrastructure/messaging/kafka"
	"github.com/erp/compliance/internal/infrastructure/messaging/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Transport kinds
const (
	KindMemory = "memory"
	KindKafka  = "kafka"
	KindRedis  = "redis"
)

// ConsumerMetrics is what the audit consumer reports
type ConsumerMetrics interface {
	appaudit.ConsumerMetrics
	event.DeadLetterMetrics
}

// Transport is the publishing side of the audit event transport
type Transport struct {
	Publisher shared.EventPublisher
	closers   []func(ctx context.Context) error
}

// Close releases transport resources in reverse order of creation
func (t *Transport) Close(ctx context.Context) error {
	var firstErr error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewRedisClient connects to the configured Redis
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// NewAuditHandler builds the audit log handler wrapped with event ID
// deduplication. The store is Redis backed when Redis answers; the audit
// log's unique event ID stays the final guard either way.
func NewAuditHandler(
	ctx context.Context,
	repo audit.LogRepository,
	client redis.UniversalClient,
	cfg config.IdempotencyConfig,
	metrics ConsumerMetrics,
	logger *zap.Logger,
) (shared.EventHandler, func() error, error) {
	logHandler := appaudit.NewLogHandler(repo, metrics, logger.Named("audit"))
	if !cfg.Enabled {
		return logHandler, func() error { return nil }, nil
	}

	opts := []cache.Option{
		cache.WithLogger(logger),
		cache.WithKeyPrefix("audit:processed:"),
	}
	if cfg.RequireRedis {
		opts = append(opts, cache.RequireRedis())
	}
	store, err := cache.OpenIdempotencyStore(ctx, client, opts...)
	if err != nil {
		return nil, nil, err
	}
	h := event.NewDedupHandler(logHandler, store, logger.Named("dedup"),
		event.WithDedupTTL(cfg.TTL),
		event.WithDuplicateObserver(metrics),
	)
	return h, store.Close, nil
}

// NewTransport builds the publisher for cfg.Transport.Kind. For the memory
// transport the handler is subscribed to an in-process bus; the remote
// transports ignore it and are consumed by the audit daemon.
func NewTransport(
	ctx context.Context,
	cfg *config.Config,
	serializer *event.EventSerializer,
	handler shared.EventHandler,
	client redis.UniversalClient,
	logger *zap.Logger,
) (*Transport, error) {
	t := &Transport{}
	switch cfg.Transport.Kind {
	case KindMemory, "":
		if handler == nil {
			return nil, fmt.Errorf("memory transport needs an in-process audit handler")
		}
		bus := event.NewInMemoryEventBus(logger.Named("bus"))
		bus.Subscribe(handler)
		if err := bus.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start event bus: %w", err)
		}
		t.Publisher = bus
		t.closers = append(t.closers, bus.Stop)
	case KindKafka:
		if err := EnsureKafkaTopics(ctx, cfg.Transport.Kafka, logger); err != nil {
			logger.Warn("Kafka topic setup failed, relying on broker auto-creation", zap.Error(err))
		}
		publisher, err := kafka.NewPublisher(cfg.Transport.Kafka, serializer, logger.Named("kafka"))
		if err != nil {
			return nil, err
		}
		t.Publisher = publisher
		t.closers = append(t.closers, func(context.Context) error {
			publisher.Close()
			return nil
		})
	case KindRedis:
		if client == nil {
			return nil, fmt.Errorf("redis transport needs a redis client")
		}
		t.Publisher = redisstream.NewPublisher(client, cfg.Transport.RedisStream, serializer, logger.Named("redisstream"))
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
	logger.Info("Audit event transport ready", zap.String("kind", cfg.Transport.Kind))
	return t, nil
}

// EnsureKafkaTopics creates the audit and dead letter topics through a
// short-lived admin client
func EnsureKafkaTopics(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Brokers...))
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer client.Close()
	return kafka.EnsureTopics(ctx, client, cfg, logger)
}

// Consumer is a running audit event consumer
type Consumer interface {
	Run(ctx context.Context) error
}

// NewConsumer builds the consumer for a remote transport kind
func NewConsumer(
	ctx context.Context,
	cfg *config.Config,
	serializer *event.EventSerializer,
	handler shared.EventHandler,
	client redis.UniversalClient,
	metrics event.DeadLetterMetrics,
	logger *zap.Logger,
) (Consumer, func(), error) {
	switch cfg.Transport.Kind {
	case KindKafka:
		if err := EnsureKafkaTopics(ctx, cfg.Transport.Kafka, logger); err != nil {
			logger.Warn("Kafka topic setup failed, relying on broker auto-creation", zap.Error(err))
		}
		c, err := kafka.NewConsumer(cfg.Transport.Kafka, serializer, handler, metrics, logger.Named("kafka"))
		if err != nil {
			return nil, nil, err
		}
		return c, c.Close, nil
	case KindRedis:
		if client == nil {
			return nil, nil, fmt.Errorf("redis transport needs a redis client")
		}
		c := redisstream.NewConsumer(client, cfg.Transport.RedisStream, serializer, handler, metrics, logger.Named("redisstream"))
		return c, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("transport kind %q has no standalone consumer", cfg.Transport.Kind)
	}
}
