package kafka

import (
	"context"
	"fmt"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// producer is the part of *kgo.Client the publisher needs
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes events to the audit topic. Publish returns only after the
// brokers acknowledged every record, so the outbox marks entries sent only
// once they are durable.
type Publisher struct {
	client     producer
	topic      string
	serializer *event.EventSerializer
	logger     *zap.Logger
}

// NewPublisher connects a producer. Records are partitioned by key hash.
func NewPublisher(cfg config.KafkaConfig, serializer *event.EventSerializer, logger *zap.Logger) (*Publisher, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return newPublisher(client, cfg.Topic, serializer, logger), nil
}

func newPublisher(client producer, topic string, serializer *event.EventSerializer, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, topic: topic, serializer: serializer, logger: logger}
}

// Publish produces the events synchronously
func (p *Publisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, evt := range events {
		msg, err := event.EncodeMessage(p.serializer, evt)
		if err != nil {
			return err
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(msg.Key),
			Value: msg.Payload,
			Headers: []kgo.RecordHeader{
				{Key: event.HeaderEventType, Value: []byte(msg.EventType)},
				{Key: event.HeaderEventID, Value: []byte(evt.EventID().String())},
			},
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce %d audit events: %w", len(records), err)
	}
	p.logger.Debug("Audit events produced", zap.Int("count", len(records)), zap.String("topic", p.topic))
	return nil
}

// Close flushes and closes the producer
func (p *Publisher) Close() {
	p.client.Close()
}

var _ shared.EventPublisher = (*Publisher)(nil)
