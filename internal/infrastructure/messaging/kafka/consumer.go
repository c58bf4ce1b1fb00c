package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// groupClient is the part of *kgo.Client the consumer needs
type groupClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Consumer reads the audit topic in a consumer group. Offsets are committed
// manually, only for records that were handled or dead-lettered, so a crash
// redelivers rather than loses events.
type Consumer struct {
	client    groupClient
	deliverer *event.Deliverer
	dlqTopic  string
	logger    *zap.Logger
}

// NewConsumer joins the consumer group and wires the dead letter topic
func NewConsumer(
	cfg config.KafkaConfig,
	serializer *event.EventSerializer,
	handler shared.EventHandler,
	metrics event.DeadLetterMetrics,
	logger *zap.Logger,
) (*Consumer, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "audit-consumer"
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	deliveryCfg := event.DefaultDeliveryConfig()
	deliveryCfg.MaxAttempts = cfg.MaxDeliveryAttempts
	return newConsumer(client, cfg.DLQTopic, serializer, handler, deliveryCfg, metrics, logger), nil
}

func newConsumer(
	client groupClient,
	dlqTopic string,
	serializer *event.EventSerializer,
	handler shared.EventHandler,
	deliveryCfg event.DeliveryConfig,
	metrics event.DeadLetterMetrics,
	logger *zap.Logger,
) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{client: client, dlqTopic: dlqTopic, logger: logger}
	c.deliverer = event.NewDeliverer(serializer, handler, c, deliveryCfg, metrics, logger)
	return c
}

// Run polls until ctx is cancelled. A record that can be neither handled nor
// dead-lettered stops the consumer; the group then redelivers from the last commit.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Kafka audit consumer started")
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			c.logger.Info("Kafka audit consumer stopped")
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("Kafka fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err),
			)
		})

		err := c.processFetches(ctx, fetches)
		c.client.AllowRebalance()
		if err != nil {
			return err
		}
	}
}

// processFetches delivers records partition by partition in offset order and
// commits what was done, even when a later record fails
func (c *Consumer) processFetches(ctx context.Context, fetches kgo.Fetches) error {
	var done []*kgo.Record
	var firstErr error

	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if firstErr != nil {
			return
		}
		for _, rec := range p.Records {
			if err := c.deliverer.Deliver(ctx, messageFromRecord(rec)); err != nil {
				firstErr = fmt.Errorf("failed to deliver %s[%d]@%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
				return
			}
			done = append(done, rec)
		}
	})

	if len(done) > 0 {
		if err := c.client.CommitRecords(context.WithoutCancel(ctx), done...); err != nil {
			c.logger.Error("Failed to commit offsets", zap.Int("records", len(done)), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to commit offsets: %w", err)
			}
		}
	}
	return firstErr
}

// DeadLetter copies the record to the dead letter topic with error and attempts headers
func (c *Consumer) DeadLetter(ctx context.Context, dl event.DeadLetter) error {
	errText := ""
	if dl.Err != nil {
		errText = dl.Err.Error()
	}
	rec := &kgo.Record{
		Topic: c.dlqTopic,
		Key:   []byte(dl.Message.Key),
		Value: dl.Message.Payload,
		Headers: []kgo.RecordHeader{
			{Key: event.HeaderEventType, Value: []byte(dl.Message.EventType)},
			{Key: event.HeaderError, Value: []byte(errText)},
			{Key: event.HeaderAttempts, Value: []byte(strconv.Itoa(dl.Attempts))},
			{Key: "reason", Value: []byte(dl.Reason)},
		},
	}
	return c.client.ProduceSync(ctx, rec).FirstErr()
}

// Close leaves the group and closes the client
func (c *Consumer) Close() {
	c.client.Close()
}

func messageFromRecord(rec *kgo.Record) event.Message {
	msg := event.Message{Key: string(rec.Key), Payload: rec.Value}
	for _, h := range rec.Headers {
		if h.Key == event.HeaderEventType {
			msg.EventType = string(h.Value)
		}
	}
	return msg
}

var _ event.DeadLetterSink = (*Consumer)(nil)
