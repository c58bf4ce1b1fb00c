package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/erp/compliance/internal/domain/shared"
	"go.uber.org/zap"
)

// Transport message header keys
const (
	HeaderEventType = "event_type"
	HeaderEventID   = "event_id"
	HeaderError     = "error"
	HeaderAttempts  = "attempts"
)

// Dead letter reasons
const (
	DeadLetterDecode    = "decode"
	DeadLetterExhausted = "exhausted"
)

// Message is a transport-neutral inbound event message
type Message struct {
	Key       string
	EventType string
	Payload   []byte
}

// DeadLetter is a message that will not be handled, with why and after how many attempts
type DeadLetter struct {
	Message  Message
	Reason   string
	Err      error
	Attempts int
}

// DeadLetterSink forwards undeliverable messages
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// DeadLetterMetrics counts dead-lettered messages by reason
type DeadLetterMetrics interface {
	EventDeadLettered(reason string)
}

// DeliveryConfig bounds handler attempts per message
type DeliveryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultDeliveryConfig returns the defaults for consumers
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// Deliverer decodes inbound messages and hands them to a handler. Handling is
// retried in place so later messages of the same partition wait their turn.
// A message that cannot be decoded, or whose handler keeps failing, goes to the
// dead letter sink, and Deliver then reports success so the transport acks it.
type Deliverer struct {
	serializer *EventSerializer
	handler    shared.EventHandler
	sink       DeadLetterSink
	config     DeliveryConfig
	metrics    DeadLetterMetrics
	logger     *zap.Logger
}

// NewDeliverer creates a deliverer
func NewDeliverer(
	serializer *EventSerializer,
	handler shared.EventHandler,
	sink DeadLetterSink,
	config DeliveryConfig,
	metrics DeadLetterMetrics,
	logger *zap.Logger,
) *Deliverer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultDeliveryConfig().MaxAttempts
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = DefaultDeliveryConfig().InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = DefaultDeliveryConfig().MaxInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		serializer: serializer,
		handler:    handler,
		sink:       sink,
		config:     config,
		metrics:    metrics,
		logger:     logger,
	}
}

// Deliver handles one message. A non-nil error means the message was neither
// handled nor dead-lettered and must not be acknowledged.
func (d *Deliverer) Deliver(ctx context.Context, msg Message) error {
	event, err := d.serializer.Deserialize(msg.EventType, msg.Payload)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			return d.deadLetter(ctx, DeadLetter{Message: msg, Reason: DeadLetterDecode, Err: err, Attempts: 1})
		}
		return err
	}

	attempts := 0
	operation := func() error {
		attempts++
		return d.handler.Handle(ctx, event)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Warn("Event handler failed, retrying",
			zap.String("event_id", event.EventID().String()),
			zap.String("event_type", msg.EventType),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err = backoff.RetryNotify(operation, d.policy(ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return d.deadLetter(ctx, DeadLetter{Message: msg, Reason: DeadLetterExhausted, Err: err, Attempts: attempts})
}

func (d *Deliverer) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.InitialInterval
	b.MaxInterval = d.config.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.config.MaxAttempts-1)), ctx)
}

func (d *Deliverer) deadLetter(ctx context.Context, dl DeadLetter) error {
	d.logger.Error("Moving message to dead letter queue",
		zap.String("key", dl.Message.Key),
		zap.String("event_type", dl.Message.EventType),
		zap.String("reason", dl.Reason),
		zap.Int("attempts", dl.Attempts),
		zap.Error(dl.Err),
	)
	if d.sink == nil {
		return fmt.Errorf("no dead letter sink for %s message: %w", dl.Message.EventType, dl.Err)
	}
	if err := d.sink.DeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	if d.metrics != nil {
		d.metrics.EventDeadLettered(dl.Reason)
	}
	return nil
}

// EncodeMessage serializes an event into a transport message keyed by its partition key
func EncodeMessage(serializer *EventSerializer, event shared.DomainEvent) (Message, error) {
	payload, err := serializer.Serialize(event)
	if err != nil {
		return Message{}, fmt.Errorf("failed to serialize event %s: %w", event.EventID(), err)
	}
	return Message{
		Key:       shared.PartitionKeyOf(event),
		EventType: event.EventType(),
		Payload:   payload,
	}, nil
}
