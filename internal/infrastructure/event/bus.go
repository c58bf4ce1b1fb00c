package event

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/erp/compliance/internal/domain/shared"
	"go.uber.org/zap"
)

var ErrBusStopped = errors.New("event bus is stopped")

// InMemoryEventBus calls subscribed handlers inline on Publish. It serves the
// memory transport, where the audit consumer lives in the producing process.
type InMemoryEventBus struct {
	subs    *HandlerRegistry
	logger  *zap.Logger
	running atomic.Bool
}

// NewInMemoryEventBus returns a bus that accepts events right away.
func NewInMemoryEventBus(logger *zap.Logger) *InMemoryEventBus {
	b := &InMemoryEventBus{subs: NewHandlerRegistry(), logger: logger}
	b.running.Store(true)
	return b
}

// Publish hands each event to every matching handler in subscription order.
// A failing handler does not stop the others; all failures come back joined,
// so the outbox keeps the message for a retry.
func (b *InMemoryEventBus) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	if !b.running.Load() {
		return ErrBusStopped
	}
	var failed []error
	for _, evt := range events {
		for _, h := range b.subs.GetHandlers(evt.EventType()) {
			err := b.call(ctx, h, evt)
			if err == nil {
				continue
			}
			b.logger.Error("Event handler failed",
				zap.String("event_id", evt.EventID().String()),
				zap.String("event_type", evt.EventType()),
				zap.Error(err),
			)
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// Subscribe registers h for eventTypes, or for h.EventTypes() when none are given.
func (b *InMemoryEventBus) Subscribe(h shared.EventHandler, eventTypes ...string) {
	if len(eventTypes) == 0 {
		eventTypes = h.EventTypes()
	}
	b.subs.Register(h, eventTypes...)
}

func (b *InMemoryEventBus) Unsubscribe(h shared.EventHandler) { b.subs.Unregister(h) }

func (b *InMemoryEventBus) Start(context.Context) error {
	b.running.Store(true)
	return nil
}

// Stop makes later publishes fail with ErrBusStopped.
func (b *InMemoryEventBus) Stop(context.Context) error {
	b.running.Store(false)
	return nil
}

func (b *InMemoryEventBus) call(ctx context.Context, h shared.EventHandler, evt shared.DomainEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}

var _ shared.EventBus = (*InMemoryEventBus)(nil)
