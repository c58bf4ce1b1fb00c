package event

import (
	"context"
	"fmt"

	"github.com/erp/compliance/internal/domain/shared"
	"gorm.io/gorm"
)

// OutboxWriter stores events in the outbox as part of the caller's
// transaction. The relay publishes them after commit.
type OutboxWriter struct {
	serializer *EventSerializer
	maxRetries int
}

// NewOutboxWriter returns a writer whose messages get maxRetries delivery
// attempts, or shared.DefaultMaxRetries when maxRetries <= 0.
func NewOutboxWriter(serializer *EventSerializer, maxRetries int) *OutboxWriter {
	if maxRetries <= 0 {
		maxRetries = shared.DefaultMaxRetries
	}
	return &OutboxWriter{serializer: serializer, maxRetries: maxRetries}
}

// Write serializes events and inserts them through tx.
func (w *OutboxWriter) Write(ctx context.Context, tx *gorm.DB, events ...shared.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]*shared.OutboxMessage, len(events))
	for i, evt := range events {
		payload, err := w.serializer.Serialize(evt)
		if err != nil {
			return err
		}
		msgs[i] = shared.NewOutboxMessage(evt, payload, w.maxRetries)
	}
	return NewGormOutboxStore(tx).Save(ctx, msgs...)
}

// SaveEvents accepts the *gorm.DB transaction of the persistence layer.
func (w *OutboxWriter) SaveEvents(ctx context.Context, tx any, events ...shared.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	db, ok := tx.(*gorm.DB)
	if !ok {
		return fmt.Errorf("outbox writer needs a *gorm.DB transaction, got %T", tx)
	}
	return w.Write(ctx, db, events...)
}

var _ shared.OutboxEventSaver = (*OutboxWriter)(nil)
