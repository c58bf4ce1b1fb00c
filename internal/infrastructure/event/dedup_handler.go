package event

import (
	"context"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"go.uber.org/zap"
)

// DuplicateObserver is told about every redelivery the store filtered out.
type DuplicateObserver interface {
	EventDuplicate()
}

// DedupHandler drops events whose id the store has already seen before they
// reach the wrapped handler. An id is marked only after the wrapped handler
// succeeded, so concurrent copies of one event may both reach it and the
// wrapped handler must be idempotent on its own. The store is a fast path
// only: when it is down the event is handled anyway.
type DedupHandler struct {
	next     shared.EventHandler
	store    shared.IdempotencyStore
	ttl      time.Duration
	observer DuplicateObserver
	logger   *zap.Logger
}

// DedupOption configures a DedupHandler.
type DedupOption func(*DedupHandler)

// WithDedupTTL sets how long a handled id is remembered.
func WithDedupTTL(ttl time.Duration) DedupOption {
	return func(h *DedupHandler) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithDuplicateObserver reports filtered redeliveries to o.
func WithDuplicateObserver(o DuplicateObserver) DedupOption {
	return func(h *DedupHandler) { h.observer = o }
}

// NewDedupHandler wraps next.
func NewDedupHandler(next shared.EventHandler, store shared.IdempotencyStore, logger *zap.Logger, opts ...DedupOption) *DedupHandler {
	h := &DedupHandler{
		next:   next,
		store:  store,
		ttl:    shared.DefaultIdempotencyTTL,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// EventTypes delegates to the wrapped handler.
func (h *DedupHandler) EventTypes() []string { return h.next.EventTypes() }

// Handle runs next unless the event id was already marked, and marks the id
// once next succeeded. A failed event stays unmarked so that its redelivery
// gets another try.
func (h *DedupHandler) Handle(ctx context.Context, evt shared.DomainEvent) error {
	id := evt.EventID().String()
	log := h.logger.With(zap.String("event_id", id), zap.String("event_type", evt.EventType()))

	seen, err := h.store.IsProcessed(ctx, id)
	switch {
	case err != nil:
		log.Warn("Dedup store unavailable, handling event", zap.Error(err))
	case seen:
		log.Debug("Skipping redelivered event")
		if h.observer != nil {
			h.observer.EventDuplicate()
		}
		return nil
	}

	if err := h.next.Handle(ctx, evt); err != nil {
		return err
	}
	if _, err := h.store.MarkProcessed(context.WithoutCancel(ctx), id, h.ttl); err != nil {
		log.Warn("Failed to mark handled event", zap.Error(err))
	}
	return nil
}

var _ shared.EventHandler = (*DedupHandler)(nil)
