package event

import (
	"context"
	"sync"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

func newAuditTestEvent(eventType compliance.AuditEventType, invoiceID uuid.UUID) *compliance.AuditEvent {
	rec := compliance.NewSubmissionRecord(uuid.New(), invoiceID, "INV-2024-0001")
	switch eventType {
	case compliance.AuditEventAccepted:
		rec.State = compliance.StateAccepted
		rec.AuthorityTransactionID = "TX-100"
	case compliance.AuditEventError:
		rec.State = compliance.StateError
		rec.ErrorDetail = "authority timeout"
	default:
		rec.State = compliance.StateSent
	}
	rec.AttemptCount = 1
	rec.SequenceNumber = 1
	rec.Hash = "a3f1c9e2b4d6a8f0c1e3b5d7f9a1c3e5b7d9f1a3c5e7b9d1f3a5c7e9b1d3f5a7"
	return compliance.NewAuditEvent(eventType, rec)
}

// testHandler implements EventHandler for testing
type testHandler struct {
	eventTypes []string
	handled    []shared.DomainEvent
	err        error
	mu         sync.Mutex
}

func newTestHandler(eventTypes ...string) *testHandler {
	return &testHandler{
		eventTypes: eventTypes,
		handled:    make([]shared.DomainEvent, 0),
	}
}

func (h *testHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event)
	return h.err
}

func (h *testHandler) EventTypes() []string {
	return h.eventTypes
}

func (h *testHandler) setError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

func (h *testHandler) getHandled() []shared.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]shared.DomainEvent(nil), h.handled...)
}

// panicHandler panics on every event
type panicHandler struct{}

func (panicHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	panic("boom")
}

func (panicHandler) EventTypes() []string { return nil }
