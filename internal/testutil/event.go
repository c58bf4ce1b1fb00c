// Package testutil holds fixtures and fakes shared by the package tests.
package testutil

import (
	"context"
	"slices"
	"sync"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// MockEventHandler records every event it is given and answers with a
// settable error.
type MockEventHandler struct {
	types []string

	mu   sync.Mutex
	seen []shared.DomainEvent
	fail error
}

func NewMockEventHandler(eventTypes ...string) *MockEventHandler {
	return &MockEventHandler{types: eventTypes}
}

func (h *MockEventHandler) EventTypes() []string { return h.types }

// Handle records evt even when it then fails.
func (h *MockEventHandler) Handle(_ context.Context, evt shared.DomainEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, evt)
	return h.fail
}

// Handled returns a copy of the recorded events in arrival order.
func (h *MockEventHandler) Handled() []shared.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.seen)
}

func (h *MockEventHandler) HandledCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

// SetError makes later Handle calls return err; nil restores success.
func (h *MockEventHandler) SetError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = err
}

// auditState is the record state each audit event type reports.
var auditState = map[compliance.AuditEventType]compliance.SubmissionState{
	compliance.AuditEventSubmitted: compliance.StateSent,
	compliance.AuditEventAccepted:  compliance.StateAccepted,
	compliance.AuditEventRejected:  compliance.StateRejected,
	compliance.AuditEventError:     compliance.StateError,
	compliance.AuditEventAbandoned: compliance.StateAbandoned,
	compliance.AuditEventCancelled: compliance.StateCancelled,
}

// NewAuditEvent builds an audit event of eventType from a first-attempt
// record, with the authority fields that event type carries.
func NewAuditEvent(eventType compliance.AuditEventType, tenantID, invoiceID uuid.UUID) *compliance.AuditEvent {
	rec := compliance.NewSubmissionRecord(tenantID, invoiceID, "INV-"+invoiceID.String()[:8])
	rec.State = auditState[eventType]
	rec.AttemptCount = 1
	rec.SequenceNumber = 1
	rec.Hash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

	switch eventType {
	case compliance.AuditEventAccepted:
		rec.AuthorityTransactionID = "TX-100"
	case compliance.AuditEventRejected:
		rec.AuthorityCode, rec.ErrorDetail = "CIF_INVALIDO", "issuer tax id is not valid"
	case compliance.AuditEventError:
		rec.ErrorDetail = "authority timeout"
	}
	return compliance.NewAuditEvent(eventType, rec)
}

// TestEvent is a bare event that is not an audit event.
type TestEvent struct {
	shared.EventHeader
}

// NewTestEvent returns a TestEvent of eventType for tenantID.
func NewTestEvent(eventType string, tenantID uuid.UUID) *TestEvent {
	return &TestEvent{EventHeader: shared.NewEventHeader(eventType, "Test", uuid.New(), tenantID)}
}
