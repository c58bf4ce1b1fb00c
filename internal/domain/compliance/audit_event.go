package compliance

import (
	"encoding/json"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// AuditEventType enumerates the audit events emitted on submission transitions.
type AuditEventType string

const (
	AuditEventSubmitted AuditEventType = "SUBMITTED"
	AuditEventAccepted  AuditEventType = "ACCEPTED"
	AuditEventRejected  AuditEventType = "REJECTED"
	AuditEventError     AuditEventType = "ERROR"
	AuditEventAbandoned AuditEventType = "ABANDONED"
	AuditEventCancelled AuditEventType = "CANCELLED"
)

// AllAuditEventTypes returns every audit event type
func AllAuditEventTypes() []AuditEventType {
	return []AuditEventType{
		AuditEventSubmitted,
		AuditEventAccepted,
		AuditEventRejected,
		AuditEventError,
		AuditEventAbandoned,
		AuditEventCancelled,
	}
}

// IsValid reports whether t is a known event type
func (t AuditEventType) IsValid() bool {
	for _, known := range AllAuditEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// AggregateTypeSubmission is the aggregate type of audit events
const AggregateTypeSubmission = "ComplianceSubmission"

// AuditEvent records one submission state transition. It is immutable once
// published; EventID is the deduplication key on the consumer side.
type AuditEvent struct {
	shared.EventHeader
	InvoiceID              uuid.UUID
	InvoiceNumber          string
	Status                 SubmissionState
	AuthorityTransactionID *string
	ErrorMessage           *string
	AttemptCount           int
	SequenceNumber         int64
	Hash                   string
}

// NewAuditEvent builds the event for the record's current state.
func NewAuditEvent(eventType AuditEventType, rec *SubmissionRecord) *AuditEvent {
	evt := &AuditEvent{
		EventHeader:     shared.NewEventHeader(string(eventType), AggregateTypeSubmission, rec.InvoiceID, rec.TenantID),
		InvoiceID:       rec.InvoiceID,
		InvoiceNumber:   rec.InvoiceNumber,
		Status:          rec.State,
		AttemptCount:    rec.AttemptCount,
		SequenceNumber:  rec.SequenceNumber,
		Hash:            rec.Hash,
	}
	if rec.AuthorityTransactionID != "" {
		tx := rec.AuthorityTransactionID
		evt.AuthorityTransactionID = &tx
	}
	if rec.ErrorDetail != "" {
		msg := rec.ErrorDetail
		evt.ErrorMessage = &msg
	}
	return evt
}

// PartitionKey keeps all events of one invoice on the same ordered partition
func (e *AuditEvent) PartitionKey() string {
	return e.InvoiceID.String()
}

// auditEventWire is the persisted and transported representation.
type auditEventWire struct {
	EventID                uuid.UUID       `json:"eventId"`
	EventType              AuditEventType  `json:"eventType"`
	TenantID               uuid.UUID       `json:"tenantId"`
	InvoiceID              uuid.UUID       `json:"invoiceId"`
	InvoiceNumber          string          `json:"invoiceNumber"`
	Status                 SubmissionState `json:"status"`
	AuthorityTransactionID *string         `json:"authorityTransactionId"`
	ErrorMessage           *string         `json:"errorMessage"`
	Timestamp              time.Time       `json:"timestamp"`
	AttemptCount           int             `json:"attemptCount"`
	SequenceNumber         int64           `json:"sequenceNumber,omitempty"`
	Hash                   string          `json:"hash,omitempty"`
	SchemaVersion          int             `json:"schemaVersion"`
}

// MarshalJSON emits the audit event wire schema
func (e *AuditEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(auditEventWire{
		EventID:                e.ID,
		EventType:              AuditEventType(e.Type),
		TenantID:               e.Tenant,
		InvoiceID:              e.InvoiceID,
		InvoiceNumber:          e.InvoiceNumber,
		Status:                 e.Status,
		AuthorityTransactionID: e.AuthorityTransactionID,
		ErrorMessage:           e.ErrorMessage,
		Timestamp:              e.Timestamp.UTC(),
		AttemptCount:           e.AttemptCount,
		SequenceNumber:         e.SequenceNumber,
		Hash:                   e.Hash,
		SchemaVersion:          e.SchemaVersion(),
	})
}

// UnmarshalJSON parses the audit event wire schema
func (e *AuditEvent) UnmarshalJSON(data []byte) error {
	var w auditEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.EventHeader = shared.EventHeader{
		ID:            w.EventID,
		Type:          string(w.EventType),
		Timestamp:     w.Timestamp.UTC(),
		Aggregate:     w.InvoiceID,
		AggregateKind: AggregateTypeSubmission,
		Tenant:        w.TenantID,
		Version:       w.SchemaVersion,
	}
	e.InvoiceID = w.InvoiceID
	e.InvoiceNumber = w.InvoiceNumber
	e.Status = w.Status
	e.AuthorityTransactionID = w.AuthorityTransactionID
	e.ErrorMessage = w.ErrorMessage
	e.AttemptCount = w.AttemptCount
	e.SequenceNumber = w.SequenceNumber
	e.Hash = w.Hash
	return nil
}

var _ shared.PartitionedEvent = (*AuditEvent)(nil)
