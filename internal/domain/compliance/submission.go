package compliance

import (
	"fmt"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// SubmissionState is the lifecycle state of an invoice submission
type SubmissionState string

const (
	StatePending   SubmissionState = "PENDING"
	StateSent      SubmissionState = "SENT"
	StateAccepted  SubmissionState = "ACCEPTED"
	StateRejected  SubmissionState = "REJECTED"
	StateError     SubmissionState = "ERROR"
	StateAbandoned SubmissionState = "ABANDONED"
	StateCancelled SubmissionState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed
func (s SubmissionState) IsTerminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// IsValid reports whether s is a known state
func (s SubmissionState) IsValid() bool {
	switch s {
	case StatePending, StateSent, StateAccepted, StateRejected, StateError, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// SubmissionRecord tracks one invoice through the submission state machine.
// Only the submission coordinator mutates it; every transition queues an audit event.
type SubmissionRecord struct {
	InvoiceID              uuid.UUID
	TenantID               uuid.UUID
	InvoiceNumber          string
	State                  SubmissionState
	AttemptCount           int
	LastAttemptAt          *time.Time
	NextAttemptAt          *time.Time
	AuthorityTransactionID string
	AuthorityCode          string
	ErrorDetail            string
	AuthorityResponse      string
	SequenceNumber         int64
	CanonicalPayload       []byte
	Hash                   string
	CancelledAt            *time.Time
	Version                int
	CreatedAt              time.Time
	UpdatedAt              time.Time

	events []shared.DomainEvent
}

// NewSubmissionRecord creates a PENDING record
func NewSubmissionRecord(tenantID, invoiceID uuid.UUID, invoiceNumber string) *SubmissionRecord {
	now := time.Now().UTC()
	return &SubmissionRecord{
		InvoiceID:     invoiceID,
		TenantID:      tenantID,
		InvoiceNumber: invoiceNumber,
		State:         StatePending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (r *SubmissionRecord) invalidTransition(to SubmissionState) error {
	return shared.NewDomainError("INVALID_STATE",
		fmt.Sprintf("submission %s cannot move from %s to %s", r.InvoiceID, r.State, to))
}

func (r *SubmissionRecord) transition(to SubmissionState, eventType AuditEventType, now time.Time) {
	r.State = to
	r.UpdatedAt = now
	r.events = append(r.events, NewAuditEvent(eventType, r))
}

// MarkSent starts an authority call. From PENDING it binds the chain entry;
// from ERROR it reuses the payload and hash already bound.
func (r *SubmissionRecord) MarkSent(entry *ChainEntry, now time.Time) error {
	switch r.State {
	case StatePending:
		if entry == nil {
			return shared.NewDomainError("INVALID_STATE", "a chain entry is required to leave PENDING")
		}
		r.SequenceNumber = entry.SequenceNumber
		r.CanonicalPayload = entry.CanonicalPayload
		r.Hash = entry.Hash
	case StateError:
		if len(r.CanonicalPayload) == 0 || r.Hash == "" {
			return shared.NewDomainError("INVALID_STATE", "retry without a bound payload")
		}
	default:
		return r.invalidTransition(StateSent)
	}
	r.AttemptCount++
	r.LastAttemptAt = &now
	r.NextAttemptAt = nil
	r.ErrorDetail = ""
	r.transition(StateSent, AuditEventSubmitted, now)
	return nil
}

// MarkAccepted records the authority acknowledgement
func (r *SubmissionRecord) MarkAccepted(transactionID, code, raw string, now time.Time) error {
	if r.State != StateSent {
		return r.invalidTransition(StateAccepted)
	}
	r.AuthorityTransactionID = transactionID
	r.AuthorityCode = code
	r.AuthorityResponse = raw
	r.ErrorDetail = ""
	r.transition(StateAccepted, AuditEventAccepted, now)
	return nil
}

// MarkRejected records a business rejection
func (r *SubmissionRecord) MarkRejected(rej *RejectedError, now time.Time) error {
	if r.State != StateSent {
		return r.invalidTransition(StateRejected)
	}
	r.AuthorityCode = rej.AuthorityCode
	r.AuthorityTransactionID = rej.TransactionID
	r.AuthorityResponse = rej.Raw
	r.ErrorDetail = rej.Message
	r.transition(StateRejected, AuditEventRejected, now)
	return nil
}

// MarkError records a transport failure of the current attempt
func (r *SubmissionRecord) MarkError(code, detail string, now time.Time) error {
	if r.State != StateSent {
		return r.invalidTransition(StateError)
	}
	r.AuthorityCode = code
	r.ErrorDetail = detail
	r.transition(StateError, AuditEventError, now)
	return nil
}

// ScheduleRetry sets the earliest time of the next attempt. It is not a transition.
func (r *SubmissionRecord) ScheduleRetry(at time.Time) error {
	if r.State != StateError {
		return r.invalidTransition(StateSent)
	}
	r.NextAttemptAt = &at
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// CanRetry reports whether the retry budget allows another attempt
func (r *SubmissionRecord) CanRetry(maxAttempts int) bool {
	return r.State == StateError && r.AttemptCount < maxAttempts
}

// MarkAbandoned is the terminal escalation after the retry budget is spent
func (r *SubmissionRecord) MarkAbandoned(now time.Time) error {
	if r.State != StateError {
		return r.invalidTransition(StateAbandoned)
	}
	r.NextAttemptAt = nil
	r.transition(StateAbandoned, AuditEventAbandoned, now)
	return nil
}

// Cancel withdraws a submission before any authority call was issued
func (r *SubmissionRecord) Cancel(now time.Time) error {
	if r.State != StatePending {
		return r.invalidTransition(StateCancelled)
	}
	r.CancelledAt = &now
	r.transition(StateCancelled, AuditEventCancelled, now)
	return nil
}

// PullEvents returns and clears the queued audit events
func (r *SubmissionRecord) PullEvents() []shared.DomainEvent {
	events := r.events
	r.events = nil
	return events
}

// PendingEvents returns the queued audit events without clearing them
func (r *SubmissionRecord) PendingEvents() []shared.DomainEvent {
	return r.events
}
