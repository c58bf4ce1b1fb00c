// Package audit holds the audit trail owned by the audit consumer boundary.
package audit

import (
	"context"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
)

// LogEntry is one durably stored audit event
type LogEntry struct {
	Sequence   int64
	Event      *compliance.AuditEvent
	ReceivedAt time.Time
}

// Filter narrows audit log listings
type Filter struct {
	EventType compliance.AuditEventType
	InvoiceID *uuid.UUID
	Page      int
	PageSize  int
	SortBy    string // occurred_at, sequence or event_type
	SortOrder string // asc or desc
}

// Normalize applies paging defaults
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
}

// LogRepository is the append-only audit log store
type LogRepository interface {
	// Append stores evt once per event ID. It returns false when the event was already stored.
	Append(ctx context.Context, evt *compliance.AuditEvent) (bool, error)
	// ListByInvoice returns an invoice's events in arrival order
	ListByInvoice(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]*LogEntry, error)
	// List returns a tenant's events page by page, newest first
	List(ctx context.Context, tenantID uuid.UUID, filter Filter) ([]*LogEntry, int64, error)
}
