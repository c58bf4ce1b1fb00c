package audit

import (
	"context"
	"time"

	"github.com/erp/compliance/internal/domain/audit"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventDTO is an audit log entry in API responses
type EventDTO struct {
	Sequence               int64     `json:"sequence"`
	EventID                uuid.UUID `json:"event_id"`
	EventType              string    `json:"event_type"`
	TenantID               uuid.UUID `json:"tenant_id"`
	InvoiceID              uuid.UUID `json:"invoice_id"`
	InvoiceNumber          string    `json:"invoice_number"`
	Status                 string    `json:"status"`
	AuthorityTransactionID *string   `json:"authority_transaction_id"`
	ErrorMessage           *string   `json:"error_message"`
	AttemptCount           int       `json:"attempt_count"`
	Timestamp              time.Time `json:"timestamp"`
	ReceivedAt             time.Time `json:"received_at"`
}

// ListFilter is the query of an audit event listing
type ListFilter struct {
	EventType string `form:"event_type" binding:"omitempty,oneof=SUBMITTED ACCEPTED REJECTED ERROR ABANDONED CANCELLED"`
	Page      int    `form:"page,omitempty" binding:"omitempty,min=1"`
	PageSize  int    `form:"page_size,omitempty" binding:"omitempty,min=1,max=100"`
	SortBy    string `form:"sort_by,omitempty" binding:"omitempty,oneof=occurred_at sequence event_type"`
	SortOrder string `form:"sort_order,omitempty" binding:"omitempty,oneof=asc desc ASC DESC"`
}

// ListResult is a page of audit events
type ListResult struct {
	Events     []EventDTO `json:"events"`
	Total      int64      `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

// QueryService answers audit log queries
type QueryService struct {
	repo   audit.LogRepository
	logger *zap.Logger
}

// NewQueryService creates the audit query service
func NewQueryService(repo audit.LogRepository, logger *zap.Logger) *QueryService {
	return &QueryService{repo: repo, logger: logger}
}

// ListByInvoice returns an invoice's audit trail in arrival order
func (s *QueryService) ListByInvoice(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]EventDTO, error) {
	entries, err := s.repo.ListByInvoice(ctx, tenantID, invoiceID)
	if err != nil {
		s.logger.Error("Failed to list invoice audit trail", zap.Error(err), zap.String("invoice_id", invoiceID.String()))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to retrieve audit events")
	}
	out := make([]EventDTO, len(entries))
	for i, e := range entries {
		out[i] = toEventDTO(e)
	}
	return out, nil
}

// List returns a page of the tenant's audit events, newest first unless
// another order is asked for
func (s *QueryService) List(ctx context.Context, tenantID uuid.UUID, filter ListFilter) (*ListResult, error) {
	f := audit.Filter{
		EventType: compliance.AuditEventType(filter.EventType),
		Page:      filter.Page,
		PageSize:  filter.PageSize,
		SortBy:    filter.SortBy,
		SortOrder: filter.SortOrder,
	}
	f.Normalize()

	entries, total, err := s.repo.List(ctx, tenantID, f)
	if err != nil {
		s.logger.Error("Failed to list audit events", zap.Error(err))
		return nil, shared.NewDomainError("INTERNAL_ERROR", "Failed to retrieve audit events")
	}

	totalPages := int(total) / f.PageSize
	if int(total)%f.PageSize > 0 {
		totalPages++
	}
	events := make([]EventDTO, len(entries))
	for i, e := range entries {
		events[i] = toEventDTO(e)
	}
	return &ListResult{
		Events:     events,
		Total:      total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		TotalPages: totalPages,
	}, nil
}

func toEventDTO(e *audit.LogEntry) EventDTO {
	evt := e.Event
	return EventDTO{
		Sequence:               e.Sequence,
		EventID:                evt.EventID(),
		EventType:              evt.EventType(),
		TenantID:               evt.TenantID(),
		InvoiceID:              evt.InvoiceID,
		InvoiceNumber:          evt.InvoiceNumber,
		Status:                 string(evt.Status),
		AuthorityTransactionID: evt.AuthorityTransactionID,
		ErrorMessage:           evt.ErrorMessage,
		AttemptCount:           evt.AttemptCount,
		Timestamp:              evt.OccurredAt(),
		ReceivedAt:             e.ReceivedAt,
	}
}
