package handler

import (
	"context"

	appaudit "github.com/erp/compliance/internal/application/audit"
	"github.com/erp/compliance/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// AuditQuery reads the audit log written by the audit consumer
type AuditQuery interface {
	ListByInvoice(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]appaudit.EventDTO, error)
	List(ctx context.Context, tenantID uuid.UUID, filter appaudit.ListFilter) (*appaudit.ListResult, error)
}

// AuditHandler serves the audit trail
type AuditHandler struct {
	BaseHandler
	query AuditQuery
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(query AuditQuery) *AuditHandler {
	return &AuditHandler{query: query}
}

// ByInvoice returns the audit trail of one invoice in arrival order
func (h *AuditHandler) ByInvoice(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.uuidParam(c, "invoiceId")
	if !ok {
		return
	}

	events, err := h.query.ListByInvoice(c.Request.Context(), tenantID, invoiceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, events)
}

// List pages through the tenant's audit events, optionally by event type
func (h *AuditHandler) List(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var filter appaudit.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.query.List(c.Request.Context(), tenantID, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, result.Events, result.Total, result.Page, result.PageSize)
}
