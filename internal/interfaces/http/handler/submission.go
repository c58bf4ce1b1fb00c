package handler

import (
	"context"
	"strconv"

	appcompliance "github.com/erp/compliance/internal/application/compliance"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SubmissionService is the part of the coordinator the API drives
type SubmissionService interface {
	Submit(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error)
	Enqueue(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error)
	Get(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error)
	Cancel(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error)
}

// SubmissionHandler handles invoice submission requests
type SubmissionHandler struct {
	BaseHandler
	service SubmissionService
}

// NewSubmissionHandler creates a new submission handler
func NewSubmissionHandler(service SubmissionService) *SubmissionHandler {
	return &SubmissionHandler{service: service}
}

// Submit registers an invoice for submission to the tax authority.
// By default the attempt runs in the background and the PENDING record is
// returned with 202. With ?wait=true the first attempt runs inline and the
// resulting record is returned with 200.
func (h *SubmissionHandler) Submit(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var req appcompliance.SubmitInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	inv := req.ToInvoice(tenantID)
	if wait {
		rec, err := h.service.Submit(c.Request.Context(), tenantID, inv)
		if err != nil {
			h.HandleError(c, err)
			return
		}
		h.Success(c, appcompliance.ToSubmissionResponse(rec))
		return
	}

	rec, err := h.service.Enqueue(c.Request.Context(), tenantID, inv)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Accepted(c, appcompliance.ToSubmissionResponse(rec))
}

// Get returns the submission record of an invoice
func (h *SubmissionHandler) Get(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.uuidParam(c, "invoiceId")
	if !ok {
		return
	}

	rec, err := h.service.Get(c.Request.Context(), tenantID, invoiceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appcompliance.ToSubmissionResponse(rec))
}

// Cancel withdraws a submission that has not been linked into the chain yet
func (h *SubmissionHandler) Cancel(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	invoiceID, ok := h.uuidParam(c, "invoiceId")
	if !ok {
		return
	}

	rec, err := h.service.Cancel(c.Request.Context(), tenantID, invoiceID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appcompliance.ToSubmissionResponse(rec))
}
