package handler

import (
	"context"
	"errors"
	"strconv"

	appcompliance "github.com/erp/compliance/internal/application/compliance"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ChainService reads and verifies the per-tenant hash chain
type ChainService interface {
	Verify(ctx context.Context, tenantID uuid.UUID, from, to int64) (*compliance.VerificationResult, error)
	Entry(ctx context.Context, tenantID uuid.UUID, sequence int64) (*compliance.ChainEntry, error)
}

// ChainHandler exposes the tenant hash chain
type ChainHandler struct {
	BaseHandler
	service ChainService
}

// NewChainHandler creates a new chain handler
func NewChainHandler(service ChainService) *ChainHandler {
	return &ChainHandler{service: service}
}

// VerifyQuery bounds a verification run. Zero means the chain start or head.
type VerifyQuery struct {
	From int64 `form:"from" binding:"omitempty,min=1"`
	To   int64 `form:"to" binding:"omitempty,min=1"`
}

// Verify recomputes the chain over the requested range. A broken chain is a
// successful verification: the result reports valid=false and the first bad
// sequence.
func (h *ChainHandler) Verify(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}

	var q VerifyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.BadRequest(c, "from and to must be positive sequence numbers")
		return
	}
	if q.From > 0 && q.To > 0 && q.To < q.From {
		h.BadRequest(c, "to must not be lower than from")
		return
	}

	result, err := h.service.Verify(c.Request.Context(), tenantID, q.From, q.To)
	var integrity *compliance.ChainIntegrityError
	if err != nil && !(errors.As(err, &integrity) && result != nil) {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Entry returns one committed chain entry by sequence number
func (h *ChainHandler) Entry(c *gin.Context) {
	tenantID, ok := h.tenantID(c)
	if !ok {
		return
	}
	seq, err := strconv.ParseInt(c.Param("sequence"), 10, 64)
	if err != nil || seq < 1 {
		h.BadRequest(c, "Invalid sequence")
		return
	}

	entry, err := h.service.Entry(c.Request.Context(), tenantID, seq)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, appcompliance.ToChainEntryResponse(entry))
}
