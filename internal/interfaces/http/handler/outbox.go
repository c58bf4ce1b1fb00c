package handler

import (
	"context"

	"github.com/erp/compliance/internal/application/event"
	"github.com/erp/compliance/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// OutboxAdmin is the operator surface of the audit event outbox
type OutboxAdmin interface {
	ListDeadLetters(ctx context.Context, filter event.OutboxFilter) (*event.OutboxListResult, error)
	GetMessage(ctx context.Context, id uuid.UUID) (*event.OutboxMessageDTO, error)
	RequeueDeadLetter(ctx context.Context, id uuid.UUID) (*event.OutboxMessageDTO, error)
	RequeueAllDeadLetters(ctx context.Context) (int64, error)
	GetStats(ctx context.Context) (*event.OutboxStatsDTO, error)
}

// OutboxHandler handles outbox management HTTP requests
type OutboxHandler struct {
	BaseHandler
	outboxService OutboxAdmin
}

// NewOutboxHandler creates a new outbox handler
func NewOutboxHandler(outboxService OutboxAdmin) *OutboxHandler {
	return &OutboxHandler{outboxService: outboxService}
}

// RequeueAllResponse reports how many dead entries were handed back to the relay
type RequeueAllResponse struct {
	Count int64 `json:"count"`
}

// ListDeadLetters lists audit events the relay gave up on
func (h *OutboxHandler) ListDeadLetters(c *gin.Context) {
	var filter event.OutboxFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		middleware.HandleValidationError(c, err)
		return
	}

	result, err := h.outboxService.ListDeadLetters(c.Request.Context(), filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.SuccessWithMeta(c, result.Entries, result.Total, result.Page, result.PageSize)
}

// GetMessage returns one outbox entry
func (h *OutboxHandler) GetMessage(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	entry, err := h.outboxService.GetMessage(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// RequeueDeadLetter resets a dead entry to PENDING. Younger entries of the same
// invoice stay blocked until it is delivered.
func (h *OutboxHandler) RequeueDeadLetter(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	entry, err := h.outboxService.RequeueDeadLetter(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entry)
}

// RequeueAllDeadLetters resets every dead entry
func (h *OutboxHandler) RequeueAllDeadLetters(c *gin.Context) {
	count, err := h.outboxService.RequeueAllDeadLetters(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, RequeueAllResponse{Count: count})
}

// GetStats counts outbox entries by status
func (h *OutboxHandler) GetStats(c *gin.Context) {
	stats, err := h.outboxService.GetStats(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, stats)
}
