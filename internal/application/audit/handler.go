// Package audit is the consumer side of the audit trail: it appends received
// audit events to the durable log and answers audit queries.
package audit

import (
	"context"
	"fmt"

	"github.com/erp/compliance/internal/domain/audit"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// ConsumerMetrics receives audit consumer measurements
type ConsumerMetrics interface {
	EventConsumed(eventType string)
	EventDuplicate()
	EventFailed()
}

type noopMetrics struct{}

func (noopMetrics) EventConsumed(string) {}
func (noopMetrics) EventDuplicate() {}
func (noopMetrics) EventFailed() {}

// LogHandler appends audit events to the audit log. The append is keyed by
// event ID, so a redelivered event is a no-op.
type LogHandler struct {
	repo    audit.LogRepository
	metrics ConsumerMetrics
	logger  *zap.Logger
}

// NewLogHandler creates the audit log handler
func NewLogHandler(repo audit.LogRepository, metrics ConsumerMetrics, logger *zap.Logger) *LogHandler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogHandler{repo: repo, metrics: metrics, logger: logger}
}

// EventTypes returns the audit event types
func (h *LogHandler) EventTypes() []string {
	types := compliance.AllAuditEventTypes()
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// Handle stores one audit event
func (h *LogHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "audit.consume",
		telemetry.WithAttribute("event_id", event.EventID().String()),
		telemetry.WithAttribute("event_type", event.EventType()),
	)
	defer span.End()

	evt, ok := event.(*compliance.AuditEvent)
	if !ok {
		err := fmt.Errorf("unexpected event %T for %s", event, event.EventType())
		telemetry.RecordError(span, err)
		h.metrics.EventFailed()
		return err
	}

	inserted, err := h.repo.Append(ctx, evt)
	if err != nil {
		telemetry.RecordError(span, err)
		h.metrics.EventFailed()
		h.logger.Error("Failed to append audit event",
			zap.String("event_id", evt.EventID().String()),
			zap.String("invoice_id", evt.InvoiceID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("append audit event %s: %w", evt.EventID(), err)
	}
	if !inserted {
		h.metrics.EventDuplicate()
		h.logger.Debug("Audit event already stored",
			zap.String("event_id", evt.EventID().String()),
		)
		return nil
	}

	h.metrics.EventConsumed(evt.EventType())
	h.logger.Info("Audit event stored",
		zap.String("event_id", evt.EventID().String()),
		zap.String("event_type", evt.EventType()),
		zap.String("tenant_id", evt.TenantID().String()),
		zap.String("invoice_id", evt.InvoiceID.String()),
	)
	telemetry.SetOK(span)
	return nil
}

var _ shared.EventHandler = (*LogHandler)(nil)
