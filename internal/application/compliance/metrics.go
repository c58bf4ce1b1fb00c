package compliance

import (
	"context"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
)

// Authority call outcomes used as metric labels
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport_error"
)

// Metrics receives pipeline measurements. The telemetry package provides the
// OpenTelemetry implementation.
type Metrics interface {
	RecordTransition(ctx context.Context, state compliance.SubmissionState)
	RecordChainConflict(ctx context.Context)
	RecordAuthorityCall(ctx context.Context, d time.Duration, outcome string)
	RecordRetryScheduled(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(context.Context, compliance.SubmissionState) {}
func (noopMetrics) RecordChainConflict(context.Context) {}
func (noopMetrics) RecordAuthorityCall(context.Context, time.Duration, string) {}
func (noopMetrics) RecordRetryScheduled(context.Context) {}
