package telemetry

import (
	"context"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// ComplianceMetrics records submission pipeline measurements through the
// OpenTelemetry metric API.
type ComplianceMetrics struct {
	logger *zap.Logger

	submissionsTotal     *Counter
	chainConflictsTotal  *Counter
	retriesScheduled     *Counter
	authorityCallSeconds *Histogram
	outboxPublished      *Counter
}

// ComplianceMetricsConfig holds configuration for pipeline metrics.
type ComplianceMetricsConfig struct {
	Meter  metric.Meter
	Logger *zap.Logger
}

// NewComplianceMetrics creates the pipeline instruments.
func NewComplianceMetrics(cfg ComplianceMetricsConfig) (*ComplianceMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cm := &ComplianceMetrics{logger: logger}

	var err error
	cm.submissionsTotal, err = NewCounter(
		cfg.Meter,
		"compliance_submissions_total",
		"Submission state transitions by target state",
		"{transitions}",
	)
	if err != nil {
		return nil, err
	}

	cm.chainConflictsTotal, err = NewCounter(
		cfg.Meter,
		"compliance_chain_conflicts_total",
		"Chain commits lost to a concurrent writer",
		"{conflicts}",
	)
	if err != nil {
		return nil, err
	}

	cm.retriesScheduled, err = NewCounter(
		cfg.Meter,
		"compliance_retries_scheduled_total",
		"Submission retries scheduled after a transport failure",
		"{retries}",
	)
	if err != nil {
		return nil, err
	}

	cm.authorityCallSeconds, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "compliance_authority_call_duration_seconds",
		Description: "Duration of calls to the compliance authority",
		Unit:        "s",
		Boundaries:  AuthorityDurationBuckets,
	})
	if err != nil {
		return nil, err
	}

	cm.outboxPublished, err = NewCounter(
		cfg.Meter,
		"compliance_outbox_publish_total",
		"Outbox publish attempts by event type and outcome",
		"{messages}",
	)
	if err != nil {
		return nil, err
	}

	return cm, nil
}

// RecordTransition counts a transition into state.
func (cm *ComplianceMetrics) RecordTransition(ctx context.Context, state compliance.SubmissionState) {
	cm.submissionsTotal.Inc(ctx, AttrSubmissionState.String(string(state)))
}

// RecordChainConflict counts a lost chain commit race.
func (cm *ComplianceMetrics) RecordChainConflict(ctx context.Context) {
	cm.chainConflictsTotal.Inc(ctx)
}

// RecordAuthorityCall records the duration and outcome of one authority call.
func (cm *ComplianceMetrics) RecordAuthorityCall(ctx context.Context, d time.Duration, outcome string) {
	cm.authorityCallSeconds.RecordDuration(ctx, d, AttrOutcome.String(outcome))
}

// RecordRetryScheduled counts a scheduled retry.
func (cm *ComplianceMetrics) RecordRetryScheduled(ctx context.Context) {
	cm.retriesScheduled.Inc(ctx)
}

// OutboxPublished counts one relay publish attempt. outcome is delivered,
// failed or dead.
func (cm *ComplianceMetrics) OutboxPublished(ctx context.Context, eventType, outcome string) {
	cm.outboxPublished.Inc(ctx, AttrEventType.String(eventType), AttrOutcome.String(outcome))
}
