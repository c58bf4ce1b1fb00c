package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

func TestNewComplianceMetrics(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")

	cm, err := telemetry.NewComplianceMetrics(telemetry.ComplianceMetricsConfig{
		Meter:  meter,
		Logger: zap.NewNop(),
	})

	require.NoError(t, err)
	require.NotNil(t, cm)
}

func TestNewComplianceMetrics_NilMeter(t *testing.T) {
	cm, err := telemetry.NewComplianceMetrics(telemetry.ComplianceMetricsConfig{})

	require.Error(t, err)
	assert.Nil(t, cm)
	assert.Equal(t, "NewComplianceMetrics: meter cannot be nil", err.Error())
}

func TestComplianceMetrics_Records(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	cm, err := telemetry.NewComplianceMetrics(telemetry.ComplianceMetricsConfig{
		Meter: provider.Meter("compliance-test"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	cm.RecordTransition(ctx, compliance.StateSent)
	cm.RecordTransition(ctx, compliance.StateSent)
	cm.RecordTransition(ctx, compliance.StateAccepted)
	cm.RecordChainConflict(ctx)
	cm.RecordRetryScheduled(ctx)
	cm.RecordAuthorityCall(ctx, 120*time.Millisecond, "accepted")
	cm.OutboxPublished(ctx, "SUBMITTED", "delivered")
	cm.OutboxPublished(ctx, "SUBMITTED", "failed")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	submissions, ok := byName["compliance_submissions_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	counts := make(map[string]int64)
	for _, dp := range submissions.DataPoints {
		state, _ := dp.Attributes.Value(telemetry.AttrSubmissionState)
		counts[state.AsString()] = dp.Value
	}
	assert.Equal(t, int64(2), counts["SENT"])
	assert.Equal(t, int64(1), counts["ACCEPTED"])

	conflicts, ok := byName["compliance_chain_conflicts_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, conflicts.DataPoints, 1)
	assert.Equal(t, int64(1), conflicts.DataPoints[0].Value)

	calls, ok := byName["compliance_authority_call_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, calls.DataPoints, 1)
	assert.Equal(t, uint64(1), calls.DataPoints[0].Count)

	assert.Contains(t, byName, "compliance_retries_scheduled_total")

	published, ok := byName["compliance_outbox_publish_total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, published.DataPoints, 2, "one series per outcome")
}
