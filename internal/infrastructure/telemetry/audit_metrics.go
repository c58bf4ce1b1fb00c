package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AuditConsumerMetrics holds Prometheus metrics for the audit consumer.
type AuditConsumerMetrics struct {
	Consumed     *prometheus.CounterVec
	Duplicate    prometheus.Counter
	Failed       prometheus.Counter
	DeadLettered *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewAuditConsumerMetrics registers the audit consumer metrics on a dedicated registry.
func NewAuditConsumerMetrics() *AuditConsumerMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &AuditConsumerMetrics{
		Consumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_consumed_total",
			Help: "Total number of audit events appended to the audit log",
		}, []string{"event_type"}),
		Duplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_duplicate_total",
			Help: "Total number of redelivered audit events ignored by deduplication",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_failed_total",
			Help: "Total number of audit events whose append failed",
		}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_dead_lettered_total",
			Help: "Total number of audit messages forwarded to the dead letter queue",
		}, []string{"reason"}),
		registry: reg,
	}
}

// EventConsumed increments the consumed counter.
func (m *AuditConsumerMetrics) EventConsumed(eventType string) {
	m.Consumed.WithLabelValues(eventType).Inc()
}

// EventDuplicate increments the duplicate counter.
func (m *AuditConsumerMetrics) EventDuplicate() {
	m.Duplicate.Inc()
}

// EventFailed increments the failed counter.
func (m *AuditConsumerMetrics) EventFailed() {
	m.Failed.Inc()
}

// EventDeadLettered increments the dead letter counter.
func (m *AuditConsumerMetrics) EventDeadLettered(reason string) {
	m.DeadLettered.WithLabelValues(reason).Inc()
}

// Registry exposes the underlying registry.
func (m *AuditConsumerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *AuditConsumerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	})
}
