package middleware

import (
	"errors"
	"time"

	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type HTTPMetricsConfig struct {
	MeterProvider *telemetry.MeterProvider
	Enabled       bool
}

// requestSizeBuckets tops out near the default body limit; invoices are a few KB.
var requestSizeBuckets = []float64{128, 512, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20}

type serverInstruments struct {
	requests *telemetry.Counter
	latency  *telemetry.Histogram
	size     *telemetry.Histogram
	inFlight metric.Int64UpDownCounter
}

func newServerInstruments(meter metric.Meter) (*serverInstruments, error) {
	var si serverInstruments
	var errs [4]error
	si.requests, errs[0] = telemetry.NewCounter(meter,
		"http_server_request_total", "HTTP requests served", "{request}")
	si.latency, errs[1] = telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "http_server_request_duration_seconds",
		Description: "HTTP request latency",
		Unit:        "s",
		Boundaries:  telemetry.HTTPDurationBuckets,
	})
	si.size, errs[2] = telemetry.NewHistogram(meter, telemetry.HistogramOpts{
		Name:        "http_server_request_size_bytes",
		Description: "HTTP request body size",
		Unit:        "By",
		Boundaries:  requestSizeBuckets,
	})
	si.inFlight, errs[3] = meter.Int64UpDownCounter("http_server_active_requests",
		metric.WithDescription("HTTP requests in flight"),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &si, nil
}

// HTTPMetrics records request count, latency, body size and in-flight
// requests. It is a no-op unless cfg enables it with a live provider.
func HTTPMetrics(cfg HTTPMetricsConfig) gin.HandlerFunc {
	if !cfg.Enabled || cfg.MeterProvider == nil || !cfg.MeterProvider.IsEnabled() {
		return passThrough
	}
	return HTTPMetricsWithMeter(cfg.MeterProvider.Meter("http.server"), true)
}

// HTTPMetricsWithMeter is HTTPMetrics on a caller supplied meter. Routes are
// labelled by pattern, never by raw path; the count also carries the status
// and, when known, the tenant.
func HTTPMetricsWithMeter(meter metric.Meter, enabled bool) gin.HandlerFunc {
	if !enabled {
		return passThrough
	}
	si, err := newServerInstruments(meter)
	if err != nil {
		return passThrough
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		began := time.Now()
		si.inFlight.Add(ctx, 1)
		defer si.inFlight.Add(ctx, -1)

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		labels := []attribute.KeyValue{
			telemetry.AttrHTTPMethod.String(c.Request.Method),
			telemetry.AttrHTTPRoute.String(route),
		}
		si.latency.RecordDuration(ctx, time.Since(began), labels...)
		if n := c.Request.ContentLength; n > 0 {
			si.size.Record(ctx, float64(n), labels...)
		}

		labels = append(labels, telemetry.AttrHTTPStatusCode.Int(c.Writer.Status()))
		if tenant, ok := GetTenantUUID(c); ok {
			labels = append(labels, telemetry.AttrTenantID.String(tenant.String()))
		}
		si.requests.Inc(ctx, labels...)
	}
}

func passThrough(c *gin.Context) { c.Next() }
