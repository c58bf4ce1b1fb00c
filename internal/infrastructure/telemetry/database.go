package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const queryStartKey = "compliance:query_start"

// DBTracingConfig configures gorm span instrumentation.
type DBTracingConfig struct {
	Enabled          bool
	LogFullSQL       bool
	SlowQueryThresh  time.Duration
	DBSystem         string
	WithoutVariables bool
}

// DefaultDBTracingConfig hides bind variables and flags queries over 200ms.
func DefaultDBTracingConfig() DBTracingConfig {
	return DBTracingConfig{
		Enabled:          true,
		SlowQueryThresh:  200 * time.Millisecond,
		DBSystem:         "postgresql",
		WithoutVariables: true,
	}
}

// DBTracingPlugin installs otelgorm and a slow query detector.
type DBTracingPlugin struct {
	cfg    DBTracingConfig
	logger *zap.Logger
}

// NewDBTracingPlugin creates the plugin; install it with gorm's DB.Use.
func NewDBTracingPlugin(cfg DBTracingConfig, logger *zap.Logger) *DBTracingPlugin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBTracingPlugin{cfg: cfg, logger: logger}
}

// Name implements gorm.Plugin.
func (p *DBTracingPlugin) Name() string { return "compliance:tracing" }

// Initialize attaches span creation to every gorm statement on db.
func (p *DBTracingPlugin) Initialize(db *gorm.DB) error {
	if !p.cfg.Enabled {
		return nil
	}
	opts := []otelgorm.Option{otelgorm.WithDBName(p.cfg.DBSystem)}
	if p.cfg.WithoutVariables {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return fmt.Errorf("register otelgorm: %w", err)
	}
	if p.cfg.SlowQueryThresh <= 0 {
		return nil
	}
	return registerTimingCallbacks(db, "compliance_trace", p.flagSlow)
}

func (p *DBTracingPlugin) flagSlow(op string, db *gorm.DB, elapsed time.Duration) {
	if elapsed < p.cfg.SlowQueryThresh {
		return
	}
	span := trace.SpanFromContext(db.Statement.Context)
	span.SetAttributes(attribute.Bool("db.slow_query", true), attribute.Int64("db.duration_ms", elapsed.Milliseconds()))

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("table", db.Statement.Table),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", db.RowsAffected),
	}
	if p.cfg.LogFullSQL {
		fields = append(fields, zap.String("sql", db.Statement.SQL.String()))
	}
	p.logger.Warn("Slow database query", fields...)
}

// DBMetricsConfig configures query and pool instruments.
type DBMetricsConfig struct {
	MeterName        string
	CollectPoolStats bool
}

// DefaultDBMetricsConfig collects both query timings and pool statistics.
func DefaultDBMetricsConfig() DBMetricsConfig {
	return DBMetricsConfig{MeterName: "compliance/database", CollectPoolStats: true}
}

// DBMetrics records per-statement counts and latency, and observes the
// connection pool on every collection cycle.
type DBMetrics struct {
	queries  *Counter
	errors   *Counter
	duration *Histogram
	pool     metric.Registration
	logger   *zap.Logger
}

// RegisterDBMetrics instruments db with the meters of mp. It returns nil
// metrics when mp is disabled; Stop is safe on the nil value.
func RegisterDBMetrics(db *gorm.DB, mp *MeterProvider, cfg DBMetricsConfig, logger *zap.Logger) (*DBMetrics, error) {
	if !mp.IsEnabled() {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m, err := newDBMetrics(mp.Meter(cfg.MeterName), logger)
	if err != nil {
		return nil, err
	}
	if err := registerTimingCallbacks(db, "compliance_metrics", m.observe); err != nil {
		return nil, err
	}
	if cfg.CollectPoolStats {
		if err := m.observePool(mp.Meter(cfg.MeterName), db); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newDBMetrics(meter metric.Meter, logger *zap.Logger) (*DBMetrics, error) {
	m := &DBMetrics{logger: logger}
	var err error
	if m.queries, err = NewCounter(meter, "db_queries_total", "Statements executed", "{query}"); err != nil {
		return nil, err
	}
	if m.errors, err = NewCounter(meter, "db_query_errors_total", "Statements that returned an error", "{query}"); err != nil {
		return nil, err
	}
	m.duration, err = NewHistogram(meter, HistogramOpts{
		Name:        "db_query_duration_seconds",
		Description: "Statement latency",
		Unit:        "s",
		Boundaries:  DBDurationBuckets,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DBMetrics) observe(op string, db *gorm.DB, elapsed time.Duration) {
	ctx := db.Statement.Context
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := []attribute.KeyValue{AttrDBOperation.String(op), AttrDBTable.String(db.Statement.Table)}
	m.queries.Inc(ctx, attrs...)
	m.duration.RecordDuration(ctx, elapsed, attrs...)
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		m.errors.Inc(ctx, attrs...)
	}
}

func (m *DBMetrics) observePool(meter metric.Meter, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	open, err := meter.Int64ObservableGauge("db_pool_open_connections", metric.WithDescription("Open connections"))
	if err != nil {
		return err
	}
	inUse, err := meter.Int64ObservableGauge("db_pool_in_use_connections", metric.WithDescription("Connections in use"))
	if err != nil {
		return err
	}
	idle, err := meter.Int64ObservableGauge("db_pool_idle_connections", metric.WithDescription("Idle connections"))
	if err != nil {
		return err
	}
	waits, err := meter.Int64ObservableCounter("db_pool_wait_total", metric.WithDescription("Connections waited for"))
	if err != nil {
		return err
	}
	m.pool, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := sqlDB.Stats()
		o.ObserveInt64(open, int64(s.OpenConnections))
		o.ObserveInt64(inUse, int64(s.InUse))
		o.ObserveInt64(idle, int64(s.Idle))
		o.ObserveInt64(waits, s.WaitCount)
		return nil
	}, open, inUse, idle, waits)
	return err
}

// Stop unregisters the pool observer.
func (m *DBMetrics) Stop() {
	if m == nil || m.pool == nil {
		return
	}
	if err := m.pool.Unregister(); err != nil {
		m.logger.Warn("Failed to unregister pool metrics", zap.Error(err))
	}
}

// registerTimingCallbacks stamps the start time before each gorm processor
// and calls after with the elapsed time once it finishes.
func registerTimingCallbacks(db *gorm.DB, prefix string, after func(op string, db *gorm.DB, elapsed time.Duration)) error {
	start := func(tx *gorm.DB) { tx.InstanceSet(queryStartKey, time.Now()) }
	done := func(op string) func(*gorm.DB) {
		return func(tx *gorm.DB) {
			v, ok := tx.InstanceGet(queryStartKey)
			if !ok {
				return
			}
			if t, ok := v.(time.Time); ok {
				after(op, tx, time.Since(t))
			}
		}
	}
	cb := db.Callback()
	name := func(when, op string) string { return prefix + ":" + when + "_" + op }
	return errors.Join(
		cb.Create().Before("gorm:create").Register(name("before", "create"), start),
		cb.Create().After("gorm:create").Register(name("after", "create"), done("create")),
		cb.Query().Before("gorm:query").Register(name("before", "query"), start),
		cb.Query().After("gorm:query").Register(name("after", "query"), done("query")),
		cb.Update().Before("gorm:update").Register(name("before", "update"), start),
		cb.Update().After("gorm:update").Register(name("after", "update"), done("update")),
		cb.Delete().Before("gorm:delete").Register(name("before", "delete"), start),
		cb.Delete().After("gorm:delete").Register(name("after", "delete"), done("delete")),
		cb.Row().Before("gorm:row").Register(name("before", "row"), start),
		cb.Row().After("gorm:row").Register(name("after", "row"), done("row")),
		cb.Raw().Before("gorm:raw").Register(name("before", "raw"), start),
		cb.Raw().After("gorm:raw").Register(name("after", "raw"), done("raw")),
	)
}
