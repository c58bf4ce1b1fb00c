package logger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

const defaultSlowSQL = 200 * time.Millisecond

// SQLLogger routes GORM statement logs to zap. Every entry carries the
// request, tenant and invoice identifiers and the trace of its context.
type SQLLogger struct {
	base         *zap.Logger
	level        gormlogger.LogLevel
	slow         time.Duration
	keepNotFound bool
}

// SQLOption configures a SQLLogger.
type SQLOption func(*SQLLogger)

// WithSlowThreshold logs statements at or above d as slow. Zero disables it.
func WithSlowThreshold(d time.Duration) SQLOption {
	return func(l *SQLLogger) { l.slow = d }
}

// LogRecordNotFound reports gorm.ErrRecordNotFound as an error. By default
// lookups that find nothing are not logged.
func LogRecordNotFound() SQLOption {
	return func(l *SQLLogger) { l.keepNotFound = true }
}

// NewSQLLogger logs at the GORM level matching level, see GormLevel.
func NewSQLLogger(base *zap.Logger, level string, opts ...SQLOption) *SQLLogger {
	l := &SQLLogger{
		base:  base.Named("sql"),
		level: GormLevel(level),
		slow:  defaultSlowSQL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GormLevel maps an application log level to GORM's coarser scale. Debug
// and info both show every statement; anything unknown means warn.
func GormLevel(level string) gormlogger.LogLevel {
	switch level {
	case "silent":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "info", "debug":
		return gormlogger.Info
	}
	return gormlogger.Warn
}

func (l *SQLLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *SQLLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		Enrich(ctx, l.base).Sugar().Infof(msg, args...)
	}
}

func (l *SQLLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		Enrich(ctx, l.base).Sugar().Warnf(msg, args...)
	}
}

func (l *SQLLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		Enrich(ctx, l.base).Sugar().Errorf(msg, args...)
	}
}

// Trace logs one finished statement: failures at error, slow statements at
// warn and the rest at debug, each only when the level admits it.
func (l *SQLLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	failed := err != nil && (l.keepNotFound || !errors.Is(err, gormlogger.ErrRecordNotFound))
	slow := l.slow > 0 && elapsed >= l.slow

	var emit func(string, ...zap.Field)
	var msg string
	log := Enrich(ctx, l.base)
	switch {
	case failed && l.level >= gormlogger.Error:
		emit, msg = log.Error, "SQL statement failed"
	case slow && l.level >= gormlogger.Warn:
		emit, msg = log.Warn, "Slow SQL statement"
	case !failed && l.level >= gormlogger.Info:
		emit, msg = log.Debug, "SQL statement"
	default:
		return
	}

	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", elapsed),
	}
	if failed {
		fields = append(fields, zap.Error(err))
	}
	if slow {
		fields = append(fields, zap.Duration("threshold", l.slow))
	}
	emit(msg, fields...)
}

var _ gormlogger.Interface = (*SQLLogger)(nil)
