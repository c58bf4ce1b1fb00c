// Package logger builds the service's zap loggers and carries request scoped
// fields through contexts and gin.
package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and destination.
type Config struct {
	Level  string // debug, info, warn or error
	Format string // json or console
	// Output is stdout, stderr or a file path.
	Output     string
	TimeFormat string
}

const defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"

func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "console", Output: "stdout", TimeFormat: defaultTimeFormat}
}

type Option func(*build)

type build struct {
	tees   []zapcore.Core
	fields []zap.Field
}

// WithCore also sends every entry to core, which filters at its own level.
func WithCore(core zapcore.Core) Option {
	return func(b *build) {
		if core != nil {
			b.tees = append(b.tees, core)
		}
	}
}

// WithFields stamps fields on every entry.
func WithFields(fields ...zap.Field) Option {
	return func(b *build) { b.fields = append(b.fields, fields...) }
}

// New builds a logger from cfg; nil means DefaultConfig.
func New(cfg *Config, opts ...Option) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var b build
	for _, opt := range opts {
		opt(&b)
	}

	output := cfg.Output
	if output == "" {
		output = "stdout"
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", output, err)
	}

	var core zapcore.Core = zapcore.NewCore(encoder(cfg), sink, ParseLevel(cfg.Level))
	if len(b.tees) > 0 {
		core = zapcore.NewTee(append([]zapcore.Core{core}, b.tees...)...)
	}
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel), zap.Fields(b.fields...)), nil
}

// ParseLevel reads a level name case-insensitively. Unknown names mean info.
func ParseLevel(level string) zapcore.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return zapcore.WarnLevel
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil || l < zapcore.DebugLevel || l > zapcore.ErrorLevel {
		return zapcore.InfoLevel
	}
	return l
}

func encoder(cfg *Config) zapcore.Encoder {
	layout := cfg.TimeFormat
	if layout == "" {
		layout = defaultTimeFormat
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "time"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(layout)
	ec.EncodeDuration = zapcore.MillisDurationEncoder
	ec.FunctionKey = zapcore.OmitKey

	if strings.EqualFold(cfg.Format, "console") {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}
