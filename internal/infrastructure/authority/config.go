// Package authority implements compliance authority clients: an HTTP client
// for a real endpoint and a mock authority for development and tests.
package authority

import (
	"errors"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/infrastructure/config"
	"go.uber.org/zap"
)

// Client modes
const (
	ModeMock = "mock"
	ModeHTTP = "http"
)

// Errors for authority configuration
var (
	ErrMissingEndpoint = errors.New("authority: endpoint is required")
	ErrMissingAPIKey   = errors.New("authority: api key is required")
	ErrInvalidRatio    = errors.New("authority: mock outcome ratios must be non-negative and sum to at most 1")
	ErrUnknownMode     = errors.New("authority: mode must be 'mock' or 'http'")
)

// HTTPConfig holds configuration for the HTTP authority client
type HTTPConfig struct {
	Endpoint  string
	APIKey    string
	RateLimit float64 // requests per second, 0 disables limiting
	Burst     int
	Timeout   time.Duration
}

// Validate validates the HTTP client configuration and applies defaults
func (c *HTTPConfig) Validate() error {
	if c.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return nil
}

// MockConfig holds configuration for the mock authority
type MockConfig struct {
	AcceptRatio  float64
	RejectRatio  float64
	TimeoutRatio float64
	Latency      time.Duration
	Seed         int64
}

// DefaultMockConfig returns the 70/20/10 outcome split
func DefaultMockConfig() MockConfig {
	return MockConfig{
		AcceptRatio:  0.7,
		RejectRatio:  0.2,
		TimeoutRatio: 0.1,
		Latency:      50 * time.Millisecond,
	}
}

// Validate checks the outcome ratios
func (c *MockConfig) Validate() error {
	if c.AcceptRatio < 0 || c.RejectRatio < 0 || c.TimeoutRatio < 0 {
		return ErrInvalidRatio
	}
	if c.AcceptRatio+c.RejectRatio+c.TimeoutRatio > 1.0000001 {
		return ErrInvalidRatio
	}
	return nil
}

// NewFromConfig builds the client selected by cfg.Mode
func NewFromConfig(cfg config.AuthorityConfig, logger *zap.Logger) (compliance.ComplianceClient, error) {
	switch cfg.Mode {
	case ModeMock, "":
		return NewMockClient(MockConfig{
			AcceptRatio:  cfg.MockAcceptRatio,
			RejectRatio:  cfg.MockRejectRatio,
			TimeoutRatio: cfg.MockTimeoutRatio,
			Latency:      cfg.MockLatency,
			Seed:         cfg.MockSeed,
		}, logger)
	case ModeHTTP:
		taxonomy, err := compliance.NewErrorTaxonomy(cfg.TransientCodes, cfg.RejectCodes, compliance.OutcomeClass(cfg.UnknownCodePolicy))
		if err != nil {
			return nil, err
		}
		return NewHTTPClient(HTTPConfig{
			Endpoint:  cfg.Endpoint,
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
			Burst:     cfg.Burst,
			Timeout:   cfg.Timeout,
		}, taxonomy, logger)
	default:
		return nil, ErrUnknownMode
	}
}
