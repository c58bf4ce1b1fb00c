package scheduler

import (
	"context"
	"sync"
	"time"

	appcompliance "github.com/erp/compliance/internal/application/compliance"
	"go.uber.org/zap"
)

// Recoverer finds submissions that stalled and puts them back in motion
type Recoverer interface {
	Recover(ctx context.Context) (appcompliance.RecoveryReport, error)
}

// RecoveryTriggerConfig holds configuration for the recovery trigger
type RecoveryTriggerConfig struct {
	// Interval between sweeps
	Interval time.Duration
	// RunOnStart sweeps once immediately, picking up work left by a crash
	RunOnStart bool
}

// DefaultRecoveryTriggerConfig returns default recovery trigger configuration
func DefaultRecoveryTriggerConfig() RecoveryTriggerConfig {
	return RecoveryTriggerConfig{
		Interval:   time.Minute,
		RunOnStart: true,
	}
}

// RecoveryTrigger runs the recovery sweep periodically
type RecoveryTrigger struct {
	config    RecoveryTriggerConfig
	recoverer Recoverer
	logger    *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	lastRun   time.Time
}

// NewRecoveryTrigger creates a new recovery trigger
func NewRecoveryTrigger(config RecoveryTriggerConfig, recoverer Recoverer, logger *zap.Logger) *RecoveryTrigger {
	if config.Interval <= 0 {
		config.Interval = DefaultRecoveryTriggerConfig().Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryTrigger{
		config:    config,
		recoverer: recoverer,
		logger:    logger,
	}
}

// Start starts the trigger
func (c *RecoveryTrigger) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("Recovery trigger started",
		zap.Duration("interval", c.config.Interval),
		zap.Bool("run_on_start", c.config.RunOnStart),
	)
	return nil
}

// Stop stops the trigger
func (c *RecoveryTrigger) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Recovery trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastRun returns when the last sweep finished
func (c *RecoveryTrigger) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

func (c *RecoveryTrigger) runLoop(ctx context.Context) {
	defer c.wg.Done()

	if c.config.RunOnStart {
		c.sweep(ctx)
	}

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *RecoveryTrigger) sweep(ctx context.Context) {
	report, err := c.recoverer.Recover(ctx)
	if err != nil {
		c.logger.Error("Recovery sweep failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()

	c.logger.Debug("Recovery sweep finished", zap.Any("report", report))
}
