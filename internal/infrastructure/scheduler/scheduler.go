// Package scheduler runs submission attempts on a bounded worker pool and
// triggers the periodic recovery sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSchedulerNotRunning = errors.New("scheduler not running")
	ErrJobQueueFull        = errors.New("scheduler queue full")
	ErrInvalidConfig       = errors.New("bad scheduler config")
)

// Job is one queued submission attempt
type Job struct {
	TenantID  uuid.UUID
	InvoiceID uuid.UUID
}

// Processor runs one attempt for a submission
type Processor interface {
	Process(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error)
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:    4,
		QueueSize:  1024,
		JobTimeout: 2 * time.Minute,
	}
}

// Validate checks the configuration
func (c SchedulerConfig) Validate() error {
	if c.Workers <= 0 || c.QueueSize <= 0 || c.JobTimeout <= 0 {
		return fmt.Errorf("%w: workers, queue size and job timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Scheduler hands submissions to a fixed pool of workers. Dispatch never
// blocks: a full queue is reported and the recovery sweep picks the job up.
type Scheduler struct {
	config    SchedulerConfig
	processor Processor
	logger    *zap.Logger

	jobs      chan Job
	timers    map[*time.Timer]struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewScheduler creates a new scheduler instance
func NewScheduler(config SchedulerConfig, processor Processor, logger *zap.Logger) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config:    config,
		processor: processor,
		logger:    logger,
		jobs:      make(chan Job, config.QueueSize),
		timers:    make(map[*time.Timer]struct{}),
	}, nil
}

// SetProcessor sets the processor. The coordinator and the scheduler refer to
// each other, so one of them is wired after construction.
func (s *Scheduler) SetProcessor(p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processor = p
}

// Start starts the worker pool
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	if s.processor == nil {
		return fmt.Errorf("%w: no processor", ErrInvalidConfig)
	}
	s.isRunning = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info("Submission scheduler started",
		zap.Int("workers", s.config.Workers),
		zap.Int("queue_size", s.config.QueueSize),
		zap.Duration("job_timeout", s.config.JobTimeout),
	)
	return nil
}

// Stop cancels pending timers and waits for running attempts. Jobs still in
// the queue are left to the recovery sweep of the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	for t := range s.timers {
		t.Stop()
	}
	clear(s.timers)
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Submission scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Submission scheduler stop timed out")
		return ctx.Err()
	}
}

// Dispatch queues an attempt for the submission
func (s *Scheduler) Dispatch(tenantID, invoiceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return ErrSchedulerNotRunning
	}

	select {
	case s.jobs <- Job{TenantID: tenantID, InvoiceID: invoiceID}:
		s.logger.Debug("Submission dispatched",
			zap.String("tenant_id", tenantID.String()),
			zap.String("invoice_id", invoiceID.String()),
		)
		return nil
	default:
		return ErrJobQueueFull
	}
}

// DispatchAfter queues an attempt once delay has passed, without holding a worker
func (s *Scheduler) DispatchAfter(delay time.Duration, tenantID, invoiceID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		s.mu.Unlock()

		if err := s.Dispatch(tenantID, invoiceID); err != nil {
			s.logger.Warn("Delayed dispatch deferred to recovery sweep",
				zap.String("tenant_id", tenantID.String()),
				zap.String("invoice_id", invoiceID.String()),
				zap.Error(err),
			)
		}
	})
	s.timers[timer] = struct{}{}
}

// Pending returns the number of queued jobs and armed timers
func (s *Scheduler) Pending() (queued, delayed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs), len(s.timers)
}

// worker processes jobs from the queue
func (s *Scheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Worker started", zap.Int("worker_id", workerID))

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Worker stopping", zap.Int("worker_id", workerID))
			return
		case job := <-s.jobs:
			s.processJob(ctx, job, workerID)
		}
	}
}

// processJob runs a single attempt. Failures are already recorded on the
// submission by the processor, so they are only logged here.
func (s *Scheduler) processJob(ctx context.Context, job Job, workerID int) {
	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	s.mu.Lock()
	processor := s.processor
	s.mu.Unlock()

	rec, err := processor.Process(jobCtx, job.TenantID, job.InvoiceID)
	if err != nil {
		s.logger.Error("Submission attempt failed",
			zap.Int("worker_id", workerID),
			zap.String("tenant_id", job.TenantID.String()),
			zap.String("invoice_id", job.InvoiceID.String()),
			zap.Error(err),
		)
		return
	}
	if rec != nil {
		s.logger.Debug("Submission attempt finished",
			zap.Int("worker_id", workerID),
			zap.String("invoice_id", job.InvoiceID.String()),
			zap.String("state", string(rec.State)),
		)
	}
}
