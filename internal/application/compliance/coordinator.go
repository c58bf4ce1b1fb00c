package compliance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Authority codes recorded for failures that did not come from the authority
const (
	CodeInterrupted = "INTERRUPTED"
)

// CoordinatorConfig configures the submission state machine
type CoordinatorConfig struct {
	MaxAttempts       int
	CallTimeout       time.Duration
	Backoff           BackoffPolicy
	RecoveryBatchSize int
	// StalePendingAfter is how long a PENDING record may sit before recovery re-dispatches it
	StalePendingAfter time.Duration
	// StaleSentAfter is how long a SENT record may wait for an outcome before it is treated as interrupted
	StaleSentAfter time.Duration
}

// DefaultCoordinatorConfig returns the built-in defaults
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		MaxAttempts:       5,
		CallTimeout:       10 * time.Second,
		Backoff:           DefaultBackoffPolicy(),
		RecoveryBatchSize: 100,
		StalePendingAfter: 30 * time.Second,
		StaleSentAfter:    2 * time.Minute,
	}
}

// CoordinatorOption configures optional coordinator collaborators
type CoordinatorOption func(*Coordinator)

// WithMetrics sets the pipeline metrics sink
func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithDispatcher sets the background dispatcher
func WithDispatcher(d Dispatcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.dispatcher = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator drives each invoice through encode, link, submit and outcome
// recording. It is the only writer of submission records. Every transition is
// persisted together with its audit events, so publication survives restarts.
type Coordinator struct {
	encoder    *compliance.CanonicalEncoder
	linker     *ChainLinker
	chains     compliance.ChainRepository
	records    compliance.SubmissionRepository
	client     compliance.ComplianceClient
	dispatcher Dispatcher
	config     CoordinatorConfig
	locks      *keyedMutex
	metrics    Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewCoordinator creates a submission coordinator
func NewCoordinator(
	cfg CoordinatorConfig,
	encoder *compliance.CanonicalEncoder,
	linker *ChainLinker,
	chains compliance.ChainRepository,
	records compliance.SubmissionRepository,
	client compliance.ComplianceClient,
	logger *zap.Logger,
	opts ...CoordinatorOption,
) *Coordinator {
	defaults := DefaultCoordinatorConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}
	if cfg.RecoveryBatchSize <= 0 {
		cfg.RecoveryBatchSize = defaults.RecoveryBatchSize
	}
	if cfg.StalePendingAfter <= 0 {
		cfg.StalePendingAfter = defaults.StalePendingAfter
	}
	if cfg.StaleSentAfter <= 0 {
		cfg.StaleSentAfter = defaults.StaleSentAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		encoder: encoder,
		linker:  linker,
		chains:  chains,
		records: records,
		client:  client,
		config:  cfg,
		locks:   newKeyedMutex(),
		metrics: noopMetrics{},
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetDispatcher attaches the dispatcher after construction. The worker pool
// needs the coordinator as its executor, so one of the two is wired late.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Submit registers the invoice and runs its first attempt on the caller's
// goroutine. Retries after a transport failure are dispatched asynchronously.
// The returned record reflects the state after the attempt; authority
// rejections are recorded on it rather than returned as errors.
func (c *Coordinator) Submit(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	ctx, span := telemetry.StartSpan(ctx, "compliance.submit",
		telemetry.WithAttribute("tenant_id", tenantID.String()),
	)
	defer span.End()

	rec, err := c.intake(ctx, tenantID, inv)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if rec.State != compliance.StatePending {
		return rec, nil
	}
	rec, err = c.Process(ctx, tenantID, rec.InvoiceID)
	if err != nil {
		telemetry.RecordError(span, err)
		return rec, err
	}
	telemetry.SetAttribute(span, "state", string(rec.State))
	return rec, nil
}

// Enqueue registers the invoice as PENDING and hands it to the worker pool.
// A full queue is not an error: the recovery sweep picks the record up.
func (c *Coordinator) Enqueue(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	rec, err := c.intake(ctx, tenantID, inv)
	if err != nil {
		return nil, err
	}
	if rec.State == compliance.StatePending {
		c.dispatch(rec.TenantID, rec.InvoiceID)
	}
	return rec, nil
}

// intake encodes the invoice and creates its PENDING record. The payload is
// fixed here and never recomputed. Re-submitting the same invoice returns the
// existing record; re-submitting it with different content is refused.
func (c *Coordinator) intake(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	// The invoice id keys the record and the chain entry; it is not part of the payload.
	if inv != nil && inv.ID == uuid.Nil {
		return nil, &compliance.EncodingError{Field: "id", Reason: compliance.ReasonMissingInvoiceID}
	}
	payload, err := c.encoder.Encode(tenantID, inv)
	if err != nil {
		return nil, err
	}

	rec := compliance.NewSubmissionRecord(tenantID, inv.ID, inv.InvoiceNumber)
	rec.CanonicalPayload = payload
	rec.CreatedAt = c.now()
	rec.UpdatedAt = rec.CreatedAt

	err = c.records.Create(ctx, rec)
	if err == nil {
		c.logger.Info("Submission registered",
			zap.String("tenant_id", tenantID.String()),
			zap.String("invoice_id", inv.ID.String()),
			zap.String("invoice_number", inv.InvoiceNumber),
		)
		return rec, nil
	}
	if !errors.Is(err, shared.ErrAlreadyExists) {
		return nil, fmt.Errorf("create submission record: %w", err)
	}

	existing, err := c.records.Get(ctx, tenantID, inv.ID)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(existing.CanonicalPayload, payload) {
		return nil, shared.NewDomainError("INVOICE_MODIFIED",
			fmt.Sprintf("invoice %s was already submitted with different content", inv.ID))
	}
	return existing, nil
}

// Process advances one submission by a single attempt: PENDING records are
// linked and sent, ERROR records whose backoff has elapsed are re-sent with
// the stored payload. Other states are left untouched.
func (c *Coordinator) Process(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	unlock := c.locks.Lock(invoiceID.String())
	defer unlock()

	rec, err := c.records.Get(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	switch rec.State {
	case compliance.StatePending:
		entry, err := c.linker.Link(ctx, tenantID, invoiceID, rec.CanonicalPayload)
		if err != nil {
			c.logger.Warn("Chain link failed, submission stays pending",
				zap.String("tenant_id", tenantID.String()),
				zap.String("invoice_id", invoiceID.String()),
				zap.Error(err),
			)
			return rec, err
		}
		if err := rec.MarkSent(entry, now); err != nil {
			return rec, err
		}
	case compliance.StateError:
		if rec.NextAttemptAt != nil && now.Before(*rec.NextAttemptAt) {
			return rec, nil
		}
		if !rec.CanRetry(c.config.MaxAttempts) {
			if err := c.abandon(rec, now); err != nil {
				return rec, err
			}
			return rec, c.save(ctx, rec)
		}
		if err := rec.MarkSent(nil, now); err != nil {
			return rec, err
		}
	default:
		return rec, nil
	}

	if err := c.save(ctx, rec); err != nil {
		return rec, err
	}
	return rec, c.attempt(ctx, rec)
}

// attempt calls the authority for a SENT record and records the outcome. The
// call is detached from the caller's cancellation: once SENT, it runs to an
// outcome or to its own timeout.
func (c *Coordinator) attempt(ctx context.Context, rec *compliance.SubmissionRecord) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.CallTimeout)
	callCtx, span := telemetry.StartSpan(callCtx, "compliance.authority_call",
		telemetry.WithAttribute("invoice_id", rec.InvoiceID.String()),
		telemetry.WithAttribute("attempt", rec.AttemptCount),
	)
	start := time.Now()
	resp, err := c.client.Submit(callCtx, compliance.SubmitRequest{
		TenantID:         rec.TenantID,
		InvoiceID:        rec.InvoiceID,
		InvoiceNumber:    rec.InvoiceNumber,
		CanonicalPayload: rec.CanonicalPayload,
		Hash:             rec.Hash,
		SchemaVersion:    c.encoder.SchemaVersion(),
		Attempt:          rec.AttemptCount,
	})
	elapsed := time.Since(start)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	span.End()
	cancel()

	ctx = context.WithoutCancel(ctx)
	now := c.now()
	var retryIn time.Duration

	var rejected *compliance.RejectedError
	switch {
	case err == nil && resp.Accepted:
		c.metrics.RecordAuthorityCall(ctx, elapsed, OutcomeAccepted)
		if err := rec.MarkAccepted(resp.TransactionID, resp.AuthorityCode, resp.Raw, now); err != nil {
			return err
		}
	case err == nil:
		c.metrics.RecordAuthorityCall(ctx, elapsed, OutcomeRejected)
		if err := rec.MarkRejected(&compliance.RejectedError{
			AuthorityCode: resp.AuthorityCode,
			Message:       resp.Message,
			TransactionID: resp.TransactionID,
			Raw:           resp.Raw,
		}, now); err != nil {
			return err
		}
	case errors.As(err, &rejected):
		c.metrics.RecordAuthorityCall(ctx, elapsed, OutcomeRejected)
		if err := rec.MarkRejected(rejected, now); err != nil {
			return err
		}
	default:
		c.metrics.RecordAuthorityCall(ctx, elapsed, OutcomeTransport)
		code := compliance.CodeTransport
		var te *compliance.TransportError
		if errors.As(err, &te) && te.AuthorityCode != "" {
			code = te.AuthorityCode
		}
		if err := rec.MarkError(code, err.Error(), now); err != nil {
			return err
		}
		var ferr error
		retryIn, ferr = c.afterFailure(rec, now)
		if ferr != nil {
			return ferr
		}
	}

	if err := c.save(ctx, rec); err != nil {
		return err
	}
	if rec.State == compliance.StateError {
		c.scheduleRetry(ctx, rec, retryIn)
	}
	return nil
}

// afterFailure decides between another attempt and abandonment for an ERROR
// record. It returns the retry delay when another attempt is scheduled.
func (c *Coordinator) afterFailure(rec *compliance.SubmissionRecord, now time.Time) (time.Duration, error) {
	if rec.CanRetry(c.config.MaxAttempts) {
		delay := c.config.Backoff.Delay(rec.AttemptCount)
		return delay, rec.ScheduleRetry(now.Add(delay))
	}
	return 0, c.abandon(rec, now)
}

func (c *Coordinator) abandon(rec *compliance.SubmissionRecord, now time.Time) error {
	if err := rec.MarkAbandoned(now); err != nil {
		return err
	}
	c.logger.Error("Submission abandoned, operator action required",
		zap.String("tenant_id", rec.TenantID.String()),
		zap.String("invoice_id", rec.InvoiceID.String()),
		zap.Int("max_attempts", c.config.MaxAttempts),
		zap.Error(&compliance.AbandonedError{
			InvoiceID: rec.InvoiceID,
			Attempts:  rec.AttemptCount,
			LastError: rec.ErrorDetail,
		}),
	)
	return nil
}

func (c *Coordinator) scheduleRetry(ctx context.Context, rec *compliance.SubmissionRecord, delay time.Duration) {
	c.metrics.RecordRetryScheduled(ctx)
	c.logger.Info("Submission retry scheduled",
		zap.String("tenant_id", rec.TenantID.String()),
		zap.String("invoice_id", rec.InvoiceID.String()),
		zap.Int("attempt", rec.AttemptCount),
		zap.Duration("delay", delay),
	)
	if c.dispatcher != nil {
		c.dispatcher.DispatchAfter(delay, rec.TenantID, rec.InvoiceID)
	}
}

// save persists the record together with the audit events its transitions queued
func (c *Coordinator) save(ctx context.Context, rec *compliance.SubmissionRecord) error {
	events := rec.PullEvents()
	if err := c.records.Update(ctx, rec, events...); err != nil {
		c.logger.Error("Failed to persist submission",
			zap.String("tenant_id", rec.TenantID.String()),
			zap.String("invoice_id", rec.InvoiceID.String()),
			zap.String("state", string(rec.State)),
			zap.Error(err),
		)
		return fmt.Errorf("persist submission %s: %w", rec.InvoiceID, err)
	}
	for _, e := range events {
		evt, ok := e.(*compliance.AuditEvent)
		if !ok {
			continue
		}
		c.metrics.RecordTransition(ctx, evt.Status)
		c.logger.Info("Submission transition",
			zap.String("tenant_id", rec.TenantID.String()),
			zap.String("invoice_id", rec.InvoiceID.String()),
			zap.String("event", evt.EventType()),
			zap.String("state", string(evt.Status)),
			zap.Int("attempt", evt.AttemptCount),
		)
	}
	return nil
}

func (c *Coordinator) dispatch(tenantID, invoiceID uuid.UUID) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Dispatch(tenantID, invoiceID); err != nil {
		c.logger.Warn("Dispatch deferred to recovery sweep",
			zap.String("tenant_id", tenantID.String()),
			zap.String("invoice_id", invoiceID.String()),
			zap.Error(err),
		)
	}
}

// Cancel withdraws a PENDING submission that has not been linked into the chain
func (c *Coordinator) Cancel(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	unlock := c.locks.Lock(invoiceID.String())
	defer unlock()

	rec, err := c.records.Get(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	if rec.State == compliance.StatePending {
		_, err := c.chains.FindByInvoiceID(ctx, tenantID, invoiceID)
		if err == nil {
			return rec, shared.NewDomainError("INVALID_STATE",
				fmt.Sprintf("submission %s is already linked into the chain", invoiceID))
		}
		if !errors.Is(err, shared.ErrNotFound) {
			return rec, err
		}
	}
	if err := rec.Cancel(c.now()); err != nil {
		return rec, err
	}
	if err := c.save(ctx, rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// Get returns the submission record of an invoice
func (c *Coordinator) Get(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	return c.records.Get(ctx, tenantID, invoiceID)
}

// RecoveryReport summarizes one recovery sweep
type RecoveryReport struct {
	DueRetries   int
	StalePending int
	Interrupted  int
}

// Recover re-dispatches work lost to restarts or a full queue: ERROR records
// whose backoff elapsed, PENDING records that were never picked up, and SENT
// records whose attempt never recorded an outcome.
func (c *Coordinator) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	now := c.now()

	due, err := c.records.FindDueRetries(ctx, now, c.config.RecoveryBatchSize)
	if err != nil {
		return report, fmt.Errorf("find due retries: %w", err)
	}
	for _, rec := range due {
		c.dispatch(rec.TenantID, rec.InvoiceID)
	}
	report.DueRetries = len(due)

	pending, err := c.records.FindStale(ctx, compliance.StatePending, now.Add(-c.config.StalePendingAfter), c.config.RecoveryBatchSize)
	if err != nil {
		return report, fmt.Errorf("find stale pending: %w", err)
	}
	for _, rec := range pending {
		c.dispatch(rec.TenantID, rec.InvoiceID)
	}
	report.StalePending = len(pending)

	cutoff := now.Add(-c.config.StaleSentAfter)
	sent, err := c.records.FindStale(ctx, compliance.StateSent, cutoff, c.config.RecoveryBatchSize)
	if err != nil {
		return report, fmt.Errorf("find stale sent: %w", err)
	}
	for _, rec := range sent {
		ok, err := c.interrupt(ctx, rec.TenantID, rec.InvoiceID, cutoff)
		if err != nil {
			c.logger.Warn("Failed to recover interrupted submission",
				zap.String("invoice_id", rec.InvoiceID.String()),
				zap.Error(err),
			)
			continue
		}
		if ok {
			report.Interrupted++
		}
	}

	if report.DueRetries+report.StalePending+report.Interrupted > 0 {
		c.logger.Info("Recovery sweep dispatched work",
			zap.Int("due_retries", report.DueRetries),
			zap.Int("stale_pending", report.StalePending),
			zap.Int("interrupted", report.Interrupted),
		)
	}
	return report, nil
}

// interrupt moves a SENT record with no recorded outcome through the normal
// transport-failure path.
func (c *Coordinator) interrupt(ctx context.Context, tenantID, invoiceID uuid.UUID, cutoff time.Time) (bool, error) {
	unlock := c.locks.Lock(invoiceID.String())
	defer unlock()

	rec, err := c.records.Get(ctx, tenantID, invoiceID)
	if err != nil {
		return false, err
	}
	if rec.State != compliance.StateSent || (rec.LastAttemptAt != nil && rec.LastAttemptAt.After(cutoff)) {
		return false, nil
	}

	now := c.now()
	if err := rec.MarkError(CodeInterrupted, "attempt interrupted before an outcome was recorded", now); err != nil {
		return false, err
	}
	retryIn, err := c.afterFailure(rec, now)
	if err != nil {
		return false, err
	}
	if err := c.save(ctx, rec); err != nil {
		return false, err
	}
	if rec.State == compliance.StateError {
		c.scheduleRetry(ctx, rec, retryIn)
	}
	return true, nil
}
