package compliance

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const verifyBatchSize = 500

// ChainLinkerConfig configures chain linking
type ChainLinkerConfig struct {
	GenesisHash   string
	SchemaVersion string
	// MaxRetries bounds re-reads after a lost compare-and-swap
	MaxRetries int
}

// ChainLinker appends canonical payloads to per-tenant hash chains and
// verifies stored chains.
//
// Linking holds an in-process lock per tenant and commits with a
// compare-and-swap on the tenant's last sequence, so concurrent writers in
// other processes are detected as ChainConflictError and retried.
type ChainLinker struct {
	repo    compliance.ChainRepository
	config  ChainLinkerConfig
	locks   *keyedMutex
	metrics Metrics
	logger  *zap.Logger
}

// NewChainLinker creates a chain linker
func NewChainLinker(repo compliance.ChainRepository, cfg ChainLinkerConfig, metrics Metrics, logger *zap.Logger) *ChainLinker {
	if cfg.GenesisHash == "" {
		cfg.GenesisHash = compliance.DefaultGenesisHash
	}
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = compliance.SchemaVersionV1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChainLinker{
		repo:    repo,
		config:  cfg,
		locks:   newKeyedMutex(),
		metrics: metrics,
		logger:  logger,
	}
}

// Link commits payload as the next entry of the tenant chain. Linking an
// invoice that already has an entry returns that entry unchanged.
func (l *ChainLinker) Link(ctx context.Context, tenantID, invoiceID uuid.UUID, payload []byte) (*compliance.ChainEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "compliance.link",
		telemetry.WithAttribute("tenant_id", tenantID.String()),
		telemetry.WithAttribute("invoice_id", invoiceID.String()),
	)
	defer span.End()

	unlock := l.locks.Lock(tenantID.String())
	defer unlock()

	existing, err := l.repo.FindByInvoiceID(ctx, tenantID, invoiceID)
	if err == nil && existing != nil {
		return existing, nil
	}
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("look up chain entry: %w", err)
	}

	var conflict error
	for attempt := 1; attempt <= l.config.MaxRetries; attempt++ {
		last, err := l.repo.GetLastEntry(ctx, tenantID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, fmt.Errorf("read chain head: %w", err)
		}
		var lastSeq int64
		if last != nil {
			lastSeq = last.SequenceNumber
		}

		entry := compliance.NextChainEntry(tenantID, invoiceID, last, l.config.GenesisHash, payload, l.config.SchemaVersion)
		err = l.repo.CommitEntryIfUnchanged(ctx, entry, lastSeq)
		if err == nil {
			telemetry.SetAttribute(span, "sequence_number", entry.SequenceNumber)
			telemetry.SetOK(span)
			return entry, nil
		}

		var cce *compliance.ChainConflictError
		if !errors.As(err, &cce) {
			telemetry.RecordError(span, err)
			return nil, err
		}
		conflict = err
		l.metrics.RecordChainConflict(ctx)
		l.logger.Debug("Chain head moved, re-reading",
			zap.String("tenant_id", tenantID.String()),
			zap.String("invoice_id", invoiceID.String()),
			zap.Int64("expected_sequence", lastSeq),
			zap.Int("attempt", attempt),
		)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	telemetry.RecordError(span, conflict)
	return nil, conflict
}

// Verify recomputes hashes over [from, to]. from <= 0 means the first entry;
// to <= 0 or past the recorded head means the head. Every sequence up to the
// head must have an entry, and the head hash must match the last one. A
// broken chain yields a populated result together with a *ChainIntegrityError
// for the first bad sequence.
func (l *ChainLinker) Verify(ctx context.Context, tenantID uuid.UUID, from, to int64) (*compliance.VerificationResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "compliance.verify",
		telemetry.WithAttribute("tenant_id", tenantID.String()),
	)
	defer span.End()

	head, err := l.repo.GetHead(ctx, tenantID)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if from <= 0 {
		from = 1
	}
	if to <= 0 || to > head.LastSequence {
		to = head.LastSequence
	}
	result := &compliance.VerificationResult{TenantID: tenantID, FromSequence: from, ToSequence: to, Valid: true}
	if to < from {
		return result, nil
	}

	expectedPrev := l.config.GenesisHash
	if from > 1 {
		prev, err := l.repo.FindBySequence(ctx, tenantID, from-1)
		if errors.Is(err, shared.ErrNotFound) {
			return l.broken(result, &compliance.ChainIntegrityError{
				TenantID: tenantID,
				Sequence: from - 1,
				Detail:   "entry missing",
			})
		}
		if err != nil {
			return nil, fmt.Errorf("load predecessor of %d: %w", from, err)
		}
		expectedPrev = prev.Hash
	}

	expectedSeq := from
	for expectedSeq <= to {
		batch, err := l.repo.FindRange(ctx, tenantID, expectedSeq, to, verifyBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load chain range: %w", err)
		}
		if len(batch) == 0 {
			return l.broken(result, &compliance.ChainIntegrityError{
				TenantID: tenantID,
				Sequence: expectedSeq,
				Detail:   "entry missing",
			})
		}
		for _, entry := range batch {
			if err := compliance.VerifyLink(expectedPrev, expectedSeq, entry); err != nil {
				return l.broken(result, err)
			}
			result.Checked++
			expectedPrev = entry.Hash
			expectedSeq++
		}
	}
	if to == head.LastSequence && expectedPrev != head.LastHash {
		return l.broken(result, &compliance.ChainIntegrityError{
			TenantID: tenantID,
			Sequence: to,
			Expected: head.LastHash,
			Actual:   expectedPrev,
			Detail:   "head hash does not match last entry",
		})
	}
	telemetry.SetOK(span)
	return result, nil
}

func (l *ChainLinker) broken(result *compliance.VerificationResult, err error) (*compliance.VerificationResult, error) {
	var cie *compliance.ChainIntegrityError
	if errors.As(err, &cie) {
		seq := cie.Sequence
		result.BrokenSequence = &seq
		result.Detail = cie.Detail
	}
	result.Valid = false
	l.logger.Error("Chain integrity violation",
		zap.String("tenant_id", result.TenantID.String()),
		zap.Error(err),
	)
	return result, err
}

// Entry returns one committed entry of the tenant chain
func (l *ChainLinker) Entry(ctx context.Context, tenantID uuid.UUID, sequence int64) (*compliance.ChainEntry, error) {
	return l.repo.FindBySequence(ctx, tenantID, sequence)
}
