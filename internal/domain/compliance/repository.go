package compliance

import (
	"context"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// ChainRepository persists tenant hash chains.
type ChainRepository interface {
	// GetLastEntry returns the tenant's last committed entry, or nil for an empty chain
	GetLastEntry(ctx context.Context, tenantID uuid.UUID) (*ChainEntry, error)
	// GetHead returns the tenant's recorded head, independent of the stored entries
	GetHead(ctx context.Context, tenantID uuid.UUID) (*ChainHead, error)
	// CommitEntryIfUnchanged appends entry only if the tenant's last committed
	// sequence is still expectedLastSequence; otherwise it returns *ChainConflictError
	CommitEntryIfUnchanged(ctx context.Context, entry *ChainEntry, expectedLastSequence int64) error
	// FindBySequence returns a single entry or shared.ErrNotFound
	FindBySequence(ctx context.Context, tenantID uuid.UUID, sequence int64) (*ChainEntry, error)
	// FindByInvoiceID returns the entry linked for an invoice or shared.ErrNotFound
	FindByInvoiceID(ctx context.Context, tenantID, invoiceID uuid.UUID) (*ChainEntry, error)
	// FindRange returns up to limit entries with from <= sequence <= to, ascending
	FindRange(ctx context.Context, tenantID uuid.UUID, from, to int64, limit int) ([]*ChainEntry, error)
}

// SubmissionRepository persists submission records.
type SubmissionRepository interface {
	// Create inserts a new record or returns shared.ErrAlreadyExists
	Create(ctx context.Context, record *SubmissionRecord) error
	// Get returns the record of an invoice or shared.ErrNotFound
	Get(ctx context.Context, tenantID, invoiceID uuid.UUID) (*SubmissionRecord, error)
	// Update saves record if its version is unchanged, together with events,
	// in one transaction. A stale version yields shared.ErrConcurrencyConflict;
	// on success record.Version is incremented.
	Update(ctx context.Context, record *SubmissionRecord, events ...shared.DomainEvent) error
	// FindDueRetries returns ERROR records whose next attempt is at or before now
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*SubmissionRecord, error)
	// FindStale returns records in state last updated before the cutoff
	FindStale(ctx context.Context, state SubmissionState, before time.Time, limit int) ([]*SubmissionRecord, error)
}
