package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormSubmissionRepository implements compliance.SubmissionRepository using GORM
type GormSubmissionRepository struct {
	db          *gorm.DB
	outboxSaver shared.OutboxEventSaver // optional, for transactional outbox pattern
}

// NewGormSubmissionRepository creates a new GormSubmissionRepository
func NewGormSubmissionRepository(db *gorm.DB) *GormSubmissionRepository {
	return &GormSubmissionRepository{db: db}
}

// SetOutboxEventSaver sets the outbox event saver for transactional event publishing
func (r *GormSubmissionRepository) SetOutboxEventSaver(saver shared.OutboxEventSaver) {
	r.outboxSaver = saver
}

// Ensure GormSubmissionRepository implements the interface
var _ compliance.SubmissionRepository = (*GormSubmissionRepository)(nil)

// Create inserts a new record or returns shared.ErrAlreadyExists
func (r *GormSubmissionRepository) Create(ctx context.Context, record *compliance.SubmissionRecord) error {
	if err := r.db.WithContext(ctx).Create(models.SubmissionModelFromDomain(record)).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return shared.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

// Get returns the record of an invoice or shared.ErrNotFound
func (r *GormSubmissionRepository) Get(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	var model models.SubmissionModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND invoice_id = ?", tenantID, invoiceID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	return model.ToDomain(), nil
}

// Update saves the record with optimistic locking and persists events to the
// outbox in the same transaction. record.Version is incremented only after commit.
func (r *GormSubmissionRepository) Update(ctx context.Context, record *compliance.SubmissionRecord, events ...shared.DomainEvent) error {
	if len(events) > 0 && r.outboxSaver == nil {
		return fmt.Errorf("submission %s has %d events but no outbox is configured", record.InvoiceID, len(events))
	}

	model := models.SubmissionModelFromDomain(record)
	model.Version = record.Version + 1

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.SubmissionModel{}).
			Where("invoice_id = ? AND tenant_id = ? AND version = ?", record.InvoiceID, record.TenantID, record.Version).
			Updates(model.UpdateColumns())
		if result.Error != nil {
			return fmt.Errorf("failed to update submission: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&models.SubmissionModel{}).
				Where("invoice_id = ? AND tenant_id = ?", record.InvoiceID, record.TenantID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check submission: %w", err)
			}
			if count == 0 {
				return shared.ErrNotFound
			}
			return shared.ErrConcurrencyConflict
		}

		if len(events) > 0 {
			if err := r.outboxSaver.SaveEvents(ctx, tx, events...); err != nil {
				return fmt.Errorf("failed to save submission events: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	record.Version = model.Version
	return nil
}

// FindDueRetries returns ERROR records whose next attempt is at or before now
func (r *GormSubmissionRepository) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*compliance.SubmissionRecord, error) {
	var rows []models.SubmissionModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?", string(compliance.StateError), now.UTC()).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find due retries: %w", err)
	}
	return toSubmissionRecords(rows), nil
}

// FindStale returns records in state last updated before the cutoff, oldest first
func (r *GormSubmissionRepository) FindStale(ctx context.Context, state compliance.SubmissionState, before time.Time, limit int) ([]*compliance.SubmissionRecord, error) {
	var rows []models.SubmissionModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND updated_at < ?", string(state), before.UTC()).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale submissions: %w", err)
	}
	return toSubmissionRecords(rows), nil
}

func toSubmissionRecords(rows []models.SubmissionModel) []*compliance.SubmissionRecord {
	out := make([]*compliance.SubmissionRecord, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}
