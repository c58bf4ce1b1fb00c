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
	"gorm.io/gorm/clause"
)

// GormChainRepository implements compliance.ChainRepository.
// The head row of each tenant is the compare-and-swap point for appends.
type GormChainRepository struct {
	db *gorm.DB
}

// NewGormChainRepository creates a new GormChainRepository
func NewGormChainRepository(db *gorm.DB) *GormChainRepository {
	return &GormChainRepository{db: db}
}

// Ensure GormChainRepository implements the interface
var _ compliance.ChainRepository = (*GormChainRepository)(nil)

// GetLastEntry returns the tenant's last committed entry, or nil for an empty chain
func (r *GormChainRepository) GetLastEntry(ctx context.Context, tenantID uuid.UUID) (*compliance.ChainEntry, error) {
	var model models.ChainEntryModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("sequence_number DESC").
		Limit(1).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load chain head: %w", err)
	}
	return model.ToDomain(), nil
}

// GetHead reads the head row. A tenant without one has an empty chain.
func (r *GormChainRepository) GetHead(ctx context.Context, tenantID uuid.UUID) (*compliance.ChainHead, error) {
	var model models.ChainHeadModel
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &compliance.ChainHead{TenantID: tenantID}, nil
		}
		return nil, fmt.Errorf("failed to load chain head: %w", err)
	}
	return &compliance.ChainHead{
		TenantID:     model.TenantID,
		LastSequence: model.LastSequence,
		LastHash:     model.LastHash,
	}, nil
}

// CommitEntryIfUnchanged appends entry when the tenant head still points at
// expectedLastSequence. The head update and the entry insert share one transaction.
func (r *GormChainRepository) CommitEntryIfUnchanged(ctx context.Context, entry *compliance.ChainEntry, expectedLastSequence int64) error {
	if entry.SequenceNumber != expectedLastSequence+1 {
		return shared.NewDomainError("INVALID_INPUT",
			fmt.Sprintf("entry sequence %d does not follow %d", entry.SequenceNumber, expectedLastSequence))
	}

	conflict := &compliance.ChainConflictError{TenantID: entry.TenantID, ExpectedSequence: expectedLastSequence}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		if expectedLastSequence == 0 {
			head := &models.ChainHeadModel{
				TenantID:     entry.TenantID,
				LastSequence: entry.SequenceNumber,
				LastHash:     entry.Hash,
				UpdatedAt:    now,
			}
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(head)
			if result.Error != nil {
				return fmt.Errorf("failed to create chain head: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return conflict
			}
		} else {
			result := tx.Model(&models.ChainHeadModel{}).
				Where("tenant_id = ? AND last_sequence = ? AND last_hash = ?",
					entry.TenantID, expectedLastSequence, entry.PreviousHash).
				Updates(map[string]any{
					"last_sequence": entry.SequenceNumber,
					"last_hash":     entry.Hash,
					"updated_at":    now,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to advance chain head: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return conflict
			}
		}

		if err := tx.Create(models.ChainEntryModelFromDomain(entry)).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return shared.ErrAlreadyExists
			}
			return fmt.Errorf("failed to insert chain entry: %w", err)
		}
		return nil
	})
}

// FindBySequence returns a single entry or shared.ErrNotFound
func (r *GormChainRepository) FindBySequence(ctx context.Context, tenantID uuid.UUID, sequence int64) (*compliance.ChainEntry, error) {
	return r.findOne(ctx, "tenant_id = ? AND sequence_number = ?", tenantID, sequence)
}

// FindByInvoiceID returns the entry linked for an invoice or shared.ErrNotFound
func (r *GormChainRepository) FindByInvoiceID(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.ChainEntry, error) {
	return r.findOne(ctx, "tenant_id = ? AND invoice_id = ?", tenantID, invoiceID)
}

func (r *GormChainRepository) findOne(ctx context.Context, query string, args ...any) (*compliance.ChainEntry, error) {
	var model models.ChainEntryModel
	if err := r.db.WithContext(ctx).Where(query, args...).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find chain entry: %w", err)
	}
	return model.ToDomain(), nil
}

// FindRange returns up to limit entries with from <= sequence <= to, ascending
func (r *GormChainRepository) FindRange(ctx context.Context, tenantID uuid.UUID, from, to int64, limit int) ([]*compliance.ChainEntry, error) {
	var rows []models.ChainEntryModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND sequence_number BETWEEN ? AND ?", tenantID, from, to).
		Order("sequence_number ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chain entries: %w", err)
	}

	entries := make([]*compliance.ChainEntry, len(rows))
	for i := range rows {
		entries[i] = rows[i].ToDomain()
	}
	return entries, nil
}
