package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/compliance/internal/domain/audit"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormAuditLogRepository implements audit.LogRepository using GORM.
// Rows are never updated or deleted.
type GormAuditLogRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormAuditLogRepository creates a new GormAuditLogRepository
func NewGormAuditLogRepository(db *gorm.DB) *GormAuditLogRepository {
	return &GormAuditLogRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ensure GormAuditLogRepository implements the interface
var _ audit.LogRepository = (*GormAuditLogRepository)(nil)

// Append stores evt once per event ID. It returns false when the event was already stored.
func (r *GormAuditLogRepository) Append(ctx context.Context, evt *compliance.AuditEvent) (bool, error) {
	model := models.AuditLogModelFromEvent(evt, r.now())
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		return false, fmt.Errorf("failed to append audit event %s: %w", evt.EventID(), result.Error)
	}
	return result.RowsAffected > 0, nil
}

// ListByInvoice returns an invoice's events ordered by timestamp, then arrival
func (r *GormAuditLogRepository) ListByInvoice(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]*audit.LogEntry, error) {
	var rows []models.AuditLogModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND invoice_id = ?", tenantID, invoiceID).
		Order("occurred_at ASC").
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	return toLogEntries(rows), nil
}

// List returns a tenant's events page by page, newest first
func (r *GormAuditLogRepository) List(ctx context.Context, tenantID uuid.UUID, filter audit.Filter) ([]*audit.LogEntry, int64, error) {
	filter.Normalize()

	var total int64
	if err := r.db.WithContext(ctx).
		Model(&models.AuditLogModel{}).
		Scopes(auditFilterScope(tenantID, filter)).
		Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}

	var rows []models.AuditLogModel
	err := r.db.WithContext(ctx).
		Scopes(auditFilterScope(tenantID, filter)).
		Order(auditListOrder(filter.SortBy, filter.SortOrder)).
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit events: %w", err)
	}
	return toLogEntries(rows), total, nil
}

func auditFilterScope(tenantID uuid.UUID, filter audit.Filter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("tenant_id = ?", tenantID)
		if filter.EventType != "" {
			db = db.Where("event_type = ?", string(filter.EventType))
		}
		if filter.InvoiceID != nil {
			db = db.Where("invoice_id = ?", *filter.InvoiceID)
		}
		return db
	}
}

func toLogEntries(rows []models.AuditLogModel) []*audit.LogEntry {
	out := make([]*audit.LogEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}
