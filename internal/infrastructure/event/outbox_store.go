package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// headOfPartition keeps a row only when no older row of its partition key is
// still undelivered.
const headOfPartition = `NOT EXISTS (
	SELECT 1 FROM outbox_events older
	WHERE older.partition_key = outbox_events.partition_key
	AND older.sequence < outbox_events.sequence
	AND older.status IN ?)`

var claimable = []shared.OutboxStatus{shared.OutboxPending, shared.OutboxFailed}

// GormOutboxStore keeps outbox messages in the outbox_events table.
type GormOutboxStore struct {
	db *gorm.DB
}

func NewGormOutboxStore(db *gorm.DB) *GormOutboxStore {
	return &GormOutboxStore{db: db}
}

// WithTx binds the store to tx, so saved messages commit with the caller's
// state change.
func (s *GormOutboxStore) WithTx(tx *gorm.DB) *GormOutboxStore {
	return &GormOutboxStore{db: tx}
}

func (s *GormOutboxStore) Save(ctx context.Context, messages ...*shared.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	rows := make([]*models.OutboxMessageModel, 0, len(messages))
	for _, m := range messages {
		rows = append(rows, models.NewOutboxMessageModel(m))
	}
	if err := s.db.WithContext(ctx).Create(rows).Error; err != nil {
		return fmt.Errorf("insert outbox messages: %w", err)
	}
	for i := range rows {
		messages[i].Sequence = rows[i].Sequence
	}
	return nil
}

// heads lists the partition heads matching cond, oldest first.
func (s *GormOutboxStore) heads(ctx context.Context, limit int, cond string, args ...any) ([]*shared.OutboxMessage, error) {
	var rows []models.OutboxMessageModel
	err := s.db.WithContext(ctx).
		Where(cond, args...).
		Where(headOfPartition, shared.OutboxBlockingStatuses).
		Order("sequence").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOutboxMessages(rows), nil
}

func (s *GormOutboxStore) NextPending(ctx context.Context, limit int) ([]*shared.OutboxMessage, error) {
	msgs, err := s.heads(ctx, limit, "status = ?", shared.OutboxPending)
	if err != nil {
		return nil, fmt.Errorf("list pending outbox messages: %w", err)
	}
	return msgs, nil
}

func (s *GormOutboxStore) NextRetryable(ctx context.Context, before time.Time, limit int) ([]*shared.OutboxMessage, error) {
	msgs, err := s.heads(ctx, limit, "status = ? AND next_retry_at <= ?", shared.OutboxFailed, before)
	if err != nil {
		return nil, fmt.Errorf("list retryable outbox messages: %w", err)
	}
	return msgs, nil
}

// Claim locks the still claimable rows among ids with SKIP LOCKED, so two
// relays never publish the same message concurrently.
func (s *GormOutboxStore) Claim(ctx context.Context, ids []uuid.UUID) ([]*shared.OutboxMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var claimed []*shared.OutboxMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []models.OutboxMessageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("id IN ? AND status IN ?", ids, claimable).
			Order("sequence").
			Find(&rows).Error
		if err != nil || len(rows) == 0 {
			return err
		}

		now := time.Now().UTC()
		seqs := make([]int64, 0, len(rows))
		for _, m := range toOutboxMessages(rows) {
			if err := m.Claim(now); err != nil {
				return err
			}
			claimed = append(claimed, m)
			seqs = append(seqs, m.Sequence)
		}
		return tx.Model(&models.OutboxMessageModel{}).
			Where("sequence IN ?", seqs).
			Updates(map[string]any{"status": shared.OutboxProcessing, "updated_at": now}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	return claimed, nil
}

// ReclaimStale implements shared.OutboxStore. The attempt count is kept; a
// message that did leave before the crash goes out again and consumers drop
// the duplicate by event id.
func (s *GormOutboxStore) ReclaimStale(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.OutboxMessageModel{}).
		Where("status = ? AND updated_at < ?", shared.OutboxProcessing, before.UTC()).
		Updates(map[string]any{"status": shared.OutboxPending, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("reclaim stale outbox messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Update writes the delivery fields of m. The payload is immutable.
func (s *GormOutboxStore) Update(ctx context.Context, m *shared.OutboxMessage) error {
	m.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.OutboxMessageModel{}).
		Where("id = ?", m.ID).
		Updates(map[string]any{
			"status":        m.Status,
			"retry_count":   m.RetryCount,
			"last_error":    m.LastError,
			"next_retry_at": m.NextRetryAt,
			"processed_at":  m.ProcessedAt,
			"updated_at":    m.UpdatedAt,
		})
	switch {
	case res.Error != nil:
		return fmt.Errorf("update outbox message %s: %w", m.ID, res.Error)
	case res.RowsAffected == 0:
		return shared.ErrNotFound
	}
	return nil
}

func (s *GormOutboxStore) FindByID(ctx context.Context, id uuid.UUID) (*shared.OutboxMessage, error) {
	var row models.OutboxMessageModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load outbox message %s: %w", id, err)
	}
	return row.ToDomain(), nil
}

// ListDead pages through DEAD messages. page starts at 1.
func (s *GormOutboxStore) ListDead(ctx context.Context, page, pageSize int) ([]*shared.OutboxMessage, int64, error) {
	dead := s.db.WithContext(ctx).Model(&models.OutboxMessageModel{}).Where("status = ?", shared.OutboxDead)

	var total int64
	if err := dead.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count dead outbox messages: %w", err)
	}

	var rows []models.OutboxMessageModel
	if err := dead.Session(&gorm.Session{}).
		Order("sequence").
		Offset((max(page, 1) - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("list dead outbox messages: %w", err)
	}
	return toOutboxMessages(rows), total, nil
}

// PurgeSent deletes messages delivered before the cutoff.
func (s *GormOutboxStore) PurgeSent(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", shared.OutboxSent, before).
		Delete(&models.OutboxMessageModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sent outbox messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormOutboxStore) CountByStatus(ctx context.Context) (map[shared.OutboxStatus]int64, error) {
	var rows []struct {
		Status shared.OutboxStatus
		N      int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.OutboxMessageModel{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count outbox messages: %w", err)
	}

	counts := make(map[shared.OutboxStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func toOutboxMessages(rows []models.OutboxMessageModel) []*shared.OutboxMessage {
	out := make([]*shared.OutboxMessage, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out
}

var _ shared.OutboxStore = (*GormOutboxStore)(nil)
