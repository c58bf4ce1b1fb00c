package event

import (
	"context"
	"errors"
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultDeadPageSize = 20
	maxDeadPageSize     = 100
	codeInternal        = "INTERNAL_ERROR"
)

// OutboxService lets operators inspect dead letters and hand them back to
// the relay.
type OutboxService struct {
	store  shared.OutboxStore
	logger *zap.Logger
}

func NewOutboxService(store shared.OutboxStore, logger *zap.Logger) *OutboxService {
	return &OutboxService{store: store, logger: logger}
}

// OutboxMessageDTO is the operator view of one outbox message. The payload
// is left out.
type OutboxMessageDTO struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      uuid.UUID  `json:"tenant_id"`
	EventID       uuid.UUID  `json:"event_id"`
	EventType     string     `json:"event_type"`
	Sequence      int64      `json:"sequence"`
	PartitionKey  string     `json:"partition_key"`
	AggregateID   uuid.UUID  `json:"aggregate_id"`
	AggregateType string     `json:"aggregate_type"`
	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	LastError     string     `json:"last_error,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// OutboxFilter pages the dead letter list.
type OutboxFilter struct {
	Page     int `form:"page,omitempty" binding:"omitempty,min=1"`
	PageSize int `form:"page_size,omitempty" binding:"omitempty,min=1,max=100"`
}

// OutboxListResult is one page of dead letters.
type OutboxListResult struct {
	Entries    []OutboxMessageDTO `json:"entries"`
	Total      int64              `json:"total"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
}

// OutboxStatsDTO counts messages per status.
type OutboxStatsDTO struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Sent       int64 `json:"sent"`
	Failed     int64 `json:"failed"`
	Dead       int64 `json:"dead"`
	Total      int64 `json:"total"`
}

func (f OutboxFilter) normalized() (page, size int) {
	page, size = max(f.Page, 1), f.PageSize
	if size < 1 {
		size = defaultDeadPageSize
	}
	return page, min(size, maxDeadPageSize)
}

func (s *OutboxService) ListDeadLetters(ctx context.Context, filter OutboxFilter) (*OutboxListResult, error) {
	page, size := filter.normalized()
	msgs, total, err := s.store.ListDead(ctx, page, size)
	if err != nil {
		s.logger.Error("Listing dead letters failed", zap.Error(err))
		return nil, shared.NewDomainError(codeInternal, "Failed to retrieve dead letter entries")
	}

	entries := make([]OutboxMessageDTO, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, newOutboxMessageDTO(m))
	}
	return &OutboxListResult{
		Entries:    entries,
		Total:      total,
		Page:       page,
		PageSize:   size,
		TotalPages: int((total + int64(size) - 1) / int64(size)),
	}, nil
}

func (s *OutboxService) GetMessage(ctx context.Context, id uuid.UUID) (*OutboxMessageDTO, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	dto := newOutboxMessageDTO(m)
	return &dto, nil
}

// RequeueDeadLetter gives a DEAD message a fresh retry budget. Younger
// messages of its partition stay behind it.
func (s *OutboxService) RequeueDeadLetter(ctx context.Context, id uuid.UUID) (*OutboxMessageDTO, error) {
	m, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Requeue(); err != nil {
		return nil, shared.NewDomainError(shared.ErrInvalidState.Code, err.Error())
	}
	if err := s.store.Update(ctx, m); err != nil {
		s.logger.Error("Requeue failed", zap.Stringer("id", id), zap.Error(err))
		return nil, shared.DomainErrorf(codeInternal, "Failed to requeue outbox message %s", id)
	}

	s.logger.Info("Dead letter requeued", zap.Stringer("id", id), zap.String("event_type", m.EventType))
	dto := newOutboxMessageDTO(m)
	return &dto, nil
}

// RequeueAllDeadLetters requeues DEAD messages until none are left. Requeued
// messages leave the dead list, so the first page is read each round.
func (s *OutboxService) RequeueAllDeadLetters(ctx context.Context) (int64, error) {
	var requeued int64
	for {
		msgs, _, err := s.store.ListDead(ctx, 1, maxDeadPageSize)
		if err != nil {
			s.logger.Error("Listing dead letters failed", zap.Error(err))
			return requeued, shared.NewDomainError(codeInternal, "Failed to retrieve dead letter entries")
		}

		progress := false
		for _, m := range msgs {
			if m.Requeue() != nil {
				continue
			}
			if err := s.store.Update(ctx, m); err != nil {
				s.logger.Error("Requeue failed", zap.Stringer("id", m.ID), zap.Error(err))
				continue
			}
			requeued++
			progress = true
		}
		if len(msgs) < maxDeadPageSize || !progress {
			break
		}
	}

	s.logger.Info("Dead letters requeued", zap.Int64("count", requeued))
	return requeued, nil
}

func (s *OutboxService) GetStats(ctx context.Context) (*OutboxStatsDTO, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("Counting outbox messages failed", zap.Error(err))
		return nil, shared.NewDomainError(codeInternal, "Failed to get outbox stats")
	}

	stats := &OutboxStatsDTO{
		Pending:    counts[shared.OutboxPending],
		Processing: counts[shared.OutboxProcessing],
		Sent:       counts[shared.OutboxSent],
		Failed:     counts[shared.OutboxFailed],
		Dead:       counts[shared.OutboxDead],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}

func (s *OutboxService) load(ctx context.Context, id uuid.UUID) (*shared.OutboxMessage, error) {
	m, err := s.store.FindByID(ctx, id)
	switch {
	case errors.Is(err, shared.ErrNotFound) || (err == nil && m == nil):
		return nil, shared.DomainErrorf(shared.ErrNotFound.Code, "Outbox message %s not found", id)
	case err != nil:
		s.logger.Error("Loading outbox message failed", zap.Stringer("id", id), zap.Error(err))
		return nil, shared.NewDomainError(codeInternal, "Failed to retrieve outbox entry")
	}
	return m, nil
}

func newOutboxMessageDTO(m *shared.OutboxMessage) OutboxMessageDTO {
	return OutboxMessageDTO{
		ID:            m.ID,
		TenantID:      m.TenantID,
		EventID:       m.EventID,
		EventType:     m.EventType,
		Sequence:      m.Sequence,
		PartitionKey:  m.PartitionKey,
		AggregateID:   m.AggregateID,
		AggregateType: m.AggregateType,
		Status:        string(m.Status),
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		LastError:     m.LastError,
		NextRetryAt:   m.NextRetryAt,
		ProcessedAt:   m.ProcessedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
