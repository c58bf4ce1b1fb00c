package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxSent       OutboxStatus = "SENT"
	OutboxFailed     OutboxStatus = "FAILED"
	OutboxDead       OutboxStatus = "DEAD"
)

// OutboxBlockingStatuses hold back younger messages of the same partition.
var OutboxBlockingStatuses = []OutboxStatus{OutboxProcessing, OutboxFailed, OutboxDead}

const (
	DefaultMaxRetries = 5
	outboxFirstDelay  = time.Second
	outboxMaxDelay    = 5 * time.Minute
)

// OutboxMessage is one serialized event waiting for the relay. Messages with
// the same PartitionKey leave in Sequence order.
type OutboxMessage struct {
	ID            uuid.UUID
	Sequence      int64
	TenantID      uuid.UUID
	EventID       uuid.UUID
	EventType     string
	AggregateID   uuid.UUID
	AggregateType string
	PartitionKey  string
	Payload       []byte
	Status        OutboxStatus
	RetryCount    int
	MaxRetries    int
	LastError     string
	NextRetryAt   *time.Time
	ProcessedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOutboxMessage wraps an already serialized event. maxRetries <= 0 means
// DefaultMaxRetries.
func NewOutboxMessage(event DomainEvent, payload []byte, maxRetries int) *OutboxMessage {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	now := time.Now().UTC()
	return &OutboxMessage{
		ID:            uuid.New(),
		TenantID:      event.TenantID(),
		EventID:       event.EventID(),
		EventType:     event.EventType(),
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		PartitionKey:  PartitionKeyOf(event),
		Payload:       payload,
		Status:        OutboxPending,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Claim moves a pending or failed message to PROCESSING.
func (m *OutboxMessage) Claim(now time.Time) error {
	switch m.Status {
	case OutboxPending, OutboxFailed:
		m.Status = OutboxProcessing
		m.UpdatedAt = now
		return nil
	default:
		return fmt.Errorf("outbox message %s is %s and cannot be claimed", m.ID, m.Status)
	}
}

// MarkDelivered records a successful publish.
func (m *OutboxMessage) MarkDelivered(now time.Time) {
	m.Status = OutboxSent
	m.ProcessedAt = &now
	m.NextRetryAt = nil
	m.UpdatedAt = now
}

// RecordFailure counts a failed publish. The message is retried after an
// exponential delay until MaxRetries is spent, then it is DEAD.
func (m *OutboxMessage) RecordFailure(reason string, now time.Time) {
	m.RetryCount++
	m.LastError = reason
	m.UpdatedAt = now
	if m.RetryCount >= m.MaxRetries {
		m.Status = OutboxDead
		m.NextRetryAt = nil
		return
	}
	m.Status = OutboxFailed
	next := now.Add(OutboxRetryDelay(m.RetryCount))
	m.NextRetryAt = &next
}

// OutboxRetryDelay is the wait before the given attempt: 1s, 2s, 4s and so
// on, capped at five minutes.
func OutboxRetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := outboxFirstDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= outboxMaxDelay {
			return outboxMaxDelay
		}
	}
	return d
}

// Release hands a claimed message back to PENDING without spending an
// attempt, for when an older message of its partition failed first.
func (m *OutboxMessage) Release(now time.Time) {
	if m.Status == OutboxProcessing {
		m.Status = OutboxPending
		m.UpdatedAt = now
	}
}

// Requeue gives a DEAD message a fresh retry budget.
func (m *OutboxMessage) Requeue() error {
	if m.Status != OutboxDead {
		return fmt.Errorf("outbox message %s is %s; only dead messages can be requeued", m.ID, m.Status)
	}
	m.Status = OutboxPending
	m.RetryCount = 0
	m.LastError = ""
	m.NextRetryAt = nil
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// IsDead reports whether the relay gave up on the message.
func (m *OutboxMessage) IsDead() bool { return m.Status == OutboxDead }

// OutboxStore persists outbox messages.
type OutboxStore interface {
	// Save inserts messages and fills in their Sequence.
	Save(ctx context.Context, messages ...*OutboxMessage) error
	// NextPending returns pending messages whose partition has no older
	// message in a blocking status.
	NextPending(ctx context.Context, limit int) ([]*OutboxMessage, error)
	// NextRetryable returns failed messages due before the given time, with
	// the same partition rule as NextPending.
	NextRetryable(ctx context.Context, before time.Time, limit int) ([]*OutboxMessage, error)
	// Claim moves the given messages to PROCESSING, skipping rows another
	// relay holds, and returns the ones it got in Sequence order.
	Claim(ctx context.Context, ids []uuid.UUID) ([]*OutboxMessage, error)
	// ReclaimStale returns PROCESSING messages not touched since before to
	// PENDING. Their relay stopped between claim and status write.
	ReclaimStale(ctx context.Context, before time.Time) (int64, error)
	Update(ctx context.Context, message *OutboxMessage) error
	FindByID(ctx context.Context, id uuid.UUID) (*OutboxMessage, error)
	ListDead(ctx context.Context, page, pageSize int) ([]*OutboxMessage, int64, error)
	PurgeSent(ctx context.Context, before time.Time) (int64, error)
	CountByStatus(ctx context.Context) (map[OutboxStatus]int64, error)
}
