package models

import (
	"time"

	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// OutboxMessageModel mirrors shared.OutboxMessage field for field, so the two
// convert directly. Keep the field order in step with the domain type.
type OutboxMessageModel struct {
	ID            uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex"`
	Sequence      int64               `gorm:"primaryKey;autoIncrement"`
	TenantID      uuid.UUID           `gorm:"type:uuid;not null"`
	EventID       uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex"`
	EventType     string              `gorm:"type:varchar(255);not null"`
	AggregateID   uuid.UUID           `gorm:"type:uuid;not null"`
	AggregateType string              `gorm:"type:varchar(255);not null"`
	PartitionKey  string              `gorm:"type:varchar(255);not null;index:idx_outbox_partition,priority:1"`
	Payload       []byte              `gorm:"type:bytea;not null"`
	Status        shared.OutboxStatus `gorm:"type:varchar(20);not null;index:idx_outbox_partition,priority:2;index:idx_outbox_status"`
	RetryCount    int                 `gorm:"not null;default:0"`
	MaxRetries    int                 `gorm:"not null;default:5"`
	LastError     string              `gorm:"type:text"`
	NextRetryAt   *time.Time          `gorm:"index"`
	ProcessedAt   *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (OutboxMessageModel) TableName() string { return "outbox_events" }

func (m *OutboxMessageModel) ToDomain() *shared.OutboxMessage {
	msg := shared.OutboxMessage(*m)
	return &msg
}

func NewOutboxMessageModel(msg *shared.OutboxMessage) *OutboxMessageModel {
	row := OutboxMessageModel(*msg)
	return &row
}
