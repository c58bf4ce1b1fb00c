package models

import (
	"time"

	"github.com/erp/compliance/internal/domain/audit"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/google/uuid"
)

// AuditLogModel is one stored audit event. Sequence orders events that share a timestamp.
type AuditLogModel struct {
	Sequence               int64     `gorm:"primaryKey;autoIncrement"`
	EventID                uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	EventType              string    `gorm:"type:varchar(20);not null;index:idx_audit_tenant_type,priority:2"`
	TenantID               uuid.UUID `gorm:"type:uuid;not null;index:idx_audit_tenant_type,priority:1"`
	InvoiceID              uuid.UUID `gorm:"type:uuid;not null;index"`
	InvoiceNumber          string    `gorm:"type:varchar(100);not null"`
	Status                 string    `gorm:"type:varchar(20);not null"`
	AuthorityTransactionID *string   `gorm:"type:varchar(100)"`
	ErrorMessage           *string   `gorm:"type:text"`
	AttemptCount           int       `gorm:"not null"`
	ChainSequence          int64     `gorm:"not null;default:0"`
	Hash                   string    `gorm:"type:varchar(64)"`
	SchemaVersion          int       `gorm:"not null;default:1"`
	OccurredAt             time.Time `gorm:"not null"`
	ReceivedAt             time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (AuditLogModel) TableName() string {
	return "audit_log"
}

// ToDomain converts the model to an audit log entry
func (m *AuditLogModel) ToDomain() *audit.LogEntry {
	return &audit.LogEntry{
		Sequence:   m.Sequence,
		ReceivedAt: m.ReceivedAt,
		Event: &compliance.AuditEvent{
			EventHeader: shared.EventHeader{
				ID:            m.EventID,
				Type:          m.EventType,
				Timestamp:     m.OccurredAt.UTC(),
				Aggregate:     m.InvoiceID,
				AggregateKind: compliance.AggregateTypeSubmission,
				Tenant:        m.TenantID,
				Version:       m.SchemaVersion,
			},
			InvoiceID:              m.InvoiceID,
			InvoiceNumber:          m.InvoiceNumber,
			Status:                 compliance.SubmissionState(m.Status),
			AuthorityTransactionID: m.AuthorityTransactionID,
			ErrorMessage:           m.ErrorMessage,
			AttemptCount:           m.AttemptCount,
			SequenceNumber:         m.ChainSequence,
			Hash:                   m.Hash,
		},
	}
}

// AuditLogModelFromEvent creates a model from a received audit event
func AuditLogModelFromEvent(evt *compliance.AuditEvent, receivedAt time.Time) *AuditLogModel {
	return &AuditLogModel{
		EventID:                evt.EventID(),
		EventType:              evt.EventType(),
		TenantID:               evt.TenantID(),
		InvoiceID:              evt.InvoiceID,
		InvoiceNumber:          evt.InvoiceNumber,
		Status:                 string(evt.Status),
		AuthorityTransactionID: evt.AuthorityTransactionID,
		ErrorMessage:           evt.ErrorMessage,
		AttemptCount:           evt.AttemptCount,
		ChainSequence:          evt.SequenceNumber,
		Hash:                   evt.Hash,
		SchemaVersion:          evt.SchemaVersion(),
		OccurredAt:             evt.OccurredAt().UTC(),
		ReceivedAt:             receivedAt,
	}
}
