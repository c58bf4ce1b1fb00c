package models

import (
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
)

// ChainEntryModel is one committed link of a tenant hash chain
type ChainEntryModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	TenantID         uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_chain_tenant_seq,priority:1"`
	SequenceNumber   int64     `gorm:"not null;uniqueIndex:idx_chain_tenant_seq,priority:2"`
	InvoiceID        uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	PreviousHash     string    `gorm:"type:char(64);not null"`
	Hash             string    `gorm:"type:char(64);not null"`
	CanonicalPayload []byte    `gorm:"type:bytea;not null"`
	SchemaVersion    string    `gorm:"type:varchar(64);not null"`
	CreatedAt        time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ChainEntryModel) TableName() string {
	return "compliance_chain_entries"
}

// ToDomain converts the model to a domain chain entry
func (m *ChainEntryModel) ToDomain() *compliance.ChainEntry {
	return &compliance.ChainEntry{
		ID:               m.ID,
		TenantID:         m.TenantID,
		InvoiceID:        m.InvoiceID,
		SequenceNumber:   m.SequenceNumber,
		PreviousHash:     m.PreviousHash,
		Hash:             m.Hash,
		CanonicalPayload: m.CanonicalPayload,
		SchemaVersion:    m.SchemaVersion,
		CreatedAt:        m.CreatedAt,
	}
}

// ChainEntryModelFromDomain creates a model from a domain chain entry
func ChainEntryModelFromDomain(e *compliance.ChainEntry) *ChainEntryModel {
	return &ChainEntryModel{
		ID:               e.ID,
		TenantID:         e.TenantID,
		InvoiceID:        e.InvoiceID,
		SequenceNumber:   e.SequenceNumber,
		PreviousHash:     e.PreviousHash,
		Hash:             e.Hash,
		CanonicalPayload: e.CanonicalPayload,
		SchemaVersion:    e.SchemaVersion,
		CreatedAt:        e.CreatedAt,
	}
}

// ChainHeadModel holds the last committed sequence of a tenant chain. Commits
// advance it with a compare-and-swap on LastSequence.
type ChainHeadModel struct {
	TenantID     uuid.UUID `gorm:"type:uuid;primaryKey"`
	LastSequence int64     `gorm:"not null"`
	LastHash     string    `gorm:"type:char(64);not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ChainHeadModel) TableName() string {
	return "compliance_chain_heads"
}

// SubmissionModel is the persisted submission record of one invoice
type SubmissionModel struct {
	InvoiceID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	TenantID               uuid.UUID  `gorm:"type:uuid;not null;index"`
	InvoiceNumber          string     `gorm:"type:varchar(100);not null"`
	State                  string     `gorm:"type:varchar(20);not null;index:idx_submission_state_updated,priority:1"`
	AttemptCount           int        `gorm:"not null;default:0"`
	LastAttemptAt          *time.Time
	NextAttemptAt          *time.Time `gorm:"index"`
	AuthorityTransactionID string     `gorm:"type:varchar(100)"`
	AuthorityCode          string     `gorm:"type:varchar(100)"`
	ErrorDetail            string     `gorm:"type:text"`
	AuthorityResponse      string     `gorm:"type:text"`
	SequenceNumber         int64      `gorm:"not null;default:0"`
	CanonicalPayload       []byte     `gorm:"type:bytea"`
	Hash                   string     `gorm:"type:varchar(64)"`
	CancelledAt            *time.Time
	Version                int       `gorm:"not null;default:1"`
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null;index:idx_submission_state_updated,priority:2"`
}

// TableName returns the table name for GORM
func (SubmissionModel) TableName() string {
	return "compliance_submissions"
}

// ToDomain converts the model to a domain submission record
func (m *SubmissionModel) ToDomain() *compliance.SubmissionRecord {
	return &compliance.SubmissionRecord{
		InvoiceID:              m.InvoiceID,
		TenantID:               m.TenantID,
		InvoiceNumber:          m.InvoiceNumber,
		State:                  compliance.SubmissionState(m.State),
		AttemptCount:           m.AttemptCount,
		LastAttemptAt:          m.LastAttemptAt,
		NextAttemptAt:          m.NextAttemptAt,
		AuthorityTransactionID: m.AuthorityTransactionID,
		AuthorityCode:          m.AuthorityCode,
		ErrorDetail:            m.ErrorDetail,
		AuthorityResponse:      m.AuthorityResponse,
		SequenceNumber:         m.SequenceNumber,
		CanonicalPayload:       m.CanonicalPayload,
		Hash:                   m.Hash,
		CancelledAt:            m.CancelledAt,
		Version:                m.Version,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
}

// SubmissionModelFromDomain creates a model from a domain submission record
func SubmissionModelFromDomain(r *compliance.SubmissionRecord) *SubmissionModel {
	return &SubmissionModel{
		InvoiceID:              r.InvoiceID,
		TenantID:               r.TenantID,
		InvoiceNumber:          r.InvoiceNumber,
		State:                  string(r.State),
		AttemptCount:           r.AttemptCount,
		LastAttemptAt:          r.LastAttemptAt,
		NextAttemptAt:          r.NextAttemptAt,
		AuthorityTransactionID: r.AuthorityTransactionID,
		AuthorityCode:          r.AuthorityCode,
		ErrorDetail:            r.ErrorDetail,
		AuthorityResponse:      r.AuthorityResponse,
		SequenceNumber:         r.SequenceNumber,
		CanonicalPayload:       r.CanonicalPayload,
		Hash:                   r.Hash,
		CancelledAt:            r.CancelledAt,
		Version:                r.Version,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

// UpdateColumns lists the mutable columns of a submission for versioned updates
func (m *SubmissionModel) UpdateColumns() map[string]any {
	return map[string]any{
		"state":                    m.State,
		"attempt_count":            m.AttemptCount,
		"last_attempt_at":          m.LastAttemptAt,
		"next_attempt_at":          m.NextAttemptAt,
		"authority_transaction_id": m.AuthorityTransactionID,
		"authority_code":           m.AuthorityCode,
		"error_detail":             m.ErrorDetail,
		"authority_response":       m.AuthorityResponse,
		"sequence_number":          m.SequenceNumber,
		"canonical_payload":        m.CanonicalPayload,
		"hash":                     m.Hash,
		"cancelled_at":             m.CancelledAt,
		"version":                  m.Version,
		"updated_at":               m.UpdatedAt,
	}
}
