package compliance

import (
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceLineRequest is one line of a submission request
type InvoiceLineRequest struct {
	Description        string          `json:"description" binding:"required,max=500"`
	Quantity           decimal.Decimal `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	VATPercentage      decimal.Decimal `json:"vat_percentage"`
	LineTotal          decimal.Decimal `json:"line_total"`
}

// SubmitInvoiceRequest is the body of a submission request. Field checks
// beyond presence are done by the canonical encoder.
type SubmitInvoiceRequest struct {
	InvoiceID     uuid.UUID            `json:"invoice_id" binding:"required"`
	IssuerTaxID   string               `json:"issuer_tax_id" binding:"required,max=32"`
	InvoiceNumber string               `json:"invoice_number" binding:"required,max=64"`
	IssueDate     time.Time            `json:"issue_date" binding:"required"`
	Currency      string               `json:"currency" binding:"required,iso4217"`
	BaseAmount    decimal.Decimal      `json:"base_amount"`
	TaxAmount     decimal.Decimal      `json:"tax_amount"`
	TotalAmount   *decimal.Decimal     `json:"total_amount"`
	Lines         []InvoiceLineRequest `json:"lines" binding:"required,min=1,dive"`
}

// ToInvoice converts the request into the compliance view of the invoice
func (r *SubmitInvoiceRequest) ToInvoice(tenantID uuid.UUID) *compliance.Invoice {
	inv := &compliance.Invoice{
		ID:            r.InvoiceID,
		TenantID:      tenantID,
		IssuerTaxID:   r.IssuerTaxID,
		InvoiceNumber: r.InvoiceNumber,
		IssueDate:     r.IssueDate,
		Currency:      r.Currency,
		BaseAmount:    r.BaseAmount,
		TaxAmount:     r.TaxAmount,
		Lines:         make([]compliance.InvoiceLine, len(r.Lines)),
	}
	if r.TotalAmount != nil {
		inv.TotalAmount = decimal.NewNullDecimal(*r.TotalAmount)
	}
	for i, l := range r.Lines {
		inv.Lines[i] = compliance.InvoiceLine{
			Description:        l.Description,
			Quantity:           l.Quantity,
			UnitPrice:          l.UnitPrice,
			DiscountPercentage: l.DiscountPercentage,
			VATPercentage:      l.VATPercentage,
			LineTotal:          l.LineTotal,
		}
	}
	return inv
}

// SubmissionResponse is a submission record in API responses
type SubmissionResponse struct {
	InvoiceID              uuid.UUID  `json:"invoice_id"`
	TenantID               uuid.UUID  `json:"tenant_id"`
	InvoiceNumber          string     `json:"invoice_number"`
	State                  string     `json:"state"`
	AttemptCount           int        `json:"attempt_count"`
	LastAttemptAt          *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt          *time.Time `json:"next_attempt_at,omitempty"`
	AuthorityTransactionID string     `json:"authority_transaction_id,omitempty"`
	AuthorityCode          string     `json:"authority_code,omitempty"`
	ErrorDetail            string     `json:"error_detail,omitempty"`
	SequenceNumber         int64      `json:"sequence_number,omitempty"`
	Hash                   string     `json:"hash,omitempty"`
	CancelledAt            *time.Time `json:"cancelled_at,omitempty"`
	Version                int        `json:"version"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// ToSubmissionResponse converts a record for API responses
func ToSubmissionResponse(r *compliance.SubmissionRecord) SubmissionResponse {
	return SubmissionResponse{
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
		SequenceNumber:         r.SequenceNumber,
		Hash:                   r.Hash,
		CancelledAt:            r.CancelledAt,
		Version:                r.Version,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

// ChainEntryResponse is a chain entry in API responses
type ChainEntryResponse struct {
	SequenceNumber   int64     `json:"sequence_number"`
	InvoiceID        uuid.UUID `json:"invoice_id"`
	PreviousHash     string    `json:"previous_hash"`
	Hash             string    `json:"hash"`
	CanonicalPayload string    `json:"canonical_payload"`
	SchemaVersion    string    `json:"schema_version"`
	CreatedAt        time.Time `json:"created_at"`
}

// ToChainEntryResponse converts a chain entry for API responses
func ToChainEntryResponse(e *compliance.ChainEntry) ChainEntryResponse {
	return ChainEntryResponse{
		SequenceNumber:   e.SequenceNumber,
		InvoiceID:        e.InvoiceID,
		PreviousHash:     e.PreviousHash,
		Hash:             e.Hash,
		CanonicalPayload: string(e.CanonicalPayload),
		SchemaVersion:    e.SchemaVersion,
		CreatedAt:        e.CreatedAt,
	}
}
