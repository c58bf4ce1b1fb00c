package compliance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceLine is one line item of an invoice as seen by the compliance pipeline.
type InvoiceLine struct {
	Description        string          `json:"description"`
	Quantity           decimal.Decimal `json:"quantity"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	VATPercentage      decimal.Decimal `json:"vat_percentage"`
	LineTotal          decimal.Decimal `json:"line_total"`
}

// Invoice is the compliance view of an issued invoice. Once a chain entry
// exists for it, it is never mutated; corrections are new invoices.
type Invoice struct {
	ID            uuid.UUID           `json:"id"`
	TenantID      uuid.UUID           `json:"tenant_id"`
	IssuerTaxID   string              `json:"issuer_tax_id"`
	InvoiceNumber string              `json:"invoice_number"`
	IssueDate     time.Time           `json:"issue_date"`
	Currency      string              `json:"currency"`
	BaseAmount    decimal.Decimal     `json:"base_amount"`
	TaxAmount     decimal.Decimal     `json:"tax_amount"`
	TotalAmount   decimal.NullDecimal `json:"total_amount"`
	Lines         []InvoiceLine       `json:"lines"`
}
