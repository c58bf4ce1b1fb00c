package testutil

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var vatRate = decimal.NewFromInt(21)

// InvoiceFaker builds valid, internally consistent invoices from a seeded faker
type InvoiceFaker struct {
	faker *gofakeit.Faker
}

// NewInvoiceFaker returns a faker; the same seed yields the same invoices
func NewInvoiceFaker(seed uint64) *InvoiceFaker {
	return &InvoiceFaker{faker: gofakeit.New(seed)}
}

// Invoice returns a random invoice for tenantID whose line totals, base, tax
// and total amounts agree
func (f *InvoiceFaker) Invoice(tenantID uuid.UUID) *compliance.Invoice {
	lineCount := f.faker.Number(1, 5)
	lines := make([]compliance.InvoiceLine, 0, lineCount)
	base := decimal.Zero
	for i := 0; i < lineCount; i++ {
		qty := decimal.NewFromInt(int64(f.faker.Number(1, 10)))
		price := decimal.New(int64(f.faker.Number(100, 100000)), -2)
		total := qty.Mul(price)
		base = base.Add(total)
		lines = append(lines, compliance.InvoiceLine{
			Description:   f.faker.ProductName(),
			Quantity:      qty,
			UnitPrice:     price,
			VATPercentage: vatRate,
			LineTotal:     total,
		})
	}
	tax := base.Mul(vatRate).Div(decimal.NewFromInt(100)).Round(2)

	issued := f.faker.DateRange(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	)
	return &compliance.Invoice{
		ID:            uuid.New(),
		TenantID:      tenantID,
		IssuerTaxID:   "B" + f.faker.DigitN(8),
		InvoiceNumber: fmt.Sprintf("F-%d-%s", issued.Year(), f.faker.DigitN(6)),
		IssueDate:     issued,
		Currency:      "EUR",
		BaseAmount:    base,
		TaxAmount:     tax,
		TotalAmount:   decimal.NewNullDecimal(base.Add(tax)),
		Lines:         lines,
	}
}

// NewInvoice returns a random valid invoice from a time-seeded faker
func NewInvoice(tenantID uuid.UUID) *compliance.Invoice {
	return NewInvoiceFaker(uint64(time.Now().UnixNano())).Invoice(tenantID)
}
