package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTenant = uuid.MustParse("11111111-1111-1111-1111-111111111111")

func sampleInvoice() *Invoice {
	return &Invoice{
		ID:            uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		TenantID:      testTenant,
		IssuerTaxID:   " B12345678 ",
		InvoiceNumber: "F-2024-0001",
		IssueDate:     time.Date(2024, 3, 15, 23, 30, 0, 0, time.FixedZone("CET", 3600)),
		Currency:      "eur",
		BaseAmount:    decimal.RequireFromString("100"),
		TaxAmount:     decimal.RequireFromString("21.00"),
		TotalAmount:   decimal.NewNullDecimal(decimal.RequireFromString("121.00")),
		Lines: []InvoiceLine{
			{
				Description:   "Widget",
				Quantity:      decimal.NewFromInt(2),
				UnitPrice:     decimal.RequireFromString("10.50"),
				VATPercentage: decimal.NewFromInt(21),
				LineTotal:     decimal.RequireFromString("21.00"),
			},
			{
				Description:   "Assembly",
				Quantity:      decimal.NewFromInt(1),
				UnitPrice:     decimal.NewFromInt(79),
				VATPercentage: decimal.NewFromInt(21),
				LineTotal:     decimal.NewFromInt(79),
			},
		},
	}
}

func newEncoder(t *testing.T) *CanonicalEncoder {
	t.Helper()
	enc, err := NewCanonicalEncoder("")
	require.NoError(t, err)
	return enc
}

func TestCanonicalEncoder_Encode(t *testing.T) {
	enc := newEncoder(t)

	payload, err := enc.Encode(testTenant, sampleInvoice())
	require.NoError(t, err)

	lines := `[{"description":"Assembly","discountPercentage":"0.00","lineTotal":"79.00","quantity":"1.000","unitPrice":"79.00","vatPercentage":"21.00"},` +
		`{"description":"Widget","discountPercentage":"0.00","lineTotal":"21.00","quantity":"2.000","unitPrice":"10.50","vatPercentage":"21.00"}]`
	sum := sha256.Sum256([]byte(lines))

	expected := fmt.Sprintf(`{"baseAmount":"100.00","currency":"EUR","invoiceNumber":"F-2024-0001","issueDate":"2024-03-15",`+
		`"issuerTaxId":"B12345678","lineCount":2,"linesHash":"%s","schemaVersion":"invoice-canonical/v1",`+
		`"taxAmount":"21.00","tenantId":"%s","totalAmount":"121.00"}`, hex.EncodeToString(sum[:]), testTenant)

	assert.Equal(t, expected, string(payload))
}

func TestCanonicalEncoder_IsIndependentOfInputOrderAndForm(t *testing.T) {
	enc := newEncoder(t)

	a := sampleInvoice()
	b := sampleInvoice()
	b.Lines[0], b.Lines[1] = b.Lines[1], b.Lines[0]
	b.IssuerTaxID = "B12345678"
	b.BaseAmount = decimal.RequireFromString("100.000")

	pa, err := enc.Encode(testTenant, a)
	require.NoError(t, err)
	pb, err := enc.Encode(testTenant, b)
	require.NoError(t, err)
	assert.Equal(t, pa, pb)

	t.Run("NFC normalisation", func(t *testing.T) {
		composed := sampleInvoice()
		composed.Lines[0].Description = "Caf\u00e9"
		decomposed := sampleInvoice()
		decomposed.Lines[0].Description = "Cafe\u0301"

		p1, err := enc.Encode(testTenant, composed)
		require.NoError(t, err)
		p2, err := enc.Encode(testTenant, decomposed)
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
	})
}

func TestCanonicalEncoder_Errors(t *testing.T) {
	enc := newEncoder(t)

	tests := []struct {
		name   string
		tenant uuid.UUID
		mutate func(inv *Invoice)
		field  string
		reason string
	}{
		{"nil tenant", uuid.Nil, func(*Invoice) {}, "tenantId", ReasonMissingTenant},
		{"tenant mismatch", testTenant, func(inv *Invoice) { inv.TenantID = uuid.New() }, "tenantId", ReasonTenantMismatch},
		{"missing number", testTenant, func(inv *Invoice) { inv.InvoiceNumber = "  " }, "invoiceNumber", ReasonMissingInvoiceNumber},
		{"missing issuer", testTenant, func(inv *Invoice) { inv.IssuerTaxID = "" }, "issuerTaxId", ReasonMissingIssuer},
		{"missing issue date", testTenant, func(inv *Invoice) { inv.IssueDate = time.Time{} }, "issueDate", ReasonMissingIssueDate},
		{"missing currency", testTenant, func(inv *Invoice) { inv.Currency = "" }, "currency", ReasonMissingCurrency},
		{"missing total", testTenant, func(inv *Invoice) { inv.TotalAmount = decimal.NullDecimal{} }, "totalAmount", ReasonMissingTotalAmount},
		{"no lines", testTenant, func(inv *Invoice) { inv.Lines = nil }, "lines", ReasonMissingItems},
		{"blank line description", testTenant, func(inv *Invoice) { inv.Lines[1].Description = " " }, "lines[1].description", ReasonMissingLineDescription},
		{"price precision", testTenant, func(inv *Invoice) { inv.Lines[0].UnitPrice = decimal.RequireFromString("10.505") }, "lines[0].unitPrice", ReasonPrecisionExceeded},
		{"quantity precision", testTenant, func(inv *Invoice) { inv.Lines[0].Quantity = decimal.RequireFromString("1.0001") }, "lines[0].quantity", ReasonPrecisionExceeded},
		{"total precision", testTenant, func(inv *Invoice) { inv.TotalAmount = decimal.NewNullDecimal(decimal.RequireFromString("121.001")) }, "totalAmount", ReasonPrecisionExceeded},
		{"negative price", testTenant, func(inv *Invoice) { inv.Lines[0].UnitPrice = decimal.NewFromInt(-1) }, "lines[0].unitPrice", ReasonNegativeAmount},
		{"base mismatch", testTenant, func(inv *Invoice) { inv.BaseAmount = decimal.NewFromInt(99) }, "baseAmount", ReasonTotalMismatch},
		{"total mismatch", testTenant, func(inv *Invoice) { inv.TotalAmount = decimal.NewNullDecimal(decimal.NewFromInt(120)) }, "totalAmount", ReasonTotalMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := sampleInvoice()
			tt.mutate(inv)

			_, err := enc.Encode(tt.tenant, inv)
			require.Error(t, err)

			var encErr *EncodingError
			require.True(t, errors.As(err, &encErr))
			assert.Equal(t, tt.field, encErr.Field)
			assert.Equal(t, tt.reason, encErr.Reason)
			assert.Equal(t, CodeEncoding, encErr.Code())
			assert.False(t, IsRetryable(err))
		})
	}
}

func TestNewCanonicalEncoder_UnsupportedSchema(t *testing.T) {
	_, err := NewCanonicalEncoder("invoice-canonical/v9")
	var encErr *EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, ReasonUnsupportedSchema, encErr.Reason)
}

func TestCanonicalEncoder_PermutationProperty(t *testing.T) {
	enc := newEncoder(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("encoding ignores line order", prop.ForAll(
		func(descs []string, cents int64, seed int64) bool {
			if len(descs) == 0 {
				return true
			}
			inv := &Invoice{
				IssuerTaxID:   "B00000000",
				InvoiceNumber: "P-1",
				IssueDate:     time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
				Currency:      "EUR",
			}
			base := decimal.Zero
			for i, d := range descs {
				amount := decimal.New(cents+int64(i), -2)
				inv.Lines = append(inv.Lines, InvoiceLine{
					Description: d,
					Quantity:    decimal.NewFromInt(1),
					UnitPrice:   amount,
					LineTotal:   amount,
				})
				base = base.Add(amount)
			}
			inv.BaseAmount = base
			inv.TotalAmount = decimal.NewNullDecimal(base)

			first, err := enc.Encode(testTenant, inv)
			if err != nil {
				return false
			}

			shuffled := *inv
			shuffled.Lines = append([]InvoiceLine(nil), inv.Lines...)
			r := rand.New(rand.NewSource(seed))
			r.Shuffle(len(shuffled.Lines), func(i, j int) {
				shuffled.Lines[i], shuffled.Lines[j] = shuffled.Lines[j], shuffled.Lines[i]
			})

			second, err := enc.Encode(testTenant, &shuffled)
			return err == nil && string(first) == string(second)
		},
		gen.SliceOf(gen.Identifier()),
		gen.Int64Range(0, 10_000_000),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
