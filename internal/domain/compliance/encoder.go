package compliance

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// SchemaVersionV1 is the only canonical layout currently emitted. It is embedded
// in every payload so historical entries stay verifiable if the layout changes.
const SchemaVersionV1 = "invoice-canonical/v1"

// Fixed scales for canonical decimal strings
const (
	MoneyScale    int32 = 2
	QuantityScale int32 = 3
)

const issueDateLayout = "2006-01-02"

type canonicalLine struct {
	Description        string `json:"description"`
	Quantity           string `json:"quantity"`
	UnitPrice          string `json:"unitPrice"`
	DiscountPercentage string `json:"discountPercentage"`
	VATPercentage      string `json:"vatPercentage"`
	LineTotal          string `json:"lineTotal"`
}

type canonicalInvoice struct {
	SchemaVersion string `json:"schemaVersion"`
	TenantID      string `json:"tenantId"`
	IssuerTaxID   string `json:"issuerTaxId"`
	InvoiceNumber string `json:"invoiceNumber"`
	IssueDate     string `json:"issueDate"`
	Currency      string `json:"currency"`
	BaseAmount    string `json:"baseAmount"`
	TaxAmount     string `json:"taxAmount"`
	TotalAmount   string `json:"totalAmount"`
	LineCount     int    `json:"lineCount"`
	LinesHash     string `json:"linesHash"`
}

// CanonicalEncoder produces the deterministic byte representation of an invoice.
//
// Output is RFC 8785 (JCS) JSON: keys sorted, no insignificant whitespace,
// strings trimmed and NFC-normalised, amounts as fixed-scale decimal strings.
// Lines are sorted so that input order never affects the result.
type CanonicalEncoder struct {
	schemaVersion string
}

// NewCanonicalEncoder returns an encoder for the given schema version; empty selects v1.
func NewCanonicalEncoder(schemaVersion string) (*CanonicalEncoder, error) {
	if schemaVersion == "" {
		schemaVersion = SchemaVersionV1
	}
	if schemaVersion != SchemaVersionV1 {
		return nil, &EncodingError{Field: "schemaVersion", Reason: ReasonUnsupportedSchema}
	}
	return &CanonicalEncoder{schemaVersion: schemaVersion}, nil
}

// SchemaVersion returns the schema tag embedded in every payload
func (e *CanonicalEncoder) SchemaVersion() string {
	return e.schemaVersion
}

// Encode returns the canonical payload of inv for tenantID.
func (e *CanonicalEncoder) Encode(tenantID uuid.UUID, inv *Invoice) ([]byte, error) {
	if tenantID == uuid.Nil {
		return nil, &EncodingError{Field: "tenantId", Reason: ReasonMissingTenant}
	}
	if inv == nil {
		return nil, &EncodingError{Field: "invoice", Reason: ReasonMissingInvoiceNumber}
	}
	if inv.TenantID != uuid.Nil && inv.TenantID != tenantID {
		return nil, &EncodingError{Field: "tenantId", Reason: ReasonTenantMismatch}
	}

	number := normalizeText(inv.InvoiceNumber)
	if number == "" {
		return nil, &EncodingError{Field: "invoiceNumber", Reason: ReasonMissingInvoiceNumber}
	}
	issuer := normalizeText(inv.IssuerTaxID)
	if issuer == "" {
		return nil, &EncodingError{Field: "issuerTaxId", Reason: ReasonMissingIssuer}
	}
	if inv.IssueDate.IsZero() {
		return nil, &EncodingError{Field: "issueDate", Reason: ReasonMissingIssueDate}
	}
	currency := strings.ToUpper(normalizeText(inv.Currency))
	if currency == "" {
		return nil, &EncodingError{Field: "currency", Reason: ReasonMissingCurrency}
	}
	if !inv.TotalAmount.Valid {
		return nil, &EncodingError{Field: "totalAmount", Reason: ReasonMissingTotalAmount}
	}
	if len(inv.Lines) == 0 {
		return nil, &EncodingError{Field: "lines", Reason: ReasonMissingItems}
	}

	lines, linesSum, err := encodeLines(inv.Lines)
	if err != nil {
		return nil, err
	}

	base, err := fixedScale("baseAmount", inv.BaseAmount, MoneyScale)
	if err != nil {
		return nil, err
	}
	tax, err := fixedScale("taxAmount", inv.TaxAmount, MoneyScale)
	if err != nil {
		return nil, err
	}
	total, err := fixedScale("totalAmount", inv.TotalAmount.Decimal, MoneyScale)
	if err != nil {
		return nil, err
	}
	if !linesSum.Equal(inv.BaseAmount) {
		return nil, &EncodingError{Field: "baseAmount", Reason: ReasonTotalMismatch}
	}
	if !inv.BaseAmount.Add(inv.TaxAmount).Equal(inv.TotalAmount.Decimal) {
		return nil, &EncodingError{Field: "totalAmount", Reason: ReasonTotalMismatch}
	}

	linesBytes, err := canonicalJSON(lines)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(linesBytes)

	doc := canonicalInvoice{
		SchemaVersion: e.schemaVersion,
		TenantID:      tenantID.String(),
		IssuerTaxID:   issuer,
		InvoiceNumber: number,
		IssueDate:     inv.IssueDate.UTC().Format(issueDateLayout),
		Currency:      currency,
		BaseAmount:    base,
		TaxAmount:     tax,
		TotalAmount:   total,
		LineCount:     len(lines),
		LinesHash:     hex.EncodeToString(sum[:]),
	}
	return canonicalJSON(doc)
}

func encodeLines(in []InvoiceLine) ([]canonicalLine, decimal.Decimal, error) {
	type keyed struct {
		line canonicalLine
		raw  []byte
	}

	sum := decimal.Zero
	items := make([]keyed, 0, len(in))
	for i, l := range in {
		field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }

		desc := normalizeText(l.Description)
		if desc == "" {
			return nil, sum, &EncodingError{Field: field("description"), Reason: ReasonMissingLineDescription}
		}
		qty, err := fixedScale(field("quantity"), l.Quantity, QuantityScale)
		if err != nil {
			return nil, sum, err
		}
		price, err := fixedScale(field("unitPrice"), l.UnitPrice, MoneyScale)
		if err != nil {
			return nil, sum, err
		}
		discount, err := fixedScale(field("discountPercentage"), l.DiscountPercentage, MoneyScale)
		if err != nil {
			return nil, sum, err
		}
		vat, err := fixedScale(field("vatPercentage"), l.VATPercentage, MoneyScale)
		if err != nil {
			return nil, sum, err
		}
		total, err := fixedScale(field("lineTotal"), l.LineTotal, MoneyScale)
		if err != nil {
			return nil, sum, err
		}

		cl := canonicalLine{
			Description:        desc,
			Quantity:           qty,
			UnitPrice:          price,
			DiscountPercentage: discount,
			VATPercentage:      vat,
			LineTotal:          total,
		}
		raw, err := canonicalJSON(cl)
		if err != nil {
			return nil, sum, err
		}
		items = append(items, keyed{line: cl, raw: raw})
		sum = sum.Add(l.LineTotal)
	}

	sort.Slice(items, func(a, b int) bool {
		if items[a].line.Description != items[b].line.Description {
			return items[a].line.Description < items[b].line.Description
		}
		return bytes.Compare(items[a].raw, items[b].raw) < 0
	})

	out := make([]canonicalLine, len(items))
	for i := range items {
		out[i] = items[i].line
	}
	return out, sum, nil
}

// fixedScale renders d with exactly scale fractional digits. Values carrying
// more precision than the scale are rejected rather than rounded.
func fixedScale(field string, d decimal.Decimal, scale int32) (string, error) {
	if d.IsNegative() {
		return "", &EncodingError{Field: field, Reason: ReasonNegativeAmount}
	}
	if !d.Equal(d.Truncate(scale)) {
		return "", &EncodingError{Field: field, Reason: ReasonPrecisionExceeded}
	}
	return d.StringFixed(scale), nil
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical document: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return out, nil
}
