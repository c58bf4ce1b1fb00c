package compliance

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error codes carried by pipeline errors. They are stable and surface in API responses.
const (
	CodeEncoding          = "ENCODING_ERROR"
	CodeChainConflict     = "CHAIN_CONFLICT"
	CodeChainIntegrity    = "CHAIN_INTEGRITY"
	CodeTransport         = "TRANSPORT_ERROR"
	CodeAuthorityRejected = "AUTHORITY_REJECTED"
	CodeAbandoned         = "SUBMISSION_ABANDONED"
)

// Encoding failure reasons
const (
	ReasonMissingTenant          = "MISSING_TENANT"
	ReasonTenantMismatch         = "TENANT_MISMATCH"
	ReasonMissingInvoiceID       = "MISSING_INVOICE_ID"
	ReasonMissingInvoiceNumber   = "MISSING_INVOICE_NUMBER"
	ReasonMissingIssuer          = "MISSING_ISSUER"
	ReasonMissingIssueDate       = "MISSING_ISSUE_DATE"
	ReasonMissingCurrency        = "MISSING_CURRENCY"
	ReasonMissingTotalAmount     = "MISSING_TOTAL_AMOUNT"
	ReasonMissingItems           = "MISSING_ITEMS"
	ReasonMissingLineDescription = "MISSING_LINE_DESCRIPTION"
	ReasonNegativeAmount         = "NEGATIVE_AMOUNT"
	ReasonPrecisionExceeded      = "PRECISION_EXCEEDED"
	ReasonTotalMismatch          = "TOTAL_MISMATCH"
	ReasonUnsupportedSchema      = "UNSUPPORTED_SCHEMA"
)

// EncodingError is returned when an invoice cannot be canonically encoded.
// It is never retried.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding error: %s (%s)", e.Reason, e.Field)
}

// Code returns the error code
func (e *EncodingError) Code() string { return CodeEncoding }

// ChainConflictError is returned when another writer advanced the tenant chain
// between the read of the last entry and the commit.
type ChainConflictError struct {
	TenantID         uuid.UUID
	ExpectedSequence int64
}

func (e *ChainConflictError) Error() string {
	return fmt.Sprintf("chain conflict for tenant %s: sequence %d already taken", e.TenantID, e.ExpectedSequence)
}

// Code returns the error code
func (e *ChainConflictError) Code() string { return CodeChainConflict }

// ChainIntegrityError names the first sequence whose stored hash or link does not
// match recomputation.
type ChainIntegrityError struct {
	TenantID uuid.UUID
	Sequence int64
	Expected string
	Actual   string
	Detail   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("chain integrity broken for tenant %s at sequence %d: %s", e.TenantID, e.Sequence, e.Detail)
}

// Code returns the error code
func (e *ChainIntegrityError) Code() string { return CodeChainIntegrity }

// TransportError covers network failures, timeouts and authority codes classified as transient.
type TransportError struct {
	Op            string
	AuthorityCode string
	Err           error
}

func (e *TransportError) Error() string {
	if e.AuthorityCode != "" {
		return fmt.Sprintf("transport error during %s: %s: %v", e.Op, e.AuthorityCode, e.Err)
	}
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Code returns the error code
func (e *TransportError) Code() string { return CodeTransport }

// RejectedError is a business rejection by the authority. It is terminal.
type RejectedError struct {
	AuthorityCode string
	Message       string
	TransactionID string
	Raw           string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected by authority: %s: %s", e.AuthorityCode, e.Message)
}

// Code returns the error code
func (e *RejectedError) Code() string { return CodeAuthorityRejected }

// AbandonedError is reported when a submission exhausted its retry budget.
type AbandonedError struct {
	InvoiceID uuid.UUID
	Attempts  int
	LastError string
}

func (e *AbandonedError) Error() string {
	return fmt.Sprintf("submission %s abandoned after %d attempts: %s", e.InvoiceID, e.Attempts, e.LastError)
}

// Code returns the error code
func (e *AbandonedError) Code() string { return CodeAbandoned }

// IsRetryable reports whether err is handled by retrying: transport failures and chain races.
func IsRetryable(err error) bool {
	var te *TransportError
	var ce *ChainConflictError
	return errors.As(err, &te) || errors.As(err, &ce)
}
