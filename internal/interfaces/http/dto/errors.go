package dto

import "net/http"

// Error codes of the shared kernel
const (
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeAlreadyExists       = "ALREADY_EXISTS"
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeInvalidState        = "INVALID_STATE"
	ErrCodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
)

// Error codes of the submission pipeline
const (
	ErrCodeEncoding          = "ENCODING_ERROR"
	ErrCodeChainConflict     = "CHAIN_CONFLICT"
	ErrCodeChainIntegrity    = "CHAIN_INTEGRITY"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeAuthorityRejected = "AUTHORITY_REJECTED"
	ErrCodeAbandoned         = "SUBMISSION_ABANDONED"
	ErrCodeInvoiceModified   = "INVOICE_MODIFIED"
)

// Request and transport error codes
const (
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeMissingTenant   = "MISSING_TENANT"
	ErrCodeInvalidTenant   = "INVALID_TENANT"
	ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeAlreadyExists:       http.StatusConflict,
	ErrCodeInvalidInput:        http.StatusBadRequest,
	ErrCodeInvalidState:        http.StatusConflict,
	ErrCodeConcurrencyConflict: http.StatusConflict,

	ErrCodeEncoding:          http.StatusBadRequest,
	ErrCodeChainConflict:     http.StatusConflict,
	ErrCodeChainIntegrity:    http.StatusInternalServerError,
	ErrCodeTransport:         http.StatusBadGateway,
	ErrCodeAuthorityRejected: http.StatusUnprocessableEntity,
	ErrCodeAbandoned:         http.StatusUnprocessableEntity,
	ErrCodeInvoiceModified:   http.StatusConflict,

	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeMissingTenant:   http.StatusBadRequest,
	ErrCodeInvalidTenant:   http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrCodeInternal:        http.StatusInternalServerError,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
