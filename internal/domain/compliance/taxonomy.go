package compliance

import (
	"errors"
	"strings"
)

// OutcomeClass is how an authority error code is handled
type OutcomeClass string

const (
	OutcomeTransient OutcomeClass = "transient"
	OutcomeRejected  OutcomeClass = "reject"
)

// Authority codes known to the default taxonomy
var (
	DefaultTransientCodes = []string{"TIMEOUT", "SERVICE_UNAVAILABLE", "RATE_LIMITED"}
	DefaultRejectCodes    = []string{"CIF_INVALIDO", "XML_MALFORMADO", "DUPLICATE", "CHAIN_MISMATCH", "SCHEMA_VIOLATION"}
)

// ErrorTaxonomy maps authority codes to outcome classes. The real authority's
// code set is deployment configuration, so nothing here is hardcoded beyond defaults.
type ErrorTaxonomy struct {
	transient map[string]struct{}
	rejected  map[string]struct{}
	unknown   OutcomeClass
}

// NewErrorTaxonomy builds a taxonomy. Codes are matched case-insensitively;
// unknown codes get unknownPolicy.
func NewErrorTaxonomy(transientCodes, rejectCodes []string, unknownPolicy OutcomeClass) (*ErrorTaxonomy, error) {
	if unknownPolicy == "" {
		unknownPolicy = OutcomeRejected
	}
	if unknownPolicy != OutcomeRejected && unknownPolicy != OutcomeTransient {
		return nil, errors.New("unknown code policy must be 'reject' or 'transient'")
	}
	t := &ErrorTaxonomy{
		transient: make(map[string]struct{}, len(transientCodes)),
		rejected:  make(map[string]struct{}, len(rejectCodes)),
		unknown:   unknownPolicy,
	}
	for _, c := range transientCodes {
		t.transient[normalizeCode(c)] = struct{}{}
	}
	for _, c := range rejectCodes {
		key := normalizeCode(c)
		if _, dup := t.transient[key]; dup {
			return nil, errors.New("authority code " + key + " is both transient and reject")
		}
		t.rejected[key] = struct{}{}
	}
	return t, nil
}

// DefaultErrorTaxonomy returns the taxonomy used when nothing is configured
func DefaultErrorTaxonomy() *ErrorTaxonomy {
	t, _ := NewErrorTaxonomy(DefaultTransientCodes, DefaultRejectCodes, OutcomeRejected)
	return t
}

// Classify returns the outcome class of code
func (t *ErrorTaxonomy) Classify(code string) OutcomeClass {
	key := normalizeCode(code)
	if _, ok := t.transient[key]; ok {
		return OutcomeTransient
	}
	if _, ok := t.rejected[key]; ok {
		return OutcomeRejected
	}
	return t.unknown
}

// ErrorFor converts a negative authority answer into the matching pipeline error.
func (t *ErrorTaxonomy) ErrorFor(op, code, message, transactionID, raw string) error {
	if t.Classify(code) == OutcomeTransient {
		return &TransportError{Op: op, AuthorityCode: normalizeCode(code), Err: errors.New(message)}
	}
	return &RejectedError{
		AuthorityCode: normalizeCode(code),
		Message:       message,
		TransactionID: transactionID,
		Raw:           raw,
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
