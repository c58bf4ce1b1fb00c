package compliance

import (
	"context"

	"github.com/google/uuid"
)

// SubmitRequest is what is sent to the authority. Payload and hash are fixed
// once the chain entry exists, so every retry sends identical bytes.
type SubmitRequest struct {
	TenantID         uuid.UUID
	InvoiceID        uuid.UUID
	InvoiceNumber    string
	CanonicalPayload []byte
	Hash             string
	SchemaVersion    string
	Attempt          int
}

// SubmitResponse is a successful authority acknowledgement.
type SubmitResponse struct {
	Accepted      bool
	TransactionID string
	AuthorityCode string
	Message       string
	Raw           string
}

// ComplianceClient talks to the external authority.
//
// Submit returns a response for an accepted submission, a *RejectedError for a
// business rejection, or a *TransportError for network failures and timeouts.
// Implementations never retry.
type ComplianceClient interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
}
