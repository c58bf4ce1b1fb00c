package compliance

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultGenesisHash is the previous hash of the first entry in every tenant chain.
var DefaultGenesisHash = strings.Repeat("0", sha256.Size*2)

// ChainEntry is one committed link of a tenant's hash chain. Entries are append-only.
type ChainEntry struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	InvoiceID        uuid.UUID
	SequenceNumber   int64
	PreviousHash     string
	Hash             string
	CanonicalPayload []byte
	SchemaVersion    string
	CreatedAt        time.Time
}

// ChainHead is the recorded tip of a tenant chain. An empty chain has
// LastSequence 0 and no hash.
type ChainHead struct {
	TenantID     uuid.UUID
	LastSequence int64
	LastHash     string
}

// ComputeChainHash returns hex(SHA-256(previousHash || payload)). The previous
// hash contributes its lowercase hex text.
func ComputeChainHash(previousHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// NextChainEntry builds the entry that follows last, or the first entry of the
// chain when last is nil.
func NextChainEntry(tenantID, invoiceID uuid.UUID, last *ChainEntry, genesis string, payload []byte, schemaVersion string) *ChainEntry {
	prevHash := genesis
	var prevSeq int64
	if last != nil {
		prevHash = last.Hash
		prevSeq = last.SequenceNumber
	}
	return &ChainEntry{
		ID:               uuid.New(),
		TenantID:         tenantID,
		InvoiceID:        invoiceID,
		SequenceNumber:   prevSeq + 1,
		PreviousHash:     prevHash,
		Hash:             ComputeChainHash(prevHash, payload),
		CanonicalPayload: payload,
		SchemaVersion:    schemaVersion,
		CreatedAt:        time.Now().UTC(),
	}
}

// VerifyLink checks entry against its predecessor hash. It returns nil or a
// *ChainIntegrityError naming the entry's sequence.
func VerifyLink(expectedPrev string, expectedSeq int64, entry *ChainEntry) error {
	if entry.SequenceNumber != expectedSeq {
		return &ChainIntegrityError{
			TenantID: entry.TenantID,
			Sequence: expectedSeq,
			Detail:   "sequence gap",
		}
	}
	if entry.PreviousHash != expectedPrev {
		return &ChainIntegrityError{
			TenantID: entry.TenantID,
			Sequence: entry.SequenceNumber,
			Expected: expectedPrev,
			Actual:   entry.PreviousHash,
			Detail:   "previous hash does not match predecessor",
		}
	}
	if recomputed := ComputeChainHash(entry.PreviousHash, entry.CanonicalPayload); recomputed != entry.Hash {
		return &ChainIntegrityError{
			TenantID: entry.TenantID,
			Sequence: entry.SequenceNumber,
			Expected: recomputed,
			Actual:   entry.Hash,
			Detail:   "stored hash does not match payload",
		}
	}
	return nil
}

// VerificationResult is the outcome of a chain verification query.
type VerificationResult struct {
	TenantID       uuid.UUID `json:"tenant_id"`
	FromSequence   int64     `json:"from_sequence"`
	ToSequence     int64     `json:"to_sequence"`
	Checked        int64     `json:"checked"`
	Valid          bool      `json:"valid"`
	BrokenSequence *int64    `json:"broken_sequence,omitempty"`
	Detail         string    `json:"detail,omitempty"`
}
