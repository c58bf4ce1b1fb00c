package authority

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Authority codes the mock answers with
const (
	mockCodeAccepted   = "ACEPTADO"
	mockCodeInvalidCIF = "CIF_INVALIDO"
	mockCodeXML        = "XML_MALFORMADO"
	mockCodeTimeout    = "TIMEOUT"
)

var errMockTimeout = errors.New("authority did not answer in time")

// MockClient simulates the compliance authority with configurable outcome
// ratios. An accepted hash is remembered, and a byte-identical resubmission
// gets the original transaction id back instead of a new draw.
type MockClient struct {
	config MockConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	accepted map[string]string // hash -> transaction id
	calls    int
}

// NewMockClient creates a mock authority. A zero seed draws a random one.
func NewMockClient(cfg MockConfig, logger *zap.Logger) (*MockClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &MockClient{
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		accepted: make(map[string]string),
	}, nil
}

// Calls returns how many submissions reached the mock
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Submit draws an outcome after the configured latency
func (m *MockClient) Submit(ctx context.Context, req compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
	if m.config.Latency > 0 {
		timer := time.NewTimer(m.config.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &compliance.TransportError{Op: opSubmit, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	m.mu.Lock()
	m.calls++
	if txID, ok := m.accepted[req.Hash]; ok {
		m.mu.Unlock()
		m.logger.Debug("Mock authority collapsed duplicate submission",
			zap.String("invoice_id", req.InvoiceID.String()),
			zap.String("transaction_id", txID),
		)
		return m.acceptResponse(req, txID), nil
	}

	draw := m.rng.Float64()
	var rejectCode string
	switch {
	case draw < m.config.AcceptRatio:
		txID := m.transactionID()
		m.accepted[req.Hash] = txID
		m.mu.Unlock()
		m.logger.Info("Mock authority accepted invoice",
			zap.String("invoice_number", req.InvoiceNumber),
			zap.String("transaction_id", txID),
		)
		return m.acceptResponse(req, txID), nil
	case draw < m.config.AcceptRatio+m.config.RejectRatio:
		rejectCode = mockCodeInvalidCIF
		if m.rng.IntN(2) == 1 {
			rejectCode = mockCodeXML
		}
	case draw < m.config.AcceptRatio+m.config.RejectRatio+m.config.TimeoutRatio:
		m.mu.Unlock()
		m.logger.Warn("Mock authority timed out", zap.String("invoice_number", req.InvoiceNumber))
		return nil, &compliance.TransportError{Op: opSubmit, AuthorityCode: mockCodeTimeout, Err: errMockTimeout}
	default:
		// ratios summing below 1 leave the remainder accepted
		txID := m.transactionID()
		m.accepted[req.Hash] = txID
		m.mu.Unlock()
		return m.acceptResponse(req, txID), nil
	}
	m.mu.Unlock()

	message := rejectMessage(rejectCode)
	m.logger.Warn("Mock authority rejected invoice",
		zap.String("invoice_number", req.InvoiceNumber),
		zap.String("authority_code", rejectCode),
	)
	return nil, &compliance.RejectedError{
		AuthorityCode: rejectCode,
		Message:       message,
		Raw:           m.raw(map[string]any{"estado": "RECHAZADO", "codigoError": rejectCode, "descripcionError": message}),
	}
}

// transactionID returns MOCK-<year>-<8 upper hex>; the caller holds mu
func (m *MockClient) transactionID() string {
	var b [16]byte
	for i := range b {
		b[i] = byte(m.rng.UintN(256))
	}
	id, _ := uuid.FromBytes(b[:])
	return fmt.Sprintf("MOCK-%d-%s", m.now().UTC().Year(), strings.ToUpper(id.String()[:8]))
}

func (m *MockClient) acceptResponse(req compliance.SubmitRequest, txID string) *compliance.SubmitResponse {
	return &compliance.SubmitResponse{
		Accepted:      true,
		TransactionID: txID,
		AuthorityCode: mockCodeAccepted,
		Raw: m.raw(map[string]any{
			"estado":        "ACEPTADO",
			"txId":          txID,
			"numeroFactura": req.InvoiceNumber,
			"huella":        req.Hash,
		}),
	}
}

func (m *MockClient) raw(fields map[string]any) string {
	fields["fechaHora"] = m.now().UTC().Format(time.RFC3339)
	b, _ := json.Marshal(fields)
	return string(b)
}

func rejectMessage(code string) string {
	if code == mockCodeXML {
		return "payload does not match the authority schema"
	}
	return "issuer tax id is not valid or not registered"
}

var _ compliance.ComplianceClient = (*MockClient)(nil)
