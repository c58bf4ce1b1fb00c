package authority

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/erp/compliance/internal/domain/compliance"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxResponseSize is the maximum accepted authority response body (1MB)
const maxResponseSize = 1 << 20

const opSubmit = "authority.submit"

// submitRequest is the JSON body posted to the authority
type submitRequest struct {
	Payload       string `json:"payload"`
	Hash          string `json:"hash"`
	SchemaVersion string `json:"schemaVersion"`
	InvoiceNumber string `json:"invoiceNumber"`
}

// submitResponse is the JSON answer of the authority
type submitResponse struct {
	Accepted      bool   `json:"accepted"`
	TransactionID string `json:"transactionId"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

// HTTPClient submits canonical payloads to an HTTP authority endpoint. It
// never retries; every failure is classified and returned to the caller.
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	taxonomy   *compliance.ErrorTaxonomy
	logger     *zap.Logger
}

// NewHTTPClient creates an HTTP authority client
func NewHTTPClient(cfg HTTPConfig, taxonomy *compliance.ErrorTaxonomy, logger *zap.Logger) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if taxonomy == nil {
		taxonomy = compliance.DefaultErrorTaxonomy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	return &HTTPClient{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		taxonomy:   taxonomy,
		logger:     logger,
	}, nil
}

// Submit posts one submission. The hash doubles as the idempotency key, so a
// retried attempt is recognisable by the authority.
func (c *HTTPClient) Submit(ctx context.Context, req compliance.SubmitRequest) (*compliance.SubmitResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &compliance.TransportError{Op: opSubmit, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	body, err := json.Marshal(submitRequest{
		Payload:       base64.StdEncoding.EncodeToString(req.CanonicalPayload),
		Hash:          req.Hash,
		SchemaVersion: req.SchemaVersion,
		InvoiceNumber: req.InvoiceNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode authority request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build authority request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.config.APIKey)
	httpReq.Header.Set("Idempotency-Key", req.Hash)
	httpReq.Header.Set("X-Tenant-ID", req.TenantID.String())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &compliance.TransportError{Op: opSubmit, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &compliance.TransportError{Op: opSubmit, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &compliance.TransportError{
			Op:  opSubmit,
			Err: fmt.Errorf("authority answered HTTP %d", resp.StatusCode),
		}
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &compliance.RejectedError{
				AuthorityCode: fmt.Sprintf("HTTP_%d", resp.StatusCode),
				Message:       "unreadable authority response",
				Raw:           string(raw),
			}
		}
		return nil, &compliance.TransportError{Op: opSubmit, Err: fmt.Errorf("malformed response: %w", err)}
	}

	if decoded.Accepted && resp.StatusCode < http.StatusBadRequest {
		c.logger.Debug("Authority accepted submission",
			zap.String("invoice_id", req.InvoiceID.String()),
			zap.String("transaction_id", decoded.TransactionID),
		)
		return &compliance.SubmitResponse{
			Accepted:      true,
			TransactionID: decoded.TransactionID,
			AuthorityCode: decoded.Code,
			Message:       decoded.Message,
			Raw:           string(raw),
		}, nil
	}

	code := decoded.Code
	if code == "" {
		code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	err = c.taxonomy.ErrorFor(opSubmit, code, decoded.Message, decoded.TransactionID, string(raw))
	var rejected *compliance.RejectedError
	if errors.As(err, &rejected) {
		c.logger.Info("Authority rejected submission",
			zap.String("invoice_id", req.InvoiceID.String()),
			zap.String("authority_code", rejected.AuthorityCode),
		)
	}
	return nil, err
}

var _ compliance.ComplianceClient = (*HTTPClient)(nil)
