package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	appaudit "github.com/erp/compliance/internal/application/audit"
	"github.com/erp/compliance/internal/application/event"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/infrastructure/logger"
	"github.com/erp/compliance/internal/interfaces/http/dto"
	"github.com/erp/compliance/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
	middleware.SetupValidator()
}

type MockSubmissionService struct {
	mock.Mock
}

func (m *MockSubmissionService) record(args mock.Arguments) (*compliance.SubmissionRecord, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.SubmissionRecord), args.Error(1)
}

func (m *MockSubmissionService) Submit(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	return m.record(m.Called(ctx, tenantID, inv))
}

func (m *MockSubmissionService) Enqueue(ctx context.Context, tenantID uuid.UUID, inv *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	return m.record(m.Called(ctx, tenantID, inv))
}

func (m *MockSubmissionService) Get(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	return m.record(m.Called(ctx, tenantID, invoiceID))
}

func (m *MockSubmissionService) Cancel(ctx context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	return m.record(m.Called(ctx, tenantID, invoiceID))
}

type MockChainService struct {
	mock.Mock
}

func (m *MockChainService) Verify(ctx context.Context, tenantID uuid.UUID, from, to int64) (*compliance.VerificationResult, error) {
	args := m.Called(ctx, tenantID, from, to)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.VerificationResult), args.Error(1)
}

func (m *MockChainService) Entry(ctx context.Context, tenantID uuid.UUID, sequence int64) (*compliance.ChainEntry, error) {
	args := m.Called(ctx, tenantID, sequence)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*compliance.ChainEntry), args.Error(1)
}

type MockAuditQuery struct {
	mock.Mock
}

func (m *MockAuditQuery) ListByInvoice(ctx context.Context, tenantID, invoiceID uuid.UUID) ([]appaudit.EventDTO, error) {
	args := m.Called(ctx, tenantID, invoiceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]appaudit.EventDTO), args.Error(1)
}

func (m *MockAuditQuery) List(ctx context.Context, tenantID uuid.UUID, filter appaudit.ListFilter) (*appaudit.ListResult, error) {
	args := m.Called(ctx, tenantID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*appaudit.ListResult), args.Error(1)
}

type MockOutboxAdmin struct {
	mock.Mock
}

func (m *MockOutboxAdmin) ListDeadLetters(ctx context.Context, filter event.OutboxFilter) (*event.OutboxListResult, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*event.OutboxListResult), args.Error(1)
}

func (m *MockOutboxAdmin) GetMessage(ctx context.Context, id uuid.UUID) (*event.OutboxMessageDTO, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*event.OutboxMessageDTO), args.Error(1)
}

func (m *MockOutboxAdmin) RequeueDeadLetter(ctx context.Context, id uuid.UUID) (*event.OutboxMessageDTO, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*event.OutboxMessageDTO), args.Error(1)
}

func (m *MockOutboxAdmin) RequeueAllDeadLetters(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockOutboxAdmin) GetStats(ctx context.Context) (*event.OutboxStatsDTO, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*event.OutboxStatsDTO), args.Error(1)
}

// newTestEngine mounts the request-id and tenant middleware the way the
// server does, leaving route registration to the test.
func newTestEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(logger.RequestLogger(zap.NewNop()))
	engine.Use(middleware.RequireTenant(middleware.TenantConfig{SkipPaths: []string{"/system"}}))
	return engine
}

func doRequest(engine *gin.Engine, method, path string, tenantID uuid.UUID, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenantID != uuid.Nil {
		req.Header.Set(middleware.TenantHeaderKey, tenantID.String())
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) dto.Response {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func responseData(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	resp := decodeResponse(t, w)
	require.True(t, resp.Success)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "data is not an object: %s", w.Body.String())
	return data
}
