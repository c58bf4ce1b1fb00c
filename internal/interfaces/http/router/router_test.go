package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	appaudit "github.com/erp/compliance/internal/application/audit"
	"github.com/erp/compliance/internal/application/event"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/interfaces/http/handler"
	"github.com/erp/compliance/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestBasePath(t *testing.T) {
	assert.Equal(t, "/api/v1", BasePath())
}

func TestMount_RoutesAndMethods(t *testing.T) {
	engine := gin.New()
	Mount(engine.Group(BasePath()), Area{Prefix: "/test", Routes: []Route{
		get("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") }),
		{Method: http.MethodDelete, Path: "/item", Handlers: []gin.HandlerFunc{func(c *gin.Context) { c.Status(http.StatusNoContent) }}},
	}})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/test/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/test/item", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMount_NestedMiddlewareOrder(t *testing.T) {
	engine := gin.New()
	var calls []string
	mark := func(name string) gin.HandlerFunc {
		return func(c *gin.Context) {
			calls = append(calls, name)
			c.Next()
		}
	}

	Mount(engine.Group(BasePath()), Area{
		Prefix:     "/parent",
		Middleware: []gin.HandlerFunc{mark("parent")},
		Areas: []Area{{
			Prefix:     "/child",
			Middleware: []gin.HandlerFunc{mark("child")},
			Routes:     []Route{post("/run", func(c *gin.Context) { c.Status(http.StatusAccepted) })},
		}},
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/parent/child/run", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"parent", "child"}, calls)
}

type stubSubmissions struct{}

func (stubSubmissions) Submit(context.Context, uuid.UUID, *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	return nil, shared.ErrNotFound
}

func (stubSubmissions) Enqueue(context.Context, uuid.UUID, *compliance.Invoice) (*compliance.SubmissionRecord, error) {
	return nil, shared.ErrNotFound
}

func (stubSubmissions) Get(_ context.Context, tenantID, invoiceID uuid.UUID) (*compliance.SubmissionRecord, error) {
	return compliance.NewSubmissionRecord(tenantID, invoiceID, "F-1"), nil
}

func (stubSubmissions) Cancel(context.Context, uuid.UUID, uuid.UUID) (*compliance.SubmissionRecord, error) {
	return nil, shared.ErrNotFound
}

type stubChain struct{}

func (stubChain) Verify(_ context.Context, tenantID uuid.UUID, _, _ int64) (*compliance.VerificationResult, error) {
	return &compliance.VerificationResult{TenantID: tenantID, Valid: true}, nil
}

func (stubChain) Entry(context.Context, uuid.UUID, int64) (*compliance.ChainEntry, error) {
	return nil, shared.ErrNotFound
}

type stubAudit struct{}

func (stubAudit) ListByInvoice(context.Context, uuid.UUID, uuid.UUID) ([]appaudit.EventDTO, error) {
	return []appaudit.EventDTO{}, nil
}

func (stubAudit) List(context.Context, uuid.UUID, appaudit.ListFilter) (*appaudit.ListResult, error) {
	return &appaudit.ListResult{Events: []appaudit.EventDTO{}, Page: 1, PageSize: 20}, nil
}

type stubOutbox struct{}

func (stubOutbox) ListDeadLetters(context.Context, event.OutboxFilter) (*event.OutboxListResult, error) {
	return &event.OutboxListResult{Page: 1, PageSize: 20}, nil
}

func (stubOutbox) GetMessage(context.Context, uuid.UUID) (*event.OutboxMessageDTO, error) {
	return nil, shared.ErrNotFound
}

func (stubOutbox) RequeueDeadLetter(context.Context, uuid.UUID) (*event.OutboxMessageDTO, error) {
	return nil, shared.ErrNotFound
}

func (stubOutbox) RequeueAllDeadLetters(context.Context) (int64, error) { return 0, nil }

func (stubOutbox) GetStats(context.Context) (*event.OutboxStatsDTO, error) {
	return &event.OutboxStatsDTO{}, nil
}

func newTestEngine() *gin.Engine {
	return NewEngine(EngineConfig{
		ServiceName: "compliance-test",
		MaxBodySize: 1 << 20,
		Logger:      zap.NewNop(),
	}, Handlers{
		Submissions: handler.NewSubmissionHandler(stubSubmissions{}),
		Chain:       handler.NewChainHandler(stubChain{}),
		Audit:       handler.NewAuditHandler(stubAudit{}),
		Outbox:      handler.NewOutboxHandler(stubOutbox{}),
		System:      handler.NewSystemHandler("test", nil),
	})
}

func TestNewEngineRoutes(t *testing.T) {
	engine := newTestEngine()
	tenant := uuid.NewString()

	tests := []struct {
		method     string
		path       string
		tenant     string
		wantStatus int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/ping", "", http.StatusOK},
		{http.MethodGet, "/api/v1/system/info", "", http.StatusOK},
		{http.MethodGet, "/api/v1/system/outbox/stats", "", http.StatusOK},
		{http.MethodGet, "/api/v1/system/outbox/dead", "", http.StatusOK},
		{http.MethodGet, "/api/v1/submissions/" + uuid.NewString(), tenant, http.StatusOK},
		{http.MethodGet, "/api/v1/submissions/" + uuid.NewString(), "", http.StatusBadRequest},
		{http.MethodPost, "/api/v1/submissions/" + uuid.NewString() + "/cancel", tenant, http.StatusNotFound},
		{http.MethodGet, "/api/v1/submissions/" + uuid.NewString() + "/audit", tenant, http.StatusOK},
		{http.MethodGet, "/api/v1/chain/verify", tenant, http.StatusOK},
		{http.MethodGet, "/api/v1/chain/entries/1", tenant, http.StatusNotFound},
		{http.MethodGet, "/api/v1/audit/events", tenant, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.tenant != "" {
				req.Header.Set(middleware.TenantHeaderKey, tt.tenant)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}

func TestNewEngineSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	newTestEngine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
