package router

import (
	"time"

	"github.com/erp/compliance/internal/infrastructure/logger"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/erp/compliance/internal/interfaces/http/handler"
	"github.com/erp/compliance/internal/interfaces/http/middleware"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers are the HTTP handlers mounted by NewEngine
type Handlers struct {
	Submissions *handler.SubmissionHandler
	Chain       *handler.ChainHandler
	Audit       *handler.AuditHandler
	Outbox      *handler.OutboxHandler
	System      *handler.SystemHandler
}

// EngineConfig configures the middleware chain
type EngineConfig struct {
	ServiceName    string
	MaxBodySize    int64
	RequestTimeout time.Duration
	TracingEnabled bool
	MeterProvider  *telemetry.MeterProvider
	Logger         *zap.Logger
}

// NewEngine builds the gin engine with the middleware chain and every route.
// Probes and the operator endpoints under /system need no tenant; everything
// else is scoped by X-Tenant-ID.
func NewEngine(cfg EngineConfig, h Handlers) *gin.Engine {
	engine := gin.New()

	engine.Use(
		logger.Recovery(cfg.Logger),
		middleware.Tracing(middleware.TracingConfig{ServiceName: cfg.ServiceName, Enabled: cfg.TracingEnabled}),
		logger.RequestLogger(cfg.Logger),
		middleware.Secure(),
		middleware.Timeout(cfg.RequestTimeout),
	)
	if cfg.MaxBodySize > 0 {
		engine.Use(middleware.BodyLimit(cfg.MaxBodySize))
	}
	engine.Use(
		middleware.RequireTenant(middleware.TenantConfig{
			SkipPaths: []string{"/health", "/ping", "/metrics", BasePath() + "/system"},
		}),
		middleware.SpanAttributes(),
		middleware.HTTPMetrics(middleware.HTTPMetricsConfig{MeterProvider: cfg.MeterProvider, Enabled: true}),
	)

	engine.GET("/health", h.System.Health)
	engine.GET("/ping", h.System.Ping)

	Mount(engine.Group(BasePath()),
		Area{Prefix: "/submissions", Routes: []Route{
			post("", h.Submissions.Submit),
			get("/:invoiceId", h.Submissions.Get),
			post("/:invoiceId/cancel", h.Submissions.Cancel),
			get("/:invoiceId/audit", h.Audit.ByInvoice),
		}},
		Area{Prefix: "/chain", Routes: []Route{
			get("/verify", h.Chain.Verify),
			get("/entries/:sequence", h.Chain.Entry),
		}},
		Area{Prefix: "/audit", Routes: []Route{
			get("/events", h.Audit.List),
		}},
		Area{
			Prefix: "/system",
			Routes: []Route{get("/info", h.System.GetSystemInfo)},
			Areas: []Area{{Prefix: "/outbox", Routes: []Route{
				get("/dead", h.Outbox.ListDeadLetters),
				post("/dead/retry-all", h.Outbox.RequeueAllDeadLetters),
				get("/stats", h.Outbox.GetStats),
				get("/:id", h.Outbox.GetMessage),
				post("/:id/retry", h.Outbox.RequeueDeadLetter),
			}}},
		},
	)
	return engine
}
