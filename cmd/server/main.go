package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appaudit "github.com/erp/compliance/internal/application/audit"
	appcompliance "github.com/erp/compliance/internal/application/compliance"
	appevent "github.com/erp/compliance/internal/application/event"
	"github.com/erp/compliance/internal/domain/compliance"
	"github.com/erp/compliance/internal/domain/shared"
	"github.com/erp/compliance/internal/infrastructure/authority"
	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/erp/compliance/internal/infrastructure/logger"
	"github.com/erp/compliance/internal/infrastructure/messaging"
	"github.com/erp/compliance/internal/infrastructure/persistence"
	"github.com/erp/compliance/internal/infrastructure/scheduler"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/erp/compliance/internal/interfaces/http/handler"
	"github.com/erp/compliance/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := &logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	ctx := context.Background()
	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = cfg.App.Name
	}

	// Telemetry: traces, metrics and the zap -> OTLP log bridge
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       serviceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       serviceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	logsProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       serviceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize log provider", zap.Error(err))
	}
	if logsProvider.IsEnabled() {
		log, err = logger.New(logCfg, logger.WithCore(telemetry.NewZapOTELCore(telemetry.ZapBridgeConfig{
			ServiceName:    serviceName,
			LoggerProvider: logsProvider,
			Level:          zapcore.InfoLevel,
		})))
		if err != nil {
			panic("Failed to initialize bridged logger: " + err.Error())
		}
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting compliance service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("authority_mode", cfg.Authority.Mode),
		zap.String("transport", cfg.Transport.Kind),
	)

	// Database
	sqlLog := logger.NewSQLLogger(log, cfg.Log.Level,
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh),
	)
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithLogger(sqlLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if cfg.Telemetry.DBTraceEnabled {
		tracingCfg := telemetry.DefaultDBTracingConfig()
		tracingCfg.Enabled = true
		tracingCfg.SlowQueryThresh = cfg.Telemetry.DBSlowQueryThresh
		tracingCfg.LogFullSQL = cfg.App.Env != "production"
		if err := db.Use(log, telemetry.NewDBTracingPlugin(tracingCfg, log)); err != nil {
			log.Fatal("Failed to enable database tracing", zap.Error(err))
		}
	}
	if meterProvider.IsEnabled() {
		dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, meterProvider, telemetry.DefaultDBMetricsConfig(), log)
		if err != nil {
			log.Warn("Database metrics disabled", zap.Error(err))
		} else {
			defer dbMetrics.Stop()
		}
	}
	log.Info("Database connected successfully")

	// Repositories and the transactional outbox
	serializer, err := event.NewAuditEventSerializer()
	if err != nil {
		log.Fatal("Failed to initialize event serializer", zap.Error(err))
	}
	outboxStore := event.NewGormOutboxStore(db.DB)
	outboxWriter := event.NewOutboxWriter(serializer, cfg.Event.MaxRetries)

	chainRepo := persistence.NewGormChainRepository(db.DB)
	submissionRepo := persistence.NewGormSubmissionRepository(db.DB)
	submissionRepo.SetOutboxEventSaver(outboxWriter)
	auditLogRepo := persistence.NewGormAuditLogRepository(db.DB)

	// Submission pipeline
	client, err := authority.NewFromConfig(cfg.Authority, log.Named("authority"))
	if err != nil {
		log.Fatal("Failed to initialize authority client", zap.Error(err))
	}

	var pipelineMetrics appcompliance.Metrics
	complianceMetrics, err := telemetry.NewComplianceMetrics(telemetry.ComplianceMetricsConfig{
		Meter:  meterProvider.Meter("compliance"),
		Logger: log,
	})
	if err != nil {
		log.Warn("Pipeline metrics disabled", zap.Error(err))
	} else {
		pipelineMetrics = complianceMetrics
	}

	encoder, err := compliance.NewCanonicalEncoder(cfg.Compliance.SchemaVersion)
	if err != nil {
		log.Fatal("Unsupported canonical schema version", zap.Error(err))
	}
	linker := appcompliance.NewChainLinker(chainRepo, appcompliance.ChainLinkerConfig{
		GenesisHash:   cfg.Compliance.GenesisHash,
		SchemaVersion: encoder.SchemaVersion(),
		MaxRetries:    cfg.Compliance.LinkRetries,
	}, pipelineMetrics, log.Named("chain"))

	coordinatorOpts := []appcompliance.CoordinatorOption{}
	if pipelineMetrics != nil {
		coordinatorOpts = append(coordinatorOpts, appcompliance.WithMetrics(pipelineMetrics))
	}
	coordinator := appcompliance.NewCoordinator(appcompliance.CoordinatorConfig{
		MaxAttempts: cfg.Compliance.MaxAttempts,
		CallTimeout: cfg.Compliance.CallTimeout,
		Backoff: appcompliance.BackoffPolicy{
			Base:   cfg.Compliance.BaseDelay,
			Max:    cfg.Compliance.MaxDelay,
			Jitter: cfg.Compliance.Jitter,
		},
		StalePendingAfter: cfg.Compliance.RecoveryInterval,
		StaleSentAfter:    cfg.Compliance.StaleSentAfter,
	}, encoder, linker, chainRepo, submissionRepo, client, log.Named("coordinator"), coordinatorOpts...)

	// Worker pool; the coordinator dispatches into it and it calls back into the coordinator
	workerPool, err := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Workers:    cfg.Compliance.Workers,
		QueueSize:  cfg.Compliance.QueueSize,
		JobTimeout: cfg.Compliance.CallTimeout + time.Minute,
	}, coordinator, log.Named("scheduler"))
	if err != nil {
		log.Fatal("Failed to create submission worker pool", zap.Error(err))
	}
	coordinator.SetDispatcher(workerPool)
	if err := workerPool.Start(ctx); err != nil {
		log.Fatal("Failed to start submission worker pool", zap.Error(err))
	}
	defer func() {
		if err := workerPool.Stop(context.Background()); err != nil {
			log.Error("Error stopping submission worker pool", zap.Error(err))
		}
	}()

	recovery := scheduler.NewRecoveryTrigger(scheduler.RecoveryTriggerConfig{
		Interval:   cfg.Compliance.RecoveryInterval,
		RunOnStart: true,
	}, coordinator, log.Named("recovery"))
	if err := recovery.Start(ctx); err != nil {
		log.Fatal("Failed to start recovery sweep", zap.Error(err))
	}
	defer func() {
		if err := recovery.Stop(context.Background()); err != nil {
			log.Error("Error stopping recovery sweep", zap.Error(err))
		}
	}()

	// Audit event transport. With the memory transport the audit consumer
	// runs in-process behind the event bus.
	auditMetrics := telemetry.NewAuditConsumerMetrics()
	redisClient := messaging.NewRedisClient(cfg.Redis)
	defer func() {
		_ = redisClient.Close()
	}()
	var auditHandler shared.EventHandler
	if cfg.Transport.Kind == messaging.KindMemory || cfg.Transport.Kind == "" {
		h, closeStore, err := messaging.NewAuditHandler(ctx, auditLogRepo, redisClient, cfg.Idempotency, auditMetrics, log)
		if err != nil {
			log.Fatal("Failed to initialize audit consumer", zap.Error(err))
		}
		defer func() {
			_ = closeStore()
		}()
		auditHandler = h
	}
	transport, err := messaging.NewTransport(ctx, cfg, serializer, auditHandler, redisClient, log)
	if err != nil {
		log.Fatal("Failed to initialize audit event transport", zap.Error(err))
	}
	defer func() {
		if err := transport.Close(context.Background()); err != nil {
			log.Error("Error closing audit event transport", zap.Error(err))
		}
	}()

	if cfg.Event.ProcessorEnabled {
		relayCfg := event.OutboxRelayConfig{
			BatchSize:         cfg.Event.BatchSize,
			PollInterval:      cfg.Event.PollInterval,
			PurgeInterval:     time.Hour,
			ProcessingTimeout: cfg.Event.ProcessingTimeout,
		}
		if cfg.Event.CleanupEnabled {
			relayCfg.Retention = cfg.Event.CleanupRetention
		}
		outboxRelay := event.NewOutboxRelay(outboxStore, transport.Publisher, serializer, relayCfg, log.Named("outbox"))
		if complianceMetrics != nil {
			outboxRelay.SetObserver(complianceMetrics)
		}
		if err := outboxRelay.Start(ctx); err != nil {
			log.Fatal("Failed to start outbox relay", zap.Error(err))
		}
		defer func() {
			if err := outboxRelay.Stop(context.Background()); err != nil {
				log.Error("Error stopping outbox relay", zap.Error(err))
			}
		}()
		log.Info("Outbox relay started",
			zap.Int("batch_size", cfg.Event.BatchSize),
			zap.Duration("poll_interval", cfg.Event.PollInterval),
		)
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		log.Fatal("Failed to get sql.DB", zap.Error(err))
	}
	pingers := map[string]handler.Pinger{"database": sqlDB}
	if cfg.Transport.Kind == messaging.KindRedis {
		pingers["redis"] = redisPinger{redisClient}
	}
	engine := router.NewEngine(router.EngineConfig{
		ServiceName:    serviceName,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		RequestTimeout: cfg.HTTP.WriteTimeout,
		TracingEnabled: cfg.Telemetry.Enabled,
		MeterProvider:  meterProvider,
		Logger:         log,
	}, router.Handlers{
		Submissions: handler.NewSubmissionHandler(coordinator),
		Chain:       handler.NewChainHandler(linker),
		Audit:       handler.NewAuditHandler(appaudit.NewQueryService(auditLogRepo, log)),
		Outbox:      handler.NewOutboxHandler(appevent.NewOutboxService(outboxStore, log)),
		System:      handler.NewSystemHandler(version, pingers),
	})
	engine.GET("/metrics", gin.WrapH(auditMetrics.Handler()))

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      engine,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := telemetry.ShutdownAll(shutdownCtx, tracerProvider, meterProvider, logsProvider); err != nil {
		log.Warn("Telemetry shutdown failed", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
