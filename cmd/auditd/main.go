// Command auditd consumes audit events from the kafka or redis transport and
// appends them to the audit log.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/erp/compliance/internal/infrastructure/event"
	"github.com/erp/compliance/internal/infrastructure/logger"
	"github.com/erp/compliance/internal/infrastructure/messaging"
	"github.com/erp/compliance/internal/infrastructure/persistence"
	"github.com/erp/compliance/internal/infrastructure/telemetry"
	"github.com/erp/compliance/internal/interfaces/http/handler"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}, logger.WithFields(zap.String("component", "auditd")))
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	if cfg.Transport.Kind != messaging.KindKafka && cfg.Transport.Kind != messaging.KindRedis {
		log.Fatal("auditd needs the kafka or redis transport; the memory transport consumes in-process",
			zap.String("transport", cfg.Transport.Kind))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqlLog := logger.NewSQLLogger(log, cfg.Log.Level)
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithLogger(sqlLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	redisClient := messaging.NewRedisClient(cfg.Redis)
	defer func() {
		_ = redisClient.Close()
	}()

	serializer, err := event.NewAuditEventSerializer()
	if err != nil {
		log.Fatal("Failed to initialize event serializer", zap.Error(err))
	}
	metrics := telemetry.NewAuditConsumerMetrics()
	auditHandler, closeStore, err := messaging.NewAuditHandler(ctx,
		persistence.NewGormAuditLogRepository(db.DB), redisClient, cfg.Idempotency, metrics, log)
	if err != nil {
		log.Fatal("Failed to initialize audit handler", zap.Error(err))
	}
	defer func() {
		_ = closeStore()
	}()

	consumer, closeConsumer, err := messaging.NewConsumer(ctx, cfg, serializer, auditHandler, redisClient, metrics, log)
	if err != nil {
		log.Fatal("Failed to create audit consumer", zap.Error(err))
	}
	defer closeConsumer()

	sqlDB, err := db.DB.DB()
	if err != nil {
		log.Fatal("Failed to get sql.DB", zap.Error(err))
	}
	checks := map[string]handler.Pinger{"database": sqlDB}
	if cfg.Transport.Kind == messaging.KindRedis {
		checks["redis"] = redisPinger{redisClient}
	}
	system := handler.NewSystemHandler(version, checks)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logger.Recovery(log))
	engine.GET("/health", system.Health)
	engine.GET("/ping", system.Ping)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("Audit consumer running",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("addr", srv.Addr),
	)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Audit consumer stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Metrics server shutdown failed", zap.Error(err))
	}
	log.Info("Audit consumer exited")
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
