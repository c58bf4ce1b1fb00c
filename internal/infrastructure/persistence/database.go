package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/compliance/internal/infrastructure/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const pingTimeout = 5 * time.Second

// Database owns the pooled connection shared by the repositories.
type Database struct {
	DB *gorm.DB
}

// Option adjusts the gorm configuration before the connection opens.
type Option func(*gorm.Config)

// WithLogger replaces the default silent statement logger.
func WithLogger(l gormlogger.Interface) Option {
	return func(c *gorm.Config) { c.Logger = l }
}

// NewDatabase connects to the configured PostgreSQL server.
func NewDatabase(cfg *config.DatabaseConfig, opts ...Option) (*Database, error) {
	return Open(postgres.Open(cfg.DSN()), cfg, opts...)
}

// Open connects through dialector. Tests hand in sqlite. A nil cfg keeps
// database/sql's pool defaults.
//
// Writes outside an explicit transaction run bare, and driver errors are
// translated so that unique violations surface as gorm.ErrDuplicatedKey.
func Open(dialector gorm.Dialector, cfg *config.DatabaseConfig, opts ...Option) (*Database, error) {
	gc := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		PrepareStmt:            true,
		TranslateError:         true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(gc)
	}

	db, err := gorm.Open(dialector, gc)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg != nil {
		pool.SetMaxOpenConns(cfg.MaxOpenConns)
		pool.SetMaxIdleConns(cfg.MaxIdleConns)
		pool.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
		pool.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTime) * time.Minute)
	}

	d := &Database{DB: db}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return d, nil
}

// Use installs gorm plugins such as statement tracing.
func (d *Database) Use(log *zap.Logger, plugins ...gorm.Plugin) error {
	for _, p := range plugins {
		if err := d.DB.Use(p); err != nil {
			return fmt.Errorf("install %s: %w", p.Name(), err)
		}
		log.Debug("Database plugin installed", zap.String("plugin", p.Name()))
	}
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	pool, err := d.DB.DB()
	if err != nil {
		return err
	}
	if err := pool.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	pool, err := d.DB.DB()
	if err != nil {
		return err
	}
	return pool.Close()
}
