package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Log         LogConfig
	Event       EventConfig
	Idempotency IdempotencyConfig
	Compliance  ComplianceConfig
	Authority   AuthorityConfig
	Transport   TransportConfig
	Telemetry   TelemetryConfig
	HTTP        HTTPConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// EventConfig holds outbox processing configuration
type EventConfig struct {
	ProcessorEnabled bool
	BatchSize        int
	PollInterval     time.Duration
	MaxRetries       int
	CleanupEnabled   bool
	CleanupRetention time.Duration
	// ProcessingTimeout returns claimed but unfinished messages to PENDING.
	ProcessingTimeout time.Duration
}

// IdempotencyConfig holds consumer deduplication settings
type IdempotencyConfig struct {
	Enabled      bool
	TTL          time.Duration
	RequireRedis bool
}

// ComplianceConfig holds submission pipeline settings
type ComplianceConfig struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Jitter           float64
	CallTimeout      time.Duration
	Workers          int
	QueueSize        int
	LinkRetries      int
	RecoveryInterval time.Duration
	StaleSentAfter   time.Duration
	GenesisHash      string
	SchemaVersion    string
}

// AuthorityConfig selects and configures the compliance authority client
type AuthorityConfig struct {
	Mode              string // mock or http
	Endpoint          string
	APIKey            string
	RateLimit         float64 // requests per second
	Burst             int
	Timeout           time.Duration
	TransientCodes    []string
	RejectCodes       []string
	UnknownCodePolicy string // reject or transient
	MockAcceptRatio   float64
	MockRejectRatio   float64
	MockTimeoutRatio  float64
	MockLatency       time.Duration
	MockSeed          int64
}

// TransportConfig selects the audit event transport
type TransportConfig struct {
	Kind        string // memory, kafka or redis
	Kafka       KafkaConfig
	RedisStream RedisStreamConfig
}

// KafkaConfig holds Kafka transport settings
type KafkaConfig struct {
	Brokers             []string
	Topic               string
	DLQTopic            string
	GroupID             string
	Partitions          int
	ReplicationFactor   int
	MaxDeliveryAttempts int
}

// RedisStreamConfig holds Redis Streams transport settings
type RedisStreamConfig struct {
	StreamPrefix        string
	Shards              int
	Group               string
	Consumer            string
	Block               time.Duration
	MaxDeliveryAttempts int
	// ClaimMinIdle is how long another consumer's entry stays unacked before
	// this consumer takes it over.
	ClaimMinIdle time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodySize  int64
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with CMP_ prefix (e.g., CMP_COMPLIANCE_MAX_ATTEMPTS)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("CMP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Event: EventConfig{
			ProcessorEnabled:  v.GetBool("event.processor_enabled"),
			BatchSize:         v.GetInt("event.batch_size"),
			PollInterval:      v.GetDuration("event.poll_interval"),
			MaxRetries:        v.GetInt("event.max_retries"),
			CleanupEnabled:    v.GetBool("event.cleanup_enabled"),
			CleanupRetention:  v.GetDuration("event.cleanup_retention"),
			ProcessingTimeout: v.GetDuration("event.processing_timeout"),
		},
		Idempotency: IdempotencyConfig{
			Enabled:      v.GetBool("idempotency.enabled"),
			TTL:          v.GetDuration("idempotency.ttl"),
			RequireRedis: v.GetBool("idempotency.require_redis"),
		},
		Compliance: ComplianceConfig{
			MaxAttempts:      v.GetInt("compliance.max_attempts"),
			BaseDelay:        v.GetDuration("compliance.base_delay"),
			MaxDelay:         v.GetDuration("compliance.max_delay"),
			Jitter:           v.GetFloat64("compliance.jitter"),
			CallTimeout:      v.GetDuration("compliance.call_timeout"),
			Workers:          v.GetInt("compliance.workers"),
			QueueSize:        v.GetInt("compliance.queue_size"),
			LinkRetries:      v.GetInt("compliance.link_retries"),
			RecoveryInterval: v.GetDuration("compliance.recovery_interval"),
			StaleSentAfter:   v.GetDuration("compliance.stale_sent_after"),
			GenesisHash:      v.GetString("compliance.genesis_hash"),
			SchemaVersion:    v.GetString("compliance.schema_version"),
		},
		Authority: AuthorityConfig{
			Mode:              v.GetString("authority.mode"),
			Endpoint:          v.GetString("authority.endpoint"),
			APIKey:            v.GetString("authority.api_key"),
			RateLimit:         v.GetFloat64("authority.rate_limit"),
			Burst:             v.GetInt("authority.burst"),
			Timeout:           v.GetDuration("authority.timeout"),
			TransientCodes:    stringList(v, "authority.transient_codes"),
			RejectCodes:       stringList(v, "authority.reject_codes"),
			UnknownCodePolicy: v.GetString("authority.unknown_code_policy"),
			MockAcceptRatio:   v.GetFloat64("authority.mock_accept_ratio"),
			MockRejectRatio:   v.GetFloat64("authority.mock_reject_ratio"),
			MockTimeoutRatio:  v.GetFloat64("authority.mock_timeout_ratio"),
			MockLatency:       v.GetDuration("authority.mock_latency"),
			MockSeed:          v.GetInt64("authority.mock_seed"),
		},
		Transport: TransportConfig{
			Kind: v.GetString("transport.kind"),
			Kafka: KafkaConfig{
				Brokers:             stringList(v, "transport.kafka.brokers"),
				Topic:               v.GetString("transport.kafka.topic"),
				DLQTopic:            v.GetString("transport.kafka.dlq_topic"),
				GroupID:             v.GetString("transport.kafka.group_id"),
				Partitions:          v.GetInt("transport.kafka.partitions"),
				ReplicationFactor:   v.GetInt("transport.kafka.replication_factor"),
				MaxDeliveryAttempts: v.GetInt("transport.kafka.max_delivery_attempts"),
			},
			RedisStream: RedisStreamConfig{
				StreamPrefix:        v.GetString("transport.redis_stream.stream_prefix"),
				Shards:              v.GetInt("transport.redis_stream.shards"),
				Group:               v.GetString("transport.redis_stream.group"),
				Consumer:            v.GetString("transport.redis_stream.consumer"),
				Block:               v.GetDuration("transport.redis_stream.block"),
				MaxDeliveryAttempts: v.GetInt("transport.redis_stream.max_delivery_attempts"),
				ClaimMinIdle:        v.GetDuration("transport.redis_stream.claim_min_idle"),
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
			MaxBodySize:  v.GetInt64("http.max_body_size"),
		},
	}

	// Booleans that default to true cannot be told apart from an unset false
	if !v.IsSet("event.processor_enabled") {
		cfg.Event.ProcessorEnabled = true
	}
	if !v.IsSet("idempotency.enabled") {
		cfg.Idempotency.Enabled = true
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// stringList reads a list that may come from TOML as an array or from the
// environment as a comma-separated string
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "compliance-service"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "compliance"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Event.BatchSize == 0 {
		cfg.Event.BatchSize = 100
	}
	if cfg.Event.PollInterval == 0 {
		cfg.Event.PollInterval = 2 * time.Second
	}
	if cfg.Event.MaxRetries == 0 {
		cfg.Event.MaxRetries = 5
	}
	if cfg.Event.CleanupRetention == 0 {
		cfg.Event.CleanupRetention = 168 * time.Hour
	}
	if cfg.Event.ProcessingTimeout == 0 {
		cfg.Event.ProcessingTimeout = 5 * time.Minute
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 24 * time.Hour
	}

	c := &cfg.Compliance
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1024
	}
	if c.LinkRetries == 0 {
		c.LinkRetries = 5
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = 30 * time.Second
	}
	if c.StaleSentAfter == 0 {
		c.StaleSentAfter = 2 * time.Minute
	}
	if c.GenesisHash == "" {
		c.GenesisHash = strings.Repeat("0", 64)
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "invoice-canonical/v1"
	}

	a := &cfg.Authority
	if a.Mode == "" {
		a.Mode = "mock"
	}
	if a.RateLimit == 0 {
		a.RateLimit = 20
	}
	if a.Burst == 0 {
		a.Burst = 5
	}
	if a.Timeout == 0 {
		a.Timeout = cfg.Compliance.CallTimeout
	}
	if len(a.TransientCodes) == 0 {
		a.TransientCodes = []string{"TIMEOUT", "SERVICE_UNAVAILABLE", "RATE_LIMITED"}
	}
	if len(a.RejectCodes) == 0 {
		a.RejectCodes = []string{"CIF_INVALIDO", "XML_MALFORMADO", "DUPLICATE", "CHAIN_MISMATCH", "SCHEMA_VIOLATION"}
	}
	if a.UnknownCodePolicy == "" {
		a.UnknownCodePolicy = "reject"
	}
	if a.MockAcceptRatio == 0 && a.MockRejectRatio == 0 && a.MockTimeoutRatio == 0 {
		a.MockAcceptRatio, a.MockRejectRatio, a.MockTimeoutRatio = 0.7, 0.2, 0.1
	}
	if a.MockLatency == 0 {
		a.MockLatency = 50 * time.Millisecond
	}

	t := &cfg.Transport
	if t.Kind == "" {
		t.Kind = "memory"
	}
	if len(t.Kafka.Brokers) == 0 {
		t.Kafka.Brokers = []string{"localhost:9092"}
	}
	if t.Kafka.Topic == "" {
		t.Kafka.Topic = "invoice-audit-events"
	}
	if t.Kafka.DLQTopic == "" {
		t.Kafka.DLQTopic = "invoice-events-dlq"
	}
	if t.Kafka.GroupID == "" {
		t.Kafka.GroupID = "audit-consumer"
	}
	if t.Kafka.Partitions == 0 {
		t.Kafka.Partitions = 12
	}
	if t.Kafka.ReplicationFactor == 0 {
		t.Kafka.ReplicationFactor = 1
	}
	if t.Kafka.MaxDeliveryAttempts == 0 {
		t.Kafka.MaxDeliveryAttempts = 5
	}
	if t.RedisStream.StreamPrefix == "" {
		t.RedisStream.StreamPrefix = "audit:events"
	}
	if t.RedisStream.Shards == 0 {
		t.RedisStream.Shards = 8
	}
	if t.RedisStream.Group == "" {
		t.RedisStream.Group = "audit-consumer"
	}
	if t.RedisStream.Consumer == "" {
		t.RedisStream.Consumer = cfg.App.Name
	}
	if t.RedisStream.Block == 0 {
		t.RedisStream.Block = 5 * time.Second
	}
	if t.RedisStream.MaxDeliveryAttempts == 0 {
		t.RedisStream.MaxDeliveryAttempts = 5
	}
	if t.RedisStream.ClaimMinIdle == 0 {
		t.RedisStream.ClaimMinIdle = time.Minute
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Compliance.MaxAttempts < 1 {
		return fmt.Errorf("compliance.max_attempts must be at least 1")
	}
	if c.Compliance.BaseDelay > c.Compliance.MaxDelay {
		return fmt.Errorf("compliance.base_delay (%s) cannot exceed compliance.max_delay (%s)",
			c.Compliance.BaseDelay, c.Compliance.MaxDelay)
	}
	if c.Compliance.Jitter < 0 || c.Compliance.Jitter >= 1 {
		return fmt.Errorf("compliance.jitter must be in [0, 1), got %f", c.Compliance.Jitter)
	}
	if c.Compliance.Workers < 1 || c.Compliance.QueueSize < 1 {
		return fmt.Errorf("compliance.workers and compliance.queue_size must be positive")
	}
	// The recovery sweep treats a SENT record as interrupted after
	// stale_sent_after, which must not happen to a call still in flight.
	if c.Compliance.StaleSentAfter <= c.Compliance.CallTimeout {
		return fmt.Errorf("compliance.stale_sent_after (%s) must exceed compliance.call_timeout (%s)",
			c.Compliance.StaleSentAfter, c.Compliance.CallTimeout)
	}
	if c.Event.ProcessingTimeout <= 0 {
		return fmt.Errorf("event.processing_timeout must be positive")
	}
	if len(c.Compliance.GenesisHash) != 64 {
		return fmt.Errorf("compliance.genesis_hash must be 64 hex characters")
	}

	switch c.Authority.Mode {
	case "mock":
		sum := c.Authority.MockAcceptRatio + c.Authority.MockRejectRatio + c.Authority.MockTimeoutRatio
		if sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("authority mock ratios must sum to 1, got %f", sum)
		}
	case "http":
		if c.Authority.Endpoint == "" {
			return fmt.Errorf("authority.endpoint is required when authority.mode=http")
		}
	default:
		return fmt.Errorf("authority.mode must be 'mock' or 'http', got %q", c.Authority.Mode)
	}
	if p := c.Authority.UnknownCodePolicy; p != "reject" && p != "transient" {
		return fmt.Errorf("authority.unknown_code_policy must be 'reject' or 'transient', got %q", p)
	}

	switch c.Transport.Kind {
	case "memory", "kafka", "redis":
	default:
		return fmt.Errorf("transport.kind must be one of memory, kafka, redis; got %q", c.Transport.Kind)
	}
	if c.Transport.RedisStream.Shards < 1 {
		return fmt.Errorf("transport.redis_stream.shards must be positive")
	}
	if c.Transport.RedisStream.ClaimMinIdle <= 0 {
		return fmt.Errorf("transport.redis_stream.claim_min_idle must be positive")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		if c.Authority.Mode != "http" {
			return fmt.Errorf("authority.mode must be 'http' in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
