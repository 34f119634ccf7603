// Package config provides configuration loading for tsbridge services.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/janovincze/tsbridge/internal/cdc"
	"github.com/janovincze/tsbridge/internal/cdc/deadletter"
	"github.com/janovincze/tsbridge/internal/cdc/emitter"
	"github.com/janovincze/tsbridge/internal/cdc/source"
)

// Environment variable naming.
const (
	envPrefix = "TSBRIDGE_"

	// EnvSubscriptionFile names the YAML file holding the subscription.
	EnvSubscriptionFile = envPrefix + "SUBSCRIPTION_FILE"

	// EnvSubscriptionPrefix prefixes per-key subscription overrides, e.g.
	// TSBRIDGE_SUB_JDBCURL for jdbcUrl.
	EnvSubscriptionPrefix = envPrefix + "SUB_"
)

// Config holds all configuration for tsbridge services.
type Config struct {
	// Version is the application version
	Version string

	// Environment is the deployment environment (development, staging, production)
	Environment string

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Subscription is the flat key/value subscription mapping, parsed by
	// source.Parse.
	Subscription map[string]string

	// Pool configures the source connection pool.
	Pool PoolConfig

	// Naming configures subscription id generation.
	Naming NamingConfig

	// Pipeline configures the polling engine.
	Pipeline PipelineConfig

	// Emitter configures the downstream emitter.
	Emitter emitter.Config

	// DeadLetter configures the store for skipped rows.
	DeadLetter DeadLetterConfig

	// Health configures the health and metrics endpoints.
	Health HealthConfig

	// ShutdownTimeout bounds the graceful stop of the worker.
	ShutdownTimeout time.Duration
}

// PoolConfig holds source connection pool settings.
type PoolConfig struct {
	MinConns        int
	MaxConns        int
	AcquireTimeout  time.Duration
	ConnectTimeout  time.Duration
	ValidationQuery string
}

// NamingConfig holds subscription id settings.
type NamingConfig struct {
	// Prefix starts every subscription id
	Prefix string

	// DatacenterID and WorkerID identify this process in generated ids
	DatacenterID int64
	WorkerID     int64
}

// PipelineConfig holds polling engine settings.
type PipelineConfig struct {
	// Name labels metrics and logs
	Name string

	// EmitTimeout bounds a single emit attempt
	EmitTimeout time.Duration

	// CloseTimeout bounds closing the subscription
	CloseTimeout time.Duration

	// Retry holds the per-record emit retry policy
	Retry RetryConfig
}

// RetryConfig holds retry policy configuration.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int

	// InitialInterval is the initial backoff interval
	InitialInterval time.Duration

	// MaxInterval is the maximum backoff interval
	MaxInterval time.Duration

	// Multiplier is the backoff multiplier
	Multiplier float64
}

// DeadLetterConfig holds dead-letter store configuration.
type DeadLetterConfig struct {
	// Enabled enables the dead-letter store
	Enabled bool

	// DSN selects the PostgreSQL store. Empty keeps skipped rows in memory.
	DSN string

	// Retention is how long to keep skipped rows
	Retention time.Duration

	// CleanupSchedule is the cron expression of the cleanup job
	CleanupSchedule string

	// CreateSchema creates the dead-letter table on startup
	CreateSchema bool
}

// HealthConfig holds health check configuration.
type HealthConfig struct {
	// Enabled enables the health and metrics endpoints
	Enabled bool

	// ListenAddr is the address for the endpoints
	ListenAddr string

	// CheckTimeout bounds each health check
	CheckTimeout time.Duration
}

// fileConfig is the layout of the subscription file.
type fileConfig struct {
	Subscription map[string]any `yaml:"subscription"`
	Emitter      emitter.Config `yaml:"emitter"`
}

// Load loads configuration from the subscription file, if any, and
// environment variables. Environment variables win over the file.
func Load() (*Config, error) {
	cfg := &Config{
		Version:      getEnv("TSBRIDGE_VERSION", "0.1.0"),
		Environment:  getEnv("TSBRIDGE_ENV", "development"),
		LogLevel:     getEnv("TSBRIDGE_LOG_LEVEL", "info"),
		Subscription: make(map[string]string),
		Emitter: emitter.Config{
			Type:  "kafka",
			Codec: emitter.CodecJSON,
		},
	}

	if path := os.Getenv(EnvSubscriptionFile); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applySubscriptionEnv(cfg.Subscription)

	cfg.Pool = PoolConfig{
		MinConns:        getIntEnv("TSBRIDGE_POOL_MIN_CONNS", 10),
		MaxConns:        getIntEnv("TSBRIDGE_POOL_MAX_CONNS", 10),
		AcquireTimeout:  getDurationEnv("TSBRIDGE_POOL_ACQUIRE_TIMEOUT", 30*time.Second),
		ConnectTimeout:  getDurationEnv("TSBRIDGE_POOL_CONNECT_TIMEOUT", 10*time.Second),
		ValidationQuery: getEnv("TSBRIDGE_POOL_VALIDATION_QUERY", "SELECT 1"),
	}

	cfg.Naming = NamingConfig{
		Prefix:       getEnv("TSBRIDGE_NAMING_PREFIX", "TOPIC-"),
		DatacenterID: int64(getIntEnv("TSBRIDGE_NAMING_DATACENTER_ID", 1)),
		WorkerID:     int64(getIntEnv("TSBRIDGE_NAMING_WORKER_ID", 1)),
	}

	cfg.Pipeline = PipelineConfig{
		Name:         getEnv("TSBRIDGE_PIPELINE_NAME", "default"),
		EmitTimeout:  getDurationEnv("TSBRIDGE_PIPELINE_EMIT_TIMEOUT", 10*time.Second),
		CloseTimeout: getDurationEnv("TSBRIDGE_PIPELINE_CLOSE_TIMEOUT", 5*time.Second),
		Retry: RetryConfig{
			MaxAttempts:     getIntEnv("TSBRIDGE_RETRY_MAX_ATTEMPTS", 1),
			InitialInterval: getDurationEnv("TSBRIDGE_RETRY_INITIAL_INTERVAL", 100*time.Millisecond),
			MaxInterval:     getDurationEnv("TSBRIDGE_RETRY_MAX_INTERVAL", 5*time.Second),
			Multiplier:      getFloatEnv("TSBRIDGE_RETRY_MULTIPLIER", 2.0),
		},
	}

	e := &cfg.Emitter
	e.Type = getEnv("TSBRIDGE_EMITTER_TYPE", e.Type)
	e.Topic = getEnv("TSBRIDGE_EMITTER_TOPIC", e.Topic)
	e.TopicPrefix = getEnv("TSBRIDGE_EMITTER_TOPIC_PREFIX", e.TopicPrefix)
	e.Codec = emitter.Codec(getEnv("TSBRIDGE_EMITTER_CODEC", string(e.Codec)))
	e.Timeout = getDurationEnv("TSBRIDGE_EMITTER_TIMEOUT", e.Timeout)
	e.Brokers = getSliceEnv("TSBRIDGE_KAFKA_BROKERS", e.Brokers)
	e.BatchSize = getIntEnv("TSBRIDGE_KAFKA_BATCH_SIZE", e.BatchSize)
	e.NatsURL = getEnv("TSBRIDGE_NATS_URL", e.NatsURL)
	e.JetStream = getBoolEnv("TSBRIDGE_NATS_JETSTREAM", e.JetStream)
	e.RedisAddr = getEnv("TSBRIDGE_REDIS_ADDR", e.RedisAddr)
	e.RedisMaxLen = int64(getIntEnv("TSBRIDGE_REDIS_MAX_LEN", int(e.RedisMaxLen)))
	e.MQTTBroker = getEnv("TSBRIDGE_MQTT_BROKER", e.MQTTBroker)
	e.MQTTClientID = getEnv("TSBRIDGE_MQTT_CLIENT_ID", e.MQTTClientID)
	e.MQTTQoS = byte(getIntEnv("TSBRIDGE_MQTT_QOS", int(e.MQTTQoS)))
	e.RateLimit = getFloatEnv("TSBRIDGE_EMITTER_RATE_LIMIT", e.RateLimit)
	e.RateBurst = getIntEnv("TSBRIDGE_EMITTER_RATE_BURST", e.RateBurst)
	if len(e.Brokers) == 0 && e.Type == "kafka" {
		e.Brokers = []string{"localhost:9092"}
	}

	cfg.DeadLetter = DeadLetterConfig{
		Enabled:         getBoolEnv("TSBRIDGE_DLQ_ENABLED", true),
		DSN:             getEnv("TSBRIDGE_DLQ_DSN", ""),
		Retention:       getDurationEnv("TSBRIDGE_DLQ_RETENTION", 168*time.Hour), // 7 days
		CleanupSchedule: getEnv("TSBRIDGE_DLQ_CLEANUP_SCHEDULE", deadletter.DefaultCleanupSchedule),
		CreateSchema:    getBoolEnv("TSBRIDGE_DLQ_CREATE_SCHEMA", true),
	}

	cfg.Health = HealthConfig{
		Enabled:      getBoolEnv("TSBRIDGE_HEALTH_ENABLED", true),
		ListenAddr:   getEnv("TSBRIDGE_HEALTH_LISTEN_ADDR", ":8081"),
		CheckTimeout: getDurationEnv("TSBRIDGE_HEALTH_CHECK_TIMEOUT", 5*time.Second),
	}

	cfg.ShutdownTimeout = getDurationEnv("TSBRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second)

	return cfg, nil
}

// Validate checks the worker settings. The subscription mapping itself is
// validated by source.Parse.
func (c *Config) Validate() error {
	var errs []error
	if c.Emitter.Type == "" {
		errs = append(errs, errors.New("emitter type is required"))
	}
	if c.Pool.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("pool max conns must be positive, got %d", c.Pool.MaxConns))
	}
	if c.Pool.MinConns < 0 || c.Pool.MinConns > c.Pool.MaxConns {
		errs = append(errs, fmt.Errorf("pool min conns must be between 0 and %d, got %d", c.Pool.MaxConns, c.Pool.MinConns))
	}
	if c.Pipeline.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry max attempts must be at least 1, got %d", c.Pipeline.Retry.MaxAttempts))
	}
	if c.DeadLetter.Enabled {
		if err := deadletter.ValidateSchedule(c.DeadLetter.CleanupSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", cdc.ErrConfig, errors.Join(errs...))
	}
	return nil
}

// loadFile reads the YAML subscription file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read subscription file: %w", cdc.ErrConfig, err)
	}

	fc := fileConfig{Emitter: cfg.Emitter}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%w: parse subscription file %s: %w", cdc.ErrConfig, path, err)
	}

	for k, v := range fc.Subscription {
		if v == nil {
			continue
		}
		cfg.Subscription[k] = fmt.Sprint(v)
	}
	cfg.Emitter = fc.Emitter
	return nil
}

// applySubscriptionEnv overrides subscription keys from TSBRIDGE_SUB_<KEY>
// variables. Key names are matched case-insensitively.
func applySubscriptionEnv(sub map[string]string) {
	for _, key := range source.Keys() {
		if v, ok := os.LookupEnv(EnvSubscriptionPrefix + strings.ToUpper(key)); ok {
			sub[key] = v
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, p := range strings.Split(value, ",") {
			if v := strings.TrimSpace(p); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
