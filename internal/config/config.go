package config

import (
	"fmt"
	"net/url"
	"strings"

	pkgconfig "github.com/meridianhq/sagaflow/pkg/config"
)

// Config holds all configuration for the saga orchestration service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"SAGAFLOW_HTTP_PORT" envDefault:"8080"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"sagaflow"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"sagaflow_secret"`
	PostgresDB   string `env:"SAGAFLOW_DB_NAME" envDefault:"sagaflow_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Database pool
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINUTES" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINUTES" envDefault:"30"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaTopic   string   `env:"SAGA_EVENTS_TOPIC" envDefault:"saga.events"`

	// Redis (start deduplication locks)
	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`
	RedisPass string `env:"REDIS_PASSWORD" envDefault:""`

	// Downstream services reachable by HTTP step actions, as
	// comma-separated name=url pairs.
	ServiceURLs []string `env:"SAGAFLOW_SERVICE_URLS" envDefault:"" envSeparator:","`

	// Step execution
	StepTimeoutSeconds int `env:"SAGA_STEP_TIMEOUT_SECONDS" envDefault:"10"`

	// Circuit breaker settings for downstream service calls
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Background workers
	SweepIntervalSeconds int `env:"SAGA_SWEEP_INTERVAL_SECONDS" envDefault:"60"`
	DrainIntervalSeconds int `env:"DLQ_DRAIN_INTERVAL_SECONDS" envDefault:"30"`
	DrainBatchSize       int `env:"DLQ_DRAIN_BATCH_SIZE" envDefault:"50"`
	DLQMaxRetries        int `env:"DLQ_MAX_RETRIES" envDefault:"5"`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load sagaflow config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}
	if c.PostgresUser == "" {
		return fmt.Errorf("POSTGRES_USER is required")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.KafkaTopic == "" {
		return fmt.Errorf("SAGA_EVENTS_TOPIC is required")
	}
	if c.DLQMaxRetries < 1 {
		return fmt.Errorf("DLQ_MAX_RETRIES must be at least 1, got %d", c.DLQMaxRetries)
	}
	if c.OTELSampleRate < 0 || c.OTELSampleRate > 1.0 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %f", c.OTELSampleRate)
	}
	if _, err := c.Services(); err != nil {
		return err
	}
	return nil
}

// Services parses SAGAFLOW_SERVICE_URLS into a name to base-URL map.
func (c *Config) Services() (map[string]string, error) {
	services := make(map[string]string, len(c.ServiceURLs))
	for _, pair := range c.ServiceURLs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid SAGAFLOW_SERVICE_URLS entry %q, want name=url", pair)
		}
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return nil, fmt.Errorf("invalid URL for service %q: %w", name, err)
		}
		services[name] = rawURL
	}
	return services, nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}
