// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP/websocket server listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health endpoint. Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxConns caps the pgx pool size.
	DBMaxConns int `mapstructure:"DB_MAX_CONNS"`

	// RedisAddr enables the geo location cache when set (e.g. localhost:6379).
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// GeoIPURL is the base URL of the IP location service; the client IP is appended as a path segment.
	GeoIPURL string `mapstructure:"GEOIP_URL"`
	// GeoIPCacheTTL is how long resolved locations stay in Redis (e.g. "24h").
	GeoIPCacheTTL string `mapstructure:"GEOIP_CACHE_TTL"`

	// WSReadLimit is the max inbound frame size in bytes.
	WSReadLimit int64 `mapstructure:"WS_READ_LIMIT"`
	// WSSendQueue is the per-connection outbound queue length.
	WSSendQueue int `mapstructure:"WS_SEND_QUEUE"`
	// ShutdownTimeout bounds the session drain on SIGTERM (e.g. "15s").
	ShutdownTimeout string `mapstructure:"SHUTDOWN_TIMEOUT"`

	// Telemetry (optional). When Kafka brokers are set, lifecycle events are written to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for telemetry events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// Worker-only: Loki URL for the telemetry worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the telemetry worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint is the OTLP gRPC collector; empty uses no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`

	// LogLevel is a zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// Env is the application environment (e.g. "development", "production"). Production switches the logger to JSON.
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("GEOIP_URL", "http://ip-api.com/json")
	v.SetDefault("GEOIP_CACHE_TTL", "24h")
	v.SetDefault("WS_READ_LIMIT", 1<<20)
	v.SetDefault("WS_SEND_QUEUE", 64)
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "itfits-realtime")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "itfits-realtime-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "itfits-realtime")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.DBMaxConns < 1 {
		return nil, errors.New("config: DB_MAX_CONNS must be at least 1")
	}
	if cfg.WSReadLimit <= 0 {
		return nil, errors.New("config: WS_READ_LIMIT must be positive")
	}
	if cfg.WSSendQueue <= 0 {
		cfg.WSSendQueue = 64
	}

	return &cfg, nil
}

// GeoCacheTTL parses GeoIPCacheTTL. Returns 24h if unset or invalid.
func (c *Config) GeoCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.GeoIPCacheTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// ShutdownGrace parses ShutdownTimeout. Returns 15s if unset or invalid.
func (c *Config) ShutdownGrace() time.Duration {
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if telemetry is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
