// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends accepted by TASUKI_STORE.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigin      string

	// Storage settings.
	Store       string // memory, redis, postgres or sqlite.
	RedisURL    string
	DatabaseURL string
	SQLitePath  string
	EventLogCap int

	// Board policy.
	AdminPIN       string
	AdminPINHash   string // Argon2id hash from scripts/hashpin; wins over AdminPIN.
	RemoveDoneOnly bool

	// Realtime settings.
	SessionBuffer int // Outbound messages queued per websocket session.
	PingInterval  time.Duration

	// Rate limiting for mutation endpoints.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed values are reported together rather than silently replaced.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	integer := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}
	duration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	float := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                integer("TASUKI_PORT", 8080),
		ReadTimeout:         duration("TASUKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        duration("TASUKI_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:     duration("TASUKI_SHUTDOWN_TIMEOUT", 10*time.Second),
		CORSOrigin:          str("TASUKI_CORS_ORIGIN", "*"),
		Store:               strings.ToLower(str("TASUKI_STORE", StoreMemory)),
		RedisURL:            str("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:         str("DATABASE_URL", ""),
		SQLitePath:          str("TASUKI_SQLITE_PATH", "tasuki.db"),
		EventLogCap:         integer("TASUKI_EVENT_LOG_CAP", 1000),
		AdminPIN:            str("TASUKI_ADMIN_PIN", ""),
		AdminPINHash:        str("TASUKI_ADMIN_PIN_HASH", ""),
		RemoveDoneOnly:      boolean("TASUKI_REMOVE_DONE_ONLY", false),
		SessionBuffer:       integer("TASUKI_SESSION_BUFFER", 256),
		PingInterval:        duration("TASUKI_PING_INTERVAL", 30*time.Second),
		RateLimitEnabled:    boolean("TASUKI_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:        float("TASUKI_RATE_LIMIT_RPS", 5),
		RateLimitBurst:      integer("TASUKI_RATE_LIMIT_BURST", 20),
		OTELEndpoint:        str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         str("OTEL_SERVICE_NAME", "tasuki"),
		OTELInsecure:        boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:            str("TASUKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(integer("TASUKI_MAX_REQUEST_BODY_BYTES", 64*1024)), // 64 KB default
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: REDIS_URL is required when TASUKI_STORE=redis")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when TASUKI_STORE=postgres")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: TASUKI_SQLITE_PATH is required when TASUKI_STORE=sqlite")
		}
	default:
		return fmt.Errorf("config: TASUKI_STORE must be one of memory, redis, postgres, sqlite (got %q)", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: TASUKI_PORT must be between 1 and 65535")
	}
	if c.EventLogCap <= 0 {
		return fmt.Errorf("config: TASUKI_EVENT_LOG_CAP must be positive")
	}
	if c.SessionBuffer <= 0 {
		return fmt.Errorf("config: TASUKI_SESSION_BUFFER must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("config: TASUKI_PING_INTERVAL must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: TASUKI_RATE_LIMIT_RPS and TASUKI_RATE_LIMIT_BURST must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: TASUKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
