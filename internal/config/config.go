// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Downstream tool subprocess
	ToolCommand string   // executable to spawn
	ToolArgs    []string // arguments passed to ToolCommand
	ToolTimeout time.Duration

	// Rate limiting (internal/ratelimit)
	RateLimitWindowMs    int
	RateLimitMaxRequests int
	RateLimitSubWindows  int
	RateLimitMaxKeys     int

	// Deduplication (internal/dedup)
	DedupTTLMs     int
	DedupMaxKeys   int
	DedupAlgorithm string // "fast" or "detailed"

	// Credit ledger (internal/ledger)
	LedgerDefaultTTLSeconds     int
	LedgerMaxReservationsPerKey int
	LedgerMaxReservationAmount  float64
	LedgerAutoExpireIntervalMs  int

	// Sessions (internal/session)
	SessionMaxActive int
	SessionTTLMs     int

	// Telemetry (internal/telemetry)
	TelemetryMaxRecords    int
	TelemetryMaxTagsPerKey int

	// Security
	AdminKeyHash   string // SHA-256 hex of the admin key, for X-Admin-Key auth
	AdminRateLimit int    // requests/min for the admin surface, 0 = unlimited
	MaskValue      bool   // mask credit amounts in non-admin responses

	// Plans (internal/plan)
	PlanMaxRules int

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration
}

// Defaults mirror the knobs named in the gateway's configuration surface.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultToolTimeout = 30 * time.Second

	DefaultRateLimitWindowMs    = 60_000
	DefaultRateLimitMaxRequests = 600
	DefaultRateLimitSubWindows  = 6
	DefaultRateLimitMaxKeys     = 50_000

	DefaultDedupTTLMs   = 5 * 60_000
	DefaultDedupMaxKeys = 100_000

	DefaultLedgerDefaultTTLSeconds     = 300
	DefaultLedgerMaxReservationsPerKey = 50
	DefaultLedgerMaxReservationAmount  = 0.0 // unlimited
	DefaultLedgerAutoExpireIntervalMs  = 30_000

	DefaultSessionMaxActive = 10_000
	DefaultSessionTTLMs     = 24 * 60 * 60_000

	DefaultTelemetryMaxRecords    = 100_000
	DefaultTelemetryMaxTagsPerKey = 32

	DefaultAdminRateLimit = 120
	DefaultPlanMaxRules   = 500

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables, loading a local
// .env file first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", DefaultPort),
		Env:      getEnv("ENV", DefaultEnv),
		LogLevel: getEnv("LOG_LEVEL", DefaultLogLevel),

		ToolCommand: getEnv("TOOL_COMMAND", ""),
		ToolArgs:    getEnvList("TOOL_ARGS"),
		ToolTimeout: getEnvDuration("TOOL_TIMEOUT", DefaultToolTimeout),

		RateLimitWindowMs:    int(getEnvInt64("RATE_LIMIT_WINDOW_MS", DefaultRateLimitWindowMs)),
		RateLimitMaxRequests: int(getEnvInt64("RATE_LIMIT_MAX_REQUESTS", DefaultRateLimitMaxRequests)),
		RateLimitSubWindows:  int(getEnvInt64("RATE_LIMIT_SUB_WINDOWS", DefaultRateLimitSubWindows)),
		RateLimitMaxKeys:     int(getEnvInt64("RATE_LIMIT_MAX_KEYS", DefaultRateLimitMaxKeys)),

		DedupTTLMs:     int(getEnvInt64("DEDUP_TTL_MS", DefaultDedupTTLMs)),
		DedupMaxKeys:   int(getEnvInt64("DEDUP_MAX_KEYS", DefaultDedupMaxKeys)),
		DedupAlgorithm: getEnv("DEDUP_HASH_ALGORITHM", "fast"),

		LedgerDefaultTTLSeconds:     int(getEnvInt64("LEDGER_DEFAULT_TTL_SECONDS", DefaultLedgerDefaultTTLSeconds)),
		LedgerMaxReservationsPerKey: int(getEnvInt64("LEDGER_MAX_RESERVATIONS_PER_KEY", DefaultLedgerMaxReservationsPerKey)),
		LedgerMaxReservationAmount:  getEnvFloat("LEDGER_MAX_RESERVATION_AMOUNT", DefaultLedgerMaxReservationAmount),
		LedgerAutoExpireIntervalMs:  int(getEnvInt64("LEDGER_AUTO_EXPIRE_INTERVAL_MS", DefaultLedgerAutoExpireIntervalMs)),

		SessionMaxActive: int(getEnvInt64("SESSION_MAX_ACTIVE", DefaultSessionMaxActive)),
		SessionTTLMs:     int(getEnvInt64("SESSION_TTL_MS", DefaultSessionTTLMs)),

		TelemetryMaxRecords:    int(getEnvInt64("TELEMETRY_MAX_RECORDS", DefaultTelemetryMaxRecords)),
		TelemetryMaxTagsPerKey: int(getEnvInt64("TELEMETRY_MAX_TAGS_PER_KEY", DefaultTelemetryMaxTagsPerKey)),

		AdminKeyHash:   os.Getenv("ADMIN_KEY_HASH"),
		AdminRateLimit: int(getEnvInt64("ADMIN_RATE_LIMIT", DefaultAdminRateLimit)),
		MaskValue:      getEnvBool("MASK_CREDIT_VALUES", false),

		PlanMaxRules: int(getEnvInt64("PLAN_MAX_RULES", DefaultPlanMaxRules)),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and internally consistent.
func (c *Config) Validate() error {
	if c.ToolCommand == "" {
		return fmt.Errorf("TOOL_COMMAND is required")
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitSubWindows < 1 {
		return fmt.Errorf("RATE_LIMIT_SUB_WINDOWS must be at least 1, got %d", c.RateLimitSubWindows)
	}
	if c.RateLimitWindowMs > 0 && c.RateLimitWindowMs%c.RateLimitSubWindows != 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_MS (%d) must divide evenly by RATE_LIMIT_SUB_WINDOWS (%d)",
			c.RateLimitWindowMs, c.RateLimitSubWindows)
	}

	if c.DedupAlgorithm != "fast" && c.DedupAlgorithm != "detailed" {
		return fmt.Errorf("DEDUP_HASH_ALGORITHM must be \"fast\" or \"detailed\", got %q", c.DedupAlgorithm)
	}

	if c.LedgerMaxReservationAmount < 0 {
		return fmt.Errorf("LEDGER_MAX_RESERVATION_AMOUNT must not be negative, got %v (0 = unlimited)", c.LedgerMaxReservationAmount)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.AdminKeyHash == "" {
		slog.Warn("ADMIN_KEY_HASH not set — admin endpoints reject every request")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
