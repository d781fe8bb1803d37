package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string

	// Auth
	JWTSecret     string
	WebhookSecret string

	// Sources
	SourcesFile string

	// Cache
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Fetch
	FetchTimeout    time.Duration
	FetchMaxRetries int
	FetchBaseDelay  time.Duration
	FetchMaxDelay   time.Duration

	// Sync
	SyncStaleThreshold time.Duration
	SyncBatchSize      int
	SyncConcurrency    int
	SyncCron           string
	SyncLockTTL        time.Duration
	SyncMinInterval    time.Duration
	SyncWindowPast     time.Duration
	SyncWindowFuture   time.Duration

	RecurrenceMaxInstances int

	// Provider endpoints, empty means the vendor default
	GoogleCalendarEndpoint string
	GraphEndpoint          string

	// Rate limiting of /api/v1, per user
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	AllowedOrigins []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:calsync.db?_pragma=busy_timeout(5000)"),
		RedisURL:       getEnv("REDIS_URL", ""),

		// Auth
		JWTSecret:     getEnv("JWT_SECRET", ""),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		SourcesFile: getEnv("SOURCES_FILE", "sources.yaml"),

		// Cache
		CacheTTL:        getEnvDuration("CACHE_TTL", 5*time.Minute),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 10000),

		// Fetch
		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 15*time.Second),
		FetchMaxRetries: getEnvInt("FETCH_MAX_RETRIES", 3),
		FetchBaseDelay:  getEnvDuration("FETCH_BASE_DELAY", 500*time.Millisecond),
		FetchMaxDelay:   getEnvDuration("FETCH_MAX_DELAY", 10*time.Second),

		// Sync
		SyncStaleThreshold: getEnvDuration("SYNC_STALE_THRESHOLD", 15*time.Minute),
		SyncBatchSize:      getEnvInt("SYNC_BATCH_SIZE", 20),
		SyncConcurrency:    getEnvInt("SYNC_CONCURRENCY", 4),
		SyncCron:           getEnv("SYNC_CRON", "@every 5m"),
		SyncLockTTL:        getEnvDuration("SYNC_LOCK_TTL", 2*time.Minute),
		SyncMinInterval:    getEnvDuration("SYNC_MIN_INTERVAL", time.Minute),
		SyncWindowPast:     getEnvDuration("SYNC_WINDOW_PAST", 30*24*time.Hour),
		SyncWindowFuture:   getEnvDuration("SYNC_WINDOW_FUTURE", 90*24*time.Hour),

		RecurrenceMaxInstances: getEnvInt("RECURRENCE_MAX_INSTANCES", 366),

		GoogleCalendarEndpoint: getEnv("GOOGLE_CALENDAR_ENDPOINT", ""),
		GraphEndpoint:          getEnv("GRAPH_ENDPOINT", ""),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite", "pgx", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive")
	}
	if c.FetchMaxRetries < 0 {
		return fmt.Errorf("FETCH_MAX_RETRIES must not be negative")
	}
	if c.SyncBatchSize <= 0 || c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE and SYNC_CONCURRENCY must be positive")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
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

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// PrettyLogs reports whether console output should be used instead of JSON.
func (c *Config) PrettyLogs() bool {
	return getEnvBool("LOG_PRETTY", c.IsDevelopment())
}
