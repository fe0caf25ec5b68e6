// Package config provides configuration loading for the conductor scheduler.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the scheduler daemon.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
	CORSOrigins   []string

	// Job store configuration
	StoreType   string // "memory", "redis" or "sqlite"
	SQLitePath  string
	EventMaxLen int64
	StoreTTL    time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Scheduler configuration
	MaxConcurrentJobs int
	ScheduleInterval  time.Duration
	DefaultJobTimeout time.Duration

	// Executor configuration
	LoginRetries      int
	LoginRetryTimeout time.Duration
	ConnectionRetries int
	FinalizeGrace     time.Duration

	// Image store configuration
	ImageStoreType string // "local" or "s3"
	ImageLocalRoot string
	S3Endpoint     string
	S3Bucket       string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3UseSSL       bool

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "8090"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		CORSOrigins:   getStringSlice("CORS_ORIGINS", []string{"*"}),

		// Store
		StoreType:   getEnv("CONDUCTOR_STORE", "memory"),
		SQLitePath:  getEnv("CONDUCTOR_SQLITE_PATH", "conductor.db"),
		EventMaxLen: getInt64("EVENT_MAX_LEN", 5000),
		StoreTTL:    getDuration("STORE_TTL", 7*24*time.Hour),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 50.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 100),

		// Scheduler
		MaxConcurrentJobs: getInt("CONDUCTOR_MAX_JOBS", 0), // 0 = unlimited
		ScheduleInterval:  getDuration("SCHEDULE_INTERVAL", time.Second),
		DefaultJobTimeout: getDuration("DEFAULT_JOB_TIMEOUT", time.Hour),

		// Executor knobs the pipeline docs leave open; explicit rather than
		// hard-coded constants.
		LoginRetries:      getInt("LOGIN_RETRIES", 3),
		LoginRetryTimeout: getDuration("LOGIN_RETRY_TIMEOUT", 2*time.Minute),
		ConnectionRetries: getInt("CONNECTION_RETRIES", 2),
		FinalizeGrace:     getDuration("FINALIZE_GRACE", 2*time.Minute),

		// Image store
		ImageStoreType: getEnv("IMAGE_STORE", "local"),
		ImageLocalRoot: getEnv("IMAGE_LOCAL_ROOT", "/var/lib/conductor/images"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3Bucket:       getEnv("S3_BUCKET", "conductor-images"),
		S3Region:       getEnv("S3_REGION", ""),
		S3AccessKey:    getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:    getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:       getBool("S3_USE_SSL", false),

		// Tracing
		TracingEnabled: getBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
