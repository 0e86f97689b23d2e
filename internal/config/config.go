// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// DatabaseURL selects the task store: postgres://… for Postgres,
	// sqlite:… or file:… for SQLite.
	DatabaseURL string

	// Analysis engine. An empty OpenAIAPIKey runs the built-in mock analysis.
	OpenAIAPIKey     string
	EngineModel      string
	EngineBaseURL    string
	EngineTimeout    time.Duration // 0 = no client timeout
	AnalysisMaxRows  int
	AnalysisMaxChars int

	// Event bus and status cache.
	EventCacheSize          int
	EventCacheTTL           time.Duration
	EventCleanupDelay       time.Duration
	EventCleanupMaxRearms   int
	StatusCacheSize         int
	StatusCacheTTL          time.Duration
	StreamPollInterval      time.Duration
	StreamKeepaliveInterval time.Duration

	// Scheduling.
	MaxConcurrentTasks int
	BatchStagger       time.Duration
	RecoveryLimit      int

	// Rate limiting of submissions per client IP. RPS 0 disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// S3 dataset source. Empty bucket disables s3_key submissions.
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed value is reported, not just the first.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Port:                    l.int("VERITY_PORT", 8080),
		ReadTimeout:             l.duration("VERITY_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            l.duration("VERITY_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:     int64(l.int("VERITY_MAX_REQUEST_BODY_BYTES", 10*1024*1024)),
		DatabaseURL:             envStr("DATABASE_URL", "sqlite:verity.db"),
		OpenAIAPIKey:            envStr("OPENAI_API_KEY", ""),
		EngineModel:             envStr("VERITY_ENGINE_MODEL", "gpt-4o"),
		EngineBaseURL:           envStr("VERITY_ENGINE_BASE_URL", ""),
		EngineTimeout:           l.duration("VERITY_ENGINE_TIMEOUT", 0),
		AnalysisMaxRows:         l.int("VERITY_ANALYSIS_MAX_ROWS", 500),
		AnalysisMaxChars:        l.int("VERITY_ANALYSIS_MAX_CHARS", 100_000),
		EventCacheSize:          l.int("VERITY_EVENT_CACHE_SIZE", 500),
		EventCacheTTL:           l.duration("VERITY_EVENT_CACHE_TTL", 30*time.Minute),
		EventCleanupDelay:       l.duration("VERITY_EVENT_CLEANUP_DELAY", 5*time.Minute),
		EventCleanupMaxRearms:   l.int("VERITY_EVENT_CLEANUP_MAX_REARMS", 12),
		StatusCacheSize:         l.int("VERITY_STATUS_CACHE_SIZE", 1000),
		StatusCacheTTL:          l.duration("VERITY_STATUS_CACHE_TTL", time.Hour),
		StreamPollInterval:      l.duration("VERITY_STREAM_POLL_INTERVAL", time.Second),
		StreamKeepaliveInterval: l.duration("VERITY_STREAM_KEEPALIVE_INTERVAL", 15*time.Second),
		MaxConcurrentTasks:      l.int("VERITY_MAX_CONCURRENT_TASKS", 8),
		BatchStagger:            l.duration("VERITY_BATCH_STAGGER", 2*time.Second),
		RecoveryLimit:           l.int("VERITY_RECOVERY_LIMIT", 100),
		RateLimitRPS:            l.float("VERITY_RATE_LIMIT_RPS", 2),
		RateLimitBurst:          l.int("VERITY_RATE_LIMIT_BURST", 10),
		S3Bucket:                envStr("S3_BUCKET", ""),
		S3Region:                envStr("S3_REGION", "us-east-1"),
		S3Endpoint:              envStr("S3_ENDPOINT", ""),
		S3AccessKeyID:           envStr("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey:       envStr("S3_SECRET_ACCESS_KEY", ""),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            l.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "verity"),
		LogLevel:                envStr("VERITY_LOG_LEVEL", "info"),
	}

	if err := errors.Join(l.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("VERITY_PORT %d is out of range", c.Port))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("VERITY_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	for key, v := range map[string]int{
		"VERITY_ANALYSIS_MAX_ROWS":    c.AnalysisMaxRows,
		"VERITY_ANALYSIS_MAX_CHARS":   c.AnalysisMaxChars,
		"VERITY_EVENT_CACHE_SIZE":     c.EventCacheSize,
		"VERITY_STATUS_CACHE_SIZE":    c.StatusCacheSize,
		"VERITY_MAX_CONCURRENT_TASKS": c.MaxConcurrentTasks,
		"VERITY_RECOVERY_LIMIT":       c.RecoveryLimit,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.EventCleanupMaxRearms < 0 {
		errs = append(errs, errors.New("VERITY_EVENT_CLEANUP_MAX_REARMS must not be negative"))
	}
	if c.EngineTimeout < 0 || c.BatchStagger < 0 {
		errs = append(errs, errors.New("VERITY_ENGINE_TIMEOUT and VERITY_BATCH_STAGGER must not be negative"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("VERITY_RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("VERITY_RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled"))
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		errs = append(errs, errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// MockEngine reports whether analyses run without an external engine.
func (c Config) MockEngine() bool {
	return c.OpenAIAPIKey == ""
}

// ParseLogLevel maps VERITY_LOG_LEVEL to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("VERITY_LOG_LEVEL=%q is not one of debug, info, warn, error", s)
}

// loader collects parse errors so Load can report them together.
type loader struct {
	errs []error
}

func (l *loader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
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
