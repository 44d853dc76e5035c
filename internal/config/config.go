// Package config loads docworker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds everything the worker process needs.
type Config struct {
	Env       string
	LogLevel  string
	SentryDSN string

	ObservabilityEnabled bool
	OTLPEndpoint         string
	OTLPHeaders          map[string]string
	OTLPInsecure         bool

	HealthAddr string

	DB                *db.Config
	DatabaseDirectURL string

	ParserBaseURL string
	ParserAPIKey  string

	EmbeddingBaseURL    string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingDimensions int

	SupabaseURL        string
	SupabaseServiceKey string
	StorageBucket      string

	RedisURL        string
	SlackWebhookURL string

	HTTPTimeout time.Duration

	Worker     WorkerConfig
	Chunking   ChunkingConfig
	Monitoring MonitorConfig
}

// WorkerConfig tunes the job loop.
type WorkerConfig struct {
	ID                  string
	PollInterval        time.Duration
	ClaimLease          time.Duration
	ParsePollDelay      time.Duration
	EmbeddingBatchSize  int
	EmbeddingBatchDelay time.Duration
	MaxRetries          int
	MaxParseRetries     int
	OutboundConcurrency int
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	MinContentChars     int
}

// ChunkingConfig sizes chunks in characters.
type ChunkingConfig struct {
	MaxChars     int
	OverlapChars int
}

// MonitorConfig configures the resource monitor.
type MonitorConfig struct {
	Interval           time.Duration
	SemaphoreThreshold float64
	PoolSizeThreshold  int
	ThreadThreshold    int
	HistorySize        int
}

// Load reads .env.local and .env (when present) and then the environment.
// .env.local takes priority for development.
func Load() *Config {
	if err := godotenv.Load(".env.local", ".env"); err != nil {
		log.Debug().Err(err).Msg("No .env files loaded")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Env:       getEnvWithDefault("APP_ENV", "development"),
		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		SentryDSN: os.Getenv("SENTRY_DSN"),

		ObservabilityEnabled: getEnvBool("OBSERVABILITY_ENABLED", true),
		OTLPEndpoint:         strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		OTLPHeaders:          parseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		OTLPInsecure:         getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false),

		HealthAddr: getEnvWithDefault("HEALTH_ADDR", ":8080"),

		DB:                db.ConfigFromEnv(),
		DatabaseDirectURL: os.Getenv("DATABASE_DIRECT_URL"),

		ParserBaseURL: os.Getenv("PARSER_BASE_URL"),
		ParserAPIKey:  os.Getenv("PARSER_API_KEY"),

		EmbeddingBaseURL:    getEnvWithDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		EmbeddingAPIKey:     os.Getenv("OPENAI_API_KEY"),
		EmbeddingModel:      getEnvWithDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: getEnvInt("EMBEDDING_DIMENSIONS", 1536),

		SupabaseURL:        os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		StorageBucket:      getEnvWithDefault("STORAGE_BUCKET", "documents"),

		RedisURL:        os.Getenv("REDIS_URL"),
		SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),

		HTTPTimeout: getEnvDuration("HTTP_TIMEOUT", 60*time.Second),

		Worker: WorkerConfig{
			ID:                  getEnvWithDefault("WORKER_ID", defaultWorkerID()),
			PollInterval:        getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			ClaimLease:          getEnvDuration("WORKER_CLAIM_LEASE", 10*time.Minute),
			ParsePollDelay:      getEnvDuration("PARSE_POLL_DELAY", 10*time.Second),
			EmbeddingBatchSize:  getEnvInt("EMBEDDING_BATCH_SIZE", 100),
			EmbeddingBatchDelay: getEnvDuration("EMBEDDING_BATCH_DELAY", 500*time.Millisecond),
			MaxRetries:          getEnvInt("MAX_RETRIES", 3),
			MaxParseRetries:     getEnvInt("MAX_PARSE_RETRIES", 3),
			OutboundConcurrency: getEnvInt("OUTBOUND_CONCURRENCY", 4),
			BreakerThreshold:    getEnvInt("BREAKER_THRESHOLD", 5),
			BreakerCooldown:     getEnvDuration("BREAKER_COOLDOWN", 60*time.Second),
			MinContentChars:     getEnvInt("MIN_CONTENT_CHARS", 50),
		},
		Chunking: ChunkingConfig{
			MaxChars:     getEnvInt("CHUNK_MAX_CHARS", 2000),
			OverlapChars: getEnvInt("CHUNK_OVERLAP_CHARS", 200),
		},
		Monitoring: MonitorConfig{
			Interval:           getEnvDuration("MONITOR_INTERVAL", 30*time.Second),
			SemaphoreThreshold: getEnvFloat("MONITOR_SEMAPHORE_THRESHOLD", 0.8),
			PoolSizeThreshold:  getEnvInt("MONITOR_POOL_SIZE_THRESHOLD", 50),
			ThreadThreshold:    getEnvInt("MONITOR_THREAD_THRESHOLD", 100),
			HistorySize:        getEnvInt("MONITOR_HISTORY_SIZE", 100),
		},
	}
}

// ValidateWorker checks the settings the run command cannot start without.
func (c *Config) ValidateWorker() error {
	var errs []error
	if err := c.DB.Validate(); err != nil {
		errs = append(errs, err)
	}
	required := []struct{ key, value string }{
		{"PARSER_BASE_URL", c.ParserBaseURL},
		{"OPENAI_API_KEY", c.EmbeddingAPIKey},
		{"SUPABASE_URL", c.SupabaseURL},
		{"SUPABASE_SERVICE_ROLE_KEY", c.SupabaseServiceKey},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if c.Worker.EmbeddingBatchSize < 1 {
		errs = append(errs, fmt.Errorf("EMBEDDING_BATCH_SIZE must be at least 1"))
	}
	if c.Worker.OutboundConcurrency < 1 {
		errs = append(errs, fmt.Errorf("OUTBOUND_CONCURRENCY must be at least 1"))
	}
	return errors.Join(errs...)
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "docworker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}

	return result
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid number in environment variable, using default")
		return defaultValue
	}
	return result
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	log.Warn().Str("key", key).Str("value", value).Msg("Invalid boolean in environment variable, using default")
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s", "1m") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	log.Warn().
		Str("key", key).
		Str("value", value).
		Dur("default", defaultValue).
		Msg("Invalid duration in environment variable, using default")
	return defaultValue
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}
