package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"APP_ENV", "HEALTH_ADDR", "EMBEDDING_MODEL", "EMBEDDING_BATCH_SIZE", "WORKER_POLL_INTERVAL", "STORAGE_BUCKET", "DATABASE_URL"} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()

	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, ":8080", cfg.HealthAddr)
	assert.Equal(t, "text-embedding-3-small", cfg.EmbeddingModel)
	assert.Equal(t, 1536, cfg.EmbeddingDimensions)
	assert.Equal(t, "documents", cfg.StorageBucket)
	assert.Equal(t, 100, cfg.Worker.EmbeddingBatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.EmbeddingBatchDelay)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.InDelta(t, 0.8, cfg.Monitoring.SemaphoreThreshold, 1e-9)
	assert.Equal(t, 50, cfg.Monitoring.PoolSizeThreshold)
	assert.Equal(t, 100, cfg.Monitoring.ThreadThreshold)
	assert.NotEmpty(t, cfg.Worker.ID)
	require.NotNil(t, cfg.DB)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("WORKER_ID", "worker-7")
	t.Setenv("WORKER_POLL_INTERVAL", "2s")
	t.Setenv("MONITOR_INTERVAL", "15")
	t.Setenv("EMBEDDING_BATCH_SIZE", "25")
	t.Setenv("MONITOR_SEMAPHORE_THRESHOLD", "0.5")
	t.Setenv("OBSERVABILITY_ENABLED", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key=abc, x-team = docs ,broken")

	cfg := FromEnv()

	assert.Equal(t, "worker-7", cfg.Worker.ID)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 15*time.Second, cfg.Monitoring.Interval)
	assert.Equal(t, 25, cfg.Worker.EmbeddingBatchSize)
	assert.InDelta(t, 0.5, cfg.Monitoring.SemaphoreThreshold, 1e-9)
	assert.False(t, cfg.ObservabilityEnabled)
	assert.Equal(t, map[string]string{"api-key": "abc", "x-team": "docs"}, cfg.OTLPHeaders)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("EMBEDDING_BATCH_SIZE", "lots")
	t.Setenv("HTTP_TIMEOUT", "soon")
	t.Setenv("OBSERVABILITY_ENABLED", "maybe")
	t.Setenv("MONITOR_SEMAPHORE_THRESHOLD", "high")

	cfg := FromEnv()

	assert.Equal(t, 100, cfg.Worker.EmbeddingBatchSize)
	assert.Equal(t, 60*time.Second, cfg.HTTPTimeout)
	assert.True(t, cfg.ObservabilityEnabled)
	assert.InDelta(t, 0.8, cfg.Monitoring.SemaphoreThreshold, 1e-9)
}

func TestValidateWorker(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/docpipe")
	t.Setenv("PARSER_BASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "")

	cfg := FromEnv()
	err := cfg.ValidateWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PARSER_BASE_URL is required")
	assert.Contains(t, err.Error(), "OPENAI_API_KEY is required")

	cfg.ParserBaseURL = "https://parser.example.com"
	cfg.EmbeddingAPIKey = "sk"
	cfg.SupabaseURL = "https://x.supabase.co"
	cfg.SupabaseServiceKey = "service"
	assert.NoError(t, cfg.ValidateWorker())

	cfg.Worker.EmbeddingBatchSize = 0
	assert.Error(t, cfg.ValidateWorker())
}
