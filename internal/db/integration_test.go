//go:build integration

package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Harvey-AU/docpipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres connects to TEST_DATABASE_URL when one is configured and
// otherwise starts a Postgres container, applies migrations and returns an
// initialised pool over empty tables.
func setupPostgres(t *testing.T) *PoolManager {
	t.Helper()
	ctx := context.Background()

	connStr := testutil.ExternalDatabaseURL(t)
	if connStr == "" {
		connStr = startPostgresContainer(t)
	}

	cfg := &Config{
		DatabaseURL:     connStr,
		MinSize:         1,
		MaxSize:         4,
		ApplicationName: "docworker-test",
		CloseTimeout:    time.Second,
	}
	require.NoError(t, RunMigrations(ctx, cfg))

	version, dirty, err := MigrationVersion(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	pm := NewPoolManager(cfg)
	require.NoError(t, pm.Initialize(ctx))
	t.Cleanup(func() { _ = pm.ClosePool() })

	require.NoError(t, pm.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		_, err := conn.ExecContext(ctx, `TRUNCATE chunk_embeddings, document_chunks, document_jobs, documents CASCADE`)
		return err
	}))
	return pm
}

func startPostgresContainer(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("docpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func TestIntegrationPoolStatus(t *testing.T) {
	pm := setupPostgres(t)

	status := pm.GetPoolStatus()
	assert.Equal(t, PoolActive, status.Status)
	assert.GreaterOrEqual(t, status.Size, 1)
	assert.LessOrEqual(t, status.Size, 4)
}

func TestIntegrationConcurrentClaimsAreExclusive(t *testing.T) {
	pm := setupPostgres(t)
	ctx := context.Background()
	store := NewDocumentStore(pm)
	queue := NewJobQueue(pm)

	for i := 0; i < 6; i++ {
		docID, err := store.CreateDocument(ctx, "uploads/doc.pdf", "doc.pdf", "")
		require.NoError(t, err)
		_, err = queue.CreateJob(ctx, docID)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				job, err := queue.ClaimNextJob(ctx, worker, time.Minute)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				prev, dup := seen[job.ID]
				seen[job.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "job %s claimed by %s and %s", job.ID, prev, worker)
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	assert.Len(t, seen, 6)
}

func TestIntegrationRetryAtDefersClaim(t *testing.T) {
	pm := setupPostgres(t)
	ctx := context.Background()
	store := NewDocumentStore(pm)
	queue := NewJobQueue(pm)

	docID, err := store.CreateDocument(ctx, "uploads/a.pdf", "a.pdf", "")
	require.NoError(t, err)
	_, err = queue.CreateJob(ctx, docID)
	require.NoError(t, err)

	job, err := queue.ClaimNextJob(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	retryAt := time.Now().Add(time.Hour)
	require.NoError(t, queue.Reschedule(ctx, job, JobError{Error: "503", RetryAt: &retryAt}, true))

	again, err := queue.ClaimNextJob(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again, "job must not be claimable before retry_at")
}

func TestIntegrationIdempotentInserts(t *testing.T) {
	pm := setupPostgres(t)
	ctx := context.Background()
	store := NewDocumentStore(pm)

	docID, err := store.CreateDocument(ctx, "uploads/b.pdf", "b.pdf", "")
	require.NoError(t, err)

	chunk := Chunk{DocumentID: docID, Index: 0, Content: "Section 1", ContentHash: "h"}
	res, err := store.InsertChunk(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, res)

	res, err = store.InsertChunk(ctx, chunk)
	require.NoError(t, err)
	assert.Equal(t, InsertAlreadyExists, res)

	missing, err := store.ChunksMissingEmbeddings(ctx, docID)
	require.NoError(t, err)
	require.Len(t, missing, 1)

	res, err = store.InsertEmbedding(ctx, missing[0].ID, "test-model", []float32{0.1, 0.2})
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, res)
	res, err = store.InsertEmbedding(ctx, missing[0].ID, "test-model", []float32{0.1, 0.2})
	require.NoError(t, err)
	assert.Equal(t, InsertAlreadyExists, res)

	missing, err = store.ChunksMissingEmbeddings(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
