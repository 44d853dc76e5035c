package jobs

import (
	"context"
	"time"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/notifications"
	"github.com/Harvey-AU/docpipe/internal/parser"
	"github.com/Harvey-AU/docpipe/internal/resilience"
)

// Queue defines the job queue operations needed by the Worker
type Queue interface {
	ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*db.Job, error)
	Advance(ctx context.Context, job *db.Job, to db.JobStatus) error
	MarkInProgress(ctx context.Context, job *db.Job, to db.JobStatus, lease time.Duration) error
	MarkParseSubmitted(ctx context.Context, job *db.Job, parseJobID string) error
	Reschedule(ctx context.Context, job *db.Job, jerr db.JobError, countRetry bool) error
	Fail(ctx context.Context, job *db.Job, to db.JobStatus, jerr db.JobError, countRetry bool) error
	ReleaseClaim(ctx context.Context, job *db.Job) error
}

// DocumentStore defines the document persistence needed by the stages
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*db.Document, error)
	SetContentHash(ctx context.Context, id, hash string) error
	FindCompletedDuplicate(ctx context.Context, id, hash string) (string, bool, error)
	SaveParsedContent(ctx context.Context, id, content string, pageCount int) error
	MarkProcessed(ctx context.Context, id string) error
	InsertChunk(ctx context.Context, c db.Chunk) (db.InsertResult, error)
	ChunksMissingEmbeddings(ctx context.Context, documentID string) ([]db.Chunk, error)
	InsertEmbedding(ctx context.Context, chunkID, model string, vector []float32) (db.InsertResult, error)
}

// Parser submits documents to the parsing service and polls for results
type Parser interface {
	Submit(ctx context.Context, fileName, mimeType string, data []byte) (string, error)
	Poll(ctx context.Context, jobID string) (parser.Result, error)
}

// Embedder turns chunk texts into vectors
type Embedder interface {
	EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// Storage fetches uploaded files
type Storage interface {
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// StatusPublisher exposes job status to polling clients
type StatusPublisher interface {
	SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error
}

// Notifier raises operator alerts
type Notifier interface {
	NotifyCriticalFailure(ctx context.Context, f notifications.JobFailure)
	NotifyBreakerTrip(ctx context.Context, workerID string, st resilience.BreakerState)
}

var (
	_ Queue         = (*db.JobQueue)(nil)
	_ DocumentStore = (*db.DocumentStore)(nil)
	_ Parser        = (*parser.Client)(nil)
	_ Notifier      = (*notifications.Service)(nil)
)
