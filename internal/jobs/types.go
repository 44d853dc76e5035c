package jobs

import (
	"errors"
	"time"

	"github.com/Harvey-AU/docpipe/internal/chunking"
	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/resilience"
)

// Config tunes a Worker.
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	ClaimLease   time.Duration
	Bucket       string

	// ParsePollDelay is how long a job waits before the parser is polled again.
	ParsePollDelay time.Duration

	EmbeddingBatchSize  int
	EmbeddingBatchDelay time.Duration

	// MaxRetries bounds transient failures of one stage before the job moves
	// to that stage's failure status.
	MaxRetries int
	// MaxParseRetries bounds parse attempts before failed_parse becomes
	// permanently_failed.
	MaxParseRetries int

	MinContentChars int
	StatusTTL       time.Duration

	// Retry wraps each outbound call within a claim.
	Retry resilience.Policy
	// Backoff spaces job-level retries across claims via retry_at.
	Backoff resilience.Policy

	Chunking chunking.Config
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		WorkerID:            "docworker",
		PollInterval:        5 * time.Second,
		ClaimLease:          10 * time.Minute,
		Bucket:              "documents",
		ParsePollDelay:      10 * time.Second,
		EmbeddingBatchSize:  100,
		EmbeddingBatchDelay: 500 * time.Millisecond,
		MaxRetries:          3,
		MaxParseRetries:     3,
		MinContentChars:     50,
		StatusTTL:           24 * time.Hour,
		Retry:               resilience.DefaultPolicy(),
		Backoff: resilience.Policy{
			BaseDelay:  30 * time.Second,
			Multiplier: 2.0,
			MaxDelay:   30 * time.Minute,
		},
		Chunking: chunking.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WorkerID == "" {
		c.WorkerID = def.WorkerID
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = def.ClaimLease
	}
	if c.Bucket == "" {
		c.Bucket = def.Bucket
	}
	if c.ParsePollDelay <= 0 {
		c.ParsePollDelay = def.ParsePollDelay
	}
	if c.EmbeddingBatchSize <= 0 {
		c.EmbeddingBatchSize = def.EmbeddingBatchSize
	}
	if c.EmbeddingBatchDelay < 0 {
		c.EmbeddingBatchDelay = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxParseRetries <= 0 {
		c.MaxParseRetries = def.MaxParseRetries
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = def.StatusTTL
	}
	if c.Backoff.BaseDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Stage outcomes recorded in metrics and logs.
const (
	OutcomeAdvanced          = "advanced"
	OutcomeSubmitted         = "submitted"
	OutcomePending           = "pending"
	OutcomeDuplicate         = "duplicate"
	OutcomeRetry             = "retry_scheduled"
	OutcomeFailed            = "failed"
	OutcomePermanentlyFailed = "permanently_failed"
	OutcomeClaimLost         = "claim_lost"
	OutcomeCancelled         = "cancelled"
)

// failureStatus is the terminal (or, for parsing, retryable) status a job
// moves to when the given stage fails.
func failureStatus(stage db.JobStatus) db.JobStatus {
	switch stage {
	case db.StatusUploaded, db.StatusFailedParse, db.StatusParseQueued:
		return db.StatusFailedParse
	case db.StatusParsed:
		return db.StatusFailedValidation
	case db.StatusParseValidated, db.StatusChunking, db.StatusChunksStored:
		return db.StatusFailedChunking
	case db.StatusEmbeddingQueued, db.StatusEmbeddingInProgress:
		return db.StatusFailedEmbedding
	default:
		return db.StatusFailedStorage
	}
}

// terminalFailure maps status to one no worker claims again. failed_parse
// is the parse retry state, so non-retryable parse failures skip it.
func terminalFailure(status db.JobStatus) db.JobStatus {
	if status == db.StatusFailedParse {
		return db.StatusPermanentlyFailed
	}
	return status
}

func isParseStage(stage db.JobStatus) bool {
	return failureStatus(stage) == db.StatusFailedParse
}

// stageFailure overrides the failure status chosen for an error.
type stageFailure struct {
	status db.JobStatus
	err    error
}

func (e *stageFailure) Error() string { return e.err.Error() }
func (e *stageFailure) Unwrap() error { return e.err }

func failAs(status db.JobStatus, err error) error {
	return &stageFailure{status: status, err: err}
}

func overriddenStatus(err error) (db.JobStatus, bool) {
	var sf *stageFailure
	if errors.As(err, &sf) {
		return sf.status, true
	}
	return "", false
}
