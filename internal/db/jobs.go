package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// JobStatus is the pipeline stage a document job is in.
type JobStatus string

const (
	StatusUploaded            JobStatus = "uploaded"
	StatusParseQueued         JobStatus = "parse_queued"
	StatusParsed              JobStatus = "parsed"
	StatusParseValidated      JobStatus = "parse_validated"
	StatusChunking            JobStatus = "chunking"
	StatusChunksStored        JobStatus = "chunks_stored"
	StatusEmbeddingQueued     JobStatus = "embedding_queued"
	StatusEmbeddingInProgress JobStatus = "embedding_in_progress"
	StatusEmbeddingsStored    JobStatus = "embeddings_stored"
	StatusComplete            JobStatus = "complete"

	StatusDuplicate         JobStatus = "duplicate"
	StatusFailedParse       JobStatus = "failed_parse"
	StatusPermanentlyFailed JobStatus = "permanently_failed"
	StatusFailedValidation  JobStatus = "failed_validation"
	StatusFailedChunking    JobStatus = "failed_chunking"
	StatusFailedEmbedding   JobStatus = "failed_embedding"
	StatusFailedStorage     JobStatus = "failed_storage"
)

// stagePriority orders claimable statuses; lower runs first so documents
// close to completion are finished before new ones start.
var stagePriority = map[JobStatus]int{
	StatusEmbeddingInProgress: 1,
	StatusEmbeddingQueued:     2,
	StatusEmbeddingsStored:    3,
	StatusChunksStored:        4,
	StatusChunking:            5,
	StatusParseValidated:      6,
	StatusParsed:              7,
	StatusParseQueued:         8,
	StatusFailedParse:         9,
	StatusUploaded:            10,
}

// ClaimableStatuses returns the statuses a worker may claim, highest priority first.
func ClaimableStatuses() []JobStatus {
	out := make([]JobStatus, 0, len(stagePriority))
	for s := range stagePriority {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return stagePriority[out[i]] < stagePriority[out[j]] })
	return out
}

// IsTerminal reports whether no worker will pick the job up again.
func (s JobStatus) IsTerminal() bool {
	_, claimable := stagePriority[s]
	return !claimable
}

// JobError is the JSON stored in document_jobs.last_error.
type JobError struct {
	Error         string     `json:"error"`
	Kind          string     `json:"kind,omitempty"`
	Message       string     `json:"message,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	RetryAt       *time.Time `json:"retry_at,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// Job is a claimed row of document_jobs.
type Job struct {
	ID             string
	DocumentID     string
	Status         JobStatus
	RetryCount     int
	LastError      *JobError
	ParseJobID     string
	ClaimedBy      string
	ClaimExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ErrClaimLost is returned when a job update finds the row no longer claimed
// by this worker, usually because the lease expired.
var ErrClaimLost = errors.New("job claim lost")

// JobQueue claims and updates document jobs.
type JobQueue struct {
	pool *PoolManager
	now  func() time.Time
}

// NewJobQueue creates a queue over pool.
func NewJobQueue(pool *PoolManager) *JobQueue {
	return &JobQueue{pool: pool, now: time.Now}
}

func priorityCase() string {
	var b strings.Builder
	b.WriteString("CASE status")
	for _, s := range ClaimableStatuses() {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", s, stagePriority[s])
	}
	b.WriteString(" ELSE 99 END")
	return b.String()
}

var claimQuery = `
	SELECT job_id, document_id, status, retry_count, last_error, COALESCE(parse_job_id, ''), created_at, updated_at
	FROM document_jobs
	WHERE status = ANY($1)
	AND (claim_expires_at IS NULL OR claim_expires_at < $2)
	AND (last_error IS NULL OR last_error->>'retry_at' IS NULL OR (last_error->>'retry_at')::timestamptz <= $2)
	ORDER BY ` + priorityCase() + `, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
`

// ClaimNextJob claims the highest-priority eligible job for workerID and
// holds it for lease. It returns nil, nil when nothing is eligible.
func (q *JobQueue) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	span := sentry.StartSpan(ctx, "db.claim_next_job")
	defer span.Finish()

	statuses := make([]string, 0, len(stagePriority))
	for _, s := range ClaimableStatuses() {
		statuses = append(statuses, string(s))
	}

	var job Job
	err := q.pool.WithTx(ctx, func(tx *sql.Tx) error {
		now := q.now()
		var lastErr []byte
		err := tx.QueryRowContext(ctx, claimQuery, pq.Array(statuses), now).Scan(
			&job.ID, &job.DocumentID, &job.Status, &job.RetryCount, &lastErr,
			&job.ParseJobID, &job.CreatedAt, &job.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if len(lastErr) > 0 {
			var je JobError
			if err := json.Unmarshal(lastErr, &je); err != nil {
				log.Warn().Err(err).Str("job_id", job.ID).Msg("Ignoring malformed last_error")
			} else {
				job.LastError = &je
			}
		}

		job.ClaimedBy = workerID
		job.ClaimExpiresAt = now.Add(lease)
		_, err = tx.ExecContext(ctx, `
			UPDATE document_jobs
			SET claimed_by = $1, claim_expires_at = $2, updated_at = $3
			WHERE job_id = $4
		`, workerID, job.ClaimExpiresAt, now, job.ID)
		if err != nil {
			return fmt.Errorf("failed to set job lease: %w", err)
		}
		return nil
	})

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		span.SetTag("error", "true")
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	span.SetTag("job.status", string(job.Status))
	return &job, nil
}

// execClaimed runs an UPDATE that must touch exactly the claimed row.
func (q *JobQueue) execClaimed(ctx context.Context, job *Job, query string, args ...any) error {
	return q.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: job %s", ErrClaimLost, job.ID)
		}
		return nil
	})
}

// Advance moves job to status, clears last_error and the retry count, and
// releases the claim.
func (q *JobQueue) Advance(ctx context.Context, job *Job, to JobStatus) error {
	err := q.execClaimed(ctx, job, `
		UPDATE document_jobs
		SET status = $1, retry_count = 0, last_error = NULL,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = $2
		WHERE job_id = $3 AND claimed_by = $4
	`, string(to), q.now(), job.ID, job.ClaimedBy)
	if err != nil {
		return fmt.Errorf("failed to advance job to %s: %w", to, err)
	}
	job.Status, job.RetryCount, job.LastError = to, 0, nil
	return nil
}

// MarkInProgress moves job to status while keeping the claim and extending
// the lease, for stages that do their work under the same claim.
func (q *JobQueue) MarkInProgress(ctx context.Context, job *Job, to JobStatus, lease time.Duration) error {
	now := q.now()
	expires := now.Add(lease)
	err := q.execClaimed(ctx, job, `
		UPDATE document_jobs
		SET status = $1, claim_expires_at = $2, updated_at = $3
		WHERE job_id = $4 AND claimed_by = $5
	`, string(to), expires, now, job.ID, job.ClaimedBy)
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", to, err)
	}
	job.Status, job.ClaimExpiresAt = to, expires
	return nil
}

// MarkParseSubmitted records the parser's handle and moves job to
// parse_queued. The retry count is kept so repeated parse failures add up.
func (q *JobQueue) MarkParseSubmitted(ctx context.Context, job *Job, parseJobID string) error {
	err := q.execClaimed(ctx, job, `
		UPDATE document_jobs
		SET status = $1, parse_job_id = $2, last_error = NULL,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = $3
		WHERE job_id = $4 AND claimed_by = $5
	`, string(StatusParseQueued), parseJobID, q.now(), job.ID, job.ClaimedBy)
	if err != nil {
		return fmt.Errorf("failed to record parse submission: %w", err)
	}
	job.Status, job.ParseJobID, job.LastError = StatusParseQueued, parseJobID, nil
	return nil
}

// Reschedule keeps job in its status, stores jerr with its RetryAt and
// releases the claim so the job is not eligible again before RetryAt. When
// countRetry is set the retry count is incremented.
func (q *JobQueue) Reschedule(ctx context.Context, job *Job, jerr JobError, countRetry bool) error {
	if jerr.Timestamp.IsZero() {
		jerr.Timestamp = q.now()
	}
	payload, err := json.Marshal(jerr)
	if err != nil {
		return fmt.Errorf("failed to encode job error: %w", err)
	}

	inc := 0
	if countRetry {
		inc = 1
	}
	err = q.execClaimed(ctx, job, `
		UPDATE document_jobs
		SET retry_count = retry_count + $1, last_error = $2,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = $3
		WHERE job_id = $4 AND claimed_by = $5
	`, inc, payload, q.now(), job.ID, job.ClaimedBy)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	job.RetryCount += inc
	job.LastError = &jerr
	return nil
}

// Fail moves job to a failure status with jerr as last_error. When
// countRetry is set the retry count is incremented.
func (q *JobQueue) Fail(ctx context.Context, job *Job, to JobStatus, jerr JobError, countRetry bool) error {
	if jerr.Timestamp.IsZero() {
		jerr.Timestamp = q.now()
	}
	payload, err := json.Marshal(jerr)
	if err != nil {
		return fmt.Errorf("failed to encode job error: %w", err)
	}

	inc := 0
	if countRetry {
		inc = 1
	}
	err = q.execClaimed(ctx, job, `
		UPDATE document_jobs
		SET status = $1, retry_count = retry_count + $2, last_error = $3,
			claimed_by = NULL, claim_expires_at = NULL, updated_at = $4
		WHERE job_id = $5 AND claimed_by = $6
	`, string(to), inc, payload, q.now(), job.ID, job.ClaimedBy)
	if err != nil {
		return fmt.Errorf("failed to mark job %s: %w", to, err)
	}
	job.Status = to
	job.RetryCount += inc
	job.LastError = &jerr
	return nil
}

// ReleaseClaim gives up the lease without changing the job.
func (q *JobQueue) ReleaseClaim(ctx context.Context, job *Job) error {
	return q.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		_, err := conn.ExecContext(ctx, `
			UPDATE document_jobs
			SET claimed_by = NULL, claim_expires_at = NULL
			WHERE job_id = $1 AND claimed_by = $2
		`, job.ID, job.ClaimedBy)
		if err != nil {
			return fmt.Errorf("failed to release claim: %w", err)
		}
		return nil
	})
}

// CreateJob inserts a new job for documentID in the uploaded state.
func (q *JobQueue) CreateJob(ctx context.Context, documentID string) (string, error) {
	var id string
	err := q.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, `
			INSERT INTO document_jobs (document_id, status)
			VALUES ($1, $2)
			RETURNING job_id
		`, documentID, string(StatusUploaded)).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	return id, nil
}

// CountByStatus returns the number of jobs in each status.
func (q *JobQueue) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	counts := make(map[JobStatus]int)
	err := q.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM document_jobs GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[JobStatus(status)] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts, nil
}
