package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Harvey-AU/docpipe/internal/chunking"
	"github.com/Harvey-AU/docpipe/internal/concurrency"
	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/notifications"
	"github.com/Harvey-AU/docpipe/internal/observability"
	"github.com/Harvey-AU/docpipe/internal/ratelimit"
	"github.com/Harvey-AU/docpipe/internal/resilience"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Deps are the collaborators of a Worker. Cache, Notifier and Wake are optional.
type Deps struct {
	Queue    Queue
	Store    DocumentStore
	Parser   Parser
	Embedder Embedder
	Storage  Storage
	Cache    StatusPublisher
	Notifier Notifier

	ParserLimiter    ratelimit.Limiter
	EmbeddingLimiter ratelimit.Limiter

	// Outbound bounds concurrent calls to external services.
	Outbound *concurrency.Semaphore
	Breaker  *resilience.Breaker

	// Wake fires when new work may be available.
	Wake <-chan struct{}
}

// Worker claims document jobs and advances them one stage per claim
type Worker struct {
	cfg     Config
	deps    Deps
	chunker *chunking.Chunker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	idleLog rate.Sometimes
}

// NewWorker creates a worker. Missing optional dependencies get defaults.
func NewWorker(cfg Config, deps Deps) *Worker {
	if deps.Queue == nil {
		panic("job queue is required")
	}
	if deps.Store == nil {
		panic("document store is required")
	}
	cfg = cfg.withDefaults()

	if deps.Outbound == nil {
		deps.Outbound = concurrency.NewSemaphore("outbound_calls", 4)
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewBreaker(5, time.Minute)
	}

	w := &Worker{
		cfg:     cfg,
		deps:    deps,
		chunker: chunking.New(cfg.Chunking),
		now:     time.Now,
		sleep:   resilience.SleepContext,
		idleLog: rate.Sometimes{Interval: time.Minute},
	}

	deps.Breaker.OnTrip(func(st resilience.BreakerState) {
		observability.RecordBreakerState(context.Background(), true)
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("worker_id", cfg.WorkerID)
			scope.SetLevel(sentry.LevelError)
			sentry.CaptureMessage(fmt.Sprintf("Worker circuit breaker opened after %d failures", st.FailureCount))
		})
		if deps.Notifier != nil {
			deps.Notifier.NotifyBreakerTrip(context.Background(), cfg.WorkerID, st)
		}
	})

	return w
}

// Breaker returns the worker's circuit breaker.
func (w *Worker) Breaker() *resilience.Breaker { return w.deps.Breaker }

// Run processes jobs until ctx is cancelled and returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.cfg.WorkerID).
		Dur("poll_interval", w.cfg.PollInterval).
		Msg("Starting document worker")

	breakerWasOpen := false
	for {
		if err := ctx.Err(); err != nil {
			log.Info().Str("worker_id", w.cfg.WorkerID).Msg("Document worker stopped")
			return err
		}

		if !w.deps.Breaker.Allow() {
			breakerWasOpen = true
			wait := w.deps.Breaker.RemainingCooldown()
			log.Warn().Dur("retry_in", wait).Msg("Circuit breaker open, pausing worker")
			if err := w.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		if breakerWasOpen {
			breakerWasOpen = false
			observability.RecordBreakerState(ctx, false)
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.deps.Breaker.RecordFailure()
			sentry.CaptureException(err)
			log.Error().Err(err).Str("worker_id", w.cfg.WorkerID).Msg("Worker iteration failed")
			if err := w.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		w.deps.Breaker.RecordSuccess()

		if !processed {
			w.idle(ctx)
		}
	}
}

// idle waits for the poll interval or a wake-up, whichever comes first.
func (w *Worker) idle(ctx context.Context) {
	w.idleLog.Do(func() {
		log.Debug().Str("worker_id", w.cfg.WorkerID).Msg("No eligible jobs, waiting")
	})

	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-w.deps.Wake:
		log.Debug().Msg("Woken by job notification")
	}
}

// ProcessNext claims and processes at most one job. It reports whether a job
// was claimed. Returned errors are systemic: the job stage's own failures are
// recorded on the job instead.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	span := sentry.StartSpan(ctx, "worker.claim")
	job, err := w.deps.Queue.ClaimNextJob(span.Context(), w.cfg.WorkerID, w.cfg.ClaimLease)
	span.Finish()
	if err != nil {
		return false, resilience.Systemic("claim", err)
	}
	if job == nil {
		return false, nil
	}
	return true, w.processJob(ctx, job)
}

func (w *Worker) processJob(ctx context.Context, job *db.Job) (err error) {
	stage := job.Status
	start := w.now()
	outcome := OutcomeFailed

	ctx, otelSpan := observability.StartStageSpan(ctx, observability.StageSpanInfo{
		JobID:      job.ID,
		DocumentID: job.DocumentID,
		Stage:      string(stage),
		RetryCount: job.RetryCount,
	})
	defer otelSpan.End()

	span := sentry.StartSpan(ctx, "worker.stage."+string(stage))
	span.SetTag("job_id", job.ID)
	span.SetTag("document_id", job.DocumentID)
	ctx = span.Context()
	defer span.Finish()

	logger := log.With().
		Str("job_id", job.ID).
		Str("document_id", job.DocumentID).
		Str("stage", string(stage)).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Stage panicked")
			sentry.CurrentHub().Recover(r)

			perr := resilience.Critical("stage."+string(stage), fmt.Errorf("panic: %v", r))
			outcome, err = w.handleStageError(ctx, job, stage, perr)
		}

		observability.RecordStage(ctx, observability.StageMetrics{
			Stage:    string(stage),
			Outcome:  outcome,
			Duration: w.now().Sub(start),
		})
		w.publishStatus(ctx, job)

		logger.Info().
			Str("outcome", outcome).
			Str("status", string(job.Status)).
			Dur("duration", w.now().Sub(start)).
			Msg("Stage finished")
	}()

	outcome, err = w.runStage(ctx, job)
	if err != nil {
		outcome, err = w.handleStageError(ctx, job, stage, err)
	}
	return err
}

func (w *Worker) runStage(ctx context.Context, job *db.Job) (string, error) {
	switch job.Status {
	case db.StatusUploaded, db.StatusFailedParse:
		return w.submitForParsing(ctx, job)
	case db.StatusParseQueued:
		return w.pollParser(ctx, job)
	case db.StatusParsed:
		return w.validateParsed(ctx, job)
	case db.StatusParseValidated, db.StatusChunking:
		return w.chunkDocument(ctx, job)
	case db.StatusChunksStored:
		return OutcomeAdvanced, w.deps.Queue.Advance(ctx, job, db.StatusEmbeddingQueued)
	case db.StatusEmbeddingQueued, db.StatusEmbeddingInProgress:
		return w.embedChunks(ctx, job)
	case db.StatusEmbeddingsStored:
		return w.completeDocument(ctx, job)
	default:
		return "", resilience.Client("dispatch", "", fmt.Errorf("status %q is not processable", job.Status))
	}
}

// handleStageError records err on the job. The returned error is non-nil only
// when the job's state could not be persisted.
func (w *Worker) handleStageError(ctx context.Context, job *db.Job, stage db.JobStatus, err error) (string, error) {
	if errors.Is(err, db.ErrClaimLost) {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Claim lost, another worker owns the job")
		return OutcomeClaimLost, nil
	}

	if ctx.Err() != nil {
		w.releaseDetached(ctx, job)
		return OutcomeCancelled, ctx.Err()
	}

	classified := resilience.WithCorrelation(err)
	kind := classified.Kind
	jerr := db.JobError{
		Error:         err.Error(),
		Kind:          string(kind),
		Message:       resilience.UserMessage(classified),
		CorrelationID: classified.CorrelationID,
		Timestamp:     w.now().UTC(),
	}

	target := failureStatus(stage)
	if s, ok := overriddenStatus(err); ok {
		target = s
	}

	logger := log.With().
		Err(err).
		Str("job_id", job.ID).
		Str("document_id", job.DocumentID).
		Str("stage", string(stage)).
		Str("kind", string(kind)).
		Str("correlation_id", classified.CorrelationID).
		Int("retry_count", job.RetryCount).
		Logger()

	switch kind {
	case resilience.KindClient:
		target = terminalFailure(target)
		logger.Error().Str("failed_status", string(target)).Msg("Stage rejected input, failing job")
		if perr := w.deps.Queue.Fail(ctx, job, target, jerr, false); perr != nil {
			return OutcomeFailed, w.persistError(perr)
		}
		return OutcomeFailed, nil

	case resilience.KindCritical:
		target = terminalFailure(target)
		logger.Error().Str("failed_status", string(target)).Msg("Critical failure, aborting job")
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("job_id", job.ID)
			scope.SetTag("document_id", job.DocumentID)
			scope.SetTag("stage", string(stage))
			scope.SetTag("correlation_id", classified.CorrelationID)
			scope.SetLevel(sentry.LevelError)
			sentry.CaptureException(err)
		})
		if w.deps.Notifier != nil {
			w.deps.Notifier.NotifyCriticalFailure(ctx, notifications.JobFailure{
				JobID:         job.ID,
				DocumentID:    job.DocumentID,
				Stage:         string(stage),
				Status:        string(target),
				CorrelationID: classified.CorrelationID,
				Err:           err,
			})
		}
		if perr := w.deps.Queue.Fail(ctx, job, target, jerr, false); perr != nil {
			return OutcomeFailed, w.persistError(perr)
		}
		return OutcomeFailed, nil
	}

	// Transient, resource, systemic and unknown failures are retried.
	retryAt := w.now().Add(w.cfg.Backoff.Delay(job.RetryCount)).UTC()
	jerr.RetryAt = &retryAt

	var perr error
	outcome := OutcomeRetry
	switch {
	case isParseStage(stage):
		// failed_parse is itself the parse retry state.
		logger.Warn().Time("retry_at", retryAt).Msg("Parse attempt failed, will resubmit")
		perr = w.deps.Queue.Fail(ctx, job, db.StatusFailedParse, jerr, true)
	case job.RetryCount+1 > w.cfg.MaxRetries:
		jerr.RetryAt = nil
		logger.Error().Str("failed_status", string(target)).Msg("Retries exhausted, failing job")
		perr = w.deps.Queue.Fail(ctx, job, target, jerr, true)
		outcome = OutcomeFailed
	default:
		logger.Warn().Time("retry_at", retryAt).Msg("Transient failure, job rescheduled")
		perr = w.deps.Queue.Reschedule(ctx, job, jerr, true)
	}
	if perr != nil {
		return outcome, w.persistError(perr)
	}
	if kind == resilience.KindSystemic {
		return outcome, err
	}
	return outcome, nil
}

func (w *Worker) persistError(err error) error {
	if errors.Is(err, db.ErrClaimLost) {
		log.Warn().Err(err).Msg("Claim lost while recording failure")
		return nil
	}
	return resilience.Systemic("persist_job_state", err)
}

// releaseDetached gives the claim back after cancellation so another worker
// can pick the job up before the lease expires.
func (w *Worker) releaseDetached(ctx context.Context, job *db.Job) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.deps.Queue.ReleaseClaim(rctx, job); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to release claim on shutdown")
		return
	}
	log.Info().Str("job_id", job.ID).Msg("Released claim on shutdown")
}

func (w *Worker) publishStatus(ctx context.Context, job *db.Job) {
	if w.deps.Cache == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := w.deps.Cache.SetJobStatus(pctx, job.ID, string(job.Status), w.cfg.StatusTTL); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to publish job status")
	}
}

// callOutbound runs fn under the retry policy, taking a rate limiter token
// and an outbound slot for each attempt.
func (w *Worker) callOutbound(ctx context.Context, op, target string, limiter ratelimit.Limiter, fn func(ctx context.Context) error) error {
	return w.cfg.Retry.Do(ctx, op, func(ctx context.Context) error {
		if limiter != nil {
			start := time.Now()
			if err := limiter.Acquire(ctx); err != nil {
				return err
			}
			observability.RecordRateLimitWait(ctx, target, time.Since(start))
		}
		return w.deps.Outbound.Do(ctx, fn)
	})
}
