package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/Harvey-AU/docpipe/internal/embedding"
	"github.com/Harvey-AU/docpipe/internal/observability"
	"github.com/Harvey-AU/docpipe/internal/parser"
	"github.com/Harvey-AU/docpipe/internal/ratelimit"
	"github.com/Harvey-AU/docpipe/internal/resilience"
	"github.com/rs/zerolog/log"
)

// MinPrintableRatio is the share of printable runes parsed content needs.
const MinPrintableRatio = 0.9

var errParseRetriesExhausted = errors.New("parse retries exhausted")

func (w *Worker) loadDocument(ctx context.Context, job *db.Job) (*db.Document, error) {
	doc, err := w.deps.Store.GetDocument(ctx, job.DocumentID)
	if errors.Is(err, db.ErrDocumentNotFound) {
		return nil, failAs(db.StatusFailedStorage,
			resilience.Client("load_document", "The document record no longer exists.", err))
	}
	if err != nil {
		return nil, resilience.Transient("load_document", err)
	}
	return doc, nil
}

// submitForParsing handles uploaded and failed_parse jobs.
func (w *Worker) submitForParsing(ctx context.Context, job *db.Job) (string, error) {
	if job.Status == db.StatusFailedParse && job.RetryCount >= w.cfg.MaxParseRetries {
		jerr := db.JobError{
			Error:     fmt.Sprintf("%s after %d attempts", errParseRetriesExhausted, job.RetryCount),
			Kind:      string(resilience.KindClient),
			Message:   "The document could not be parsed.",
			Timestamp: w.now().UTC(),
		}
		if job.LastError != nil {
			jerr.CorrelationID = job.LastError.CorrelationID
		}
		log.Error().
			Str("job_id", job.ID).
			Str("document_id", job.DocumentID).
			Int("retry_count", job.RetryCount).
			Msg("Parse retries exhausted, job permanently failed")
		if err := w.deps.Queue.Fail(ctx, job, db.StatusPermanentlyFailed, jerr, false); err != nil {
			return OutcomeFailed, w.persistError(err)
		}
		return OutcomePermanentlyFailed, nil
	}

	if w.deps.Storage == nil || w.deps.Parser == nil {
		return "", resilience.Systemic("submit_parse", errors.New("storage and parser clients are required"))
	}

	doc, err := w.loadDocument(ctx, job)
	if err != nil {
		return "", err
	}

	var data []byte
	err = w.callOutbound(ctx, "storage.download", "storage", nil, func(ctx context.Context) error {
		var derr error
		data, derr = w.deps.Storage.Download(ctx, w.cfg.Bucket, doc.StoragePath)
		return derr
	})
	if err != nil {
		if resilience.Classify(err) == resilience.KindClient {
			return "", failAs(db.StatusFailedStorage, err)
		}
		return "", err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	if err := w.deps.Store.SetContentHash(ctx, doc.ID, hash); err != nil {
		return "", resilience.Transient("set_content_hash", err)
	}

	dupID, found, err := w.deps.Store.FindCompletedDuplicate(ctx, doc.ID, hash)
	if err != nil {
		return "", resilience.Transient("find_duplicate", err)
	}
	if found {
		log.Info().
			Str("job_id", job.ID).
			Str("document_id", doc.ID).
			Str("duplicate_of", dupID).
			Msg("Document content already processed, marking duplicate")
		return OutcomeDuplicate, w.deps.Queue.Advance(ctx, job, db.StatusDuplicate)
	}

	var parseJobID string
	err = w.callOutbound(ctx, "parser.submit", ratelimit.TargetParser, w.deps.ParserLimiter, func(ctx context.Context) error {
		var serr error
		parseJobID, serr = w.deps.Parser.Submit(ctx, documentFileName(doc), doc.MimeType, data)
		return serr
	})
	if err != nil {
		return "", err
	}

	log.Info().
		Str("job_id", job.ID).
		Str("document_id", doc.ID).
		Str("parse_job_id", parseJobID).
		Int("bytes", len(data)).
		Msg("Document submitted for parsing")
	return OutcomeSubmitted, w.deps.Queue.MarkParseSubmitted(ctx, job, parseJobID)
}

func documentFileName(doc *db.Document) string {
	if doc.FileName != "" {
		return doc.FileName
	}
	return path.Base(doc.StoragePath)
}

// pollParser handles parse_queued jobs.
func (w *Worker) pollParser(ctx context.Context, job *db.Job) (string, error) {
	if job.ParseJobID == "" {
		// Nothing to poll; resubmit through failed_parse.
		return "", resilience.Transient("poll_parse", errors.New("parse job id missing"))
	}
	if w.deps.Parser == nil {
		return "", resilience.Systemic("poll_parse", errors.New("parser client is required"))
	}

	var res parser.Result
	err := w.callOutbound(ctx, "parser.poll", ratelimit.TargetParser, w.deps.ParserLimiter, func(ctx context.Context) error {
		var perr error
		res, perr = w.deps.Parser.Poll(ctx, job.ParseJobID)
		return perr
	})
	if err != nil {
		return "", err
	}

	if !res.Ready {
		retryAt := w.now().Add(w.cfg.ParsePollDelay).UTC()
		jerr := db.JobError{
			Error:     "parse pending",
			RetryAt:   &retryAt,
			Timestamp: w.now().UTC(),
		}
		log.Debug().
			Str("job_id", job.ID).
			Str("parse_job_id", job.ParseJobID).
			Time("retry_at", retryAt).
			Msg("Parse not ready, polling later")
		return OutcomePending, w.deps.Queue.Reschedule(ctx, job, jerr, false)
	}

	if err := w.deps.Store.SaveParsedContent(ctx, job.DocumentID, res.Markdown, res.Pages); err != nil {
		return "", resilience.Transient("save_parsed_content", err)
	}
	return OutcomeAdvanced, w.deps.Queue.Advance(ctx, job, db.StatusParsed)
}

// validateParsed handles parsed jobs.
func (w *Worker) validateParsed(ctx context.Context, job *db.Job) (string, error) {
	doc, err := w.loadDocument(ctx, job)
	if err != nil {
		return "", err
	}
	if err := ValidateContent(doc.ParsedContent, w.cfg.MinContentChars); err != nil {
		return "", err
	}
	return OutcomeAdvanced, w.deps.Queue.Advance(ctx, job, db.StatusParseValidated)
}

// ValidateContent checks parsed markdown is usable: non-empty, at least
// minChars runes and mostly printable.
func ValidateContent(content string, minChars int) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return resilience.Client("validate", "No text could be extracted from the document.",
			errors.New("parsed content is empty"))
	}

	n := utf8.RuneCountInString(trimmed)
	if n < minChars {
		return resilience.Client("validate", "Too little text could be extracted from the document.",
			fmt.Errorf("parsed content has %d characters, need %d", n, minChars))
	}

	printable := 0
	for _, r := range trimmed {
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	if ratio := float64(printable) / float64(n); ratio < MinPrintableRatio {
		return resilience.Client("validate", "The extracted text appears to be corrupted.",
			fmt.Errorf("printable ratio %.2f below %.2f", ratio, MinPrintableRatio))
	}
	return nil
}

// chunkDocument handles parse_validated and chunking jobs. Chunk inserts
// are idempotent so a retried stage only writes what is missing.
func (w *Worker) chunkDocument(ctx context.Context, job *db.Job) (string, error) {
	if job.Status != db.StatusChunking {
		if err := w.deps.Queue.MarkInProgress(ctx, job, db.StatusChunking, w.cfg.ClaimLease); err != nil {
			return "", err
		}
	}

	doc, err := w.loadDocument(ctx, job)
	if err != nil {
		return "", err
	}

	chunks := w.chunker.Split(doc.ParsedContent)
	if len(chunks) == 0 {
		return "", resilience.Client("chunking", "No text could be extracted from the document.",
			errors.New("chunker produced no chunks"))
	}

	created, existing := 0, 0
	for _, c := range chunks {
		res, err := w.deps.Store.InsertChunk(ctx, db.Chunk{
			DocumentID:    doc.ID,
			Index:         c.Index,
			Content:       c.Content,
			ContentHash:   c.ContentHash,
			SectionTitle:  c.SectionTitle,
			TokenEstimate: c.TokenEstimate,
		})
		if err != nil {
			return "", resilience.Transient("insert_chunk", err)
		}
		if res == db.InsertCreated {
			created++
		} else {
			existing++
		}
	}

	log.Info().
		Str("job_id", job.ID).
		Str("document_id", doc.ID).
		Int("chunks", len(chunks)).
		Int("created", created).
		Int("already_present", existing).
		Msg("Chunks stored")
	return OutcomeAdvanced, w.deps.Queue.Advance(ctx, job, db.StatusChunksStored)
}

// embedChunks handles embedding_queued and embedding_in_progress jobs.
func (w *Worker) embedChunks(ctx context.Context, job *db.Job) (string, error) {
	if w.deps.Embedder == nil {
		return "", resilience.Systemic("embed", errors.New("embedding client is required"))
	}
	if err := w.deps.Queue.MarkInProgress(ctx, job, db.StatusEmbeddingInProgress, w.cfg.ClaimLease); err != nil {
		return "", err
	}

	chunks, err := w.deps.Store.ChunksMissingEmbeddings(ctx, job.DocumentID)
	if err != nil {
		return "", resilience.Transient("load_chunks", err)
	}

	model := w.deps.Embedder.Model()
	dims := w.deps.Embedder.Dimensions()
	batchSize := w.cfg.EmbeddingBatchSize

	for start := 0; start < len(chunks); start += batchSize {
		if start > 0 && w.cfg.EmbeddingBatchDelay > 0 {
			if err := w.sleep(ctx, w.cfg.EmbeddingBatchDelay); err != nil {
				return "", err
			}
			// Keep the lease ahead of long documents.
			if err := w.deps.Queue.MarkInProgress(ctx, job, db.StatusEmbeddingInProgress, w.cfg.ClaimLease); err != nil {
				return "", err
			}
		}

		end := min(start+batchSize, len(chunks))
		batch := chunks[start:end]
		if err := w.embedBatch(ctx, job, batch, model, dims); err != nil {
			return "", err
		}
	}

	log.Info().
		Str("job_id", job.ID).
		Str("document_id", job.DocumentID).
		Int("chunks", len(chunks)).
		Str("model", model).
		Msg("Embeddings stored")
	return OutcomeAdvanced, w.deps.Queue.Advance(ctx, job, db.StatusEmbeddingsStored)
}

func (w *Worker) embedBatch(ctx context.Context, job *db.Job, batch []db.Chunk, model string, dims int) error {
	inputs := make([]string, len(batch))
	for i, c := range batch {
		inputs[i] = c.Content
	}

	var vectors [][]float32
	err := w.callOutbound(ctx, "embeddings.create", ratelimit.TargetEmbeddings, w.deps.EmbeddingLimiter, func(ctx context.Context) error {
		var eerr error
		vectors, eerr = w.deps.Embedder.EmbedBatch(ctx, inputs)
		return eerr
	})
	if err != nil {
		return err
	}
	if len(vectors) != len(batch) {
		return resilience.Transient("embeddings.create",
			fmt.Errorf("got %d vectors for %d inputs", len(vectors), len(batch)))
	}

	created := 0
	for i, vec := range vectors {
		if err := embedding.Validate(vec, dims); err != nil {
			stats := embedding.VectorStats(vec)
			log.Error().
				Err(err).
				Str("job_id", job.ID).
				Str("chunk_id", batch[i].ID).
				Int("dimensions", stats.Dimensions).
				Float64("norm", stats.Norm).
				Float32("min", stats.Min).
				Float32("max", stats.Max).
				Int("non_zero", stats.NonZero).
				Msg("Embedding failed integrity check")
			return err
		}

		res, err := w.deps.Store.InsertEmbedding(ctx, batch[i].ID, model, vec)
		if err != nil {
			return resilience.Transient("insert_embedding", err)
		}
		if res == db.InsertCreated {
			created++
		}
	}

	observability.RecordEmbeddings(ctx, db.InsertCreated.String(), created)
	if skipped := len(vectors) - created; skipped > 0 {
		observability.RecordEmbeddings(ctx, db.InsertAlreadyExists.String(), skipped)
	}
	return nil
}

// completeDocument handles embeddings_stored jobs.
func (w *Worker) completeDocument(ctx context.Context, job *db.Job) (string, error) {
	if err := w.deps.Store.MarkProcessed(ctx, job.DocumentID); err != nil {
		return "", resilience.Transient("mark_processed", err)
	}
	log.Info().
		Str("job_id", job.ID).
		Str("document_id", job.DocumentID).
		Dur("total", w.now().Sub(job.CreatedAt)).
		Msg("Document processing complete")
	return OutcomeAdvanced, w.deps.Queue.Advance(ctx, job, db.StatusComplete)
}
