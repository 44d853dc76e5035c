package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// InsertResult reports the outcome of an idempotent insert.
type InsertResult int

const (
	// InsertCreated means a new row was written.
	InsertCreated InsertResult = iota + 1
	// InsertAlreadyExists means an identical key was already present and
	// nothing was written.
	InsertAlreadyExists
)

func (r InsertResult) String() string {
	switch r {
	case InsertCreated:
		return "created"
	case InsertAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// ErrDocumentNotFound is returned when a job references a missing document.
var ErrDocumentNotFound = errors.New("document not found")

// Document is a row of documents.
type Document struct {
	ID            string
	StoragePath   string
	FileName      string
	MimeType      string
	ContentHash   string
	ParsedContent string
	PageCount     int
	ProcessedAt   *time.Time
}

// Chunk is a row of document_chunks.
type Chunk struct {
	ID            string
	DocumentID    string
	Index         int
	Content       string
	ContentHash   string
	SectionTitle  string
	TokenEstimate int
}

// chunkNamespace derives stable chunk IDs so a retried chunking stage
// produces the same keys.
var chunkNamespace = uuid.MustParse("6f1c58a2-3d0e-4b8e-9a57-1f0c2b7d9e41")

// ChunkID returns the stable ID of chunk index of documentID.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s/%d", documentID, index))).String()
}

// DocumentStore persists documents, chunks and embeddings.
type DocumentStore struct {
	pool *PoolManager
}

// NewDocumentStore creates a store over pool.
func NewDocumentStore(pool *PoolManager) *DocumentStore {
	return &DocumentStore{pool: pool}
}

// CreateDocument registers an uploaded file and returns its ID.
func (s *DocumentStore) CreateDocument(ctx context.Context, storagePath, fileName, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "application/pdf"
	}
	var id string
	err := s.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, `
			INSERT INTO documents (storage_path, file_name, mime_type)
			VALUES ($1, $2, $3)
			RETURNING id
		`, storagePath, fileName, mimeType).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	return id, nil
}

// GetDocument loads a document by ID.
func (s *DocumentStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	var hash, parsed sql.NullString
	var pages sql.NullInt64
	var processed sql.NullTime

	err := s.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT id, storage_path, file_name, mime_type, content_hash, parsed_content, page_count, processed_at
			FROM documents
			WHERE id = $1
		`, id).Scan(&d.ID, &d.StoragePath, &d.FileName, &d.MimeType, &hash, &parsed, &pages, &processed)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	d.ContentHash = hash.String
	d.ParsedContent = parsed.String
	d.PageCount = int(pages.Int64)
	if processed.Valid {
		d.ProcessedAt = &processed.Time
	}
	return &d, nil
}

// SetContentHash stores the sha256 of the uploaded file.
func (s *DocumentStore) SetContentHash(ctx context.Context, id, hash string) error {
	return s.exec(ctx, "failed to store content hash", `
		UPDATE documents SET content_hash = $1, updated_at = NOW() WHERE id = $2
	`, hash, id)
}

// FindCompletedDuplicate returns the ID of another document with the same
// content hash whose job has completed.
func (s *DocumentStore) FindCompletedDuplicate(ctx context.Context, id, hash string) (string, bool, error) {
	var dupID string
	err := s.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, `
			SELECT d.id
			FROM documents d
			JOIN document_jobs j ON j.document_id = d.id
			WHERE d.content_hash = $1 AND d.id <> $2 AND j.status = $3
			ORDER BY d.created_at ASC
			LIMIT 1
		`, hash, id, string(StatusComplete)).Scan(&dupID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to check for duplicates: %w", err)
	}
	return dupID, true, nil
}

// SaveParsedContent stores the parser output.
func (s *DocumentStore) SaveParsedContent(ctx context.Context, id, content string, pageCount int) error {
	return s.exec(ctx, "failed to store parsed content", `
		UPDATE documents SET parsed_content = $1, page_count = $2, updated_at = NOW() WHERE id = $3
	`, content, pageCount, id)
}

// MarkProcessed stamps the document as fully processed.
func (s *DocumentStore) MarkProcessed(ctx context.Context, id string) error {
	return s.exec(ctx, "failed to mark document processed", `
		UPDATE documents SET processed_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
}

// InsertChunk writes c unless (document_id, chunk_index) already exists.
func (s *DocumentStore) InsertChunk(ctx context.Context, c Chunk) (InsertResult, error) {
	if c.ID == "" {
		c.ID = ChunkID(c.DocumentID, c.Index)
	}
	return s.insertOnce(ctx, "failed to insert chunk", `
		INSERT INTO document_chunks (id, document_id, chunk_index, content, content_hash, section_title, token_estimate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, chunk_index) DO NOTHING
		RETURNING id
	`, c.ID, c.DocumentID, c.Index, c.Content, c.ContentHash, c.SectionTitle, c.TokenEstimate)
}

// ChunksMissingEmbeddings lists the document's chunks that have no embedding yet, in order.
func (s *DocumentStore) ChunksMissingEmbeddings(ctx context.Context, documentID string) ([]Chunk, error) {
	var chunks []Chunk
	err := s.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT c.id, c.document_id, c.chunk_index, c.content, c.content_hash, COALESCE(c.section_title, ''), c.token_estimate
			FROM document_chunks c
			LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id
			WHERE c.document_id = $1 AND e.chunk_id IS NULL
			ORDER BY c.chunk_index ASC
		`, documentID)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var c Chunk
			if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.ContentHash, &c.SectionTitle, &c.TokenEstimate); err != nil {
				return err
			}
			chunks = append(chunks, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// InsertEmbedding writes the vector for chunkID unless one already exists.
func (s *DocumentStore) InsertEmbedding(ctx context.Context, chunkID, model string, vector []float32) (InsertResult, error) {
	return s.insertOnce(ctx, "failed to insert embedding", `
		INSERT INTO chunk_embeddings (chunk_id, model, dimensions, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chunk_id) DO NOTHING
		RETURNING chunk_id
	`, chunkID, model, len(vector), pq.Array(vector))
}

func (s *DocumentStore) insertOnce(ctx context.Context, msg, query string, args ...any) (InsertResult, error) {
	var id string
	err := s.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		return conn.QueryRowContext(ctx, query, args...).Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return InsertAlreadyExists, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s: %w", msg, err)
	}
	return InsertCreated, nil
}

func (s *DocumentStore) exec(ctx context.Context, msg, query string, args ...any) error {
	err := s.pool.WithConnection(ctx, func(ctx context.Context, conn *Conn) error {
		_, err := conn.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return nil
}
