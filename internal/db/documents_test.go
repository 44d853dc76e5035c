package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*DocumentStore, sqlmock.Sqlmock) {
	t.Helper()
	pm, mock := newMockPool(t, 2)
	return NewDocumentStore(pm), mock
}

func TestChunkIDIsStable(t *testing.T) {
	a := ChunkID("doc-1", 3)
	assert.Equal(t, a, ChunkID("doc-1", 3))
	assert.NotEqual(t, a, ChunkID("doc-1", 4))
	assert.NotEqual(t, a, ChunkID("doc-2", 3))
}

func TestInsertChunk(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(sqlmock.Sqlmock)
		want      InsertResult
		wantErr   bool
	}{
		{
			name: "new chunk",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO document_chunks (.+) ON CONFLICT \\(document_id, chunk_index\\) DO NOTHING RETURNING id").
					WithArgs(ChunkID("doc-1", 0), "doc-1", 0, "text", "hash", "Intro", 2).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(ChunkID("doc-1", 0)))
			},
			want: InsertCreated,
		},
		{
			name: "already stored",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO document_chunks").
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
			},
			want: InsertAlreadyExists,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO document_chunks").
					WillReturnError(errors.New("disk full"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newTestStore(t)
			tt.setupMock(mock)

			got, err := s.InsertChunk(context.Background(), Chunk{
				DocumentID: "doc-1", Index: 0, Content: "text", ContentHash: "hash", SectionTitle: "Intro", TokenEstimate: 2,
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestInsertEmbedding(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("INSERT INTO chunk_embeddings (.+) ON CONFLICT \\(chunk_id\\) DO NOTHING").
		WithArgs("chunk-1", "text-embedding-3-small", 3, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}).AddRow("chunk-1"))
	mock.ExpectQuery("INSERT INTO chunk_embeddings").
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id"}))

	res, err := s.InsertEmbedding(ctx, "chunk-1", "text-embedding-3-small", []float32{0.1, 0.2, 0.3})
	require.NoError(t, err)
	assert.Equal(t, InsertCreated, res)

	res, err = s.InsertEmbedding(ctx, "chunk-1", "text-embedding-3-small", []float32{0.1, 0.2, 0.3})
	require.NoError(t, err)
	assert.Equal(t, InsertAlreadyExists, res)
	assert.Equal(t, "already_exists", res.String())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDocument(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT id, storage_path, file_name, mime_type, content_hash, parsed_content, page_count, processed_at FROM documents WHERE id = \\$1").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "storage_path", "file_name", "mime_type", "content_hash", "parsed_content", "page_count", "processed_at"}).
			AddRow("doc-1", "policies/doc-1.pdf", "policy.pdf", "application/pdf", nil, nil, nil, nil))
	mock.ExpectQuery("SELECT id").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	doc, err := s.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "policies/doc-1.pdf", doc.StoragePath)
	assert.Empty(t, doc.ContentHash)
	assert.Nil(t, doc.ProcessedAt)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCompletedDuplicate(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT d.id FROM documents d JOIN document_jobs j").
		WithArgs("abc", "doc-2", "complete").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectQuery("SELECT d.id FROM documents d JOIN document_jobs j").
		WithArgs("def", "doc-3", "complete").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	id, found, err := s.FindCompletedDuplicate(ctx, "doc-2", "abc")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "doc-1", id)

	_, found, err = s.FindCompletedDuplicate(ctx, "doc-3", "def")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunksMissingEmbeddings(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT c.id, (.+) FROM document_chunks c LEFT JOIN chunk_embeddings e (.+) e.chunk_id IS NULL ORDER BY c.chunk_index ASC").
		WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "document_id", "chunk_index", "content", "content_hash", "section_title", "token_estimate"}).
			AddRow("c0", "doc-1", 0, "a", "h0", "", 1).
			AddRow("c2", "doc-1", 2, "c", "h2", "Exclusions", 1))

	chunks, err := s.ChunksMissingEmbeddings(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 2, chunks[1].Index)
	assert.Equal(t, "Exclusions", chunks[1].SectionTitle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentUpdates(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE documents SET content_hash = \\$1").WithArgs("abc", "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET parsed_content = \\$1, page_count = \\$2").WithArgs("# Policy", 4, "doc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET processed_at = NOW\\(\\)").WithArgs("doc-1").
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, s.SetContentHash(ctx, "doc-1", "abc"))
	require.NoError(t, s.SaveParsedContent(ctx, "doc-1", "# Policy", 4))
	err := s.MarkProcessed(ctx, "doc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to mark document processed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
