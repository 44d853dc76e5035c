package mocks

import (
	"context"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockDocumentStore is a mock implementation of jobs.DocumentStore
type MockDocumentStore struct {
	mock.Mock
}

// GetDocument mocks the GetDocument method
func (m *MockDocumentStore) GetDocument(ctx context.Context, id string) (*db.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Document), args.Error(1)
}

// SetContentHash mocks the SetContentHash method
func (m *MockDocumentStore) SetContentHash(ctx context.Context, id, hash string) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

// FindCompletedDuplicate mocks the FindCompletedDuplicate method
func (m *MockDocumentStore) FindCompletedDuplicate(ctx context.Context, id, hash string) (string, bool, error) {
	args := m.Called(ctx, id, hash)
	return args.String(0), args.Bool(1), args.Error(2)
}

// SaveParsedContent mocks the SaveParsedContent method
func (m *MockDocumentStore) SaveParsedContent(ctx context.Context, id, content string, pageCount int) error {
	args := m.Called(ctx, id, content, pageCount)
	return args.Error(0)
}

// MarkProcessed mocks the MarkProcessed method
func (m *MockDocumentStore) MarkProcessed(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// InsertChunk mocks the InsertChunk method
func (m *MockDocumentStore) InsertChunk(ctx context.Context, c db.Chunk) (db.InsertResult, error) {
	args := m.Called(ctx, c)
	return args.Get(0).(db.InsertResult), args.Error(1)
}

// ChunksMissingEmbeddings mocks the ChunksMissingEmbeddings method
func (m *MockDocumentStore) ChunksMissingEmbeddings(ctx context.Context, documentID string) ([]db.Chunk, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]db.Chunk), args.Error(1)
}

// InsertEmbedding mocks the InsertEmbedding method
func (m *MockDocumentStore) InsertEmbedding(ctx context.Context, chunkID, model string, vector []float32) (db.InsertResult, error) {
	args := m.Called(ctx, chunkID, model, vector)
	return args.Get(0).(db.InsertResult), args.Error(1)
}
