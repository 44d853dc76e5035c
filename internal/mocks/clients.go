package mocks

import (
	"context"
	"time"

	"github.com/Harvey-AU/docpipe/internal/notifications"
	"github.com/Harvey-AU/docpipe/internal/parser"
	"github.com/Harvey-AU/docpipe/internal/resilience"
	"github.com/stretchr/testify/mock"
)

// MockParser is a mock implementation of jobs.Parser
type MockParser struct {
	mock.Mock
}

// Submit mocks the Submit method
func (m *MockParser) Submit(ctx context.Context, fileName, mimeType string, data []byte) (string, error) {
	args := m.Called(ctx, fileName, mimeType, data)
	return args.String(0), args.Error(1)
}

// Poll mocks the Poll method
func (m *MockParser) Poll(ctx context.Context, jobID string) (parser.Result, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(parser.Result), args.Error(1)
}

// MockEmbedder is a mock implementation of jobs.Embedder
type MockEmbedder struct {
	mock.Mock
	ModelName string
	Dims      int
}

// EmbedBatch mocks the EmbedBatch method
func (m *MockEmbedder) EmbedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	args := m.Called(ctx, inputs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

// Model returns ModelName
func (m *MockEmbedder) Model() string { return m.ModelName }

// Dimensions returns Dims
func (m *MockEmbedder) Dimensions() int { return m.Dims }

// MockStorage is a mock implementation of jobs.Storage
type MockStorage struct {
	mock.Mock
}

// Download mocks the Download method
func (m *MockStorage) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	args := m.Called(ctx, bucket, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockStatusPublisher is a mock implementation of jobs.StatusPublisher
type MockStatusPublisher struct {
	mock.Mock
}

// SetJobStatus mocks the SetJobStatus method
func (m *MockStatusPublisher) SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error {
	args := m.Called(ctx, jobID, status, ttl)
	return args.Error(0)
}

// MockNotifier is a mock implementation of jobs.Notifier
type MockNotifier struct {
	mock.Mock
}

// NotifyCriticalFailure mocks the NotifyCriticalFailure method
func (m *MockNotifier) NotifyCriticalFailure(ctx context.Context, f notifications.JobFailure) {
	m.Called(ctx, f)
}

// NotifyBreakerTrip mocks the NotifyBreakerTrip method
func (m *MockNotifier) NotifyBreakerTrip(ctx context.Context, workerID string, st resilience.BreakerState) {
	m.Called(ctx, workerID, st)
}
