package mocks

import (
	"context"
	"time"

	"github.com/Harvey-AU/docpipe/internal/db"
	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of jobs.Queue. When a call returns a
// nil error the in-memory job is updated the way db.JobQueue would.
type MockQueue struct {
	mock.Mock
}

// ClaimNextJob mocks the ClaimNextJob method
func (m *MockQueue) ClaimNextJob(ctx context.Context, workerID string, lease time.Duration) (*db.Job, error) {
	args := m.Called(ctx, workerID, lease)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Job), args.Error(1)
}

// Advance mocks the Advance method
func (m *MockQueue) Advance(ctx context.Context, job *db.Job, to db.JobStatus) error {
	args := m.Called(ctx, job, to)
	if err := args.Error(0); err != nil {
		return err
	}
	job.Status, job.RetryCount, job.LastError = to, 0, nil
	return nil
}

// MarkInProgress mocks the MarkInProgress method
func (m *MockQueue) MarkInProgress(ctx context.Context, job *db.Job, to db.JobStatus, lease time.Duration) error {
	args := m.Called(ctx, job, to, lease)
	if err := args.Error(0); err != nil {
		return err
	}
	job.Status = to
	return nil
}

// MarkParseSubmitted mocks the MarkParseSubmitted method
func (m *MockQueue) MarkParseSubmitted(ctx context.Context, job *db.Job, parseJobID string) error {
	args := m.Called(ctx, job, parseJobID)
	if err := args.Error(0); err != nil {
		return err
	}
	job.Status, job.ParseJobID, job.LastError = db.StatusParseQueued, parseJobID, nil
	return nil
}

// Reschedule mocks the Reschedule method
func (m *MockQueue) Reschedule(ctx context.Context, job *db.Job, jerr db.JobError, countRetry bool) error {
	args := m.Called(ctx, job, jerr, countRetry)
	if err := args.Error(0); err != nil {
		return err
	}
	if countRetry {
		job.RetryCount++
	}
	job.LastError = &jerr
	return nil
}

// Fail mocks the Fail method
func (m *MockQueue) Fail(ctx context.Context, job *db.Job, to db.JobStatus, jerr db.JobError, countRetry bool) error {
	args := m.Called(ctx, job, to, jerr, countRetry)
	if err := args.Error(0); err != nil {
		return err
	}
	job.Status = to
	if countRetry {
		job.RetryCount++
	}
	job.LastError = &jerr
	return nil
}

// ReleaseClaim mocks the ReleaseClaim method
func (m *MockQueue) ReleaseClaim(ctx context.Context, job *db.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}
