package store

import (
	"context"
	"time"

	"github.com/artpar/multiplan/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for expansion jobs.
type Store interface {
	// Job operations
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, opts ListOptions) ([]domain.Job, error)
	ListJobsByStatus(ctx context.Context, status domain.JobStatus, opts ListOptions) ([]domain.Job, error)

	// CountJobs returns the number of jobs with the given status, or of all
	// jobs when status is empty.
	CountJobs(ctx context.Context, status domain.JobStatus) (int, error)

	// ClaimPendingJobs moves up to limit pending jobs, oldest first, to
	// running and returns them. A job is handed to one caller only.
	ClaimPendingJobs(ctx context.Context, limit int) ([]domain.Job, error)

	// ReleaseJob persists a job released back to pending. It fails with
	// ErrConflict unless the stored job is still running.
	ReleaseJob(ctx context.Context, job *domain.Job) error

	// RequeueStaleJobs moves running jobs started before startedBefore back
	// to pending and returns how many were moved.
	RequeueStaleJobs(ctx context.Context, startedBefore time.Time) (int, error)

	// Health
	Ping(ctx context.Context) error

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
