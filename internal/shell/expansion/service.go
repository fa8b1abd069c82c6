// Package expansion connects the plan expander to payloads and the job store.
package expansion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/multiplan/internal/core/domain"
	"github.com/artpar/multiplan/internal/core/plan"
	"github.com/artpar/multiplan/internal/shell/store"
)

// Result is the outcome of a synchronous expansion.
type Result struct {
	Plan          plan.Plan
	Output        []byte
	Format        plan.Format
	NodeCount     int // nodes in the input plan
	InstanceCount int // nodes in the expanded plan
}

// Service expands serialized plans, directly or as queued jobs.
type Service struct {
	store    store.Store
	expander *plan.Expander
	logger   *slog.Logger
}

// NewService creates a new expansion service. A nil expander gets a default
// one logging through logger.
func NewService(s store.Store, expander *plan.Expander, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if expander == nil {
		expander = plan.NewExpander(plan.WithLogger(logger))
	}
	return &Service{
		store:    s,
		expander: expander,
		logger:   logger.With("component", "expansion"),
	}
}

// IsPlanError reports whether err was caused by the submitted plan rather
// than by the service itself.
func IsPlanError(err error) bool {
	return errors.Is(err, plan.ErrUnresolvedHostReference) ||
		errors.Is(err, plan.ErrMalformedNode) ||
		errors.Is(err, plan.ErrInvalidPayload) ||
		errors.Is(err, plan.ErrTooManyInstances) ||
		errors.Is(err, plan.ErrUnsupportedFormat)
}

// =============================================================================
// Synchronous Expansion
// =============================================================================

// ExpandPayload decodes data, expands the plan and encodes the result in the
// output format.
func (s *Service) ExpandPayload(ctx context.Context, data []byte, in, out plan.Format) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := plan.Decode(data, in)
	if err != nil {
		return nil, err
	}

	return s.ExpandPlan(ctx, *p, out)
}

// ExpandPlan expands an already decoded plan and encodes the result.
func (s *Service) ExpandPlan(ctx context.Context, p plan.Plan, out plan.Format) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	expanded, err := s.expander.Expand(p)
	if err != nil {
		return nil, err
	}

	encoded, err := plan.Encode(expanded, out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode expanded plan: %w", err)
	}

	s.logger.Debug("expanded plan",
		"nodes", len(p.Nodes),
		"instances", len(expanded.Nodes),
	)

	return &Result{
		Plan:          expanded,
		Output:        encoded,
		Format:        out,
		NodeCount:     len(p.Nodes),
		InstanceCount: len(expanded.Nodes),
	}, nil
}

// =============================================================================
// Jobs
// =============================================================================

// Submit queues a payload for asynchronous expansion.
func (s *Service) Submit(ctx context.Context, data []byte, format plan.Format) (*domain.Job, error) {
	if format == "" {
		format = plan.FormatJSON
	}
	if _, err := plan.ParseFormat(string(format)); err != nil {
		return nil, err
	}

	job, err := domain.NewJob(data, string(format))
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("job submitted", "job_id", job.ID, "format", job.Format, "bytes", len(data))
	return job, nil
}

// Get returns a job by id.
func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.store.GetJob(ctx, id)
}

// List returns jobs, optionally filtered by status.
func (s *Service) List(ctx context.Context, status domain.JobStatus, opts store.ListOptions) ([]domain.Job, error) {
	if status == "" {
		return s.store.ListJobs(ctx, opts)
	}
	return s.store.ListJobsByStatus(ctx, status, opts)
}

// Count returns the number of jobs, optionally filtered by status.
func (s *Service) Count(ctx context.Context, status domain.JobStatus) (int, error) {
	return s.store.CountJobs(ctx, status)
}

// Delete removes a job.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteJob(ctx, id)
}

// Retry moves a failed job back to pending.
func (s *Service) Retry(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		job, err = tx.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if err := job.Transition(domain.JobStatusPending); err != nil {
			return err
		}
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job queued for retry", "job_id", job.ID, "attempts", job.Attempts)
	return job, nil
}

// Run executes a claimed (running) job and persists its outcome. Plan errors
// are recorded on the job; only store failures are returned. When ctx ends
// before the outcome is stored the job is left running and ctx's error is
// returned, so the caller can release it.
func (s *Service) Run(ctx context.Context, job *domain.Job) error {
	logger := s.logger.With("job_id", job.ID)

	if job.Status == domain.JobStatusPending {
		if err := job.Transition(domain.JobStatusRunning); err != nil {
			return err
		}
		if err := s.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	format, err := plan.ParseFormat(job.Format)
	if err != nil {
		return s.fail(ctx, job, err, logger)
	}

	result, err := s.ExpandPayload(ctx, job.Payload, format, format)
	if err != nil {
		if !IsPlanError(err) && ctx.Err() != nil {
			return err
		}
		return s.fail(ctx, job, err, logger)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := job.Succeed(result.Output, result.NodeCount, result.InstanceCount); err != nil {
		return err
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	logger.Info("job succeeded",
		"nodes", result.NodeCount,
		"instances", result.InstanceCount,
	)
	return nil
}

func (s *Service) fail(ctx context.Context, job *domain.Job, cause error, logger *slog.Logger) error {
	if err := job.Fail(cause.Error()); err != nil {
		return err
	}
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	logger.Warn("job failed", "error", cause)
	return nil
}

// Ping checks the underlying store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
