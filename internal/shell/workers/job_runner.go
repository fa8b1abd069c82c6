// Package workers contains background workers for multiplan.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/multiplan/internal/core/domain"
	"github.com/artpar/multiplan/internal/shell/store"
)

// JobExecutor runs a single claimed job to completion.
type JobExecutor interface {
	Run(ctx context.Context, job *domain.Job) error
}

// JobRunnerConfig configures the job runner worker.
type JobRunnerConfig struct {
	// PollInterval is the time between claim cycles.
	// Default: 2 seconds.
	PollInterval time.Duration

	// BatchSize is the maximum number of jobs claimed per cycle.
	// Default: 10.
	BatchSize int

	// MaxConcurrent is the maximum number of jobs executed concurrently.
	// Default: 4.
	MaxConcurrent int

	// JobTimeout bounds the execution of a single job.
	// Default: 30 seconds.
	JobTimeout time.Duration

	// StaleAfter is how long a job may stay running before it is assumed
	// abandoned and requeued.
	// Default: twice JobTimeout.
	StaleAfter time.Duration
}

// releaseTimeout bounds the store writes made for jobs interrupted by Stop.
const releaseTimeout = 5 * time.Second

// DefaultJobRunnerConfig returns the default configuration.
func DefaultJobRunnerConfig() JobRunnerConfig {
	return JobRunnerConfig{
		PollInterval:  2 * time.Second,
		BatchSize:     10,
		MaxConcurrent: 4,
		JobTimeout:    30 * time.Second,
		StaleAfter:    time.Minute,
	}
}

// JobRunner claims pending expansion jobs and executes them.
type JobRunner struct {
	store    store.Store
	executor JobExecutor
	config   JobRunnerConfig
	logger   *slog.Logger

	wake chan struct{}

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobRunner creates a new job runner worker.
func NewJobRunner(s store.Store, executor JobExecutor, config JobRunnerConfig, logger *slog.Logger) *JobRunner {
	defaults := DefaultJobRunnerConfig()
	if config.PollInterval == 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = 2 * config.JobTimeout
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &JobRunner{
		store:    s,
		executor: executor,
		config:   config,
		logger:   logger.With("component", "job_runner"),
		wake:     make(chan struct{}, 1),
	}
}

// Start begins the job runner background goroutine.
func (r *JobRunner) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Info("job runner started",
		"poll_interval", r.config.PollInterval,
		"batch_size", r.config.BatchSize,
		"max_concurrent", r.config.MaxConcurrent,
	)
}

// Stop gracefully stops the job runner.
// Jobs already executing are cancelled and waited for. Claimed jobs that did
// not finish are released back to pending.
func (r *JobRunner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("job runner stopped")
}

// Notify asks the runner to start a cycle without waiting for the next tick.
// It never blocks.
func (r *JobRunner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *JobRunner) run() {
	defer r.wg.Done()

	r.runCycle()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runCycle()
		case <-r.wake:
			r.runCycle()
		}
	}
}

// runCycle requeues stale jobs, then claims one batch of pending jobs and
// executes them. It returns the number of jobs claimed.
func (r *JobRunner) runCycle() int {
	r.requeueStale()

	jobs, err := r.store.ClaimPendingJobs(r.ctx, r.config.BatchSize)
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("failed to claim pending jobs", "error", err)
		}
		return 0
	}

	if len(jobs) == 0 {
		return 0
	}

	r.logger.Debug("starting job cycle", "job_count", len(jobs))

	sem := make(chan struct{}, r.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range jobs {
		job := &jobs[i]

		wg.Add(1)
		go func(j *domain.Job) {
			defer wg.Done()

			select {
			case <-r.ctx.Done():
				r.release(*j)
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			r.runJob(j)
		}(job)
	}

	wg.Wait()
	r.logger.Debug("completed job cycle", "job_count", len(jobs))
	return len(jobs)
}

func (r *JobRunner) runJob(job *domain.Job) {
	claimed := *job

	ctx, cancel := context.WithTimeout(r.ctx, r.config.JobTimeout)
	defer cancel()

	err := r.executor.Run(ctx, job)
	if err == nil {
		return
	}

	switch {
	case r.ctx.Err() != nil:
		r.release(claimed)
	case ctx.Err() != nil:
		r.failTimedOut(claimed)
	default:
		// left running; requeued once stale
		r.logger.Error("job execution failed",
			"job_id", job.ID,
			"attempts", job.Attempts,
			"error", err,
		)
	}
}

// release returns a claimed job to pending.
func (r *JobRunner) release(job domain.Job) {
	if err := job.Release(); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if err := r.store.ReleaseJob(ctx, &job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			r.logger.Debug("job finished before release", "job_id", job.ID)
			return
		}
		r.logger.Error("failed to release job", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Info("job released", "job_id", job.ID)
}

func (r *JobRunner) failTimedOut(job domain.Job) {
	if err := job.Fail(fmt.Sprintf("job did not finish within %s", r.config.JobTimeout)); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, releaseTimeout)
	defer cancel()

	if err := r.store.UpdateJob(ctx, &job); err != nil {
		r.logger.Error("failed to record job timeout", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Warn("job timed out", "job_id", job.ID, "timeout", r.config.JobTimeout)
}

// requeueStale moves jobs abandoned in running, for example by a crashed
// process, back to pending.
func (r *JobRunner) requeueStale() {
	n, err := r.store.RequeueStaleJobs(r.ctx, time.Now().Add(-r.config.StaleAfter))
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("failed to requeue stale jobs", "error", err)
		}
		return
	}
	if n > 0 {
		r.logger.Warn("requeued stale jobs", "job_count", n, "stale_after", r.config.StaleAfter)
	}
}
