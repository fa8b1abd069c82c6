// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Job Errors
// =============================================================================

var (
	ErrEmptyPayload      = errors.New("job payload is empty")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobNotFinished    = errors.New("job has not finished")
)

// =============================================================================
// Job Status
// =============================================================================

// JobStatus represents the lifecycle state of an expansion job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// IsValid checks if the job status is valid.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once the job has a result or an error.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// =============================================================================
// Job
// =============================================================================

// Job is a queued plan expansion. Payload holds the serialized input plan and
// Result the serialized expanded plan, both in Format.
type Job struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	Format        string     `json:"format"`
	Payload       []byte     `json:"-"`
	Result        []byte     `json:"-"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	NodeCount     int        `json:"node_count"`
	InstanceCount int        `json:"instance_count"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// NewJob creates a pending job for the given payload.
func NewJob(payload []byte, format string) (*Job, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if format == "" {
		format = "json"
	}

	now := time.Now().UTC()
	return &Job{
		ID:        GenerateJobID(),
		Status:    JobStatusPending,
		Format:    format,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GenerateJobID returns a new job identifier.
// Pattern: job_{uuid}
func GenerateJobID() string {
	return "job_" + uuid.New().String()
}

// Transition attempts to move the job to a new status.
func (j *Job) Transition(to JobStatus) error {
	if err := ValidateJobTransition(j.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now

	switch to {
	case JobStatusRunning:
		j.StartedAt = &now
		j.Attempts++
	case JobStatusPending:
		// retry or release: drop the previous outcome
		j.ErrorMessage = ""
		j.Result = nil
		j.StartedAt = nil
		j.CompletedAt = nil
	case JobStatusSucceeded, JobStatusFailed:
		j.CompletedAt = &now
	}

	return nil
}

// Succeed records the expanded plan and marks the job succeeded.
func (j *Job) Succeed(result []byte, nodeCount, instanceCount int) error {
	if err := j.Transition(JobStatusSucceeded); err != nil {
		return err
	}
	j.Result = result
	j.NodeCount = nodeCount
	j.InstanceCount = instanceCount
	j.ErrorMessage = ""
	return nil
}

// Fail records the error message and marks the job failed.
func (j *Job) Fail(errorMessage string) error {
	if err := j.Transition(JobStatusFailed); err != nil {
		return err
	}
	j.ErrorMessage = errorMessage
	j.Result = nil
	return nil
}

// Retry moves a failed job back to pending.
func (j *Job) Retry() error {
	if j.Status != JobStatusFailed {
		return ErrInvalidTransition
	}
	return j.Transition(JobStatusPending)
}

// Release returns a claimed job that did not finish to pending, so it can be
// claimed again.
func (j *Job) Release() error {
	if j.Status != JobStatusRunning {
		return ErrInvalidTransition
	}
	return j.Transition(JobStatusPending)
}

// Output returns the expanded plan of a succeeded job.
func (j *Job) Output() ([]byte, error) {
	if j.Status != JobStatusSucceeded {
		return nil, ErrJobNotFinished
	}
	return j.Result, nil
}

// =============================================================================
// State Machine
// =============================================================================

// validJobTransitions defines the allowed state transitions.
var validJobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:   {JobStatusRunning},
	JobStatusRunning:   {JobStatusSucceeded, JobStatusFailed, JobStatusPending}, // pending: released
	JobStatusFailed:    {JobStatusPending},                                      // retry
	JobStatusSucceeded: {},                 // Terminal state
}

// ValidateJobTransition checks if a status transition is valid.
func ValidateJobTransition(from, to JobStatus) error {
	allowed, exists := validJobTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}
