package api

import "time"

// =============================================================================
// Response Types
// =============================================================================

// JobResponse is the response for job operations.
type JobResponse struct {
	ID            string     `json:"id"`
	Status        string     `json:"status"`
	Format        string     `json:"format"`
	NodeCount     int        `json:"node_count"`
	InstanceCount int        `json:"instance_count"`
	Attempts      int        `json:"attempts"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ResultURL     string     `json:"result_url,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ListJobsResponse is the response for listing jobs.
type ListJobsResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Total  int           `json:"total"` // matching jobs across all pages
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ErrorResponse is the error response format. NodeID and Field locate the
// offending node when a plan is rejected.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	NodeID string `json:"node_id,omitempty"`
	Field  string `json:"field,omitempty"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the readiness check response.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
