// Package api provides HTTP handlers for the Multiplan API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/artpar/multiplan/internal/core/domain"
	"github.com/artpar/multiplan/internal/core/plan"
	"github.com/artpar/multiplan/internal/shell/api/openapi"
	"github.com/artpar/multiplan/internal/shell/expansion"
	"github.com/artpar/multiplan/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// DefaultMaxBodyBytes limits the size of submitted plans.
const DefaultMaxBodyBytes = 10 << 20

// =============================================================================
// Handler
// =============================================================================

// Handler provides HTTP handlers for the API.
type Handler struct {
	service      *expansion.Service
	notify       func()
	logger       *slog.Logger
	maxBodyBytes int64
	openapi      *openapi.Generator
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithJobNotifier sets a callback invoked after a job is queued or retried,
// typically the job runner's Notify.
func WithJobNotifier(notify func()) HandlerOption {
	return func(h *Handler) {
		h.notify = notify
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler creates a new API handler.
func NewHandler(svc *expansion.Service, l *slog.Logger, opts ...HandlerOption) *Handler {
	if l == nil {
		l = slog.Default()
	}
	h := &Handler{
		service:      svc,
		notify:       func() {},
		logger:       l.With("component", "api"),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.openapi = newOpenAPIGenerator()
	return h
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.jsonContentType)
	r.Use(h.requestIDHeader)

	// Health endpoints
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)

	r.Get("/openapi.json", h.openapi.Handler())

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/expand", h.handleExpand)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.handleCreateJob)
			r.Get("/", h.handleListJobs)
			r.Get("/{id}", h.handleGetJob)
			r.Delete("/{id}", h.handleDeleteJob)
			r.Get("/{id}/result", h.handleGetJobResult)
			r.Post("/{id}/retry", h.handleRetryJob)
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		checks["database"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status: "not_ready",
			Checks: checks,
		})
		return
	}
	checks["database"] = "ok"

	h.writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
		Checks: checks,
	})
}

// =============================================================================
// Expansion Handlers
// =============================================================================

func (h *Handler) handleExpand(w http.ResponseWriter, r *http.Request) {
	in, err := requestFormat(r)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	out := in
	if v := r.URL.Query().Get("output_format"); v != "" {
		if out, err = plan.ParseFormat(v); err != nil {
			h.writeRequestError(w, err)
			return
		}
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	result, err := h.service.ExpandPayload(r.Context(), body, in, out)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType(out))
	w.Header().Set("X-Node-Count", strconv.Itoa(result.NodeCount))
	w.Header().Set("X-Instance-Count", strconv.Itoa(result.InstanceCount))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Output); err != nil {
		h.logger.Error("failed to write expanded plan", "error", err)
	}
}

// =============================================================================
// Job Handlers
// =============================================================================

func (h *Handler) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	format, err := requestFormat(r)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	job, err := h.service.Submit(r.Context(), body, format)
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	h.notify()

	w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
	h.writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := store.DefaultListOptions()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	opts = opts.Normalize()

	status := domain.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		h.writeError(w, http.StatusBadRequest, "unknown job status: "+string(status), "validation_error")
		return
	}

	jobs, err := h.service.List(r.Context(), status, opts)
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list jobs", "internal_error")
		return
	}
	total, err := h.service.Count(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to count jobs", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list jobs", "internal_error")
		return
	}

	resp := ListJobsResponse{
		Jobs:   make([]JobResponse, 0, len(jobs)),
		Total:  total,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToResponse(&jobs[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeRequestError(w, err)
		return
	}

	result, err := job.Output()
	if err != nil {
		if job.Status == domain.JobStatusFailed {
			h.writeError(w, http.StatusConflict, job.ErrorMessage, "job_failed")
			return
		}
		h.writeRequestError(w, err)
		return
	}

	format, err := plan.ParseFormat(job.Format)
	if err != nil {
		format = plan.FormatJSON
	}
	w.Header().Set("Content-Type", contentType(format))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result); err != nil {
		h.logger.Error("failed to write job result", "job_id", job.ID, "error", err)
	}
}

func (h *Handler) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeRequestError(w, err)
		return
	}
	h.notify()

	h.writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

func (h *Handler) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeRequestError(w, err)
		return
	}

	h.logger.Info("job deleted", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

// requestFormat picks the payload format from ?format= or the Content-Type.
func requestFormat(r *http.Request) (plan.Format, error) {
	if v := r.URL.Query().Get("format"); v != "" {
		return plan.ParseFormat(v)
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return plan.FormatJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", errors.Join(plan.ErrUnsupportedFormat, err)
	}
	return plan.ParseFormat(mediaType)
}

func contentType(f plan.Format) string {
	if f == plan.FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "payload_too_large")
			return nil, false
		}
		h.writeError(w, http.StatusBadRequest, "failed to read request body", "validation_error")
		return nil, false
	}
	return body, true
}

// writeRequestError maps service, plan and store errors to HTTP responses.
func (h *Handler) writeRequestError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var nodeErr *plan.NodeError
	if errors.As(err, &nodeErr) {
		resp.NodeID = nodeErr.NodeID
		resp.Field = nodeErr.Field
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, plan.ErrUnresolvedHostReference):
		status, resp.Code = http.StatusUnprocessableEntity, "unresolved_host_reference"
	case errors.Is(err, plan.ErrMalformedNode):
		status, resp.Code = http.StatusUnprocessableEntity, "malformed_node"
	case errors.Is(err, plan.ErrTooManyInstances):
		status, resp.Code = http.StatusUnprocessableEntity, "too_many_instances"
	case errors.Is(err, plan.ErrInvalidPayload):
		status, resp.Code = http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, plan.ErrUnsupportedFormat):
		status, resp.Code = http.StatusUnsupportedMediaType, "unsupported_format"
	case errors.Is(err, domain.ErrEmptyPayload):
		status, resp.Code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, store.ErrNotFound):
		status, resp.Code = http.StatusNotFound, "job_not_found"
		resp.Error = "job not found"
	case errors.Is(err, domain.ErrInvalidTransition):
		status, resp.Code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrJobNotFinished):
		status, resp.Code = http.StatusConflict, "job_not_finished"
	case errors.Is(err, store.ErrConflict):
		status, resp.Code = http.StatusConflict, "conflict"
	default:
		h.logger.Error("request failed", "error", err)
		resp.Code = "internal_error"
		resp.Error = "internal error"
	}

	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func jobToResponse(j *domain.Job) JobResponse {
	resp := JobResponse{
		ID:            j.ID,
		Status:        string(j.Status),
		Format:        j.Format,
		NodeCount:     j.NodeCount,
		InstanceCount: j.InstanceCount,
		Attempts:      j.Attempts,
		ErrorMessage:  j.ErrorMessage,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
	if j.Status == domain.JobStatusSucceeded {
		resp.ResultURL = "/api/v1/jobs/" + j.ID + "/result"
	}
	return resp
}
