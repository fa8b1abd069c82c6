package api

import (
	"net/http"

	"github.com/artpar/multiplan/internal/shell/api/openapi"
)

var planContent = []string{"application/json", "application/yaml"}

func newOpenAPIGenerator() *openapi.Generator {
	g := openapi.NewGenerator(openapi.WithErrorModel(ErrorResponse{}))

	g.RegisterRoute(openapi.Route{
		Method:        http.MethodGet,
		Path:          "/health",
		OperationID:   "health",
		Summary:       "Liveness check",
		Tag:           "Health",
		ResponseModel: HealthResponse{},
	})
	g.RegisterRoute(openapi.Route{
		Method:        http.MethodGet,
		Path:          "/ready",
		OperationID:   "ready",
		Summary:       "Readiness check",
		Tag:           "Health",
		ResponseModel: ReadyResponse{},
		Errors:        []int{http.StatusServiceUnavailable},
	})
	g.RegisterRoute(openapi.Route{
		Method:          http.MethodPost,
		Path:            "/api/v1/expand",
		OperationID:     "expandPlan",
		Summary:         "Expand a plan into its multi-instance form",
		Tag:             "Expansion",
		RequestRef:      "Plan",
		RequestContent:  planContent,
		ResponseRef:     "Plan",
		ResponseContent: planContent,
		Query: []openapi.Param{
			{Name: "format", Type: "string", Description: "Payload format: json or yaml"},
			{Name: "output_format", Type: "string", Description: "Response format, defaults to the payload format"},
		},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusRequestEntityTooLarge,
			http.StatusUnsupportedMediaType,
			http.StatusUnprocessableEntity,
		},
	})
	g.RegisterRoute(openapi.Route{
		Method:         http.MethodPost,
		Path:           "/api/v1/jobs",
		OperationID:    "createJob",
		Summary:        "Queue a plan for expansion",
		Tag:            "Jobs",
		RequestRef:     "Plan",
		RequestContent: planContent,
		Status:         http.StatusAccepted,
		ResponseModel:  JobResponse{},
		Query: []openapi.Param{
			{Name: "format", Type: "string", Description: "Payload format: json or yaml"},
		},
		Errors: []int{http.StatusBadRequest, http.StatusUnsupportedMediaType},
	})
	g.RegisterRoute(openapi.Route{
		Method:        http.MethodGet,
		Path:          "/api/v1/jobs",
		OperationID:   "listJobs",
		Summary:       "List jobs",
		Tag:           "Jobs",
		ResponseModel: ListJobsResponse{},
		Query: []openapi.Param{
			{Name: "status", Type: "string", Description: "pending, running, succeeded or failed"},
			{Name: "limit", Type: "integer"},
			{Name: "offset", Type: "integer"},
		},
		Errors: []int{http.StatusBadRequest},
	})
	g.RegisterRoute(openapi.Route{
		Method:        http.MethodGet,
		Path:          "/api/v1/jobs/{id}",
		OperationID:   "getJob",
		Summary:       "Get a job",
		Tag:           "Jobs",
		ResponseModel: JobResponse{},
		Errors:        []int{http.StatusNotFound},
	})
	g.RegisterRoute(openapi.Route{
		Method:      http.MethodDelete,
		Path:        "/api/v1/jobs/{id}",
		OperationID: "deleteJob",
		Summary:     "Delete a job",
		Tag:         "Jobs",
		Status:      http.StatusNoContent,
		Errors:      []int{http.StatusNotFound},
	})
	g.RegisterRoute(openapi.Route{
		Method:          http.MethodGet,
		Path:            "/api/v1/jobs/{id}/result",
		OperationID:     "getJobResult",
		Summary:         "Get the expanded plan of a succeeded job",
		Tag:             "Jobs",
		ResponseRef:     "Plan",
		ResponseContent: planContent,
		Errors:          []int{http.StatusNotFound, http.StatusConflict},
	})
	g.RegisterRoute(openapi.Route{
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/{id}/retry",
		OperationID:   "retryJob",
		Summary:       "Queue a failed job again",
		Tag:           "Jobs",
		Status:        http.StatusAccepted,
		ResponseModel: JobResponse{},
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	})

	return g
}
