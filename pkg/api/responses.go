package api

import (
	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/services"
)

// JobCreatedResponse is returned by POST /api/v1/jobs.
type JobCreatedResponse struct {
	Job     services.JobSnapshot `json:"job"`
	Message string               `json:"message"`
}

// CancelResponse is returned by POST /api/v1/jobs/:id/cancel.
type CancelResponse struct {
	JobID   int64  `json:"job_id"`
	Message string `json:"message"`
}

// ProgressSnapshotResponse is returned by GET /api/v1/jobs/:id/progress.
// Recent is newest-first and only present when include_recent was requested.
type ProgressSnapshotResponse struct {
	Job    services.JobSnapshot `json:"job"`
	Recent []*progress.Message  `json:"recent,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's health within HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
