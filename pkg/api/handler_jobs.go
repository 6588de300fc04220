package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgecad/pulse/pkg/lifecycle"
	"github.com/forgecad/pulse/pkg/services"
)

// createJobHandler handles POST /api/v1/jobs: creates a job owned by the
// authenticated subject and enqueues it.
func (s *Server) createJobHandler(c *echo.Context) error {
	subject, err := s.authenticate(c)
	if err != nil {
		return err
	}

	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	row, err := s.lifecycle.Create(c.Request().Context(), lifecycle.CreateSpec{
		OwnerID:        subject.ID,
		JobType:        req.JobType,
		Priority:       req.Priority,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return mapServiceError(err)
	}

	if err := s.lifecycle.Enqueue(c.Request().Context(), row.ID, "default", "", subject.ID); err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusCreated, &JobCreatedResponse{
		Job:     services.Snapshot(row),
		Message: "Job queued",
	})
}

// cancelJobHandler handles POST /api/v1/jobs/:id/cancel. The lifecycle
// transition is the source of truth; cancelling the in-flight execution on
// this pod is best-effort (the job may be running elsewhere, where orphan
// recovery or the runner's own status check picks the cancellation up).
func (s *Server) cancelJobHandler(c *echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	subject, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if _, err := s.jobs.AuthorizeForJob(c.Request().Context(), subject, jobID); err != nil {
		return mapServiceError(err)
	}

	var req CancelJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := s.lifecycle.Cancel(c.Request().Context(), jobID, req.Reason, "user"); err != nil {
		return mapServiceError(err)
	}

	if s.workerPool != nil {
		s.workerPool.CancelJob(jobID)
	}

	return c.JSON(http.StatusOK, &CancelResponse{
		JobID:   jobID,
		Message: "Job cancellation requested",
	})
}
