package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/services"
	"github.com/forgecad/pulse/pkg/stream"
)

// streamProgressHandler handles GET /api/v1/jobs/:id/progress/stream: the
// event-stream subscription. Authorize, snapshot, replay from Last-Event-ID,
// then live until the job reaches a terminal status or the client leaves.
func (s *Server) streamProgressHandler(c *echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	subject, err := s.authenticate(c)
	if err != nil {
		return err
	}
	row, err := s.jobs.AuthorizeForJob(c.Request().Context(), subject, jobID)
	if err != nil {
		return mapServiceError(err)
	}
	if !s.limiter.Allow(subject.ID, jobID) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many subscription attempts")
	}

	filter, err := parseFilter(c)
	if err != nil {
		return err
	}
	cursor, err := parseCursor(c)
	if err != nil {
		return err
	}

	sess := stream.NewSession(jobID, subject.ID, stream.TransportSSE, filter)

	// The streamer owns the response from here; transport failures after the
	// headers are written cannot become HTTP errors.
	if err := s.sse.Stream(c.Request().Context(), c.Response(), sess, snapshotStatus(row), cursor); err != nil {
		slog.Debug("Event stream ended", "session_id", sess.ID, "job_id", jobID, "error", err)
	}
	return nil
}

// getProgressHandler handles GET /api/v1/jobs/:id/progress: the snapshot
// fallback. Clients whose replay window was evicted reconcile here.
func (s *Server) getProgressHandler(c *echo.Context) error {
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}
	subject, err := s.authenticate(c)
	if err != nil {
		return err
	}
	row, err := s.jobs.AuthorizeForJob(c.Request().Context(), subject, jobID)
	if err != nil {
		return mapServiceError(err)
	}

	resp := &ProgressSnapshotResponse{Job: services.Snapshot(row)}

	count, err := parseRecentCount(c)
	if err != nil {
		return err
	}
	if count > 0 {
		recent, err := s.source.Recent(c.Request().Context(), jobID, count)
		if err != nil {
			// The snapshot itself is authoritative; the recent window is
			// best-effort.
			slog.Warn("Recent events unavailable for snapshot", "job_id", jobID, "error", err)
		} else {
			resp.Recent = recent
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// snapshotStatus projects a job row into the stream's initial status frame.
func snapshotStatus(row *ent.Job) stream.JobStatus {
	return stream.JobStatus{
		Status: string(row.Status),
		Pct:    float64(row.Progress),
	}
}
