package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/forgecad/pulse/pkg/stream"
)

// wsProgressHandler handles GET /ws/jobs/:id/progress: upgrades to a
// push-socket and streams until the job finishes or the client unsubscribes.
// Authorization and rate limiting happen before the upgrade so rejections
// surface as plain HTTP status codes.
func (s *Server) wsProgressHandler(c *echo.Context) error {
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

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin validation is delegated to the fronting proxy; the credential
		// check above is what gates access.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	sess := stream.NewSession(jobID, subject.ID, stream.TransportWebSocket, filter)

	// Stream blocks until the socket closes; it owns the orderly close on
	// terminal status.
	if err := s.ws.Stream(c.Request().Context(), conn, sess, snapshotStatus(row), cursor); err != nil {
		slog.Debug("Push socket ended", "session_id", sess.ID, "job_id", jobID, "error", err)
	}
	return nil
}
