package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/stream"
)

// maxRecentCount caps the include_recent window on the snapshot endpoint.
const maxRecentCount = 100

// defaultRecentCount is used when include_recent is a bare boolean.
const defaultRecentCount = 10

// parseJobID reads the :id path parameter.
func parseJobID(c *echo.Context) (int64, error) {
	raw := c.Param("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	return id, nil
}

// parseFilter builds the session filter from the filter_types and
// milestones_only query parameters. Unknown event types fail the request;
// silently ignoring them would hand the client a stream it did not ask for.
func parseFilter(c *echo.Context) (stream.Filter, error) {
	var f stream.Filter

	if v := c.QueryParam("filter_types"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			t := progress.EventType(strings.TrimSpace(raw))
			if !progress.KnownEventType(t) {
				return stream.Filter{}, echo.NewHTTPError(http.StatusBadRequest, "unknown event type: "+string(t))
			}
			f.Types = append(f.Types, t)
		}
	}

	if v := c.QueryParam("milestones_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return stream.Filter{}, echo.NewHTTPError(http.StatusBadRequest, "invalid milestones_only: must be a boolean")
		}
		f.MilestonesOnly = b
	}

	return f, nil
}

// parseCursor reads the resume cursor: the Last-Event-ID header (standard
// event-stream reconnection) or the last_event_id query parameter (push-socket
// clients). Absent means no replay.
func parseCursor(c *echo.Context) (int64, error) {
	raw := c.Request().Header.Get("Last-Event-ID")
	if raw == "" {
		raw = c.QueryParam("last_event_id")
	}
	if raw == "" {
		return stream.NoCursor, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid resume cursor")
	}
	return cursor, nil
}

// parseRecentCount reads include_recent: absent means none, a boolean means
// the default window, an integer is an explicit count (capped).
func parseRecentCount(c *echo.Context) (int, error) {
	v := c.QueryParam("include_recent")
	if v == "" {
		return 0, nil
	}
	if b, err := strconv.ParseBool(v); err == nil {
		if b {
			return defaultRecentCount, nil
		}
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid include_recent")
	}
	if n > maxRecentCount {
		n = maxRecentCount
	}
	return n, nil
}
