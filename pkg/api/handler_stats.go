package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// connectionStatsHandler handles GET /ws/connections/stats. Admin only:
// session counts per transport and per job for this API process.
func (s *Server) connectionStatsHandler(c *echo.Context) error {
	subject, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if !subject.Admin {
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}
	return c.JSON(http.StatusOK, s.sessions.Stats())
}
