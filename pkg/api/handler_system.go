package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/emergentworks/swarmd/pkg/database"
	"github.com/emergentworks/swarmd/pkg/version"
)

// healthHandler handles GET /health. Degraded database connectivity is
// reported with 503 so load balancers can rotate the instance out.
func (s *Server) healthHandler(c *echo.Context) error {
	body := map[string]any{
		"status":  "healthy",
		"service": "swarmd",
		"version": version.Full(),
		"backend": s.cfg.StorageBackend,
	}
	if s.db == nil {
		return c.JSON(http.StatusOK, body)
	}

	dbHealth, err := database.Health(c.Request().Context(), s.db)
	body["database"] = dbHealth
	if err != nil {
		body["status"] = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}

// statsHandler handles GET /stats.
func (s *Server) statsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.mgr.Stats())
}

// subscribersStatsHandler handles GET /subscribers/stats.
func (s *Server) subscribersStatsHandler(c *echo.Context) error {
	counts := s.mgr.SubscriberCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":         total,
		"per_session":   counts,
		"session_count": len(counts),
	})
}
