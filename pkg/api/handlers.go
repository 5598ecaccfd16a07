package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/metrics"
	"github.com/gpt153/supervisor/pkg/version"
)

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string                  `json:"status"`
	Version       string                  `json:"version"`
	Database      *database.HealthStatus  `json:"database,omitempty"`
	Endpoints     []string                `json:"endpoints,omitempty"`
	Configuration any                     `json:"configuration,omitempty"`
	WSConnections int                     `json:"ws_connections"`
	Error         string                  `json:"error,omitempty"`
}

// StatsResponse is the /api/v1/stats payload.
type StatsResponse struct {
	Endpoints map[string]metrics.EndpointCounters `json:"endpoints"`
	Active    []string                            `json:"active"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.dbClient.Health(reqCtx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:   "unhealthy",
			Version:  version.Full(),
			Database: dbHealth,
			Error:    err.Error(),
		})
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:        "healthy",
		Version:       version.Full(),
		Database:      dbHealth,
		Endpoints:     s.mux.Endpoints(),
		Configuration: s.cfg.Stats(),
		WSConnections: s.connManager.ActiveConnections(),
	})
}

// statsHandler handles GET /api/v1/stats: per-endpoint request counters.
func (s *Server) statsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &StatsResponse{
		Endpoints: s.metrics.EndpointStats(),
		Active:    s.mux.Endpoints(),
	})
}

// reloadHandler handles POST /api/v1/reload: rebuild the project snapshot
// and MCP endpoints from configuration. In-flight requests finish against
// their original snapshot.
func (s *Server) reloadHandler(c *echo.Context) error {
	if err := s.mux.Reload(c.Request().Context()); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"reloaded": false,
			"error":    err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"reloaded":  true,
		"endpoints": s.mux.Endpoints(),
	})
}
