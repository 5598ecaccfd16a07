// Package api provides the HTTP server hosting the MCP endpoints, health and
// statistics surfaces, Prometheus metrics, and the event-stream WebSocket.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gpt153/supervisor/pkg/config"
	"github.com/gpt153/supervisor/pkg/database"
	"github.com/gpt153/supervisor/pkg/events"
	"github.com/gpt153/supervisor/pkg/mcp"
	supervisormetrics "github.com/gpt153/supervisor/pkg/metrics"
)

// Server is the HTTP API server.
type Server struct {
	echo        *echo.Echo
	httpServer  *http.Server
	cfg         *config.Config
	dbClient    *database.Client
	mux         *mcp.Multiplexer
	metrics     *supervisormetrics.Metrics
	connManager *events.ConnectionManager
	gatherer    prometheus.Gatherer
}

// NewServer creates a new API server with Echo v5.
func NewServer(
	cfg *config.Config,
	dbClient *database.Client,
	mux *mcp.Multiplexer,
	m *supervisormetrics.Metrics,
	connManager *events.ConnectionManager,
	gatherer prometheus.Gatherer,
) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		cfg:         cfg,
		dbClient:    dbClient,
		mux:         mux,
		metrics:     m,
		connManager: connManager,
		gatherer:    gatherer,
	}

	s.setupRoutes()
	return s
}

// setupRoutes registers all routes.
func (s *Server) setupRoutes() {
	// Server-wide body size limit (2 MB): MCP requests are small; multi-MB
	// payloads are rejected at the HTTP read level before deserialization.
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))

	// Health check
	s.echo.GET("/health", s.healthHandler)

	// MCP endpoints: one logical endpoint per project under /mcp/{project}.
	s.echo.Any("/mcp/*", echo.WrapHandler(s.mux.Handler()))

	// Prometheus metrics
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	// API v1
	v1 := s.echo.Group("/api/v1")
	v1.GET("/stats", s.statsHandler)
	v1.POST("/reload", s.reloadHandler)

	// WebSocket endpoint for real-time event streaming.
	v1.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server on the given address (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
