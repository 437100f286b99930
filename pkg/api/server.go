// Package api exposes the orchestration engine over HTTP: task submission
// with SSE streaming, session directory reads, subscriber streams, human
// interventions and operational endpoints.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emergentworks/swarmd/pkg/config"
	"github.com/emergentworks/swarmd/pkg/session"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// Server is the HTTP front of the session manager.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	mgr    *session.Manager
	repo   storage.Repository
	db     *sql.DB
	logger *slog.Logger

	http *http.Server
}

// NewServer wires the routes. db may be nil when running on the in-memory
// backend; the health endpoint then skips the database probe.
func NewServer(cfg *config.Config, mgr *session.Manager, repo storage.Repository, db *sql.DB, logger *slog.Logger) *Server {
	e := echo.New()
	s := &Server{
		echo:   e,
		cfg:    cfg,
		mgr:    mgr,
		repo:   repo,
		db:     db,
		logger: logger,
	}

	e.Use(securityHeaders())
	e.Use(corsMiddleware(cfg.CORSOrigin))

	e.POST("/task/stream", s.taskStreamHandler)
	e.GET("/task/:id/stream", s.taskSnapshotHandler)
	e.GET("/task/:id/state", s.taskStateHandler)

	e.GET("/sessions", s.listSessionsHandler)
	e.GET("/session/:id", s.getSessionHandler)
	e.DELETE("/session/:id", s.deleteSessionHandler)
	e.GET("/session/:id/agents", s.sessionAgentsHandler)
	e.GET("/session/:id/relay-history", s.sessionRelayHistoryHandler)
	e.GET("/session/:id/interventions", s.sessionInterventionsHandler)
	e.GET("/session/:id/live-state", s.sessionLiveStateHandler)
	e.GET("/session/:id/subscribe", s.subscribeHandler)
	e.GET("/session/:id/subscribers", s.sessionSubscribersHandler)

	e.POST("/intervention", s.interventionHandler)
	e.POST("/intervention/broadcast", s.broadcastHandler)

	e.GET("/relay/:id/history", s.relayHistoryHandler)
	e.GET("/relay/:id/message/:mid", s.relayMessageHandler)
	e.GET("/relay/:id/interventions", s.relayInterventionsHandler)

	e.GET("/health", s.healthHandler)
	e.GET("/stats", s.statsHandler)
	e.GET("/subscribers/stats", s.subscribersStatsHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return s
}

// Handler returns the root handler, for tests driving the server with
// httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
