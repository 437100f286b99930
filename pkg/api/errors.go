package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/emergentworks/swarmd/pkg/orchestrator"
	"github.com/emergentworks/swarmd/pkg/session"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// mapServiceError maps service-layer errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if errors.Is(err, orchestrator.ErrWorkerNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "worker not found")
	}
	if errors.Is(err, session.ErrSessionExpired) {
		return echo.NewHTTPError(http.StatusGone, "session expired")
	}
	if errors.Is(err, session.ErrMaxSessions) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "session limit reached")
	}

	slog.Error("unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
