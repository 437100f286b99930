package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// subscribeHeartbeat is a var so tests can shorten it.
var subscribeHeartbeat = 30 * time.Second

// listSessionsHandler handles GET /sessions. The directory is scoped to
// the authenticated user; anonymous callers get an empty list.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	filter := storage.SessionFilter{
		UserID: extractUserID(c),
		Status: models.SessionStatus(c.QueryParam("status")),
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filter.Offset = n
	}

	fromMemory := c.QueryParam("source") != "db"
	sessions, err := s.mgr.ListSessions(c.Request().Context(), filter, fromMemory)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: sessions, Count: len(sessions)})
}

// getSessionHandler handles GET /session/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	rec, err := s.mgr.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// deleteSessionHandler handles DELETE /session/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	if err := s.mgr.DeleteSession(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// sessionAgentsHandler handles GET /session/:id/agents.
func (s *Server) sessionAgentsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.mgr.GetSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	agents, err := s.repo.ListAgents(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sessionID,
		"agents":     agents,
	})
}

// sessionRelayHistoryHandler handles GET /session/:id/relay-history.
func (s *Server) sessionRelayHistoryHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	msgs, err := s.relayHistory(c, sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
		"count":      len(msgs),
	})
}

// sessionInterventionsHandler handles GET /session/:id/interventions.
func (s *Server) sessionInterventionsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if master, ok := s.mgr.LiveMaster(sessionID); ok {
		ivs := master.Coordinator().Interventions()
		return c.JSON(http.StatusOK, map[string]any{
			"session_id":    sessionID,
			"interventions": ivs,
			"count":         len(ivs),
		})
	}
	if _, err := s.mgr.GetSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	ivs, err := s.repo.ListInterventions(c.Request().Context(), sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session_id":    sessionID,
		"interventions": ivs,
		"count":         len(ivs),
	})
}

// sessionLiveStateHandler handles GET /session/:id/live-state.
func (s *Server) sessionLiveStateHandler(c *echo.Context) error {
	state, err := s.mgr.LiveState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// subscribeHandler handles GET /session/:id/subscribe: a long-lived SSE
// feed of everything the session emits, opening with a STATE_SNAPSHOT.
// Unlike the task stream it survives RUN_FINISHED, so a dashboard can
// watch followup rounds on one connection.
func (s *Server) subscribeHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	ctx := c.Request().Context()

	state, err := s.mgr.LiveState(ctx, sessionID)
	if err != nil {
		return mapServiceError(err)
	}

	res, flush := setSSEHeaders(c)
	if err := agui.WriteSSE(res, agui.New(agui.EventStateSnapshot, agui.StateSnapshotData{Snapshot: state})); err != nil {
		return nil
	}
	flush.Flush()

	sub := s.mgr.Subscribe(sessionID)
	defer s.mgr.Unsubscribe(sub)

	heartbeat := time.NewTicker(subscribeHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			if err := agui.WriteSSE(res, e); err != nil {
				return nil
			}
			flush.Flush()
		case <-heartbeat.C:
			if err := agui.WriteSSE(res, agui.New(agui.EventHeartbeat, agui.HeartbeatData{
				SessionID: sessionID,
			})); err != nil {
				return nil
			}
			flush.Flush()
		}
	}
}

// sessionSubscribersHandler handles GET /session/:id/subscribers.
func (s *Server) sessionSubscribersHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.mgr.GetSession(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, SubscribersResponse{
		SessionID: sessionID,
		Count:     s.mgr.SubscriberCounts()[sessionID],
	})
}

// relayHistory prefers the live coordinator and falls back to the
// persisted relay log for sessions no longer in memory.
func (s *Server) relayHistory(c *echo.Context, sessionID string) ([]*models.RelayMessage, error) {
	if master, ok := s.mgr.LiveMaster(sessionID); ok {
		return master.Coordinator().History(), nil
	}
	if _, err := s.mgr.GetSession(c.Request().Context(), sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListRelayMessages(c.Request().Context(), sessionID)
}
