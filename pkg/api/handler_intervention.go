package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/emergentworks/swarmd/pkg/models"
)

// interventionHandler handles POST /intervention, dispatching a human
// control action onto a worker of a running session.
func (s *Server) interventionHandler(c *echo.Context) error {
	var req InterventionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	master, err := s.mgr.GetOrCreateMaster(c.Request().Context(), req.SessionID)
	if err != nil {
		return mapServiceError(err)
	}

	broadcast := req.BroadcastTo()
	var msgs []*models.RelayMessage
	switch models.InterventionKind(req.Type) {
	case models.InterventionPause:
		msgs, err = master.PauseWorker(req.AgentID, req.Reason, req.Priority, broadcast)
	case models.InterventionResume:
		msgs, err = master.ResumeWorker(req.AgentID, req.Reason, req.Priority, broadcast)
	case models.InterventionCancel:
		msgs, err = master.CancelWorker(req.AgentID, req.Reason, req.Priority, broadcast)
	case models.InterventionRestart:
		msgs, err = master.RestartWorker(req.AgentID, req.Reason, req.Priority, broadcast)
	case models.InterventionInject:
		information, _ := req.Payload["information"].(string)
		switch {
		case req.AgentID != "":
			msgs, err = master.InjectToWorker(req.AgentID, information, req.Reason, req.Priority, broadcast)
		case len(req.AgentIDs) > 0:
			msgs, err = forEachTarget(req.AgentIDs, func(id string) ([]*models.RelayMessage, error) {
				return master.InjectToWorker(id, information, req.Reason, req.Priority, broadcast)
			})
		default:
			msgs = master.BroadcastToAll(information, req.Reason, req.Priority, req.ForceAll())
		}
	case models.InterventionAdjust:
		adjustments, _ := req.Payload["adjustments"].(map[string]any)
		if req.AgentID != "" {
			msgs, err = master.AdjustWorker(req.AgentID, adjustments, req.Reason, req.Priority, broadcast)
		} else {
			msgs, err = forEachTarget(req.AgentIDs, func(id string) ([]*models.RelayMessage, error) {
				return master.AdjustWorker(id, adjustments, req.Reason, req.Priority, broadcast)
			})
		}
	case models.InterventionBroadcast:
		message, _ := req.Payload["message"].(string)
		msgs = master.BroadcastToAll(message, req.Reason, req.Priority, req.ForceAll())
	}
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, InterventionResponse{Status: "applied", RelayMessages: msgs})
}

// forEachTarget applies one intervention per selected worker, collecting
// the relay messages. The first failing worker aborts the batch.
func forEachTarget(ids []string, apply func(id string) ([]*models.RelayMessage, error)) ([]*models.RelayMessage, error) {
	var msgs []*models.RelayMessage
	for _, id := range ids {
		out, err := apply(id)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, out...)
	}
	return msgs, nil
}

// broadcastHandler handles POST /intervention/broadcast: a relay-wide
// announcement to every running worker.
func (s *Server) broadcastHandler(c *echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	master, err := s.mgr.GetOrCreateMaster(c.Request().Context(), req.SessionID)
	if err != nil {
		return mapServiceError(err)
	}

	msgs := master.BroadcastToAll(req.Message, req.Reason, req.Priority, req.ForceAction)
	return c.JSON(http.StatusOK, InterventionResponse{Status: "applied", RelayMessages: msgs})
}

// relayHistoryHandler handles GET /relay/:id/history.
func (s *Server) relayHistoryHandler(c *echo.Context) error {
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

// relayMessageHandler handles GET /relay/:id/message/:mid.
func (s *Server) relayMessageHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	messageID := c.Param("mid")

	if master, ok := s.mgr.LiveMaster(sessionID); ok {
		if msg, found := master.Coordinator().GetMessage(messageID); found {
			return c.JSON(http.StatusOK, msg)
		}
		return echo.NewHTTPError(http.StatusNotFound, "relay message not found")
	}

	msgs, err := s.relayHistory(c, sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	for _, msg := range msgs {
		if msg.ID == messageID {
			return c.JSON(http.StatusOK, msg)
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "relay message not found")
}

// relayInterventionsHandler handles GET /relay/:id/interventions.
func (s *Server) relayInterventionsHandler(c *echo.Context) error {
	return s.sessionInterventionsHandler(c)
}
