package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/orchestrator"
)

const taskStreamHeartbeat = 15 * time.Second

// taskStreamHandler handles POST /task/stream. The first frame is always
// SESSION_CREATED; the stream then mirrors the run's events and closes
// after RUN_FINISHED or RUN_ERROR. The run itself is detached from the
// request: a dropped connection does not cancel it.
func (s *Server) taskStreamHandler(c *echo.Context) error {
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	rec, followup, err := s.resolveSession(ctx, &req, extractUserID(c))
	if err != nil {
		return mapServiceError(err)
	}

	res, flush := setSSEHeaders(c)
	if err := agui.WriteSSE(res, agui.New(agui.EventSessionCreated, agui.SessionCreatedData{
		SessionID: rec.ID,
		Mode:      string(rec.Mode),
	})); err != nil {
		return nil
	}
	flush.Flush()

	sub := s.mgr.Subscribe(rec.ID)
	defer s.mgr.Unsubscribe(sub)

	task := req.Task
	if req.Context != "" {
		task = req.Context + "\n\n" + task
	}
	go s.runTask(rec, followup, task)

	heartbeat := time.NewTicker(taskStreamHeartbeat)
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
			if e.Type == agui.EventRunFinished || e.Type == agui.EventRunError {
				return nil
			}
		case <-heartbeat.C:
			if err := agui.WriteComment(res, "heartbeat"); err != nil {
				return nil
			}
			flush.Flush()
		}
	}
}

// resolveSession creates a session for a first submission or looks up an
// existing one, reporting whether the run is a followup.
func (s *Server) resolveSession(ctx context.Context, req *TaskRequest, userID string) (*models.SessionRecord, bool, error) {
	if req.SessionID != "" {
		rec, err := s.mgr.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, false, err
		}
		followup := rec.Mode == models.ModeEmergent && rec.Status != models.SessionActive
		return rec, followup, nil
	}

	provider := req.Provider
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	rec, err := s.mgr.CreateSession(ctx, req.Task, models.SessionMode(req.Mode), provider, req.Model, userID)
	return rec, false, err
}

// runTask drives one orchestration run to completion in the background.
func (s *Server) runTask(rec *models.SessionRecord, followup bool, task string) {
	ctx := context.Background()

	if rec.Mode == models.ModeDirect {
		direct, err := s.mgr.GetOrCreateDirect(ctx, rec.ID)
		if err == nil {
			err = direct.ExecuteTask(ctx, task)
		}
		if err != nil {
			s.failRun(ctx, rec.ID, err)
		}
		return
	}

	var (
		master *orchestrator.Master
		opts   orchestrator.ExecuteOptions
		err    error
	)
	if followup {
		master, opts, err = s.mgr.PrepareFollowup(ctx, rec.ID, task)
	} else {
		master, err = s.mgr.GetOrCreateMaster(ctx, rec.ID)
	}
	if err == nil {
		err = master.ExecuteTask(ctx, task, opts)
	}
	if err != nil {
		s.failRun(ctx, rec.ID, err)
		return
	}

	if err := s.mgr.SaveTaskCompletion(ctx, rec.ID); err != nil {
		s.logger.Error("save task completion failed", "session_id", rec.ID, "error", err)
	}
	s.mgr.BroadcastStateChanged(ctx, rec.ID, "completed", map[string]any{
		"task": task,
	})
}

func (s *Server) failRun(ctx context.Context, sessionID string, runErr error) {
	s.logger.Error("task run failed", "session_id", sessionID, "error", runErr)
	if err := s.mgr.MarkError(ctx, sessionID, runErr.Error()); err != nil {
		s.logger.Error("mark error failed", "session_id", sessionID, "error", err)
	}
	s.mgr.BroadcastStateChanged(ctx, sessionID, "error", map[string]any{
		"error": runErr.Error(),
	})
}

// taskSnapshotHandler handles GET /task/:id/stream: one STATE_SNAPSHOT
// frame, then the stream closes.
func (s *Server) taskSnapshotHandler(c *echo.Context) error {
	state, err := s.mgr.LiveState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}

	res, flush := setSSEHeaders(c)
	if err := agui.WriteSSE(res, agui.New(agui.EventStateSnapshot, agui.StateSnapshotData{Snapshot: state})); err != nil {
		return nil
	}
	flush.Flush()
	return nil
}

// taskStateHandler handles GET /task/:id/state.
func (s *Server) taskStateHandler(c *echo.Context) error {
	state, err := s.mgr.LiveState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, state)
}

// setSSEHeaders commits the event-stream response and returns the writer
// with its flush controller.
func setSSEHeaders(c *echo.Context) (http.ResponseWriter, *http.ResponseController) {
	res := c.Response()
	h := res.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	return res, http.NewResponseController(res)
}
