package session

import (
	"context"
	"fmt"
	"time"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// materializeEvent translates one stream event into its durable record.
// Event kinds without a persisted form are ignored.
func (m *Manager) materializeEvent(ctx context.Context, sessionID string, e agui.Event) error {
	switch e.Type {
	case agui.EventAgentSpawned:
		var d agui.AgentSpawnedData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		now := time.Now()
		return m.repo.CreateAgent(ctx, &models.AgentRecord{
			ID:        d.AgentID,
			SessionID: sessionID,
			RoleName:  d.RoleName,
			Status:    models.WorkerPending,
			CreatedAt: now,
			UpdatedAt: now,
		})

	case agui.EventAgentStatusChanged:
		var d agui.AgentStatusChangedData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		return m.updateAgent(ctx, sessionID, d.AgentID, func(rec *models.AgentRecord) {
			rec.Status = models.WorkerStatus(d.NewStatus)
			rec.Error = d.Error
		})

	case agui.EventAgentProgress:
		var d agui.AgentProgressData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		return m.updateAgent(ctx, sessionID, d.AgentID, func(rec *models.AgentRecord) {
			rec.Progress = d.Progress
		})

	case agui.EventRelayStationOpened:
		var d agui.RelayStationOpenedData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		now := time.Now()
		return m.repo.CreateStation(ctx, sessionID, &models.Station{
			ID:           d.StationID,
			Name:         d.StationName,
			Phase:        d.Phase,
			Participants: d.Participants,
			IsActive:     true,
			StartedAt:    &now,
		})

	case agui.EventRelayMessageSent:
		var d agui.RelayMessageSentData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		return m.repo.CreateRelayMessage(ctx, sessionID, "", &models.RelayMessage{
			ID:             d.MessageID,
			Kind:           models.RelayKind(d.RelayType),
			SourceWorkerID: d.SourceAgentID,
			SourceName:     d.SourceName,
			TargetIDs:      d.TargetAgentIDs,
			Content:        d.Content,
			Importance:     d.Importance,
			Timestamp:      e.Timestamp,
		})

	case agui.EventInterventionApplied:
		var d agui.InterventionData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		return m.repo.CreateIntervention(ctx, sessionID, &models.Intervention{
			ID:        d.InterventionID,
			Kind:      models.InterventionKind(d.Kind),
			Scope:     models.InterventionScope(d.Scope),
			TargetIDs: d.TargetAgentIDs,
			Reason:    d.Reason,
			Priority:  d.Priority,
			Timestamp: e.Timestamp,
		})

	case agui.EventTextMessageStart:
		var d agui.TextMessageStartData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		return m.repo.CreateMessage(ctx, &models.MessageRecord{
			ID:        d.MessageID,
			SessionID: sessionID,
			Role:      d.Role,
			CreatedAt: time.Now(),
		})

	case agui.EventTextMessageContent:
		var d agui.TextMessageContentData
		if err := e.DecodeData(&d); err != nil {
			return err
		}
		return m.repo.AppendMessageContent(ctx, d.MessageID, d.Delta)

	case agui.EventRunFinished:
		return m.updateSessionStatus(ctx, sessionID, models.SessionCompleted)

	case agui.EventRunError:
		return m.updateSessionStatus(ctx, sessionID, models.SessionError)
	}

	return nil
}

func (m *Manager) updateAgent(ctx context.Context, sessionID, agentID string, apply func(*models.AgentRecord)) error {
	agents, err := m.repo.ListAgents(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, rec := range agents {
		if rec.ID == agentID {
			apply(rec)
			rec.UpdatedAt = time.Now()
			return m.repo.UpdateAgent(ctx, rec)
		}
	}
	return fmt.Errorf("agent %s: %w", agentID, storage.ErrNotFound)
}

func (m *Manager) updateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	rec, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	rec.Status = status
	now := time.Now()
	rec.LastActiveAt = now
	if status == models.SessionCompleted {
		rec.CompletedAt = &now
	}
	return m.repo.UpdateSession(ctx, rec)
}
