package orchestrator

import (
	"errors"
	"fmt"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/worker"
)

// ErrWorkerNotFound is returned when an intervention targets an unknown
// worker id.
var ErrWorkerNotFound = errors.New("worker not found")

func (m *Master) findWorker(workerID string) (*worker.Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	return rt, nil
}

// PauseWorker raises the worker's pause flag and broadcasts the
// intervention to the relay when asked.
func (m *Master) PauseWorker(workerID, reason string, priority int, broadcast bool) ([]*models.RelayMessage, error) {
	rt, err := m.findWorker(workerID)
	if err != nil {
		return nil, err
	}
	rt.Pause()
	return m.applyIntervention(models.InterventionPause, models.ScopeSingle, workerID, nil, reason, priority, broadcast), nil
}

// ResumeWorker clears the pause flag.
func (m *Master) ResumeWorker(workerID, reason string, priority int, broadcast bool) ([]*models.RelayMessage, error) {
	rt, err := m.findWorker(workerID)
	if err != nil {
		return nil, err
	}
	rt.Resume()
	return m.applyIntervention(models.InterventionResume, models.ScopeSingle, workerID, nil, reason, priority, broadcast), nil
}

// CancelWorker aborts the worker before its next iteration.
func (m *Master) CancelWorker(workerID, reason string, priority int, broadcast bool) ([]*models.RelayMessage, error) {
	rt, err := m.findWorker(workerID)
	if err != nil {
		return nil, err
	}
	rt.Cancel()
	return m.applyIntervention(models.InterventionCancel, models.ScopeSingle, workerID, nil, reason, priority, broadcast), nil
}

// RestartWorker directs a running worker to start its task over: its
// progress milestones reset and a restart directive is force-fed into
// its context.
func (m *Master) RestartWorker(workerID, reason string, priority int, broadcast bool) ([]*models.RelayMessage, error) {
	rt, err := m.findWorker(workerID)
	if err != nil {
		return nil, err
	}
	if rt.State().Status.IsTerminal() {
		return nil, fmt.Errorf("worker %s already terminal", workerID)
	}
	m.trigger.Reset(workerID)
	rt.InjectInformation("请放弃当前思路,重新开始你的任务。原因: " + reason)
	rt.Resume()
	return m.applyIntervention(models.InterventionRestart, models.ScopeSingle, workerID, nil, reason, priority, broadcast), nil
}

// InjectToWorker force-feeds information into the target worker's
// context and, when broadcast is set, also notifies it through the
// intervention path.
func (m *Master) InjectToWorker(workerID, information, reason string, priority int, broadcast bool) ([]*models.RelayMessage, error) {
	rt, err := m.findWorker(workerID)
	if err != nil {
		return nil, err
	}
	rt.InjectInformation(information)
	payload := map[string]any{"information": information}
	return m.applyIntervention(models.InterventionInject, models.ScopeSingle, workerID, payload, reason, priority, broadcast), nil
}

// AdjustWorker packages direction adjustments as an intervention for the
// target worker.
func (m *Master) AdjustWorker(workerID string, adjustments map[string]any, reason string, priority int, broadcast bool) ([]*models.RelayMessage, error) {
	if _, err := m.findWorker(workerID); err != nil {
		return nil, err
	}
	payload := map[string]any{"adjustments": adjustments}
	return m.applyIntervention(models.InterventionAdjust, models.ScopeSingle, workerID, payload, reason, priority, broadcast), nil
}

// BroadcastToAll sends a human message to every worker. forceAction
// upgrades the scope to all, which force-ingests the message into each
// worker's context instead of notify-only delivery.
func (m *Master) BroadcastToAll(message, reason string, priority int, forceAction bool) []*models.RelayMessage {
	scope := models.ScopeBroadcast
	if forceAction {
		scope = models.ScopeAll
	}
	payload := map[string]any{"information": message, "message": message}
	return m.applyIntervention(models.InterventionInject, scope, "", payload, reason, priority, true)
}

// applyIntervention records the intervention, broadcasts it when asked
// and mirrors it onto the event stream.
func (m *Master) applyIntervention(kind models.InterventionKind, scope models.InterventionScope,
	targetID string, payload map[string]any, reason string, priority int, broadcast bool) []*models.RelayMessage {

	iv := models.NewIntervention(kind, scope)
	iv.TargetID = targetID
	iv.Payload = payload
	iv.Reason = reason
	if priority > 0 {
		iv.Priority = priority
	}
	iv.ClampPriority()
	iv.BroadcastToRelay = broadcast

	var msgs []*models.RelayMessage
	if broadcast {
		for _, rm := range m.coord.BroadcastIntervention(iv) {
			msgs = append(msgs, rm.Clone())
		}
	} else {
		m.coord.RecordIntervention(iv)
	}

	m.emit(agui.New(agui.EventInterventionApplied, agui.InterventionData{
		InterventionID: iv.ID,
		Kind:           string(iv.Kind),
		Scope:          string(iv.Scope),
		TargetAgentIDs: iv.Targets(),
		Reason:         iv.Reason,
		Priority:       iv.Priority,
	}))
	return msgs
}
