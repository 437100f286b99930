package api

import (
	"fmt"

	"github.com/emergentworks/swarmd/pkg/models"
)

// TaskRequest is the body of POST /task/stream.
type TaskRequest struct {
	Task      string `json:"task"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Context   string `json:"context,omitempty"`
}

// Validate applies defaults and rejects malformed submissions.
func (r *TaskRequest) Validate() error {
	if r.Task == "" {
		return fmt.Errorf("task is required")
	}
	if r.Mode == "" {
		r.Mode = string(models.ModeEmergent)
	}
	switch models.SessionMode(r.Mode) {
	case models.ModeEmergent, models.ModeDirect:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", r.Mode, models.ModeEmergent, models.ModeDirect)
	}
	return nil
}

// InterventionRequest is the body of POST /intervention. Targeting is by
// agent_id (one worker), agent_ids (a selected set) or neither (every
// worker); scope=all upgrades an untargeted inject or broadcast to
// force-apply instead of notify-only.
type InterventionRequest struct {
	SessionID        string         `json:"session_id"`
	Type             string         `json:"intervention_type"`
	Scope            string         `json:"scope,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	AgentIDs         []string       `json:"agent_ids,omitempty"`
	Payload          map[string]any `json:"payload,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Priority         int            `json:"priority,omitempty"`
	BroadcastToRelay *bool          `json:"broadcast_to_relay,omitempty"`
}

// Validate enforces the per-kind targeting and payload requirements.
func (r *InterventionRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	switch models.InterventionScope(r.Scope) {
	case "", models.ScopeSingle, models.ScopeSelected, models.ScopeAll, models.ScopeBroadcast:
	default:
		return fmt.Errorf("invalid scope %q", r.Scope)
	}
	switch models.InterventionKind(r.Type) {
	case models.InterventionPause, models.InterventionResume,
		models.InterventionCancel, models.InterventionRestart:
		if r.AgentID == "" {
			return fmt.Errorf("agent_id is required for %s", r.Type)
		}
	case models.InterventionInject:
		if s, _ := r.Payload["information"].(string); s == "" {
			return fmt.Errorf("payload.information is required for inject")
		}
	case models.InterventionAdjust:
		if r.AgentID == "" && len(r.AgentIDs) == 0 {
			return fmt.Errorf("agent_id or agent_ids is required for adjust")
		}
		if m, _ := r.Payload["adjustments"].(map[string]any); len(m) == 0 {
			return fmt.Errorf("payload.adjustments is required for adjust")
		}
	case models.InterventionBroadcast:
		if s, _ := r.Payload["message"].(string); s == "" {
			return fmt.Errorf("payload.message is required for broadcast")
		}
	default:
		return fmt.Errorf("invalid intervention type %q", r.Type)
	}
	if r.Priority < 0 || r.Priority > 10 {
		return fmt.Errorf("priority must be in [1,10]")
	}
	return nil
}

// BroadcastTo reports whether the intervention should also be announced on
// the relay. Defaults to true.
func (r *InterventionRequest) BroadcastTo() bool {
	if r.BroadcastToRelay == nil {
		return true
	}
	return *r.BroadcastToRelay
}

// ForceAll reports whether an untargeted intervention should force-apply
// on every worker rather than notify.
func (r *InterventionRequest) ForceAll() bool {
	return models.InterventionScope(r.Scope) == models.ScopeAll
}

// BroadcastRequest is the body of POST /intervention/broadcast.
type BroadcastRequest struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	Reason      string `json:"reason,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	ForceAction bool   `json:"force_action,omitempty"`
}

// Validate rejects empty broadcasts.
func (r *BroadcastRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	if r.Priority < 0 || r.Priority > 10 {
		return fmt.Errorf("priority must be in [1,10]")
	}
	return nil
}
