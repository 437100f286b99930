package models

import (
	"time"

	"github.com/google/uuid"
)

// Intervention is a human directive applied to one or more workers.
// Priority is clamped to [1,10]; every intervention is appended to the
// session's intervention history regardless of delivery outcome.
type Intervention struct {
	ID               string            `json:"id"`
	Kind             InterventionKind  `json:"kind"`
	Scope            InterventionScope `json:"scope"`
	TargetID         string            `json:"target_id,omitempty"`
	TargetIDs        []string          `json:"target_ids,omitempty"`
	Payload          map[string]any    `json:"payload,omitempty"`
	Reason           string            `json:"reason,omitempty"`
	Priority         int               `json:"priority"`
	Timestamp        time.Time         `json:"timestamp"`
	BroadcastToRelay bool              `json:"broadcast_to_relay"`
}

// NewIntervention constructs an intervention with defaults applied:
// priority 5 when unset, broadcast_to_relay true.
func NewIntervention(kind InterventionKind, scope InterventionScope) *Intervention {
	return &Intervention{
		ID:               uuid.New().String(),
		Kind:             kind,
		Scope:            scope,
		Priority:         5,
		Timestamp:        time.Now(),
		BroadcastToRelay: true,
	}
}

// ClampPriority forces priority into [1,10].
func (iv *Intervention) ClampPriority() {
	if iv.Priority < 1 {
		iv.Priority = 1
	}
	if iv.Priority > 10 {
		iv.Priority = 10
	}
}

// Importance derives relay-message importance from intervention priority:
// min(1.0, priority/10 + 0.3).
func (iv *Intervention) Importance() float64 {
	imp := float64(iv.Priority)/10 + 0.3
	if imp > 1 {
		imp = 1
	}
	return imp
}

// Targets resolves the worker ids the intervention addresses. Empty means
// all registered workers.
func (iv *Intervention) Targets() []string {
	switch iv.Scope {
	case ScopeSingle:
		if iv.TargetID == "" {
			return nil
		}
		return []string{iv.TargetID}
	case ScopeSelected:
		return iv.TargetIDs
	default:
		return nil
	}
}
