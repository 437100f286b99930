// Package models defines the domain types shared across the orchestration
// engine: sessions, workers, emergent roles, relay messages, stations and
// human interventions.
package models

// WorkerStatus is the lifecycle state of a worker agent.
type WorkerStatus string

const (
	WorkerPending      WorkerStatus = "pending"
	WorkerPlanning     WorkerStatus = "planning"
	WorkerRunning      WorkerStatus = "running"
	WorkerWaitingRelay WorkerStatus = "waiting_relay"
	WorkerRelaying     WorkerStatus = "relaying"
	WorkerCompleted    WorkerStatus = "completed"
	WorkerFailed       WorkerStatus = "failed"
	WorkerPaused       WorkerStatus = "paused"
	WorkerCancelled    WorkerStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s WorkerStatus) IsTerminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerCancelled:
		return true
	}
	return false
}

// RelayKind classifies a relay message.
type RelayKind string

const (
	RelayDiscovery         RelayKind = "discovery"
	RelayInsight           RelayKind = "insight"
	RelayAlignmentRequest  RelayKind = "alignment_request"
	RelayAlignmentResponse RelayKind = "alignment_response"
	RelayAlignment         RelayKind = "alignment"
	RelaySuggestion        RelayKind = "suggestion"
	RelayQuestion          RelayKind = "question"
	RelayConfirmation      RelayKind = "confirmation"
	RelayCheckpoint        RelayKind = "checkpoint"
	RelayCorrection        RelayKind = "correction"
	RelayCompletion        RelayKind = "completion"
	RelayHumanIntervention RelayKind = "human_intervention"
)

// InterventionKind is the action a human intervention requests.
type InterventionKind string

const (
	InterventionPause     InterventionKind = "pause"
	InterventionResume    InterventionKind = "resume"
	InterventionRestart   InterventionKind = "restart"
	InterventionAdjust    InterventionKind = "adjust"
	InterventionInject    InterventionKind = "inject"
	InterventionCancel    InterventionKind = "cancel"
	InterventionBroadcast InterventionKind = "broadcast"
)

// InterventionScope selects which workers an intervention reaches.
// ScopeAll force-applies the intervention; ScopeBroadcast only notifies.
type InterventionScope string

const (
	ScopeSingle    InterventionScope = "single"
	ScopeSelected  InterventionScope = "selected"
	ScopeAll       InterventionScope = "all"
	ScopeBroadcast InterventionScope = "broadcast"
)

// SessionMode selects the orchestration strategy for a session.
type SessionMode string

const (
	ModeEmergent SessionMode = "emergent"
	ModeDirect   SessionMode = "direct"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionExpired   SessionStatus = "expired"
	SessionError     SessionStatus = "error"
)

// IsTerminal reports whether a session can accept a followup task.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionExpired, SessionError:
		return true
	}
	return false
}
