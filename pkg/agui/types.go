// Package agui defines the wire event model for the orchestration stream:
// run lifecycle, streamed text, tool calls, agent lifecycle, relay traffic,
// interventions and session bookkeeping, plus the SSE framing used to
// deliver them.
package agui

// Run lifecycle event types.
const (
	EventRunStarted  = "RUN_STARTED"
	EventRunFinished = "RUN_FINISHED"
	EventRunError    = "RUN_ERROR"
)

// Streamed text event types. A TEXT_MESSAGE_START opens a message id,
// CONTENT frames carry deltas, END closes it.
const (
	EventTextMessageStart   = "TEXT_MESSAGE_START"
	EventTextMessageContent = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     = "TEXT_MESSAGE_END"
)

// Tool call event types.
const (
	EventToolCallStart  = "TOOL_CALL_START"
	EventToolCallArgs   = "TOOL_CALL_ARGS"
	EventToolCallEnd    = "TOOL_CALL_END"
	EventToolCallResult = "TOOL_CALL_RESULT"
)

// State event types.
const (
	EventStateSnapshot = "STATE_SNAPSHOT"
	EventStateDelta    = "STATE_DELTA"
)

// Agent lifecycle event types.
const (
	EventAgentSpawned       = "AGENT_SPAWNED"
	EventAgentStatusChanged = "AGENT_STATUS_CHANGED"
	EventAgentProgress      = "AGENT_PROGRESS"
	EventAgentThinking      = "AGENT_THINKING"
)

// Relay event types.
const (
	EventRelayStationOpened = "RELAY_STATION_OPENED"
	EventRelayMessageSent   = "RELAY_MESSAGE_SENT"
	EventRelayStationClosed = "RELAY_STATION_CLOSED"
)

// Planning event types.
const (
	EventPlanGenerated = "PLAN_GENERATED"
	EventRoleEmerged   = "ROLE_EMERGED"
)

// Intervention event types.
const (
	EventInterventionRequested = "INTERVENTION_REQUESTED"
	EventInterventionApplied   = "INTERVENTION_APPLIED"
	EventInterventionBroadcast = "INTERVENTION_BROADCAST"
)

// Session event types.
const (
	EventSessionCreated      = "SESSION_CREATED"
	EventSessionStateChanged = "SESSION_STATE_CHANGED"
	EventHeartbeat           = "HEARTBEAT"
)

// CriticalTypes lists the event types the session manager persists
// synchronously before fan-out, so the durable record never lags a
// client-visible status transition.
var CriticalTypes = map[string]bool{
	EventAgentSpawned:       true,
	EventAgentStatusChanged: true,
	EventPlanGenerated:      true,
	EventRelayStationOpened: true,
	EventRelayMessageSent:   true,
	EventRunFinished:        true,
	EventRunError:           true,
}
