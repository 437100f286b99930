// Package worker implements the cooperative per-worker loop: inbox
// consumption, tool-call subloop, streamed conclusion, completion
// gating and self-triggered relay emission.
package worker

import "github.com/emergentworks/swarmd/pkg/models"

// EventKind classifies a worker event for the orchestrator's merge.
type EventKind string

const (
	EventStatus         EventKind = "status"
	EventError          EventKind = "error"
	EventResult         EventKind = "result"
	EventThinking       EventKind = "thinking"
	EventProgress       EventKind = "progress"
	EventToolCallStart  EventKind = "tool_call_start"
	EventToolCallResult EventKind = "tool_call_result"
	EventRelaySent      EventKind = "relay_sent"
)

// Event is one worker-to-orchestrator notification. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind     EventKind
	WorkerID string
	RoleName string

	OldStatus models.WorkerStatus
	NewStatus models.WorkerStatus

	Error  string
	Result string

	Delta     string
	Progress  float64
	Iteration int

	ToolCallID  string
	ToolName    string
	ToolSuccess bool
	ToolSummary string
	ToolPreview string

	Relay *models.RelayMessage
}

// IsPriority reports whether the event must preempt the normal stream.
func (e Event) IsPriority() bool {
	switch e.Kind {
	case EventStatus, EventError, EventResult:
		return true
	}
	return false
}
