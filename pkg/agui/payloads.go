package agui

import (
	"encoding/json"
	"time"
)

// Event is one frame on the orchestration stream. Data is the
// kind-specific payload; it marshals to a single JSON object so frames
// round-trip through encode/decode unchanged.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// New constructs an event stamped with the current time.
func New(eventType string, data any) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}
}

// DecodeData unmarshals the event payload into out. It accepts both
// freshly constructed events (typed Data) and events parsed from the wire
// (Data as map), by round-tripping through JSON.
func (e Event) DecodeData(out any) error {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// RunStartedData opens a run.
type RunStartedData struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// RunFinishedData closes a run.
type RunFinishedData struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
}

// RunErrorData terminates a run with a failure.
type RunErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TextMessageStartData opens a streamed text message.
type TextMessageStartData struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
}

// TextMessageContentData carries one text delta.
type TextMessageContentData struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// TextMessageEndData closes a streamed text message.
type TextMessageEndData struct {
	MessageID string `json:"message_id"`
}

// ToolCallStartData announces a tool invocation.
type ToolCallStartData struct {
	ToolCallID      string `json:"tool_call_id"`
	ToolCallName    string `json:"tool_call_name"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
}

// ToolCallArgsData streams tool argument JSON.
type ToolCallArgsData struct {
	ToolCallID string `json:"tool_call_id"`
	Delta      string `json:"delta"`
}

// ToolCallEndData closes a tool invocation.
type ToolCallEndData struct {
	ToolCallID string `json:"tool_call_id"`
}

// ToolCallResultData reports a tool outcome. ResultPreview is capped at
// 500 characters by the emitter.
type ToolCallResultData struct {
	ToolCallID    string `json:"tool_call_id"`
	Success       bool   `json:"success"`
	Summary       string `json:"summary,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`
	AgentID       string `json:"agent_id,omitempty"`
}

// StateSnapshotData carries a full session state view.
type StateSnapshotData struct {
	Snapshot map[string]any `json:"snapshot"`
}

// AgentSpawnedData announces a new worker with its full role profile.
type AgentSpawnedData struct {
	AgentID        string   `json:"agent_id"`
	RoleName       string   `json:"role_name"`
	Description    string   `json:"description,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	AssignedSkills []string `json:"assigned_skills,omitempty"`
	TaskSegment    string   `json:"task_segment,omitempty"`
}

// AgentStatusChangedData records a worker status transition.
type AgentStatusChangedData struct {
	AgentID   string `json:"agent_id"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status"`
	Error     string `json:"error,omitempty"`
}

// AgentProgressData is a worker progress tick, 0-100.
type AgentProgressData struct {
	AgentID   string  `json:"agent_id"`
	Progress  float64 `json:"progress"`
	Iteration int     `json:"iteration,omitempty"`
}

// AgentThinkingData streams worker thinking text.
type AgentThinkingData struct {
	AgentID string `json:"agent_id"`
	Delta   string `json:"delta"`
}

// RelayStationOpenedData announces an active station.
type RelayStationOpenedData struct {
	StationID    string   `json:"station_id"`
	StationName  string   `json:"station_name"`
	Phase        string   `json:"phase,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// RelayMessageSentData mirrors a relay message onto the event stream.
type RelayMessageSentData struct {
	MessageID      string   `json:"message_id"`
	RelayType      string   `json:"relay_type"`
	SourceAgentID  string   `json:"source_agent_id"`
	SourceName     string   `json:"source_name,omitempty"`
	TargetAgentIDs []string `json:"target_agent_ids"`
	Content        string   `json:"content"`
	Importance     float64  `json:"importance"`
}

// RelayStationClosedData carries the station summary.
type RelayStationClosedData struct {
	StationID string `json:"station_id"`
	Summary   string `json:"summary"`
}

// PlanGeneratedData announces the planner's output.
type PlanGeneratedData struct {
	Analysis            string   `json:"analysis,omitempty"`
	TotalAgents         int      `json:"total_agents"`
	Phases              []string `json:"phases,omitempty"`
	IntegrationStrategy string   `json:"integration_strategy,omitempty"`
}

// RoleEmergedData carries one emerged role.
type RoleEmergedData struct {
	RoleName       string   `json:"role_name"`
	Description    string   `json:"description,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	AssignedSkills []string `json:"assigned_skills,omitempty"`
	TaskSegment    string   `json:"task_segment,omitempty"`
}

// InterventionData is shared by the intervention event kinds.
type InterventionData struct {
	InterventionID string   `json:"intervention_id"`
	Kind           string   `json:"kind"`
	Scope          string   `json:"scope"`
	TargetAgentIDs []string `json:"target_agent_ids,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Priority       int      `json:"priority"`
}

// SessionCreatedData is always the first event on a task stream.
type SessionCreatedData struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode,omitempty"`
}

// SessionStateChangedData is a coarse change notification for session
// list UIs.
type SessionStateChangedData struct {
	SessionID  string         `json:"session_id"`
	ChangeType string         `json:"change_type"`
	Summary    map[string]any `json:"summary,omitempty"`
}

// HeartbeatData keeps long-lived subscriber streams alive.
type HeartbeatData struct {
	SessionID string `json:"session_id"`
}
