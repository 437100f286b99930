package models

import "time"

// TaskRound is one completed task/report pair kept in the followup history.
type TaskRound struct {
	Task      string    `json:"task"`
	Summary   string    `json:"summary"`
	RoleNames []string  `json:"role_names,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FollowupSnapshot captures what a completed round leaves behind for the
// next task submitted to the same session.
type FollowupSnapshot struct {
	FinalReport         string      `json:"final_report"`
	InterventionSummary string      `json:"intervention_summary,omitempty"`
	Roles               []Role      `json:"roles,omitempty"`
	TaskHistory         []TaskRound `json:"task_history,omitempty"`
}

// SessionRecord is the durable directory entry for a session. Runtime
// state (workers, relay coordinator, subscribers) lives with the session
// manager and orchestrator, never here.
type SessionRecord struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	Mode         SessionMode   `json:"mode"`
	Status       SessionStatus `json:"status"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	FinalReport  string        `json:"final_report,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Clone returns a copy safe to hand out across goroutines.
func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	return &cp
}

// AgentRecord is the durable per-worker row.
type AgentRecord struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	RoleName    string       `json:"role_name"`
	Status      WorkerStatus `json:"status"`
	Progress    float64      `json:"progress"`
	FinalResult string       `json:"final_result,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// MessageRecord is a persisted streamed message (master text or worker
// output). Content is appended to as deltas arrive.
type MessageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
