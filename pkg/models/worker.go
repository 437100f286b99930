package models

import "time"

// WorkerConfig bounds a worker's cooperative loop.
type WorkerConfig struct {
	Priority       int           `json:"priority"`
	MaxIterations  int           `json:"max_iterations"`
	Timeout        time.Duration `json:"timeout"`
	RelayEnabled   bool          `json:"relay_enabled"`
	RelayThreshold float64       `json:"relay_threshold"`
}

// DefaultWorkerConfig returns the standard worker bounds.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Priority:       5,
		MaxIterations:  10,
		Timeout:        300 * time.Second,
		RelayEnabled:   true,
		RelayThreshold: 0.7,
	}
}

// WorkerState is the externally visible mutable state of a worker.
// Progress is kept in [0,100].
type WorkerState struct {
	ID            string       `json:"id"`
	SessionID     string       `json:"session_id"`
	RoleName      string       `json:"role_name"`
	Status        WorkerStatus `json:"status"`
	Progress      float64      `json:"progress"`
	Iteration     int          `json:"iteration"`
	Thinking      string       `json:"thinking,omitempty"`
	PartialResult string       `json:"partial_result,omitempty"`
	FinalResult   string       `json:"final_result,omitempty"`
	Error         string       `json:"error,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
}

// ThinkingTail returns at most the last n characters of accumulated
// thinking, for state reads that must stay bounded.
func (w *WorkerState) ThinkingTail(n int) string {
	runes := []rune(w.Thinking)
	if len(runes) <= n {
		return w.Thinking
	}
	return string(runes[len(runes)-n:])
}
