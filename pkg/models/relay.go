package models

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RelayMessage is an inter-worker message mediated by the relay coordinator.
// Identity is by ID. ViewedBy and AcknowledgedBy only ever grow; workers
// keep marking delivery while readers marshal history snapshots, so the
// bookkeeping maps are mutex-guarded and anything that serializes or
// stores a message must take a Clone.
type RelayMessage struct {
	ID               string               `json:"id"`
	Kind             RelayKind            `json:"kind"`
	SourceWorkerID   string               `json:"source_worker_id"`
	SourceName       string               `json:"source_name"`
	TargetIDs        []string             `json:"target_ids"`
	Content          string               `json:"content"`
	Importance       float64              `json:"importance"`
	Metadata         map[string]any       `json:"metadata,omitempty"`
	Timestamp        time.Time            `json:"timestamp"`
	ViewedBy         map[string]bool      `json:"viewed_by"`
	AcknowledgedBy   map[string]bool      `json:"acknowledged_by"`
	ViewedTimestamps map[string]time.Time `json:"viewed_timestamps,omitempty"`

	mu sync.Mutex
}

// NewRelayMessage constructs a relay message with a fresh id and clamped
// importance. Empty targetIDs means broadcast to every registered worker
// except the sender.
func NewRelayMessage(kind RelayKind, srcID, srcName, content string, targetIDs []string, importance float64) *RelayMessage {
	if importance < 0 {
		importance = 0
	}
	if importance > 1 {
		importance = 1
	}
	return &RelayMessage{
		ID:               uuid.New().String(),
		Kind:             kind,
		SourceWorkerID:   srcID,
		SourceName:       srcName,
		TargetIDs:        targetIDs,
		Content:          content,
		Importance:       importance,
		Metadata:         make(map[string]any),
		Timestamp:        time.Now(),
		ViewedBy:         make(map[string]bool),
		AcknowledgedBy:   make(map[string]bool),
		ViewedTimestamps: make(map[string]time.Time),
	}
}

// MarkViewed records that a worker has seen the message. Idempotent.
func (m *RelayMessage) MarkViewed(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markViewedLocked(workerID)
}

func (m *RelayMessage) markViewedLocked(workerID string) {
	if m.ViewedBy == nil {
		m.ViewedBy = make(map[string]bool)
	}
	if m.ViewedBy[workerID] {
		return
	}
	m.ViewedBy[workerID] = true
	if m.ViewedTimestamps == nil {
		m.ViewedTimestamps = make(map[string]time.Time)
	}
	m.ViewedTimestamps[workerID] = time.Now()
}

// MarkAcknowledged records that a worker has acknowledged the message.
// Idempotent; acknowledging implies viewing.
func (m *RelayMessage) MarkAcknowledged(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markViewedLocked(workerID)
	if m.AcknowledgedBy == nil {
		m.AcknowledgedBy = make(map[string]bool)
	}
	m.AcknowledgedBy[workerID] = true
}

// Clone returns a deep copy decoupled from further delivery bookkeeping.
func (m *RelayMessage) Clone() *RelayMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &RelayMessage{
		ID:               m.ID,
		Kind:             m.Kind,
		SourceWorkerID:   m.SourceWorkerID,
		SourceName:       m.SourceName,
		TargetIDs:        slices.Clone(m.TargetIDs),
		Content:          m.Content,
		Importance:       m.Importance,
		Metadata:         maps.Clone(m.Metadata),
		Timestamp:        m.Timestamp,
		ViewedBy:         maps.Clone(m.ViewedBy),
		AcknowledgedBy:   maps.Clone(m.AcknowledgedBy),
		ViewedTimestamps: maps.Clone(m.ViewedTimestamps),
	}
}

// RequiresAcknowledgement reports whether the message metadata demands an
// explicit acknowledgement from its targets.
func (m *RelayMessage) RequiresAcknowledgement() bool {
	v, ok := m.Metadata["requires_acknowledgement"].(bool)
	return ok && v
}

// Station is a phase-scoped container for relay messages. At most one
// station is active per session at a time.
type Station struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Phase        string          `json:"phase"`
	Participants []string        `json:"participants"`
	IsActive     bool            `json:"is_active"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Messages     []*RelayMessage `json:"messages"`
}

// Open marks the station active and stamps its start time.
func (s *Station) Open() {
	now := time.Now()
	s.IsActive = true
	s.StartedAt = &now
}

// Close marks the station inactive and stamps its completion time.
func (s *Station) Close() {
	now := time.Now()
	s.IsActive = false
	s.CompletedAt = &now
}
