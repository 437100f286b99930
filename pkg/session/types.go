package session

import (
	"errors"
	"time"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/orchestrator"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMaxSessions is returned when the live-session cap is reached.
	ErrMaxSessions = errors.New("session limit reached")
	// ErrSessionExpired is returned when a task targets an expired session.
	ErrSessionExpired = errors.New("session expired")
)

const (
	defaultSessionTTL   = 60 * time.Minute
	defaultMaxSessions  = 100
	subscriberQueueSize = 100

	followupReportChars   = 1500
	followupHistoryRounds = 3
	followupTotalChars    = 2500
)

// sessionInfo is the in-process view of one session: its directory record
// plus whichever orchestrator is live for it. Guarded by the manager mutex;
// the orchestrators carry their own synchronization.
type sessionInfo struct {
	record   *models.SessionRecord
	master   *orchestrator.Master
	direct   *orchestrator.Direct
	snapshot *models.FollowupSnapshot
}

func (i *sessionInfo) isExpired(ttl time.Duration, now time.Time) bool {
	if i.record.Status == models.SessionExpired {
		return true
	}
	return now.Sub(i.record.LastActiveAt) > ttl
}

func (i *sessionInfo) touch(now time.Time) {
	i.record.LastActiveAt = now
}

func (i *sessionInfo) hasHistory() bool {
	return i.snapshot != nil &&
		(i.snapshot.FinalReport != "" || len(i.snapshot.TaskHistory) > 0)
}

// Subscriber is one open event stream for a session. Ch is bounded; the
// manager drops the subscriber rather than block when it fills up.
type Subscriber struct {
	ID        string
	SessionID string
	Ch        chan agui.Event
}

// Stats is the aggregate view served by GET /stats.
type Stats struct {
	TrackedSessions int            `json:"tracked_sessions"`
	ActiveSessions  int            `json:"active_sessions"`
	Subscribers     int            `json:"subscribers"`
	PerSession      map[string]int `json:"per_session,omitempty"`
}
