// Package storage defines the durable repository boundary for sessions,
// agents, messages, relay traffic and interventions.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/emergentworks/swarmd/pkg/models"
)

// ErrNotFound is returned for lookups that match no record.
var ErrNotFound = errors.New("record not found")

// SessionFilter narrows directory queries. Zero values mean "any".
type SessionFilter struct {
	Status models.SessionStatus
	UserID string
	Limit  int
	Offset int
}

// Repository is the append-mostly persistence contract shared by the
// in-memory and Postgres implementations.
type Repository interface {
	CreateSession(ctx context.Context, rec *models.SessionRecord) error
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
	UpdateSession(ctx context.Context, rec *models.SessionRecord) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.SessionRecord, error)
	CountSessions(ctx context.Context, filter SessionFilter) (int, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	ExpireSessionsBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	CreateAgent(ctx context.Context, rec *models.AgentRecord) error
	UpdateAgent(ctx context.Context, rec *models.AgentRecord) error
	ListAgents(ctx context.Context, sessionID string) ([]*models.AgentRecord, error)

	CreateMessage(ctx context.Context, rec *models.MessageRecord) error
	AppendMessageContent(ctx context.Context, id, delta string) error
	ListMessages(ctx context.Context, sessionID string) ([]*models.MessageRecord, error)

	CreateStation(ctx context.Context, sessionID string, station *models.Station) error
	UpdateStation(ctx context.Context, sessionID string, station *models.Station) error

	CreateRelayMessage(ctx context.Context, sessionID, stationID string, msg *models.RelayMessage) error
	ListRelayMessages(ctx context.Context, sessionID string) ([]*models.RelayMessage, error)

	CreateIntervention(ctx context.Context, sessionID string, iv *models.Intervention) error
	ListInterventions(ctx context.Context, sessionID string) ([]*models.Intervention, error)

	Close() error
}
