package api

import (
	"github.com/emergentworks/swarmd/pkg/models"
)

// SessionListResponse is returned by GET /sessions.
type SessionListResponse struct {
	Sessions []*models.SessionRecord `json:"sessions"`
	Count    int                     `json:"count"`
}

// InterventionResponse is returned by the intervention endpoints, carrying
// the relay messages the intervention generated.
type InterventionResponse struct {
	Status        string                 `json:"status"`
	RelayMessages []*models.RelayMessage `json:"relay_messages"`
}

// SubscribersResponse is returned by GET /session/:id/subscribers.
type SubscribersResponse struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}
