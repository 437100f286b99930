// Package memory implements the storage repository with mutex-guarded
// maps, for tests and database-less deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// Repository is an in-process storage.Repository.
type Repository struct {
	mu            sync.RWMutex
	sessions      map[string]*models.SessionRecord
	agents        map[string][]*models.AgentRecord
	messages      map[string][]*models.MessageRecord
	messageByID   map[string]*models.MessageRecord
	stations      map[string][]*models.Station
	relayMessages map[string][]*models.RelayMessage
	interventions map[string][]*models.Intervention
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{
		sessions:      make(map[string]*models.SessionRecord),
		agents:        make(map[string][]*models.AgentRecord),
		messages:      make(map[string][]*models.MessageRecord),
		messageByID:   make(map[string]*models.MessageRecord),
		stations:      make(map[string][]*models.Station),
		relayMessages: make(map[string][]*models.RelayMessage),
		interventions: make(map[string][]*models.Intervention),
	}
}

var _ storage.Repository = (*Repository)(nil)

func (r *Repository) CreateSession(_ context.Context, rec *models.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[rec.ID]; ok {
		return fmt.Errorf("session already exists: %s", rec.ID)
	}
	r.sessions[rec.ID] = rec.Clone()
	return nil
}

func (r *Repository) GetSession(_ context.Context, id string) (*models.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) UpdateSession(_ context.Context, rec *models.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[rec.ID]; !ok {
		return storage.ErrNotFound
	}
	r.sessions[rec.ID] = rec.Clone()
	return nil
}

func (r *Repository) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(r.sessions, id)
	delete(r.agents, id)
	for _, m := range r.messages[id] {
		delete(r.messageByID, m.ID)
	}
	delete(r.messages, id)
	delete(r.stations, id)
	delete(r.relayMessages, id)
	delete(r.interventions, id)
	return nil
}

func (r *Repository) ListSessions(_ context.Context, filter storage.SessionFilter) ([]*models.SessionRecord, error) {
	r.mu.RLock()
	var out []*models.SessionRecord
	for _, rec := range r.sessions {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		out = append(out, rec.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Repository) CountSessions(_ context.Context, filter storage.SessionFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.sessions {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		n++
	}
	return n, nil
}

func (r *Repository) TouchSession(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.sessions[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastActiveAt = at
	return nil
}

// ExpireSessionsBefore marks active sessions stale before cutoff as
// expired, returning their ids.
func (r *Repository) ExpireSessionsBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []string
	for id, rec := range r.sessions {
		if rec.Status == models.SessionActive && rec.LastActiveAt.Before(cutoff) {
			rec.Status = models.SessionExpired
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (r *Repository) CreateAgent(_ context.Context, rec *models.AgentRecord) error {
	cp := *rec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[rec.SessionID] = append(r.agents[rec.SessionID], &cp)
	return nil
}

func (r *Repository) UpdateAgent(_ context.Context, rec *models.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.agents[rec.SessionID] {
		if existing.ID == rec.ID {
			cp := *rec
			r.agents[rec.SessionID][i] = &cp
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *Repository) ListAgents(_ context.Context, sessionID string) ([]*models.AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.AgentRecord, 0, len(r.agents[sessionID]))
	for _, rec := range r.agents[sessionID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Repository) CreateMessage(_ context.Context, rec *models.MessageRecord) error {
	cp := *rec
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[rec.SessionID] = append(r.messages[rec.SessionID], &cp)
	r.messageByID[rec.ID] = &cp
	return nil
}

func (r *Repository) AppendMessageContent(_ context.Context, id, delta string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.messageByID[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Content += delta
	return nil
}

func (r *Repository) ListMessages(_ context.Context, sessionID string) ([]*models.MessageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.MessageRecord, 0, len(r.messages[sessionID]))
	for _, rec := range r.messages[sessionID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Repository) CreateStation(_ context.Context, sessionID string, station *models.Station) error {
	cp := *station
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stations[sessionID] = append(r.stations[sessionID], &cp)
	return nil
}

func (r *Repository) UpdateStation(_ context.Context, sessionID string, station *models.Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.stations[sessionID] {
		if existing.ID == station.ID {
			cp := *station
			r.stations[sessionID][i] = &cp
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *Repository) CreateRelayMessage(_ context.Context, sessionID, _ string, msg *models.RelayMessage) error {
	cp := msg.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.relayMessages[sessionID] = append(r.relayMessages[sessionID], cp)
	return nil
}

func (r *Repository) ListRelayMessages(_ context.Context, sessionID string) ([]*models.RelayMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.RelayMessage, 0, len(r.relayMessages[sessionID]))
	for _, msg := range r.relayMessages[sessionID] {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (r *Repository) CreateIntervention(_ context.Context, sessionID string, iv *models.Intervention) error {
	cp := *iv
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interventions[sessionID] = append(r.interventions[sessionID], &cp)
	return nil
}

func (r *Repository) ListInterventions(_ context.Context, sessionID string) ([]*models.Intervention, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Intervention, 0, len(r.interventions[sessionID]))
	for _, iv := range r.interventions[sessionID] {
		cp := *iv
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Repository) Close() error { return nil }
