// Package session keeps the directory of live sessions: it resolves the
// orchestrator for a session id, fans events out to subscribers, persists
// them through the storage repository, and prepares followup runs.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/metrics"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/orchestrator"
	"github.com/emergentworks/swarmd/pkg/skills"
	"github.com/emergentworks/swarmd/pkg/storage"
)

// ProviderFactory builds the LLM backend for a session record. Injected so
// tests can substitute a scripted provider.
type ProviderFactory func(rec *models.SessionRecord) (llm.Provider, llm.Config, error)

func defaultProviderFactory(rec *models.SessionRecord) (llm.Provider, llm.Config, error) {
	provider, err := llm.NewProvider(rec.Provider)
	if err != nil {
		return nil, llm.Config{}, err
	}
	model := rec.Model
	if model == "" {
		model = llm.DefaultModel(rec.Provider)
	}
	return provider, llm.DefaultConfig(model), nil
}

type persistOp struct {
	sessionID string
	event     agui.Event
}

// Manager is the process-scoped session directory. It is injected into the
// API server rather than held as a global.
type Manager struct {
	repo      storage.Repository
	registry  *skills.Registry
	providers ProviderFactory
	logger    *slog.Logger

	ttl         time.Duration
	maxSessions int

	mu          sync.RWMutex
	sessions    map[string]*sessionInfo
	subscribers map[string]map[string]*Subscriber

	persistCh chan persistOp
	done      chan struct{}
}

// NewManager creates a manager backed by repo. The returned manager owns a
// persistence goroutine; call Close when done.
func NewManager(repo storage.Repository, registry *skills.Registry, logger *slog.Logger) *Manager {
	m := &Manager{
		repo:        repo,
		registry:    registry,
		providers:   defaultProviderFactory,
		logger:      logger,
		ttl:         defaultSessionTTL,
		maxSessions: defaultMaxSessions,
		sessions:    make(map[string]*sessionInfo),
		subscribers: make(map[string]map[string]*Subscriber),
		persistCh:   make(chan persistOp, 1024),
		done:        make(chan struct{}),
	}
	go m.persistLoop()
	return m
}

// SetProviderFactory overrides how LLM providers are built for new
// orchestrators. Call before any session is created.
func (m *Manager) SetProviderFactory(f ProviderFactory) {
	m.providers = f
}

// SetSessionTTL overrides the idle timeout after which sessions expire.
func (m *Manager) SetSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		m.ttl = ttl
	}
}

// Close stops the persistence goroutine after draining queued writes.
func (m *Manager) Close() {
	close(m.persistCh)
	<-m.done
}

// persistLoop applies non-critical event writes in arrival order, so
// streamed message deltas never interleave out of order.
func (m *Manager) persistLoop() {
	defer close(m.done)
	for op := range m.persistCh {
		if err := m.materializeEvent(context.Background(), op.sessionID, op.event); err != nil {
			m.logger.Warn("event persistence failed",
				"session_id", op.sessionID, "event_type", op.event.Type, "error", err)
		}
	}
}

// CreateSession allocates a new session. Expired sessions are swept first;
// the live-session cap applies after the sweep.
func (m *Manager) CreateSession(ctx context.Context, task string, mode models.SessionMode, provider, model, userID string) (*models.SessionRecord, error) {
	m.sweepExpired(ctx)

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrMaxSessions
	}
	now := time.Now()
	rec := &models.SessionRecord{
		ID:           uuid.New().String(),
		Task:         task,
		Mode:         mode,
		Status:       models.SessionActive,
		Provider:     provider,
		Model:        model,
		UserID:       userID,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.sessions[rec.ID] = &sessionInfo{record: rec}
	m.mu.Unlock()

	if err := m.repo.CreateSession(ctx, rec); err != nil {
		m.mu.Lock()
		delete(m.sessions, rec.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues(string(mode), "created").Inc()
	m.logger.Info("session created", "session_id", rec.ID, "mode", mode, "provider", provider)
	return rec.Clone(), nil
}

// sweepExpired expires stale sessions and disposes their orchestrators.
func (m *Manager) sweepExpired(ctx context.Context) {
	cutoff := time.Now().Add(-m.ttl)
	ids, err := m.repo.ExpireSessionsBefore(ctx, cutoff)
	if err != nil {
		m.logger.Warn("expired-session sweep failed", "error", err)
	}

	m.mu.Lock()
	for id, info := range m.sessions {
		if info.record.Status == models.SessionActive && info.record.LastActiveAt.Before(cutoff) {
			info.record.Status = models.SessionExpired
			ids = append(ids, id)
		}
	}
	var disposed []*orchestrator.Master
	for _, id := range ids {
		info, ok := m.sessions[id]
		if !ok {
			continue
		}
		if info.master != nil {
			disposed = append(disposed, info.master)
		}
		metrics.SessionsTotal.WithLabelValues(string(info.record.Mode), "expired").Inc()
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, master := range disposed {
		master.Dispose()
	}
	if len(ids) > 0 {
		m.logger.Info("expired sessions swept", "count", len(ids))
	}
}

// ExpireIdleSessions runs one sweep and reports how many live sessions
// remain. Used by the cleanup worker.
func (m *Manager) ExpireIdleSessions(ctx context.Context) int {
	m.sweepExpired(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// getInfo resolves the in-memory entry for a session, loading the record
// from the repository when the process has not seen it yet.
func (m *Manager) getInfo(ctx context.Context, sessionID string) (*sessionInfo, error) {
	m.mu.RLock()
	info, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok {
		return info, nil
	}

	rec, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.sessions[sessionID]; ok {
		return info, nil
	}
	info = &sessionInfo{record: rec}
	m.sessions[sessionID] = info
	return info, nil
}

// GetSession returns a copy of the session record.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.SessionRecord, error) {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return info.record.Clone(), nil
}

// HasHistory reports whether the session carries a followup snapshot.
func (m *Manager) HasHistory(ctx context.Context, sessionID string) bool {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return info.hasHistory()
}

// GetOrCreateMaster resolves the emergent-mode orchestrator for a session,
// creating it on first access. Touches activity.
func (m *Manager) GetOrCreateMaster(ctx context.Context, sessionID string) (*orchestrator.Master, error) {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	now := time.Now()
	if info.isExpired(m.ttl, now) {
		m.mu.Unlock()
		return nil, ErrSessionExpired
	}
	info.touch(now)
	if info.master == nil {
		if err := m.buildMaster(info); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	master := info.master
	m.mu.Unlock()

	if err := m.repo.TouchSession(ctx, sessionID, now); err != nil {
		m.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
	}
	return master, nil
}

// GetOrCreateDirect resolves the direct-mode agent for a session, creating
// it on first access. Touches activity.
func (m *Manager) GetOrCreateDirect(ctx context.Context, sessionID string) (*orchestrator.Direct, error) {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	now := time.Now()
	if info.isExpired(m.ttl, now) {
		m.mu.Unlock()
		return nil, ErrSessionExpired
	}
	info.touch(now)
	if info.direct == nil {
		provider, cfg, err := m.providers(info.record)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("llm provider: %w", err)
		}
		direct := orchestrator.NewDirect(info.record.ID, provider, cfg, m.registry)
		direct.AttachSink(m.sinkFor(info.record.ID))
		info.direct = direct
	}
	direct := info.direct
	m.mu.Unlock()

	if err := m.repo.TouchSession(ctx, sessionID, now); err != nil {
		m.logger.Warn("touch session failed", "session_id", sessionID, "error", err)
	}
	return direct, nil
}

// buildMaster constructs the orchestrator and wires its event sink into the
// manager's fan-out. Caller holds m.mu.
func (m *Manager) buildMaster(info *sessionInfo) error {
	provider, cfg, err := m.providers(info.record)
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	master := orchestrator.NewMaster(info.record.ID, provider, cfg, m.registry)
	master.AttachSink(m.sinkFor(info.record.ID))
	info.master = master
	return nil
}

func (m *Manager) sinkFor(sessionID string) func(agui.Event) {
	return func(e agui.Event) {
		m.BroadcastEvent(context.Background(), sessionID, e)
	}
}

// PrepareFollowup readies a completed (or failed) session for a new task:
// the prior orchestrator is disposed with its snapshot captured, the record
// flips back to active, and a fresh Master is returned together with the
// followup context for the planner.
func (m *Manager) PrepareFollowup(ctx context.Context, sessionID, task string) (*orchestrator.Master, orchestrator.ExecuteOptions, error) {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return nil, orchestrator.ExecuteOptions{}, err
	}

	m.mu.Lock()
	now := time.Now()
	if info.isExpired(m.ttl, now) {
		m.mu.Unlock()
		return nil, orchestrator.ExecuteOptions{}, ErrSessionExpired
	}

	var old *orchestrator.Master
	if info.master != nil {
		if snap := info.master.Snapshot(); snap != nil {
			info.snapshot = snap
		}
		old = info.master
		info.master = nil
	}

	var opts orchestrator.ExecuteOptions
	if info.hasHistory() {
		opts.FollowupContext = BuildFollowupContext(info.snapshot)
		opts.PreviousRoles = info.snapshot.Roles
	}

	info.record.Task = task
	info.record.Status = models.SessionActive
	info.record.CompletedAt = nil
	info.touch(now)
	if err := m.buildMaster(info); err != nil {
		m.mu.Unlock()
		return nil, orchestrator.ExecuteOptions{}, err
	}
	master := info.master
	rec := info.record.Clone()
	m.mu.Unlock()

	if old != nil {
		old.Dispose()
	}
	if err := m.repo.UpdateSession(ctx, rec); err != nil {
		m.logger.Warn("followup record update failed", "session_id", sessionID, "error", err)
	}
	m.logger.Info("followup prepared", "session_id", sessionID,
		"previous_roles", len(opts.PreviousRoles), "context_chars", len(opts.FollowupContext))
	return master, opts, nil
}

// BuildFollowupContext renders the snapshot into the context string handed
// to the planner on a followup run. Bounded at followupTotalChars runes.
func BuildFollowupContext(snap *models.FollowupSnapshot) string {
	if snap == nil {
		return ""
	}
	var b strings.Builder
	if snap.FinalReport != "" {
		b.WriteString("## 上一轮任务结论\n")
		b.WriteString(truncateRunes(snap.FinalReport, followupReportChars))
		b.WriteString("\n")
	}
	if snap.InterventionSummary != "" {
		b.WriteString("\n## 上一轮人工干预\n")
		b.WriteString(snap.InterventionSummary)
		b.WriteString("\n")
	}
	if len(snap.TaskHistory) > 0 {
		b.WriteString("\n## 历史任务\n")
		rounds := snap.TaskHistory
		if len(rounds) > followupHistoryRounds {
			rounds = rounds[len(rounds)-followupHistoryRounds:]
		}
		for i, round := range rounds {
			fmt.Fprintf(&b, "%d. 任务: %s\n   结论: %s\n", i+1, round.Task, round.Summary)
		}
	}
	return truncateRunes(b.String(), followupTotalChars)
}

// SaveTaskCompletion records a finished emergent run: snapshot captured,
// history trimmed, record marked completed with its final report.
func (m *Manager) SaveTaskCompletion(ctx context.Context, sessionID string) error {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if info.master != nil {
		if snap := info.master.Snapshot(); snap != nil {
			if len(snap.TaskHistory) > followupHistoryRounds {
				snap.TaskHistory = snap.TaskHistory[len(snap.TaskHistory)-followupHistoryRounds:]
			}
			info.snapshot = snap
		}
		info.record.FinalReport = info.master.FinalReport()
	}
	now := time.Now()
	info.record.Status = models.SessionCompleted
	info.record.CompletedAt = &now
	info.touch(now)
	rec := info.record.Clone()
	m.mu.Unlock()

	if err := m.repo.UpdateSession(ctx, rec); err != nil {
		return fmt.Errorf("save completion: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues(string(rec.Mode), "completed").Inc()
	return nil
}

// MarkError flips the session to error status after a failed run.
func (m *Manager) MarkError(ctx context.Context, sessionID, message string) error {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	info.record.Status = models.SessionError
	info.touch(time.Now())
	rec := info.record.Clone()
	m.mu.Unlock()

	if err := m.repo.UpdateSession(ctx, rec); err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	metrics.SessionsTotal.WithLabelValues(string(rec.Mode), "failed").Inc()
	m.logger.Warn("session failed", "session_id", sessionID, "error", message)
	return nil
}

// CloseSession disposes the session's orchestrators and marks a still
// active record completed. The record and its persisted history remain.
func (m *Manager) CloseSession(ctx context.Context, sessionID string) error {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := info.master
	info.master = nil
	info.direct = nil
	if info.record.Status == models.SessionActive {
		info.record.Status = models.SessionCompleted
		now := time.Now()
		info.record.CompletedAt = &now
	}
	rec := info.record.Clone()
	m.mu.Unlock()

	if old != nil {
		old.Dispose()
	}
	if err := m.repo.UpdateSession(ctx, rec); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// DeleteSession tears the session down: orchestrators disposed, subscriber
// streams closed, persisted records removed.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	info := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	subs := m.subscribers[sessionID]
	delete(m.subscribers, sessionID)
	var old *orchestrator.Master
	if info != nil {
		old = info.master
	}
	for range subs {
		metrics.Subscribers.Dec()
	}
	m.mu.Unlock()

	if old != nil {
		old.Dispose()
	}
	for _, sub := range subs {
		close(sub.Ch)
	}

	if err := m.repo.DeleteSession(ctx, sessionID); err != nil {
		if err == storage.ErrNotFound && info == nil {
			return ErrSessionNotFound
		}
		if err != storage.ErrNotFound {
			return fmt.Errorf("delete session: %w", err)
		}
	}
	m.logger.Info("session deleted", "session_id", sessionID, "subscribers_closed", len(subs))
	return nil
}

// Subscribe opens a bounded event queue for a session. The caller emits the
// initial state snapshot itself before draining the channel.
func (m *Manager) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Ch:        make(chan agui.Event, subscriberQueueSize),
	}
	m.mu.Lock()
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[string]*Subscriber)
	}
	m.subscribers[sessionID][sub.ID] = sub
	m.mu.Unlock()
	metrics.Subscribers.Inc()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Idempotent.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	subs, ok := m.subscribers[sub.SessionID]
	if ok {
		_, ok = subs[sub.ID]
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(m.subscribers, sub.SessionID)
		}
	}
	m.mu.Unlock()
	if ok {
		close(sub.Ch)
		metrics.Subscribers.Dec()
	}
}

// BroadcastEvent persists the event and fans it out to every subscriber of
// the session. Critical event kinds are persisted before fan-out so the
// durable record never lags a client-visible transition; the rest are
// queued to the ordered persistence loop. Sends never block: when a
// subscriber's queue is full the event is dropped for that subscriber
// and the subscription stays open.
func (m *Manager) BroadcastEvent(ctx context.Context, sessionID string, e agui.Event) {
	if agui.CriticalTypes[e.Type] {
		if err := m.materializeEvent(ctx, sessionID, e); err != nil {
			m.logger.Warn("event persistence failed",
				"session_id", sessionID, "event_type", e.Type, "error", err)
		}
	} else {
		select {
		case m.persistCh <- persistOp{sessionID: sessionID, event: e}:
		default:
			m.logger.Warn("persistence queue full, dropping event",
				"session_id", sessionID, "event_type", e.Type)
		}
	}

	m.mu.RLock()
	for _, sub := range m.subscribers[sessionID] {
		select {
		case sub.Ch <- e:
		default:
			m.logger.Warn("subscriber queue full, dropping event",
				"session_id", sessionID, "subscriber_id", sub.ID, "event_type", e.Type)
		}
	}
	m.mu.RUnlock()
}

// BroadcastStateChanged emits a coarse session_state_changed notification
// for session-list UIs.
func (m *Manager) BroadcastStateChanged(ctx context.Context, sessionID, changeType string, summary map[string]any) {
	m.BroadcastEvent(ctx, sessionID, agui.New(agui.EventSessionStateChanged, agui.SessionStateChangedData{
		SessionID:  sessionID,
		ChangeType: changeType,
		Summary:    summary,
	}))
}

// ListSessions answers the directory query. Without a user id the result is
// always empty. fromMemory serves the in-process view; otherwise the
// repository is queried.
func (m *Manager) ListSessions(ctx context.Context, filter storage.SessionFilter, fromMemory bool) ([]*models.SessionRecord, error) {
	if filter.UserID == "" {
		return []*models.SessionRecord{}, nil
	}
	if !fromMemory {
		return m.repo.ListSessions(ctx, filter)
	}

	m.mu.RLock()
	var out []*models.SessionRecord
	for _, info := range m.sessions {
		rec := info.record
		if rec.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sortSessionsByCreation(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*models.SessionRecord{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountSessions delegates to the repository.
func (m *Manager) CountSessions(ctx context.Context, filter storage.SessionFilter) (int, error) {
	return m.repo.CountSessions(ctx, filter)
}

// LiveState builds the in-memory snapshot served on subscribe and state
// reads: the record plus whatever the live orchestrator knows.
func (m *Manager) LiveState(ctx context.Context, sessionID string) (map[string]any, error) {
	info, err := m.getInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	rec := info.record.Clone()
	master := info.master
	direct := info.direct
	m.mu.RUnlock()

	state := map[string]any{
		"session_id":     rec.ID,
		"task":           rec.Task,
		"mode":           rec.Mode,
		"status":         rec.Status,
		"created_at":     rec.CreatedAt,
		"last_active_at": rec.LastActiveAt,
	}
	if rec.FinalReport != "" {
		state["final_report"] = rec.FinalReport
	}
	state["is_live"] = master != nil || direct != nil
	if master != nil {
		state["workers"] = master.WorkerStates()
		if plan := master.Plan(); plan != nil {
			state["plan"] = plan
		}
		coord := master.Coordinator()
		state["relay_message_count"] = len(coord.History())
		state["interventions"] = coord.Interventions()
	}
	if direct != nil {
		state["history_length"] = len(direct.History())
	}
	if master == nil && direct == nil {
		if agents, err := m.repo.ListAgents(ctx, sessionID); err == nil && len(agents) > 0 {
			state["workers"] = agents
		}
		if msgs, err := m.repo.ListRelayMessages(ctx, sessionID); err == nil {
			state["relay_message_count"] = len(msgs)
		}
	}
	m.mu.RLock()
	state["subscriber_count"] = len(m.subscribers[sessionID])
	m.mu.RUnlock()
	return state, nil
}

// LiveMaster returns the in-process Master for a session without creating
// one.
func (m *Manager) LiveMaster(sessionID string) (*orchestrator.Master, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[sessionID]
	if !ok || info.master == nil {
		return nil, false
	}
	return info.master, true
}

// SubscriberCounts returns the per-session subscriber totals.
func (m *Manager) SubscriberCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.subscribers))
	for id, subs := range m.subscribers {
		out[id] = len(subs)
	}
	return out
}

// Stats aggregates the directory view for GET /stats.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		TrackedSessions: len(m.sessions),
		PerSession:      make(map[string]int, len(m.subscribers)),
	}
	for _, info := range m.sessions {
		if info.record.Status == models.SessionActive {
			st.ActiveSessions++
		}
	}
	for id, subs := range m.subscribers {
		st.PerSession[id] = len(subs)
		st.Subscribers += len(subs)
	}
	return st
}

func sortSessionsByCreation(recs []*models.SessionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
