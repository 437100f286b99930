// Package relay implements the per-session coordinator that mediates all
// worker-to-worker communication: station lifecycle, message fan-out,
// intervention broadcast and delivery bookkeeping.
package relay

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/metrics"
	"github.com/emergentworks/swarmd/pkg/models"
)

// Callbacks are the delivery hooks a worker registers. Inbox receives
// regular relay messages; Intervention, when set, is preferred for
// human_intervention messages; Ingest force-feeds information directly
// into the worker's context (used by scope=all interventions).
type Callbacks struct {
	Inbox        func(msg *models.RelayMessage)
	Intervention func(msg *models.RelayMessage)
	Ingest       func(info string)
}

type registration struct {
	id  string
	cbs Callbacks
}

// Coordinator is the session-scoped relay bus. All methods are safe for
// concurrent use.
type Coordinator struct {
	sessionID string
	emit      func(agui.Event)

	mu            sync.Mutex
	workers       map[string]*registration
	order         []string
	stations      map[string]*models.Station
	stationOrder  []string
	history       []*models.RelayMessage
	interventions []*models.Intervention
}

// NewCoordinator creates a coordinator. emit (may be nil) receives the
// relay's station and message events.
func NewCoordinator(sessionID string, emit func(agui.Event)) *Coordinator {
	return &Coordinator{
		sessionID: sessionID,
		emit:      emit,
		workers:   make(map[string]*registration),
		stations:  make(map[string]*models.Station),
	}
}

// RegisterWorker adds a worker's delivery callbacks. Registering an id
// twice replaces the prior callbacks but keeps its delivery position.
func (c *Coordinator) RegisterWorker(workerID string, cbs Callbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.workers[workerID]; ok {
		existing.cbs = cbs
		return
	}
	c.workers[workerID] = &registration{id: workerID, cbs: cbs}
	c.order = append(c.order, workerID)
}

// UnregisterWorker removes a worker's callbacks. Past messages are kept.
// Unregistering an unknown id is a no-op.
func (c *Coordinator) UnregisterWorker(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[workerID]; !ok {
		return
	}
	delete(c.workers, workerID)
	for i, id := range c.order {
		if id == workerID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// RegisteredWorkers returns worker ids in registration order.
func (c *Coordinator) RegisteredWorkers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// OpenStation opens a station for a phase, closing any currently active
// station first. At most one station is active per session.
func (c *Coordinator) OpenStation(name, phase string, participants []string) *models.Station {
	c.mu.Lock()
	var toClose *models.Station
	for _, id := range c.stationOrder {
		if c.stations[id].IsActive {
			toClose = c.stations[id]
			break
		}
	}
	c.mu.Unlock()

	if toClose != nil {
		c.CloseStation(toClose.ID)
	}

	station := &models.Station{
		ID:           uuid.New().String(),
		Name:         name,
		Phase:        phase,
		Participants: participants,
	}
	station.Open()

	c.mu.Lock()
	c.stations[station.ID] = station
	c.stationOrder = append(c.stationOrder, station.ID)
	c.mu.Unlock()

	c.emitEvent(agui.New(agui.EventRelayStationOpened, agui.RelayStationOpenedData{
		StationID:    station.ID,
		StationName:  station.Name,
		Phase:        station.Phase,
		Participants: station.Participants,
	}))

	slog.Info("Relay station opened",
		"session_id", c.sessionID, "station_id", station.ID, "name", name)
	return station
}

// CloseStation closes a station and returns its textual summary.
func (c *Coordinator) CloseStation(stationID string) (string, error) {
	c.mu.Lock()
	station, ok := c.stations[stationID]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("station not found: %s", stationID)
	}
	station.Close()
	summary := c.buildStationSummaryLocked(station)
	c.mu.Unlock()

	c.emitEvent(agui.New(agui.EventRelayStationClosed, agui.RelayStationClosedData{
		StationID: stationID,
		Summary:   summary,
	}))

	slog.Info("Relay station closed",
		"session_id", c.sessionID, "station_id", stationID,
		"messages", len(station.Messages))
	return summary, nil
}

// buildStationSummaryLocked renders counts, starred highlights and
// intervention lines. Caller holds c.mu.
func (c *Coordinator) buildStationSummaryLocked(station *models.Station) string {
	var b strings.Builder
	fmt.Fprintf(&b, "中继站 %s 已关闭。消息总数: %d", station.Name, len(station.Messages))

	interventionCount := 0
	for _, m := range station.Messages {
		if m.Kind == models.RelayHumanIntervention {
			interventionCount++
		}
	}
	fmt.Fprintf(&b, ",人工干预: %d", interventionCount)

	if station.StartedAt != nil && station.CompletedAt != nil {
		fmt.Fprintf(&b, ",持续: %s", station.CompletedAt.Sub(*station.StartedAt).Round(time.Second))
	}

	for _, m := range station.Messages {
		switch {
		case m.Kind == models.RelayHumanIntervention:
			fmt.Fprintf(&b, "\n🚨 [%s] %s", m.SourceName, firstLine(m.Content, 120))
		case m.Importance > 0.7:
			fmt.Fprintf(&b, "\n⭐ [%s/%s] %s", m.SourceName, m.Kind, firstLine(m.Content, 120))
		}
	}
	return b.String()
}

// BroadcastMessage appends the message to the resolved station and the
// session history, then delivers it. Station resolution: explicit
// stationID > active station > most recently created. Empty TargetIDs
// delivers to every registered worker except the sender; within one call
// targets are delivered in registration order.
func (c *Coordinator) BroadcastMessage(msg *models.RelayMessage, stationID string) error {
	c.mu.Lock()
	station := c.resolveStationLocked(stationID)
	if station != nil {
		station.Messages = append(station.Messages, msg)
	}
	c.history = append(c.history, msg)
	targets := c.resolveTargetsLocked(msg)
	c.mu.Unlock()

	metrics.RelayMessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	c.emitEvent(agui.New(agui.EventRelayMessageSent, agui.RelayMessageSentData{
		MessageID:      msg.ID,
		RelayType:      string(msg.Kind),
		SourceAgentID:  msg.SourceWorkerID,
		SourceName:     msg.SourceName,
		TargetAgentIDs: targetIDs(targets),
		Content:        msg.Content,
		Importance:     msg.Importance,
	}))

	for _, reg := range targets {
		c.deliver(reg, msg)
	}
	return nil
}

func (c *Coordinator) resolveStationLocked(stationID string) *models.Station {
	if stationID != "" {
		if s, ok := c.stations[stationID]; ok {
			return s
		}
	}
	for _, id := range c.stationOrder {
		if c.stations[id].IsActive {
			return c.stations[id]
		}
	}
	if len(c.stationOrder) > 0 {
		return c.stations[c.stationOrder[len(c.stationOrder)-1]]
	}
	return nil
}

func (c *Coordinator) resolveTargetsLocked(msg *models.RelayMessage) []*registration {
	var out []*registration
	if len(msg.TargetIDs) == 0 {
		for _, id := range c.order {
			if id == msg.SourceWorkerID {
				continue
			}
			out = append(out, c.workers[id])
		}
		return out
	}
	want := make(map[string]bool, len(msg.TargetIDs))
	for _, id := range msg.TargetIDs {
		want[id] = true
	}
	for _, id := range c.order {
		if want[id] {
			out = append(out, c.workers[id])
		}
	}
	return out
}

// deliver invokes the right callback for one target, preferring the
// intervention hook for human interventions. Callback panics are
// recovered so one bad target never aborts the broadcast.
func (c *Coordinator) deliver(reg *registration, msg *models.RelayMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Relay delivery callback panicked",
				"session_id", c.sessionID, "worker_id", reg.id, "panic", r)
		}
	}()

	if msg.Kind == models.RelayHumanIntervention && reg.cbs.Intervention != nil {
		reg.cbs.Intervention(msg)
		return
	}
	if reg.cbs.Inbox != nil {
		reg.cbs.Inbox(msg)
	}
}

// BroadcastIntervention converts a human intervention into a relay
// message and delivers it per its scope. Scope all additionally forces
// each target to ingest payload.information before the broadcast.
// Returns the generated relay messages (one per call today; slice for
// API stability).
func (c *Coordinator) BroadcastIntervention(iv *models.Intervention) []*models.RelayMessage {
	c.RecordIntervention(iv)

	msg := models.NewRelayMessage(
		models.RelayHumanIntervention,
		"human_operator",
		"人工操作员",
		interventionContent(iv),
		iv.Targets(),
		iv.Importance(),
	)
	msg.Metadata["requires_acknowledgement"] = true
	msg.Metadata["intervention_id"] = iv.ID
	msg.Metadata["intervention_kind"] = string(iv.Kind)
	msg.Metadata["scope"] = string(iv.Scope)
	msg.Metadata["priority"] = iv.Priority

	if iv.Scope == models.ScopeAll {
		info, _ := iv.Payload["information"].(string)
		if info != "" {
			c.mu.Lock()
			targets := c.resolveTargetsLocked(msg)
			c.mu.Unlock()
			for _, reg := range targets {
				if reg.cbs.Ingest != nil {
					reg.cbs.Ingest(info)
				}
			}
		}
	}

	if err := c.BroadcastMessage(msg, ""); err != nil {
		slog.Error("Intervention broadcast failed",
			"session_id", c.sessionID, "intervention_id", iv.ID, "error", err)
	}
	return []*models.RelayMessage{msg}
}

// interventionContent shapes the message body per intervention kind.
func interventionContent(iv *models.Intervention) string {
	var b strings.Builder
	switch iv.Kind {
	case models.InterventionInject:
		info, _ := iv.Payload["information"].(string)
		b.WriteString("🔔 人工干预 - 信息注入:\n")
		b.WriteString(info)
	case models.InterventionAdjust:
		b.WriteString("🔔 人工干预 - 工作调整:\n")
		if adjustments, ok := iv.Payload["adjustments"].(map[string]any); ok {
			keys := make([]string, 0, len(adjustments))
			for k := range adjustments {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, "- %s: %v\n", k, adjustments[k])
			}
		}
	case models.InterventionPause:
		b.WriteString("⏸️ 人工干预 - 暂停当前工作")
	case models.InterventionResume:
		b.WriteString("▶️ 人工干预 - 恢复工作")
	case models.InterventionCancel:
		b.WriteString("🛑 人工干预 - 取消当前任务")
	case models.InterventionRestart:
		b.WriteString("🔄 人工干预 - 重新开始当前任务")
	default:
		msg, _ := iv.Payload["message"].(string)
		b.WriteString("🔔 人工消息:\n")
		b.WriteString(msg)
	}
	if iv.Reason != "" {
		b.WriteString("\n原因: " + iv.Reason)
	}
	return b.String()
}

// RequestAlignment broadcasts an alignment message from a worker and
// returns the alignment-kind messages already in history, non-blocking.
func (c *Coordinator) RequestAlignment(requesterID, requesterName, reason, understanding string) []*models.RelayMessage {
	c.mu.Lock()
	var prior []*models.RelayMessage
	for _, m := range c.history {
		switch m.Kind {
		case models.RelayAlignment, models.RelayAlignmentRequest, models.RelayAlignmentResponse:
			prior = append(prior, m)
		}
	}
	c.mu.Unlock()

	msg := models.NewRelayMessage(
		models.RelayAlignment,
		requesterID,
		requesterName,
		fmt.Sprintf("请求对齐: %s\n当前理解: %s", reason, understanding),
		nil,
		0.9,
	)
	msg.Metadata["reason"] = reason
	if err := c.BroadcastMessage(msg, ""); err != nil {
		slog.Error("Alignment broadcast failed", "session_id", c.sessionID, "error", err)
	}
	return prior
}

// Checkpoint aggregates worker progress into a CHECKPOINT message. A
// progress spread over 30 points flags the team for alignment.
func (c *Coordinator) Checkpoint(states []models.WorkerState, phase string) *models.RelayMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "📍 检查点 [%s]\n", phase)

	minP, maxP := 101.0, -1.0
	for _, st := range states {
		fmt.Fprintf(&b, "- %s: %.0f%% (%s)", st.RoleName, st.Progress, st.Status)
		if st.PartialResult != "" {
			fmt.Fprintf(&b, " %s", firstLine(st.PartialResult, 200))
		}
		b.WriteString("\n")
		if st.Progress < minP {
			minP = st.Progress
		}
		if st.Progress > maxP {
			maxP = st.Progress
		}
	}

	needsAlignment := len(states) > 0 && maxP-minP > 30
	if needsAlignment {
		b.WriteString("⚠️ 进度差距较大,建议对齐")
	}

	msg := models.NewRelayMessage(models.RelayCheckpoint, "coordinator", "协调器", b.String(), nil, 0.6)
	msg.Metadata["phase"] = phase
	msg.Metadata["needs_alignment"] = needsAlignment
	if err := c.BroadcastMessage(msg, ""); err != nil {
		slog.Error("Checkpoint broadcast failed", "session_id", c.sessionID, "error", err)
	}
	return msg
}

// History returns a snapshot of the session message history. The
// messages are clones: delivery bookkeeping recorded after the call does
// not show up in them, so they are safe to marshal.
func (c *Coordinator) History() []*models.RelayMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.RelayMessage, 0, len(c.history))
	for _, m := range c.history {
		out = append(out, m.Clone())
	}
	return out
}

// GetMessage looks up a message by id, returning a clone.
func (c *Coordinator) GetMessage(id string) (*models.RelayMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.history {
		if m.ID == id {
			return m.Clone(), true
		}
	}
	return nil, false
}

// RecordIntervention appends to the intervention history without
// broadcasting. Priority is clamped on entry.
func (c *Coordinator) RecordIntervention(iv *models.Intervention) {
	iv.ClampPriority()
	metrics.InterventionsTotal.WithLabelValues(string(iv.Kind), string(iv.Scope)).Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interventions = append(c.interventions, iv)
}

// Interventions returns the intervention history in arrival order.
func (c *Coordinator) Interventions() []*models.Intervention {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Intervention(nil), c.interventions...)
}

// Stations returns all stations in creation order.
func (c *Coordinator) Stations() []*models.Station {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*models.Station, 0, len(c.stationOrder))
	for _, id := range c.stationOrder {
		out = append(out, c.stations[id])
	}
	return out
}

// ActiveStation returns the active station, if any.
func (c *Coordinator) ActiveStation() *models.Station {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.stationOrder {
		if c.stations[id].IsActive {
			return c.stations[id]
		}
	}
	return nil
}

func (c *Coordinator) emitEvent(e agui.Event) {
	if c.emit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Relay event emit panicked", "session_id", c.sessionID, "panic", r)
		}
	}()
	c.emit(e)
}

func targetIDs(regs []*registration) []string {
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.id
	}
	return out
}

func firstLine(s string, maxRunes int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > maxRunes {
		return string(runes[:maxRunes]) + "..."
	}
	return s
}
