// Package orchestrator runs one session's task end to end: role
// emergence, parallel worker execution over the relay coordinator,
// human interventions and result integration. Direct mode bypasses the
// planner and relay for single-agent conversations.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/planner"
	"github.com/emergentworks/swarmd/pkg/relay"
	"github.com/emergentworks/swarmd/pkg/skills"
	"github.com/emergentworks/swarmd/pkg/worker"
)

const maxPendingEvents = 1000

// ExecuteOptions carries followup inputs into a run.
type ExecuteOptions struct {
	FollowupContext string
	PreviousRoles   []models.Role
}

// Master orchestrates one emergent-mode session. A Master is created per
// session and reused across followup runs until disposed.
type Master struct {
	sessionID string
	provider  llm.Provider
	llmCfg    llm.Config
	registry  *skills.Registry
	executor  *skills.Executor
	planner   *planner.Engine
	coord     *relay.Coordinator
	trigger   *relay.AdaptiveTrigger

	sinkMu  sync.Mutex
	sink    func(agui.Event)
	pending []agui.Event

	mu          sync.Mutex
	workers     map[string]*worker.Runtime
	workerOrder []string
	lastError   map[string]string
	plan        *models.Plan
	finalReport string
	snapshot    *models.FollowupSnapshot
}

// NewMaster creates the orchestrator for a session.
func NewMaster(sessionID string, provider llm.Provider, llmCfg llm.Config, registry *skills.Registry) *Master {
	m := &Master{
		sessionID: sessionID,
		provider:  provider,
		llmCfg:    llmCfg,
		registry:  registry,
		executor:  skills.NewExecutor(registry),
		trigger:   relay.NewAdaptiveTrigger(),
		workers:   make(map[string]*worker.Runtime),
		lastError: make(map[string]string),
	}
	m.planner = planner.NewEngine(provider, registry, llmCfg)
	m.coord = relay.NewCoordinator(sessionID, m.emit)
	return m
}

// Coordinator exposes the session's relay coordinator for history and
// intervention reads.
func (m *Master) Coordinator() *relay.Coordinator { return m.coord }

// AttachSink directs events to fn and flushes anything buffered while no
// sink was attached.
func (m *Master) AttachSink(fn func(agui.Event)) {
	m.sinkMu.Lock()
	m.sink = fn
	buffered := m.pending
	m.pending = nil
	m.sinkMu.Unlock()
	for _, e := range buffered {
		fn(e)
	}
}

// DetachSink stops event delivery; subsequent events buffer until the
// next sink attaches.
func (m *Master) DetachSink() {
	m.sinkMu.Lock()
	m.sink = nil
	m.sinkMu.Unlock()
}

func (m *Master) emit(e agui.Event) {
	m.sinkMu.Lock()
	sink := m.sink
	if sink == nil {
		if len(m.pending) < maxPendingEvents {
			m.pending = append(m.pending, e)
		}
		m.sinkMu.Unlock()
		return
	}
	m.sinkMu.Unlock()
	sink(e)
}

// ExecuteTask runs one emergent task to completion, emitting the run's
// event stream through the attached sink. On planning failure the run
// terminates with a RUN_ERROR event and a non-nil error.
func (m *Master) ExecuteTask(ctx context.Context, task string, opts ExecuteOptions) error {
	runID := uuid.New().String()
	m.emit(agui.New(agui.EventRunStarted, agui.RunStartedData{ThreadID: m.sessionID, RunID: runID}))

	planningTask := task
	if opts.FollowupContext != "" {
		planningTask = opts.FollowupContext + "\n\n新任务: " + task
	}

	plan, err := m.runPlanning(ctx, planningTask, opts.PreviousRoles)
	if err != nil {
		m.emit(agui.New(agui.EventRunError, agui.RunErrorData{
			Message: "PLANNING_FAILED: " + err.Error(),
			Code:    "PLANNING_FAILED",
		}))
		return err
	}

	m.mu.Lock()
	m.plan = plan
	m.mu.Unlock()

	m.emit(agui.New(agui.EventPlanGenerated, agui.PlanGeneratedData{
		Analysis:            plan.Analysis,
		TotalAgents:         len(plan.Roles),
		Phases:              phaseNames(plan.Phases),
		IntegrationStrategy: plan.IntegrationStrategy,
	}))
	for _, role := range plan.Roles {
		m.emit(agui.New(agui.EventRoleEmerged, agui.RoleEmergedData{
			RoleName:       role.Name,
			Description:    role.Description,
			Capabilities:   role.Capabilities,
			AssignedSkills: skillNames(role.AssignedSkills),
			TaskSegment:    role.TaskSegment,
		}))
	}

	priorityCh := make(chan worker.Event, 256)
	normalCh := make(chan worker.Event, 1024)
	runtimes := m.spawnWorkers(plan, priorityCh, normalCh)

	stationName := "协作分析"
	stationPhase := ""
	if len(plan.Phases) > 0 {
		stationName = plan.Phases[0].Name
		stationPhase = plan.Phases[0].Name
	}
	station := m.coord.OpenStation(stationName, stationPhase, m.WorkerIDs())

	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *worker.Runtime) {
			defer wg.Done()
			if err := rt.Run(ctx, task); err != nil {
				slog.Error("Worker run failed",
					"session_id", m.sessionID, "worker_id", rt.ID(), "error", err)
			}
		}(rt)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	mergeEvents(priorityCh, normalCh, done, m.handleWorkerEvent)

	if _, err := m.coord.CloseStation(station.ID); err != nil {
		slog.Warn("Station close failed", "session_id", m.sessionID, "error", err)
	}

	report, err := m.runIntegration(ctx, task, plan)
	if err != nil {
		m.emit(agui.New(agui.EventRunError, agui.RunErrorData{
			Message: "INTEGRATION_FAILED: " + err.Error(),
			Code:    "INTEGRATION_FAILED",
		}))
		return err
	}

	m.captureSnapshot(task, plan, report)
	m.emit(agui.New(agui.EventRunFinished, agui.RunFinishedData{ThreadID: m.sessionID, RunID: runID}))
	return nil
}

// runPlanning streams the planner output as a text message.
func (m *Master) runPlanning(ctx context.Context, task string, previousRoles []models.Role) (*models.Plan, error) {
	messageID := uuid.New().String()
	m.emit(agui.New(agui.EventTextMessageStart, agui.TextMessageStartData{
		MessageID: messageID, Role: "assistant",
	}))
	plan, err := m.planner.GeneratePlan(ctx, task, previousRoles, func(delta string) {
		m.emit(agui.New(agui.EventTextMessageContent, agui.TextMessageContentData{
			MessageID: messageID, Delta: delta,
		}))
	})
	m.emit(agui.New(agui.EventTextMessageEnd, agui.TextMessageEndData{MessageID: messageID}))
	return plan, err
}

// spawnWorkers tears down any prior run's registrations, then creates
// and registers a runtime per role.
func (m *Master) spawnWorkers(plan *models.Plan, priorityCh, normalCh chan worker.Event) []*worker.Runtime {
	m.mu.Lock()
	stale := m.workerOrder
	m.workers = make(map[string]*worker.Runtime)
	m.workerOrder = nil
	m.lastError = make(map[string]string)
	m.mu.Unlock()
	for _, id := range stale {
		m.coord.UnregisterWorker(id)
		m.trigger.Reset(id)
	}

	route := func(e worker.Event) {
		if e.IsPriority() {
			priorityCh <- e
		} else {
			normalCh <- e
		}
	}

	var runtimes []*worker.Runtime
	for _, role := range plan.Roles {
		id := uuid.New().String()
		set := skills.NewWorkerSkillSet(id, m.registry, m.executor)
		assigned := set.AssignAll(role.SkillNames())

		rt := worker.NewRuntime(id, m.sessionID, role, models.DefaultWorkerConfig(),
			m.provider, m.llmCfg, set, m.coord, route)
		m.coord.RegisterWorker(id, relay.Callbacks{
			Inbox:        rt.ReceiveRelay,
			Intervention: rt.ReceiveIntervention,
			Ingest:       rt.InjectInformation,
		})

		m.mu.Lock()
		m.workers[id] = rt
		m.workerOrder = append(m.workerOrder, id)
		m.mu.Unlock()

		m.emit(agui.New(agui.EventAgentSpawned, agui.AgentSpawnedData{
			AgentID:        id,
			RoleName:       role.Name,
			Description:    role.Description,
			Capabilities:   role.Capabilities,
			AssignedSkills: assigned,
			TaskSegment:    role.TaskSegment,
		}))
		runtimes = append(runtimes, rt)
	}
	return runtimes
}

// handleWorkerEvent maps a worker event onto the session stream.
func (m *Master) handleWorkerEvent(e worker.Event) {
	switch e.Kind {
	case worker.EventStatus:
		m.mu.Lock()
		errText := ""
		if e.NewStatus == models.WorkerFailed {
			errText = m.lastError[e.WorkerID]
		}
		m.mu.Unlock()
		m.emit(agui.New(agui.EventAgentStatusChanged, agui.AgentStatusChangedData{
			AgentID:   e.WorkerID,
			OldStatus: string(e.OldStatus),
			NewStatus: string(e.NewStatus),
			Error:     errText,
		}))
	case worker.EventError:
		m.mu.Lock()
		m.lastError[e.WorkerID] = e.Error
		m.mu.Unlock()
	case worker.EventResult:
		// Final results are read from worker state at integration time.
	case worker.EventThinking:
		m.emit(agui.New(agui.EventAgentThinking, agui.AgentThinkingData{
			AgentID: e.WorkerID, Delta: e.Delta,
		}))
	case worker.EventProgress:
		m.emit(agui.New(agui.EventAgentProgress, agui.AgentProgressData{
			AgentID: e.WorkerID, Progress: e.Progress, Iteration: e.Iteration,
		}))
		if msg := m.trigger.Suggest(e.WorkerID, e.RoleName, e.Progress); msg != nil {
			if err := m.coord.BroadcastMessage(msg, ""); err != nil {
				slog.Warn("Adaptive trigger broadcast failed",
					"session_id", m.sessionID, "error", err)
			}
		}
	case worker.EventToolCallStart:
		m.emit(agui.New(agui.EventToolCallStart, agui.ToolCallStartData{
			ToolCallID: e.ToolCallID, ToolCallName: e.ToolName, AgentID: e.WorkerID,
		}))
	case worker.EventToolCallResult:
		m.emit(agui.New(agui.EventToolCallResult, agui.ToolCallResultData{
			ToolCallID: e.ToolCallID, Success: e.ToolSuccess,
			Summary: e.ToolSummary, ResultPreview: e.ToolPreview, AgentID: e.WorkerID,
		}))
	case worker.EventRelaySent:
		// The coordinator already mirrored it as RELAY_MESSAGE_SENT.
	}
}

// runIntegration streams the integration report and stores it.
func (m *Master) runIntegration(ctx context.Context, task string, plan *models.Plan) (string, error) {
	prompt := buildIntegrationPrompt(task, plan.Analysis,
		m.coord.Interventions(), m.WorkerStates(), m.coord.History())

	messageID := uuid.New().String()
	m.emit(agui.New(agui.EventTextMessageStart, agui.TextMessageStartData{
		MessageID: messageID, Role: "assistant",
	}))

	chunks, err := m.provider.Chat(ctx, []llm.Message{
		{Role: "system", Content: integrationSystemPrompt},
		{Role: "user", Content: prompt},
	}, m.llmCfg)
	if err != nil {
		return "", fmt.Errorf("integration call: %w", err)
	}

	var report []byte
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", fmt.Errorf("integration stream: %w", chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}
		report = append(report, chunk.Text...)
		m.emit(agui.New(agui.EventTextMessageContent, agui.TextMessageContentData{
			MessageID: messageID, Delta: chunk.Text,
		}))
	}
	m.emit(agui.New(agui.EventTextMessageEnd, agui.TextMessageEndData{MessageID: messageID}))

	m.mu.Lock()
	m.finalReport = string(report)
	m.mu.Unlock()
	return string(report), nil
}

// WorkerIDs returns worker ids in spawn order.
func (m *Master) WorkerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.workerOrder...)
}

// WorkerStates returns a snapshot of every worker's state, spawn order.
func (m *Master) WorkerStates() []models.WorkerState {
	m.mu.Lock()
	order := append([]string(nil), m.workerOrder...)
	workers := make([]*worker.Runtime, 0, len(order))
	for _, id := range order {
		workers = append(workers, m.workers[id])
	}
	m.mu.Unlock()

	states := make([]models.WorkerState, 0, len(workers))
	for _, rt := range workers {
		states = append(states, rt.State())
	}
	return states
}

// FinalReport returns the last integration report.
func (m *Master) FinalReport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalReport
}

// Plan returns the last generated plan, or nil.
func (m *Master) Plan() *models.Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.plan
}

// Snapshot returns the followup snapshot from the last completed run.
func (m *Master) Snapshot() *models.FollowupSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Dispose cancels all workers and unregisters them. The Master must not
// be used afterwards.
func (m *Master) Dispose() {
	m.mu.Lock()
	order := append([]string(nil), m.workerOrder...)
	workers := m.workers
	m.mu.Unlock()

	for _, id := range order {
		if rt := workers[id]; rt != nil {
			rt.Cancel()
		}
		m.coord.UnregisterWorker(id)
	}
	m.DetachSink()
}

func (m *Master) captureSnapshot(task string, plan *models.Plan, report string) {
	roleNames := make([]string, len(plan.Roles))
	for i, r := range plan.Roles {
		roleNames[i] = r.Name
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var history []models.TaskRound
	if m.snapshot != nil {
		history = m.snapshot.TaskHistory
	}
	m.snapshot = &models.FollowupSnapshot{
		FinalReport:         report,
		InterventionSummary: summarizeInterventions(m.coord.Interventions()),
		Roles:               plan.Roles,
		TaskHistory: append(history, models.TaskRound{
			Task:      task,
			Summary:   truncateRunes(report, 300),
			RoleNames: roleNames,
			Timestamp: nowFunc(),
		}),
	}
}

func phaseNames(phases []models.Phase) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.Name
	}
	return out
}

func skillNames(assignments []models.SkillAssignment) []string {
	out := make([]string, len(assignments))
	for i, a := range assignments {
		out[i] = a.SkillName
	}
	return out
}
