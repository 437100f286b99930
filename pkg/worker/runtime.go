package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/skills"
)

const (
	pauseRecheckInterval = 500 * time.Millisecond
	maxToolRounds        = 3
	toolCallTimeout      = 45 * time.Second
	toolDetectTimeout    = 60 * time.Second
	maxToolResultChars   = 1200
	maxToolPreviewChars  = 500
)

// Broadcaster posts worker-originated relay messages. Satisfied by
// *relay.Coordinator.
type Broadcaster interface {
	BroadcastMessage(msg *models.RelayMessage, stationID string) error
}

// Runtime executes one worker's cooperative loop. All exported methods
// are safe for concurrent use with a running loop.
type Runtime struct {
	id        string
	sessionID string
	role      models.Role
	cfg       models.WorkerConfig
	provider  llm.Provider
	llmCfg    llm.Config
	skillSet  *skills.WorkerSkillSet
	relay     Broadcaster
	emit      func(Event)

	paused    atomic.Bool
	cancelled atomic.Bool

	mu         sync.Mutex
	state      models.WorkerState
	log        []llm.Message
	inbox      []*models.RelayMessage
	pendingAck map[string]*models.RelayMessage
	sent       []*models.RelayMessage
	injected   int
}

// NewRuntime creates a worker for a role. emit may be nil.
func NewRuntime(id, sessionID string, role models.Role, cfg models.WorkerConfig,
	provider llm.Provider, llmCfg llm.Config, skillSet *skills.WorkerSkillSet,
	relay Broadcaster, emit func(Event)) *Runtime {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Runtime{
		id:        id,
		sessionID: sessionID,
		role:      role,
		cfg:       cfg,
		provider:  provider,
		llmCfg:    llmCfg,
		skillSet:  skillSet,
		relay:     relay,
		emit:      emit,
		state: models.WorkerState{
			ID:        id,
			SessionID: sessionID,
			RoleName:  role.Name,
			Status:    models.WorkerPending,
		},
		pendingAck: make(map[string]*models.RelayMessage),
	}
}

// ID returns the worker id.
func (r *Runtime) ID() string { return r.id }

// Role returns the worker's role profile.
func (r *Runtime) Role() models.Role { return r.role }

// State returns a snapshot with thinking bounded to its tail.
func (r *Runtime) State() models.WorkerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	st.Thinking = r.state.ThinkingTail(2000)
	return st
}

// Pause raises the pause flag; the loop honors it at the next iteration
// top.
func (r *Runtime) Pause() { r.paused.Store(true) }

// Resume clears the pause flag.
func (r *Runtime) Resume() { r.paused.Store(false) }

// Cancel aborts the loop before its next iteration.
func (r *Runtime) Cancel() {
	r.cancelled.Store(true)
	r.paused.Store(false)
}

// ReceiveRelay is the coordinator inbox callback for regular messages.
func (r *Runtime) ReceiveRelay(msg *models.RelayMessage) {
	msg.MarkViewed(r.id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.RequiresAcknowledgement() {
		r.pendingAck[msg.ID] = msg
	}
	r.inbox = append(r.inbox, msg)
}

// ReceiveIntervention is the coordinator callback for human
// interventions. Inject messages queue as-is; adjust messages are raised
// to importance >= 0.9; other kinds queue so the worker narrates
// awareness while the actual control action comes through the flags.
func (r *Runtime) ReceiveIntervention(msg *models.RelayMessage) {
	msg.MarkViewed(r.id)
	kind, _ := msg.Metadata["intervention_kind"].(string)
	if models.InterventionKind(kind) == models.InterventionAdjust && msg.Importance < 0.9 {
		msg.Importance = 0.9
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if msg.RequiresAcknowledgement() {
		r.pendingAck[msg.ID] = msg
	}
	r.inbox = append(r.inbox, msg)
}

// InjectInformation force-feeds information into the worker's context as
// an emphatic user message, bypassing the inbox.
func (r *Runtime) InjectInformation(info string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injected++
	r.log = append(r.log, llm.Message{
		Role: "user",
		Content: fmt.Sprintf("🔔 [强制注入 #%d] 请立即将以下信息纳入你的工作,并说明其影响:\n%s",
			r.injected, info),
	})
}

// SentMessages returns the relay messages this worker has emitted.
func (r *Runtime) SentMessages() []*models.RelayMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.RelayMessage(nil), r.sent...)
}

// Run executes the cooperative loop until completion, cancellation,
// failure or the iteration cap. It always leaves the worker in a
// terminal status.
func (r *Runtime) Run(ctx context.Context, task string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	now := time.Now()
	r.mu.Lock()
	r.state.StartedAt = &now
	r.log = []llm.Message{
		{Role: "system", Content: buildSystemPrompt(r.role, r.skillSet.PromptInjections())},
		{Role: "user", Content: taskPrompt(task, r.role)},
	}
	r.mu.Unlock()
	r.setStatus(models.WorkerRunning)

	var lastText string
	for iter := 1; iter <= r.cfg.MaxIterations; iter++ {
		if r.cancelled.Load() {
			r.finishCancelled()
			return nil
		}
		if err := r.waitWhilePaused(ctx); err != nil {
			return r.finishFromContext(err)
		}
		if r.cancelled.Load() {
			r.finishCancelled()
			return nil
		}

		r.mu.Lock()
		r.state.Iteration = iter
		r.mu.Unlock()

		r.drainInbox()

		progress := float64(iter) / float64(r.cfg.MaxIterations) * 100
		if progress > 95 {
			progress = 95
		}
		r.mu.Lock()
		r.state.Progress = progress
		r.mu.Unlock()
		r.emit(Event{Kind: EventProgress, WorkerID: r.id, RoleName: r.role.Name,
			Progress: progress, Iteration: iter})

		text, err := r.invokeLLM(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.finishFromContext(ctx.Err())
			}
			r.finishFailed(err)
			return err
		}
		lastText = text

		r.mu.Lock()
		r.state.PartialResult = text
		r.mu.Unlock()

		if wantsCompletion(text, iter) {
			blockers := r.completionBlockers()
			if len(blockers) == 0 || hasAckPhrase(text) {
				if hasAckPhrase(text) {
					r.acknowledgePending()
				}
				r.finishCompleted(text)
				return nil
			}
			slog.Info("Worker completion blocked by pending messages",
				"worker_id", r.id, "blockers", len(blockers))
			r.appendUser(completionBlockedPrompt(blockers))
			continue
		}

		r.scanTriggers(text, iter)
		r.appendUser(continuationPrompt(iter, r.pendingCount()))
	}

	// Iteration cap reached: complete with what we have.
	slog.Info("Worker reached max iterations, completing",
		"worker_id", r.id, "iterations", r.cfg.MaxIterations)
	r.finishCompleted(lastText)
	return nil
}

func taskPrompt(task string, role models.Role) string {
	if role.TaskSegment != "" {
		return fmt.Sprintf("总任务: %s\n\n你负责的部分: %s\n请开始你的工作。", task, role.TaskSegment)
	}
	return "任务: " + task + "\n请开始你的工作。"
}

// waitWhilePaused blocks while the pause flag is up, rechecking every
// 500ms.
func (r *Runtime) waitWhilePaused(ctx context.Context) error {
	wasPaused := false
	for r.paused.Load() && !r.cancelled.Load() {
		if !wasPaused {
			wasPaused = true
			r.setStatus(models.WorkerPaused)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pauseRecheckInterval):
		}
	}
	if wasPaused {
		r.setStatus(models.WorkerRunning)
	}
	return nil
}

// drainInbox moves queued messages into the log, interventions first by
// descending importance.
func (r *Runtime) drainInbox() {
	r.mu.Lock()
	queued := r.inbox
	r.inbox = nil

	var interventions, regular []*models.RelayMessage
	for _, m := range queued {
		if m.Kind == models.RelayHumanIntervention {
			interventions = append(interventions, m)
		} else {
			regular = append(regular, m)
		}
	}
	sort.SliceStable(interventions, func(i, j int) bool {
		return interventions[i].Importance > interventions[j].Importance
	})

	for _, m := range interventions {
		r.log = append(r.log, llm.Message{Role: "user", Content: inboxPrompt(m)})
	}
	for _, m := range regular {
		r.log = append(r.log, llm.Message{Role: "user", Content: inboxPrompt(m)})
	}
	r.mu.Unlock()
}

// invokeLLM runs the tool-call subloop and then a streamed conclusion
// call, returning the final free-form text.
func (r *Runtime) invokeLLM(ctx context.Context) (string, error) {
	tools := r.skillSet.ToolDefinitions()

	round := 0
	for ; len(tools) > 0 && round < maxToolRounds; round++ {
		detectCtx, cancel := context.WithTimeout(ctx, toolDetectTimeout)
		comp, err := r.provider.ChatComplete(detectCtx, r.snapshotLog(), tools, r.llmCfg)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				r.emitThinking("(工具检测超时,跳过工具直接生成结论)\n")
				break
			}
			return "", fmt.Errorf("tool detection call: %w", err)
		}
		if len(comp.ToolCalls) == 0 {
			if strings.TrimSpace(comp.Content) != "" {
				r.appendAssistant(comp.Content, nil)
			}
			break
		}

		r.appendAssistant(comp.Content, comp.ToolCalls)
		for _, tc := range comp.ToolCalls {
			r.executeToolCall(ctx, tc)
		}
	}
	if round == maxToolRounds {
		r.appendUser("工具调用轮次已用尽,请不要再调用工具,基于已有结果直接给出本轮结论。")
	}

	return r.streamConclusion(ctx)
}

func (r *Runtime) executeToolCall(ctx context.Context, tc llm.ToolCall) {
	r.emit(Event{Kind: EventToolCallStart, WorkerID: r.id, RoleName: r.role.Name,
		ToolCallID: tc.ID, ToolName: tc.Function.Name})

	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			slog.Warn("Tool arguments unparseable, passing raw task",
				"worker_id", r.id, "tool", tc.Function.Name, "error", err)
			args = map[string]any{"task": tc.Function.Arguments}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	res := r.skillSet.Execute(callCtx, tc.Function.Name, args)
	cancel()

	preview := res.Result
	if !res.Success {
		preview = res.Error
	}
	r.emit(Event{Kind: EventToolCallResult, WorkerID: r.id, RoleName: r.role.Name,
		ToolCallID: tc.ID, ToolName: tc.Function.Name,
		ToolSuccess: res.Success, ToolSummary: res.Summary,
		ToolPreview: truncateRunes(preview, maxToolPreviewChars)})

	r.mu.Lock()
	r.log = append(r.log, llm.Message{
		Role:       "tool",
		Content:    compactToolResult(res),
		ToolCallID: tc.ID,
	})
	r.mu.Unlock()
}

// compactToolResult renders a skill result as compact JSON bounded to
// 1200 chars.
func compactToolResult(res *skills.Result) string {
	clone := *res
	clone.Result = truncateRunes(clone.Result, maxToolResultChars)
	raw, err := json.Marshal(&clone)
	if err != nil {
		return fmt.Sprintf(`{"success":%t,"error":"unencodable result"}`, res.Success)
	}
	return truncateRunes(string(raw), maxToolResultChars+200)
}

// streamConclusion makes the final non-tool call, streaming thinking
// deltas out.
func (r *Runtime) streamConclusion(ctx context.Context) (string, error) {
	chunks, err := r.provider.Chat(ctx, r.snapshotLog(), r.llmCfg)
	if err != nil {
		return "", fmt.Errorf("conclusion call: %w", err)
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", fmt.Errorf("conclusion stream: %w", chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		r.emitThinking(chunk.Text)
	}

	text := b.String()
	r.appendAssistant(text, nil)
	return text, nil
}

// completionBlockers lists the pending items that veto completion.
func (r *Runtime) completionBlockers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var blockers []string
	for _, m := range r.inbox {
		switch {
		case m.Kind == models.RelayHumanIntervention:
			kind, _ := m.Metadata["intervention_kind"].(string)
			priority := metadataInt(m.Metadata, "priority")
			ik := models.InterventionKind(kind)
			if priority >= 7 || ik == models.InterventionInject || ik == models.InterventionAdjust {
				blockers = append(blockers,
					fmt.Sprintf("未处理的人工干预(%s,优先级 %d)", kind, priority))
			}
		case metadataBool(m.Metadata, "requires_response"):
			blockers = append(blockers,
				fmt.Sprintf("来自 %s 的消息要求回应: %s", m.SourceName, truncateRunes(m.Content, 80)))
		}
	}
	for _, m := range r.pendingAck {
		blockers = append(blockers,
			"待确认的干预: "+truncateRunes(m.Content, 80))
	}
	return blockers
}

// acknowledgePending marks all pending-ack messages acknowledged by this
// worker and clears the set.
func (r *Runtime) acknowledgePending() {
	r.mu.Lock()
	pending := r.pendingAck
	r.pendingAck = make(map[string]*models.RelayMessage)
	r.mu.Unlock()
	for _, m := range pending {
		m.MarkAcknowledged(r.id)
	}
}

// scanTriggers emits at most one relay message per round from trigger
// markers in the final text.
func (r *Runtime) scanTriggers(text string, iteration int) {
	if !r.cfg.RelayEnabled || r.relay == nil {
		return
	}
	cand, ok := detectTrigger(text, iteration)
	if !ok {
		return
	}

	msg := models.NewRelayMessage(cand.kind, r.id, r.role.Name, cand.content, nil, triggerImportance)
	msg.Metadata["reason"] = cand.reason
	msg.Metadata["iteration"] = iteration

	r.mu.Lock()
	r.sent = append(r.sent, msg)
	r.mu.Unlock()

	if err := r.relay.BroadcastMessage(msg, ""); err != nil {
		slog.Warn("Relay emission failed", "worker_id", r.id, "error", err)
		return
	}
	r.emit(Event{Kind: EventRelaySent, WorkerID: r.id, RoleName: r.role.Name, Relay: msg})
}

func (r *Runtime) pendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox) + len(r.pendingAck)
}

func (r *Runtime) snapshotLog() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]llm.Message(nil), r.log...)
}

func (r *Runtime) appendUser(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, llm.Message{Role: "user", Content: content})
}

func (r *Runtime) appendAssistant(content string, toolCalls []llm.ToolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, llm.Message{Role: "assistant", Content: content, ToolCalls: toolCalls})
}

func (r *Runtime) emitThinking(delta string) {
	r.mu.Lock()
	r.state.Thinking += delta
	r.mu.Unlock()
	r.emit(Event{Kind: EventThinking, WorkerID: r.id, RoleName: r.role.Name, Delta: delta})
}

func (r *Runtime) setStatus(status models.WorkerStatus) {
	r.mu.Lock()
	old := r.state.Status
	r.state.Status = status
	r.mu.Unlock()
	if old == status {
		return
	}
	r.emit(Event{Kind: EventStatus, WorkerID: r.id, RoleName: r.role.Name,
		OldStatus: old, NewStatus: status})
}

func (r *Runtime) finishCompleted(result string) {
	now := time.Now()
	r.mu.Lock()
	r.state.FinalResult = result
	r.state.Progress = 100
	r.state.CompletedAt = &now
	r.mu.Unlock()
	r.emit(Event{Kind: EventResult, WorkerID: r.id, RoleName: r.role.Name, Result: result})
	r.setStatus(models.WorkerCompleted)
}

func (r *Runtime) finishCancelled() {
	now := time.Now()
	r.mu.Lock()
	r.state.CompletedAt = &now
	r.mu.Unlock()
	r.setStatus(models.WorkerCancelled)
}

func (r *Runtime) finishFailed(err error) {
	now := time.Now()
	r.mu.Lock()
	r.state.Error = err.Error()
	r.state.CompletedAt = &now
	r.mu.Unlock()
	r.emit(Event{Kind: EventError, WorkerID: r.id, RoleName: r.role.Name, Error: err.Error()})
	r.setStatus(models.WorkerFailed)
}

// finishFromContext maps a context error to the right terminal status.
func (r *Runtime) finishFromContext(err error) error {
	if r.cancelled.Load() {
		r.finishCancelled()
		return nil
	}
	r.finishFailed(fmt.Errorf("worker aborted: %w", err))
	return err
}

func metadataBool(md map[string]any, key string) bool {
	v, ok := md[key].(bool)
	return ok && v
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
