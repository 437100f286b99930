package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/skills"
)

const (
	directMaxToolRounds  = 5
	directToolTimeout    = 45 * time.Second
	directMaxRounds      = 6
	directMaxChars       = 24000
	directToolResultKeep = 1500
)

const directSystemPrompt = `你是一个全能的智能助手,可以调用工具完成搜索、分析与推理。
回答要准确、结构化;需要外部信息时优先使用工具,然后基于结果作答。`

// Direct is the single-agent conversation mode: no planner, no relay,
// a rolling multi-turn history with the same tool subloop workers use.
type Direct struct {
	sessionID string
	provider  llm.Provider
	llmCfg    llm.Config
	skillSet  *skills.WorkerSkillSet

	sinkMu  sync.Mutex
	sink    func(agui.Event)
	pending []agui.Event

	mu      sync.Mutex
	history []llm.Message
}

// NewDirect creates a direct-mode agent with the full skill catalog.
func NewDirect(sessionID string, provider llm.Provider, llmCfg llm.Config, registry *skills.Registry) *Direct {
	set := skills.NewWorkerSkillSet(sessionID, registry, skills.NewExecutor(registry))
	set.AssignAll(registry.Names())
	return &Direct{
		sessionID: sessionID,
		provider:  provider,
		llmCfg:    llmCfg,
		skillSet:  set,
	}
}

// AttachSink directs events to fn and flushes buffered events.
func (d *Direct) AttachSink(fn func(agui.Event)) {
	d.sinkMu.Lock()
	d.sink = fn
	buffered := d.pending
	d.pending = nil
	d.sinkMu.Unlock()
	for _, e := range buffered {
		fn(e)
	}
}

// DetachSink stops event delivery.
func (d *Direct) DetachSink() {
	d.sinkMu.Lock()
	d.sink = nil
	d.sinkMu.Unlock()
}

func (d *Direct) emit(e agui.Event) {
	d.sinkMu.Lock()
	sink := d.sink
	if sink == nil {
		if len(d.pending) < maxPendingEvents {
			d.pending = append(d.pending, e)
		}
		d.sinkMu.Unlock()
		return
	}
	d.sinkMu.Unlock()
	sink(e)
}

// History returns a copy of the rolling conversation.
func (d *Direct) History() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]llm.Message(nil), d.history...)
}

// ExecuteTask runs one conversational turn: tool rounds, then a streamed
// answer, then history trimming.
func (d *Direct) ExecuteTask(ctx context.Context, task string) error {
	runID := uuid.New().String()
	d.emit(agui.New(agui.EventRunStarted, agui.RunStartedData{ThreadID: d.sessionID, RunID: runID}))

	d.mu.Lock()
	d.history = append(d.history, llm.Message{Role: "user", Content: task})
	d.mu.Unlock()

	if err := d.runToolRounds(ctx); err != nil {
		d.emit(agui.New(agui.EventRunError, agui.RunErrorData{Message: err.Error()}))
		return err
	}

	answer, err := d.streamAnswer(ctx)
	if err != nil {
		d.emit(agui.New(agui.EventRunError, agui.RunErrorData{Message: err.Error()}))
		return err
	}

	d.mu.Lock()
	d.history = append(d.history, llm.Message{Role: "assistant", Content: answer})
	d.trimHistoryLocked()
	d.mu.Unlock()

	d.emit(agui.New(agui.EventRunFinished, agui.RunFinishedData{ThreadID: d.sessionID, RunID: runID}))
	return nil
}

func (d *Direct) runToolRounds(ctx context.Context) error {
	tools := d.skillSet.ToolDefinitions()
	if len(tools) == 0 {
		return nil
	}

	for round := 0; round < directMaxToolRounds; round++ {
		comp, err := d.provider.ChatComplete(ctx, d.messages(), tools, d.llmCfg)
		if err != nil {
			return fmt.Errorf("tool detection call: %w", err)
		}
		if len(comp.ToolCalls) == 0 {
			return nil
		}

		d.mu.Lock()
		d.history = append(d.history, llm.Message{
			Role: "assistant", Content: comp.Content, ToolCalls: comp.ToolCalls,
		})
		d.mu.Unlock()

		for _, tc := range comp.ToolCalls {
			d.executeToolCall(ctx, tc)
		}
	}

	d.mu.Lock()
	d.history = append(d.history, llm.Message{
		Role:    "user",
		Content: "工具调用轮次已用尽,请基于已有结果直接回答。",
	})
	d.mu.Unlock()
	return nil
}

func (d *Direct) executeToolCall(ctx context.Context, tc llm.ToolCall) {
	d.emit(agui.New(agui.EventToolCallStart, agui.ToolCallStartData{
		ToolCallID: tc.ID, ToolCallName: tc.Function.Name,
	}))

	args := map[string]any{}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			slog.Warn("Tool arguments unparseable", "session_id", d.sessionID,
				"tool", tc.Function.Name, "error", err)
			args = map[string]any{"task": tc.Function.Arguments}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, directToolTimeout)
	res := d.skillSet.Execute(callCtx, tc.Function.Name, args)
	cancel()

	preview := res.Result
	if !res.Success {
		preview = res.Error
	}
	d.emit(agui.New(agui.EventToolCallResult, agui.ToolCallResultData{
		ToolCallID: tc.ID, Success: res.Success,
		Summary: res.Summary, ResultPreview: truncateRunes(preview, 500),
	}))

	raw, err := json.Marshal(res)
	if err != nil {
		raw = []byte(`{"success":false,"error":"unencodable result"}`)
	}
	d.mu.Lock()
	d.history = append(d.history, llm.Message{
		Role:       "tool",
		Content:    truncateRunes(string(raw), directToolResultKeep),
		ToolCallID: tc.ID,
	})
	d.mu.Unlock()
}

func (d *Direct) streamAnswer(ctx context.Context) (string, error) {
	messageID := uuid.New().String()
	d.emit(agui.New(agui.EventTextMessageStart, agui.TextMessageStartData{
		MessageID: messageID, Role: "assistant",
	}))

	chunks, err := d.provider.Chat(ctx, d.messages(), d.llmCfg)
	if err != nil {
		return "", fmt.Errorf("answer call: %w", err)
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return "", fmt.Errorf("answer stream: %w", chunk.Err)
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		d.emit(agui.New(agui.EventTextMessageContent, agui.TextMessageContentData{
			MessageID: messageID, Delta: chunk.Text,
		}))
	}
	d.emit(agui.New(agui.EventTextMessageEnd, agui.TextMessageEndData{MessageID: messageID}))
	return b.String(), nil
}

// messages snapshots the conversation with the system prompt
// prepended.
func (d *Direct) messages() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]llm.Message, 0, len(d.history)+1)
	out = append(out, llm.Message{Role: "system", Content: directSystemPrompt})
	return append(out, d.history...)
}

// trimHistoryLocked bounds the rolling history: long tool results are
// truncated, at most 6 rounds are kept, and rounds are dropped oldest
// first while the total exceeds 24000 chars and more than 2 rounds
// remain. A round runs from one user message to just before the next.
func (d *Direct) trimHistoryLocked() {
	for i := range d.history {
		if d.history[i].Role == "tool" {
			d.history[i].Content = truncateRunes(d.history[i].Content, directToolResultKeep)
		}
	}

	starts := roundStarts(d.history)
	if len(starts) > directMaxRounds {
		d.history = d.history[starts[len(starts)-directMaxRounds]:]
		starts = roundStarts(d.history)
	}

	for historyChars(d.history) > directMaxChars && len(starts) > 2 {
		d.history = d.history[starts[1]:]
		starts = roundStarts(d.history)
	}
}

func roundStarts(history []llm.Message) []int {
	var starts []int
	for i, m := range history {
		if m.Role == "user" {
			starts = append(starts, i)
		}
	}
	return starts
}

func historyChars(history []llm.Message) int {
	total := 0
	for _, m := range history {
		total += len([]rune(m.Content))
	}
	return total
}
