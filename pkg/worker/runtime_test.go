package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/llm/llmtest"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/skills"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []*models.RelayMessage
}

func (f *fakeRelay) BroadcastMessage(msg *models.RelayMessage, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return nil
}

func testRole() models.Role {
	return models.Role{
		Name:         "数据研究员",
		Description:  "负责数据核查",
		SystemPrompt: "你是数据研究员。",
		TaskSegment:  "核查票房与口碑数据",
	}
}

func newTestRuntime(t *testing.T, p llm.Provider, rec *eventRecorder, assigned ...string) (*Runtime, *fakeRelay) {
	t.Helper()
	registry := skills.NewRegistry()
	set := skills.NewWorkerSkillSet("w1", registry, skills.NewExecutor(registry))
	set.AssignAll(assigned)

	relay := &fakeRelay{}
	rt := NewRuntime("w1", "sess-1", testRole(), models.DefaultWorkerConfig(),
		p, llm.DefaultConfig("test-model"), set, relay, rec.record)
	return rt, relay
}

func TestRunCompletesOnMarker(t *testing.T) {
	p := llmtest.New().QueueStream(
		"初步核查了票房数据,还需要对比口碑。",
		"核查完毕,数据一致。[任务完成]",
	)
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)

	require.NoError(t, rt.Run(context.Background(), "分析电影X"))

	st := rt.State()
	require.Equal(t, models.WorkerCompleted, st.Status)
	require.Contains(t, st.FinalResult, "[任务完成]")
	require.EqualValues(t, 100, st.Progress)
	require.Equal(t, 2, st.Iteration)
	require.NotNil(t, st.CompletedAt)

	require.Len(t, rec.byKind(EventResult), 1)
	statuses := rec.byKind(EventStatus)
	require.Equal(t, models.WorkerRunning, statuses[0].NewStatus)
	require.Equal(t, models.WorkerCompleted, statuses[len(statuses)-1].NewStatus)

	// The second call saw a continuation prompt after the first round.
	second := p.ChatCalls[1]
	last := second[len(second)-1]
	require.Equal(t, "user", last.Role)
	require.Contains(t, last.Content, "深入挖掘")
}

func TestRunMaxIterationsStillCompletes(t *testing.T) {
	p := llmtest.New()
	p.StreamDefault = "仍在分析,没有结论标记。"
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)
	rt.cfg.MaxIterations = 2

	require.NoError(t, rt.Run(context.Background(), "任务"))

	st := rt.State()
	require.Equal(t, models.WorkerCompleted, st.Status)
	require.Equal(t, "仍在分析,没有结论标记。", st.FinalResult)
	require.Len(t, p.ChatCalls, 2)
}

func TestCompletionBlockedUntilAcknowledged(t *testing.T) {
	p := llmtest.New().QueueStream(
		"核查完毕。[任务完成]",
		"已收到干预通知,已整合新信息。[任务完成]",
	)
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)

	iv := models.NewRelayMessage(models.RelayHumanIntervention, "human_operator", "人工操作员",
		"请注意新的票房口径", nil, 1.0)
	iv.Metadata["requires_acknowledgement"] = true
	iv.Metadata["intervention_kind"] = string(models.InterventionInject)
	iv.Metadata["priority"] = 8
	rt.ReceiveIntervention(iv)

	require.NoError(t, rt.Run(context.Background(), "任务"))

	st := rt.State()
	require.Equal(t, models.WorkerCompleted, st.Status)
	require.Equal(t, 2, st.Iteration)
	require.True(t, iv.AcknowledgedBy["w1"])

	// Round 2 log carries the completion-blocked prompt.
	second := p.ChatCalls[1]
	var blocked bool
	for _, m := range second {
		if strings.Contains(m.Content, "暂缓完成") {
			blocked = true
		}
	}
	require.True(t, blocked)
}

func TestRunToolSubloop(t *testing.T) {
	p := llmtest.New()
	calls := 0
	p.CompleteFunc = func([]llm.Message) (*llm.Completion, error) {
		calls++
		if calls == 1 {
			return &llm.Completion{ToolCalls: []llm.ToolCall{{
				ID:   "call-1",
				Type: "function",
				Function: llm.FunctionCall{
					Name:      "reasoning",
					Arguments: `{"task": "核对数据口径"}`,
				},
			}}}, nil
		}
		return &llm.Completion{}, nil
	}
	p.StreamDefault = "基于推理结果,结论如下。[任务完成]"

	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec, "reasoning")

	require.NoError(t, rt.Run(context.Background(), "任务"))
	require.Equal(t, models.WorkerCompleted, rt.State().Status)

	starts := rec.byKind(EventToolCallStart)
	require.Len(t, starts, 1)
	require.Equal(t, "reasoning", starts[0].ToolName)

	results := rec.byKind(EventToolCallResult)
	require.Len(t, results, 1)
	require.True(t, results[0].ToolSuccess)

	// The conclusion call saw the tool result in the log.
	conclusion := p.ChatCalls[0]
	var toolEntry *llm.Message
	for i := range conclusion {
		if conclusion[i].Role == "tool" {
			toolEntry = &conclusion[i]
		}
	}
	require.NotNil(t, toolEntry)
	require.Equal(t, "call-1", toolEntry.ToolCallID)
	require.Contains(t, toolEntry.Content, `"success":true`)
}

func TestTriggerEmission(t *testing.T) {
	p := llmtest.New().QueueStream(
		"[关键发现] 海外口碑与国内评分的分化达到历史峰值\n\n继续分析其余部分。",
		"收尾。[任务完成]",
	)
	rec := &eventRecorder{}
	rt, relay := newTestRuntime(t, p, rec)

	require.NoError(t, rt.Run(context.Background(), "任务"))

	require.Len(t, relay.msgs, 1)
	msg := relay.msgs[0]
	require.Equal(t, models.RelayDiscovery, msg.Kind)
	require.Equal(t, "w1", msg.SourceWorkerID)
	require.InDelta(t, 0.8, msg.Importance, 1e-9)
	require.Equal(t, 1, msg.Metadata["iteration"])

	require.Len(t, rt.SentMessages(), 1)
	require.Len(t, rec.byKind(EventRelaySent), 1)
}

func TestCancelBeforeFirstIteration(t *testing.T) {
	p := llmtest.New()
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)

	rt.Cancel()
	require.NoError(t, rt.Run(context.Background(), "任务"))
	require.Equal(t, models.WorkerCancelled, rt.State().Status)
	require.Empty(t, p.ChatCalls)
}

func TestPauseAndResume(t *testing.T) {
	p := llmtest.New()
	p.StreamDefault = "完毕。[任务完成]"
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)

	rt.Pause()
	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background(), "任务") }()

	require.Eventually(t, func() bool {
		return rt.State().Status == models.WorkerPaused
	}, 2*time.Second, 20*time.Millisecond)

	rt.Resume()
	require.NoError(t, <-done)
	require.Equal(t, models.WorkerCompleted, rt.State().Status)
}

func TestInjectInformation(t *testing.T) {
	p := llmtest.New()
	var injected atomic.Bool
	p.ChatFunc = func(messages []llm.Message) (string, error) {
		if !injected.Load() {
			return "第一轮分析,无结论。", nil
		}
		for _, m := range messages {
			if strings.Contains(m.Content, "强制注入") {
				return "已整合注入信息。[任务完成]", nil
			}
		}
		return "仍未看到注入内容。", nil
	}
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background(), "任务") }()

	require.Eventually(t, func() bool {
		return rt.State().Iteration >= 1
	}, 2*time.Second, 10*time.Millisecond)
	rt.InjectInformation("最新数据: 次周票房回升 40%")
	injected.Store(true)

	require.NoError(t, <-done)
	require.Equal(t, models.WorkerCompleted, rt.State().Status)
}

func TestAdjustInterventionRaisesImportance(t *testing.T) {
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, llmtest.New(), rec)

	msg := models.NewRelayMessage(models.RelayHumanIntervention, "human_operator", "人工操作员",
		"调整分析口径", nil, 0.5)
	msg.Metadata["intervention_kind"] = string(models.InterventionAdjust)
	rt.ReceiveIntervention(msg)

	require.InDelta(t, 0.9, msg.Importance, 1e-9)
	require.True(t, msg.ViewedBy["w1"])
}

func TestProgressCappedAt95(t *testing.T) {
	p := llmtest.New()
	p.StreamDefault = "继续分析,无结论。"
	rec := &eventRecorder{}
	rt, _ := newTestRuntime(t, p, rec)
	rt.cfg.MaxIterations = 3

	require.NoError(t, rt.Run(context.Background(), "任务"))

	ticks := rec.byKind(EventProgress)
	require.Len(t, ticks, 3)
	for _, e := range ticks {
		require.LessOrEqual(t, e.Progress, float64(95))
	}
	require.InDelta(t, 100.0/3, ticks[0].Progress, 0.01)
}
