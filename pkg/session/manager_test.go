package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/llm/llmtest"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/orchestrator"
	"github.com/emergentworks/swarmd/pkg/skills"
	"github.com/emergentworks/swarmd/pkg/storage"
	"github.com/emergentworks/swarmd/pkg/storage/memory"
)

const twoRolePlan = `{
  "analysis": "需要导演与数据两个视角",
  "roles": [
    {"name": "导演视角分析师", "description": "分析镜头语言"},
    {"name": "数据研究员", "description": "统计票房与口碑数据"}
  ],
  "phases": [{"name": "并行分析", "participants": ["导演视角分析师", "数据研究员"]}],
  "integration_strategy": "按主题合并"
}`

func scriptedChat(messages []llm.Message) (string, error) {
	system := messages[0].Content
	switch {
	case strings.Contains(system, "组织者"):
		return "```json\n" + twoRolePlan + "\n```", nil
	case strings.Contains(system, "总协调者"):
		return "# 最终报告\n两个视角的结论一致。", nil
	default:
		return "角色结论完成。[任务完成]", nil
	}
}

func scriptedFactory(chat func([]llm.Message) (string, error)) ProviderFactory {
	return func(rec *models.SessionRecord) (llm.Provider, llm.Config, error) {
		p := llmtest.New()
		p.ChatFunc = chat
		return p, llm.DefaultConfig("test-model"), nil
	}
}

func newTestManager(t *testing.T) (*Manager, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(repo, skills.NewRegistry(), logger)
	m.providers = scriptedFactory(scriptedChat)
	return m, repo
}

func createSession(t *testing.T, m *Manager, mode models.SessionMode) *models.SessionRecord {
	t.Helper()
	rec, err := m.CreateSession(context.Background(), "分析电影X", mode, "openai", "test-model", "u1")
	require.NoError(t, err)
	return rec
}

func TestCreateSessionPersistsRecord(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)

	stored, err := repo.GetSession(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, stored.Status)
	require.Equal(t, "分析电影X", stored.Task)
	require.Equal(t, "u1", stored.UserID)
}

func TestCreateSessionLimit(t *testing.T) {
	m, _ := newTestManager(t)
	m.maxSessions = 2
	createSession(t, m, models.ModeEmergent)
	createSession(t, m, models.ModeEmergent)

	_, err := m.CreateSession(context.Background(), "再来一个", models.ModeEmergent, "openai", "", "u1")
	require.ErrorIs(t, err, ErrMaxSessions)
}

func TestGetSessionUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.GetSession(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	m, _ := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)

	a := m.Subscribe(rec.ID)
	b := m.Subscribe(rec.ID)
	require.Equal(t, 2, m.SubscriberCounts()[rec.ID])

	m.BroadcastStateChanged(context.Background(), rec.ID, "agent_added", map[string]any{"count": 1})

	for _, sub := range []*Subscriber{a, b} {
		select {
		case e := <-sub.Ch:
			require.Equal(t, agui.EventSessionStateChanged, e.Type)
			var d agui.SessionStateChangedData
			require.NoError(t, e.DecodeData(&d))
			require.Equal(t, "agent_added", d.ChangeType)
		default:
			t.Fatal("subscriber did not receive event")
		}
	}

	m.Unsubscribe(a)
	m.Unsubscribe(a)
	require.Equal(t, 1, m.SubscriberCounts()[rec.ID])
	_, open := <-a.Ch
	require.False(t, open)
}

func TestSlowSubscriberDropsOverflowButStaysSubscribed(t *testing.T) {
	m, _ := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	sub := m.Subscribe(rec.ID)
	for i := 0; i < subscriberQueueSize+10; i++ {
		m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventHeartbeat, nil))
	}

	// Overflow is dropped for the slow subscriber, not fatal to it.
	require.Equal(t, 1, m.SubscriberCounts()[rec.ID])
	for i := 0; i < subscriberQueueSize; i++ {
		<-sub.Ch
	}
	select {
	case e := <-sub.Ch:
		t.Fatalf("expected overflow to be dropped, got %s", e.Type)
	default:
	}

	// Once drained, the subscriber receives new events again.
	m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventRunFinished, nil))
	e := <-sub.Ch
	require.Equal(t, agui.EventRunFinished, e.Type)

	m.Unsubscribe(sub)
	_, open := <-sub.Ch
	require.False(t, open)
}

func TestCriticalEventsMaterializeSynchronously(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventAgentSpawned, agui.AgentSpawnedData{
		AgentID:  "w1",
		RoleName: "导演视角分析师",
	}))
	agents, err := repo.ListAgents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, models.WorkerPending, agents[0].Status)

	m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventAgentStatusChanged, agui.AgentStatusChangedData{
		AgentID:   "w1",
		NewStatus: string(models.WorkerRunning),
	}))
	agents, err = repo.ListAgents(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.WorkerRunning, agents[0].Status)

	m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventRelayMessageSent, agui.RelayMessageSentData{
		MessageID:     "msg-1",
		RelayType:     string(models.RelayDiscovery),
		SourceAgentID: "w1",
		Content:       "重要发现",
		Importance:    0.8,
	}))
	relayMsgs, err := repo.ListRelayMessages(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, relayMsgs, 1)
	require.Equal(t, models.RelayDiscovery, relayMsgs[0].Kind)
}

func TestStreamedMessagePersistsInOrder(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventTextMessageStart, agui.TextMessageStartData{
		MessageID: "msg-1", Role: "assistant",
	}))
	for _, delta := range []string{"第一", "第二", "第三"} {
		m.BroadcastEvent(ctx, rec.ID, agui.New(agui.EventTextMessageContent, agui.TextMessageContentData{
			MessageID: "msg-1", Delta: delta,
		}))
	}
	m.Close()

	msgs, err := repo.ListMessages(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "第一第二第三", msgs[0].Content)
}

func TestFullRunLifecycle(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	master, err := m.GetOrCreateMaster(ctx, rec.ID)
	require.NoError(t, err)

	sub := m.Subscribe(rec.ID)
	var mu sync.Mutex
	var received []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.Ch {
			mu.Lock()
			received = append(received, e.Type)
			mu.Unlock()
		}
	}()

	require.NoError(t, master.ExecuteTask(ctx, "分析电影X", orchestrator.ExecuteOptions{}))
	require.NoError(t, m.SaveTaskCompletion(ctx, rec.ID))
	m.Unsubscribe(sub)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, agui.EventRunStarted, received[0])
	require.Contains(t, received, agui.EventRunFinished)

	stored, err := repo.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, stored.Status)
	require.Contains(t, stored.FinalReport, "最终报告")
	require.NotNil(t, stored.CompletedAt)

	agents, err := repo.ListAgents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	for _, a := range agents {
		require.Equal(t, models.WorkerCompleted, a.Status)
	}

	require.True(t, m.HasHistory(ctx, rec.ID))
}

func TestPrepareFollowup(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	first, err := m.GetOrCreateMaster(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, first.ExecuteTask(ctx, "分析电影X", orchestrator.ExecuteOptions{}))
	require.NoError(t, m.SaveTaskCompletion(ctx, rec.ID))

	second, opts, err := m.PrepareFollowup(ctx, rec.ID, "与电影Y对比")
	require.NoError(t, err)
	require.NotSame(t, first, second)
	require.Contains(t, opts.FollowupContext, "上一轮任务结论")
	require.Contains(t, opts.FollowupContext, "最终报告")
	require.Len(t, opts.PreviousRoles, 2)

	stored, err := repo.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, stored.Status)
	require.Equal(t, "与电影Y对比", stored.Task)
	require.Nil(t, stored.CompletedAt)

	require.NoError(t, second.ExecuteTask(ctx, "与电影Y对比", opts))
	require.NoError(t, m.SaveTaskCompletion(ctx, rec.ID))
}

func TestBuildFollowupContext(t *testing.T) {
	require.Empty(t, BuildFollowupContext(nil))

	snap := &models.FollowupSnapshot{
		FinalReport: strings.Repeat("长", 2000),
	}
	for i := 0; i < 5; i++ {
		snap.TaskHistory = append(snap.TaskHistory, models.TaskRound{
			Task:    fmt.Sprintf("任务%d", i),
			Summary: "结论",
		})
	}

	out := BuildFollowupContext(snap)
	require.LessOrEqual(t, len([]rune(out)), followupTotalChars+3)
	require.Contains(t, out, "上一轮任务结论")
	// Only the three most recent rounds survive trimming.
	require.NotContains(t, out, "任务0")
	require.NotContains(t, out, "任务1")
	require.Contains(t, out, "任务2")
}

func TestExpireIdleSessions(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.TouchSession(ctx, rec.ID, stale))
	m.mu.Lock()
	m.sessions[rec.ID].record.LastActiveAt = stale
	m.mu.Unlock()

	remaining := m.ExpireIdleSessions(ctx)
	require.Zero(t, remaining)

	stored, err := repo.GetSession(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionExpired, stored.Status)

	_, err = m.GetOrCreateMaster(ctx, rec.ID)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestDeleteSessionClosesSubscribers(t *testing.T) {
	m, repo := newTestManager(t)
	rec := createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	sub := m.Subscribe(rec.ID)
	require.NoError(t, m.DeleteSession(ctx, rec.ID))

	_, open := <-sub.Ch
	require.False(t, open)
	_, err := repo.GetSession(ctx, rec.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = m.GetSession(ctx, rec.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsRequiresUser(t *testing.T) {
	m, _ := newTestManager(t)
	createSession(t, m, models.ModeEmergent)
	ctx := context.Background()

	anon, err := m.ListSessions(ctx, storage.SessionFilter{}, true)
	require.NoError(t, err)
	require.Empty(t, anon)

	mine, err := m.ListSessions(ctx, storage.SessionFilter{UserID: "u1"}, true)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	db, err := m.ListSessions(ctx, storage.SessionFilter{UserID: "u1"}, false)
	require.NoError(t, err)
	require.Len(t, db, 1)
}

func TestDirectModeLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	m.providers = scriptedFactory(func(messages []llm.Message) (string, error) {
		return "直接回答。", nil
	})
	rec := createSession(t, m, models.ModeDirect)
	ctx := context.Background()

	direct, err := m.GetOrCreateDirect(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, direct.ExecuteTask(ctx, "你好"))
	require.Len(t, direct.History(), 2)

	again, err := m.GetOrCreateDirect(ctx, rec.ID)
	require.NoError(t, err)
	require.Same(t, direct, again)

	state, err := m.LiveState(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 2, state["history_length"])

	st := m.Stats()
	require.Equal(t, 1, st.TrackedSessions)
	require.Equal(t, 1, st.ActiveSessions)
}
