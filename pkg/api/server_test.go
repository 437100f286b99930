package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/config"
	"github.com/emergentworks/swarmd/pkg/llm"
	"github.com/emergentworks/swarmd/pkg/llm/llmtest"
	"github.com/emergentworks/swarmd/pkg/models"
	"github.com/emergentworks/swarmd/pkg/session"
	"github.com/emergentworks/swarmd/pkg/skills"
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

// relayChat has each worker surface a discovery on its first round and
// conclude on the next, so a run leaves relay history behind.
func relayChat(messages []llm.Message) (string, error) {
	system := messages[0].Content
	switch {
	case strings.Contains(system, "组织者"):
		return "```json\n" + twoRolePlan + "\n```", nil
	case strings.Contains(system, "总协调者"):
		return "# 最终报告\n两个视角的结论一致。", nil
	}
	for _, m := range messages {
		if m.Role == "assistant" && strings.Contains(m.Content, "[关键发现]") {
			return "角色结论完成。[任务完成]", nil
		}
	}
	return "初步梳理完成。\n\n[关键发现] 口碑与票房曲线在第二周出现明显背离\n\n待进一步验证。", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Manager, *memory.Repository) {
	t.Helper()
	return newTestServerWithChat(t, scriptedChat)
}

func newTestServerWithChat(t *testing.T, chat func([]llm.Message) (string, error)) (*httptest.Server, *session.Manager, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := session.NewManager(repo, skills.NewRegistry(), logger)
	mgr.SetProviderFactory(func(rec *models.SessionRecord) (llm.Provider, llm.Config, error) {
		p := llmtest.New()
		p.ChatFunc = chat
		return p, llm.DefaultConfig("test-model"), nil
	})
	t.Cleanup(mgr.Close)

	cfg := &config.Config{
		Port:            8080,
		CORSOrigin:      "http://localhost:3000",
		StorageBackend:  config.BackendMemory,
		DefaultProvider: "openai",
	}
	srv := NewServer(cfg, mgr, repo, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, mgr, repo
}

func parseSSE(t *testing.T, body string) []agui.Event {
	t.Helper()
	var events []agui.Event
	for _, frame := range strings.Split(body, "\n\n") {
		for _, line := range strings.Split(frame, "\n") {
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var e agui.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
			events = append(events, e)
		}
	}
	return events
}

func eventTypes(events []agui.Event) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func postTask(t *testing.T, ts *httptest.Server, body map[string]any) []agui.Event {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/task/stream", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "u1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return parseSSE(t, string(out))
}

func sessionIDFrom(t *testing.T, events []agui.Event) string {
	t.Helper()
	require.NotEmpty(t, events)
	require.Equal(t, agui.EventSessionCreated, events[0].Type)
	var data agui.SessionCreatedData
	require.NoError(t, events[0].DecodeData(&data))
	return data.SessionID
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-User", "u1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func waitForStatus(t *testing.T, repo *memory.Repository, sessionID string, status models.SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := repo.GetSession(context.Background(), sessionID)
		return err == nil && rec.Status == status
	}, 3*time.Second, 10*time.Millisecond)
}

func TestTaskStreamRunsToCompletion(t *testing.T) {
	ts, _, repo := newTestServer(t)

	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)

	types := eventTypes(events)
	require.Contains(t, types, agui.EventRunStarted)
	require.Contains(t, types, agui.EventPlanGenerated)
	require.Contains(t, types, agui.EventAgentSpawned)
	require.Equal(t, agui.EventRunFinished, types[len(types)-1])

	waitForStatus(t, repo, sessionID, models.SessionCompleted)
	rec, err := repo.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	require.Contains(t, rec.FinalReport, "最终报告")

	var agentsBody struct {
		Agents []*models.AgentRecord `json:"agents"`
	}
	resp := getJSON(t, ts, "/session/"+sessionID+"/agents", &agentsBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, agentsBody.Agents, 2)
}

func TestTaskStreamValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)

	for name, body := range map[string]map[string]any{
		"missing task": {"mode": "emergent"},
		"bad mode":     {"task": "x", "mode": "swarm"},
	} {
		raw, _ := json.Marshal(body)
		resp, err := http.Post(ts.URL+"/task/stream", "application/json", bytes.NewReader(raw))
		require.NoError(t, err, name)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}

	raw, _ := json.Marshal(map[string]any{"task": "x", "session_id": "ghost"})
	resp, err := http.Post(ts.URL+"/task/stream", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTaskStreamDirectMode(t *testing.T) {
	ts, _, _ := newTestServer(t)

	events := postTask(t, ts, map[string]any{"task": "简单问题", "mode": "direct"})
	types := eventTypes(events)
	require.Contains(t, types, agui.EventTextMessageContent)
	require.Equal(t, agui.EventRunFinished, types[len(types)-1])
}

func TestTaskStreamFollowupReusesSession(t *testing.T) {
	ts, _, repo := newTestServer(t)

	first := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, first)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	second := postTask(t, ts, map[string]any{"task": "补充导演背景", "session_id": sessionID})
	require.Equal(t, sessionID, sessionIDFrom(t, second))
	require.Equal(t, agui.EventRunFinished, eventTypes(second)[len(second)-1])
	waitForStatus(t, repo, sessionID, models.SessionCompleted)
}

func TestListSessionsScopedToUser(t *testing.T) {
	ts, _, _ := newTestServer(t)
	postTask(t, ts, map[string]any{"task": "分析电影X"})

	var scoped SessionListResponse
	resp := getJSON(t, ts, "/sessions", &scoped)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, scoped.Count)

	anon, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer anon.Body.Close()
	var empty SessionListResponse
	require.NoError(t, json.NewDecoder(anon.Body).Decode(&empty))
	require.Equal(t, 0, empty.Count)
}

func TestInterventionValidation(t *testing.T) {
	ts, _, _ := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)

	for name, body := range map[string]map[string]any{
		"missing agent": {"session_id": sessionID, "intervention_type": "pause"},
		"bad type":      {"session_id": sessionID, "intervention_type": "explode", "agent_id": "w"},
		"bad scope":     {"session_id": sessionID, "intervention_type": "pause", "agent_id": "w", "scope": "everyone"},
		"inject without information": {
			"session_id": sessionID, "intervention_type": "inject", "agent_id": "w", "payload": map[string]any{},
		},
		"adjust without targets": {
			"session_id": sessionID, "intervention_type": "adjust",
			"payload": map[string]any{"adjustments": map[string]any{"focus": "数据"}},
		},
		"broadcast without message": {
			"session_id": sessionID, "intervention_type": "broadcast", "payload": map[string]any{},
		},
	} {
		raw, _ := json.Marshal(body)
		resp, err := http.Post(ts.URL+"/intervention", "application/json", bytes.NewReader(raw))
		require.NoError(t, err, name)
		resp.Body.Close()
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestInterventionUnknownWorker(t *testing.T) {
	ts, _, repo := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	raw, _ := json.Marshal(map[string]any{
		"session_id": sessionID, "intervention_type": "pause", "agent_id": "ghost",
	})
	resp, err := http.Post(ts.URL+"/intervention", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcastRecordsIntervention(t *testing.T) {
	ts, _, repo := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	raw, _ := json.Marshal(map[string]any{
		"session_id": sessionID, "message": "优先考虑成本", "priority": 8,
	})
	resp, err := http.Post(ts.URL+"/intervention/broadcast", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out InterventionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "applied", out.Status)
	require.Len(t, out.RelayMessages, 1)
	require.Contains(t, out.RelayMessages[0].Content, "优先考虑成本")

	var ivBody struct {
		Count int `json:"count"`
	}
	ivResp := getJSON(t, ts, "/session/"+sessionID+"/interventions", &ivBody)
	require.Equal(t, http.StatusOK, ivResp.StatusCode)
	require.Equal(t, 1, ivBody.Count)
}

func TestInterventionScopeAllInjectsWithoutTargets(t *testing.T) {
	ts, _, repo := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	raw, _ := json.Marshal(map[string]any{
		"session_id":        sessionID,
		"intervention_type": "inject",
		"scope":             "all",
		"payload":           map[string]any{"information": "导演刚发布了新访谈"},
	})
	resp, err := http.Post(ts.URL+"/intervention", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out InterventionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "applied", out.Status)
	require.Len(t, out.RelayMessages, 1)
	require.Contains(t, out.RelayMessages[0].Content, "新访谈")
	require.Equal(t, "all", out.RelayMessages[0].Metadata["scope"])

	var ivBody struct {
		Interventions []*models.Intervention `json:"interventions"`
	}
	ivResp := getJSON(t, ts, "/session/"+sessionID+"/interventions", &ivBody)
	require.Equal(t, http.StatusOK, ivResp.StatusCode)
	require.Len(t, ivBody.Interventions, 1)
	require.Equal(t, models.ScopeAll, ivBody.Interventions[0].Scope)
}

func TestInterventionSelectedAgents(t *testing.T) {
	ts, _, repo := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	var agentsBody struct {
		Agents []*models.AgentRecord `json:"agents"`
	}
	resp := getJSON(t, ts, "/session/"+sessionID+"/agents", &agentsBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, agentsBody.Agents, 2)

	raw, _ := json.Marshal(map[string]any{
		"session_id":        sessionID,
		"intervention_type": "inject",
		"scope":             "selected",
		"agent_ids":         []string{agentsBody.Agents[0].ID, agentsBody.Agents[1].ID},
		"payload":           map[string]any{"information": "口碑数据需要复核"},
	})
	ivResp, err := http.Post(ts.URL+"/intervention", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer ivResp.Body.Close()
	require.Equal(t, http.StatusOK, ivResp.StatusCode)

	var out InterventionResponse
	require.NoError(t, json.NewDecoder(ivResp.Body).Decode(&out))
	require.Len(t, out.RelayMessages, 2)
	for _, msg := range out.RelayMessages {
		require.Contains(t, msg.Content, "口碑数据需要复核")
	}
}

func TestInterventionBroadcastType(t *testing.T) {
	ts, _, repo := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	raw, _ := json.Marshal(map[string]any{
		"session_id":        sessionID,
		"intervention_type": "broadcast",
		"payload":           map[string]any{"message": "请统一术语口径"},
		"priority":          7,
	})
	resp, err := http.Post(ts.URL+"/intervention", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out InterventionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.RelayMessages, 1)
	require.Contains(t, out.RelayMessages[0].Content, "请统一术语口径")
	require.Equal(t, "broadcast", out.RelayMessages[0].Metadata["scope"])
}

func TestRelayHistoryEndpoints(t *testing.T) {
	ts, _, repo := newTestServerWithChat(t, relayChat)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	var histBody struct {
		Messages []*models.RelayMessage `json:"messages"`
		Count    int                    `json:"count"`
	}
	resp := getJSON(t, ts, "/relay/"+sessionID+"/history", &histBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, histBody.Messages)
	require.Equal(t, len(histBody.Messages), histBody.Count)

	kinds := make([]models.RelayKind, 0, len(histBody.Messages))
	for _, m := range histBody.Messages {
		kinds = append(kinds, m.Kind)
	}
	require.Contains(t, kinds, models.RelayDiscovery)

	var msg models.RelayMessage
	one := getJSON(t, ts, "/relay/"+sessionID+"/message/"+histBody.Messages[0].ID, &msg)
	require.Equal(t, http.StatusOK, one.StatusCode)
	require.Equal(t, histBody.Messages[0].ID, msg.ID)

	missing := getJSON(t, ts, "/relay/"+sessionID+"/message/ghost", nil)
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestSubscribeStreamEmitsHeartbeatEvents(t *testing.T) {
	old := subscribeHeartbeat
	subscribeHeartbeat = 20 * time.Millisecond
	t.Cleanup(func() { subscribeHeartbeat = old })

	ts, _, repo := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)
	waitForStatus(t, repo, sessionID, models.SessionCompleted)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/session/"+sessionID+"/subscribe", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var sawSnapshot, sawHeartbeat bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !sawHeartbeat {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e agui.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		switch e.Type {
		case agui.EventStateSnapshot:
			sawSnapshot = true
		case agui.EventHeartbeat:
			var data agui.HeartbeatData
			require.NoError(t, e.DecodeData(&data))
			require.Equal(t, sessionID, data.SessionID)
			sawHeartbeat = true
		}
	}
	require.True(t, sawSnapshot)
	require.True(t, sawHeartbeat)
}

func TestDeleteSession(t *testing.T) {
	ts, _, _ := newTestServer(t)
	events := postTask(t, ts, map[string]any{"task": "分析电影X"})
	sessionID := sessionIDFrom(t, events)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/session/"+sessionID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	gone := getJSON(t, ts, "/session/"+sessionID, nil)
	require.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestHealthOnMemoryBackend(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var body map[string]any
	resp := getJSON(t, ts, "/health", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])
	require.Equal(t, "memory", body["backend"])
	require.NotContains(t, body, "database")
}

func TestStatsEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)
	postTask(t, ts, map[string]any{"task": "分析电影X"})

	var stats session.Stats
	resp := getJSON(t, ts, "/stats", &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, stats.TrackedSessions)

	var subs map[string]any
	subResp := getJSON(t, ts, "/subscribers/stats", &subs)
	require.Equal(t, http.StatusOK, subResp.StatusCode)
	require.Equal(t, float64(0), subs["total"])
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/sessions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestMetricsExposed(t *testing.T) {
	ts, _, _ := newTestServer(t)
	postTask(t, ts, map[string]any{"task": "分析电影X"})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(out), "swarmd_sessions_total")
}
