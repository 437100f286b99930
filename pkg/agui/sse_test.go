package agui

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteSSEFraming(t *testing.T) {
	var buf bytes.Buffer
	e := Event{
		Type:      EventSessionCreated,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Data:      SessionCreatedData{SessionID: "s-1", Mode: "emergent"},
	}
	require.NoError(t, WriteSSE(&buf, e))

	frame := buf.String()
	require.True(t, strings.HasPrefix(frame, "event: SESSION_CREATED\n"))
	require.True(t, strings.HasSuffix(frame, "\n\n"))

	lines := strings.Split(strings.TrimSuffix(frame, "\n\n"), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[1], "data: "))

	var parsed Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &parsed))
	require.Equal(t, EventSessionCreated, parsed.Type)

	var data SessionCreatedData
	require.NoError(t, parsed.DecodeData(&data))
	require.Equal(t, "s-1", data.SessionID)
}

func TestWriteComment(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteComment(&buf, "heartbeat"))
	require.Equal(t, ": heartbeat\n\n", buf.String())
}

func TestEventRoundTripsAllKinds(t *testing.T) {
	cases := []Event{
		New(EventRunStarted, RunStartedData{ThreadID: "s-1", RunID: "r-1"}),
		New(EventRunFinished, RunFinishedData{ThreadID: "s-1", RunID: "r-1"}),
		New(EventRunError, RunErrorData{Message: "boom", Code: "PLANNING_FAILED"}),
		New(EventTextMessageStart, TextMessageStartData{MessageID: "m-1", Role: "assistant"}),
		New(EventTextMessageContent, TextMessageContentData{MessageID: "m-1", Delta: "hello"}),
		New(EventTextMessageEnd, TextMessageEndData{MessageID: "m-1"}),
		New(EventToolCallStart, ToolCallStartData{ToolCallID: "t-1", ToolCallName: "web_search"}),
		New(EventToolCallArgs, ToolCallArgsData{ToolCallID: "t-1", Delta: `{"query":"x"}`}),
		New(EventToolCallEnd, ToolCallEndData{ToolCallID: "t-1"}),
		New(EventToolCallResult, ToolCallResultData{ToolCallID: "t-1", Success: true, Summary: "ok"}),
		New(EventAgentSpawned, AgentSpawnedData{AgentID: "w-1", RoleName: "analyst"}),
		New(EventAgentStatusChanged, AgentStatusChangedData{AgentID: "w-1", NewStatus: "running"}),
		New(EventAgentProgress, AgentProgressData{AgentID: "w-1", Progress: 40, Iteration: 4}),
		New(EventAgentThinking, AgentThinkingData{AgentID: "w-1", Delta: "considering"}),
		New(EventRelayStationOpened, RelayStationOpenedData{StationID: "st-1", StationName: "phase 1"}),
		New(EventRelayMessageSent, RelayMessageSentData{MessageID: "rm-1", RelayType: "discovery", SourceAgentID: "w-1", TargetAgentIDs: []string{"w-2"}, Content: "found", Importance: 0.8}),
		New(EventRelayStationClosed, RelayStationClosedData{StationID: "st-1", Summary: "done"}),
		New(EventPlanGenerated, PlanGeneratedData{TotalAgents: 3}),
		New(EventRoleEmerged, RoleEmergedData{RoleName: "analyst"}),
		New(EventInterventionBroadcast, InterventionData{InterventionID: "i-1", Kind: "inject", Scope: "all", Priority: 8}),
		New(EventSessionCreated, SessionCreatedData{SessionID: "s-1"}),
		New(EventSessionStateChanged, SessionStateChangedData{SessionID: "s-1", ChangeType: "completed"}),
	}

	for _, e := range cases {
		raw, err := json.Marshal(e)
		require.NoError(t, err, e.Type)

		var parsed Event
		require.NoError(t, json.Unmarshal(raw, &parsed), e.Type)
		require.Equal(t, e.Type, parsed.Type)

		reRaw, err := json.Marshal(parsed)
		require.NoError(t, err, e.Type)
		require.JSONEq(t, string(raw), string(reRaw), e.Type)
	}
}
