package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/emergentworks/swarmd/pkg/agui"
	"github.com/emergentworks/swarmd/pkg/models"
)

type fakeWorker struct {
	mu            sync.Mutex
	inbox         []*models.RelayMessage
	interventions []*models.RelayMessage
	ingested      []string
}

func (w *fakeWorker) callbacks() Callbacks {
	return Callbacks{
		Inbox: func(m *models.RelayMessage) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.inbox = append(w.inbox, m)
		},
		Intervention: func(m *models.RelayMessage) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.interventions = append(w.interventions, m)
		},
		Ingest: func(info string) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.ingested = append(w.ingested, info)
		},
	}
}

func (w *fakeWorker) inboxLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inbox)
}

func newTestCoordinator() (*Coordinator, *[]agui.Event) {
	var events []agui.Event
	c := NewCoordinator("sess-1", func(e agui.Event) {
		events = append(events, e)
	})
	return c, &events
}

func TestRegisterWorkerReplacesOnDuplicate(t *testing.T) {
	c, _ := newTestCoordinator()

	first, second := &fakeWorker{}, &fakeWorker{}
	c.RegisterWorker("w1", first.callbacks())
	c.RegisterWorker("w1", second.callbacks())
	require.Equal(t, []string{"w1"}, c.RegisteredWorkers())

	msg := models.NewRelayMessage(models.RelayDiscovery, "w2", "其他", "发现", []string{"w1"}, 0.8)
	require.NoError(t, c.BroadcastMessage(msg, ""))

	require.Equal(t, 0, first.inboxLen())
	require.Equal(t, 1, second.inboxLen())
}

func TestUnregisterUnknownWorkerIsNoop(t *testing.T) {
	c, _ := newTestCoordinator()
	c.UnregisterWorker("ghost")
	require.Empty(t, c.RegisteredWorkers())
}

func TestBroadcastExcludesSender(t *testing.T) {
	c, _ := newTestCoordinator()
	workers := map[string]*fakeWorker{}
	for _, id := range []string{"w1", "w2", "w3"} {
		w := &fakeWorker{}
		workers[id] = w
		c.RegisterWorker(id, w.callbacks())
	}

	msg := models.NewRelayMessage(models.RelayInsight, "w2", "角色2", "洞察内容", nil, 0.9)
	require.NoError(t, c.BroadcastMessage(msg, ""))

	require.Equal(t, 1, workers["w1"].inboxLen())
	require.Equal(t, 0, workers["w2"].inboxLen())
	require.Equal(t, 1, workers["w3"].inboxLen())
	require.Len(t, c.History(), 1)
}

func TestBroadcastExplicitTargets(t *testing.T) {
	c, _ := newTestCoordinator()
	workers := map[string]*fakeWorker{}
	for _, id := range []string{"w1", "w2", "w3"} {
		w := &fakeWorker{}
		workers[id] = w
		c.RegisterWorker(id, w.callbacks())
	}

	msg := models.NewRelayMessage(models.RelayQuestion, "w1", "角色1", "问题", []string{"w3"}, 0.5)
	require.NoError(t, c.BroadcastMessage(msg, ""))

	require.Equal(t, 0, workers["w1"].inboxLen())
	require.Equal(t, 0, workers["w2"].inboxLen())
	require.Equal(t, 1, workers["w3"].inboxLen())
}

func TestOpenStationClosesPriorActive(t *testing.T) {
	c, events := newTestCoordinator()

	first := c.OpenStation("阶段一", "phase-1", []string{"w1"})
	second := c.OpenStation("阶段二", "phase-2", []string{"w1"})

	require.False(t, c.mustStation(t, first.ID).IsActive)
	require.True(t, c.mustStation(t, second.ID).IsActive)
	require.Equal(t, second.ID, c.ActiveStation().ID)

	var types []string
	for _, e := range *events {
		types = append(types, e.Type)
	}
	require.Equal(t, []string{
		agui.EventRelayStationOpened,
		agui.EventRelayStationClosed,
		agui.EventRelayStationOpened,
	}, types)
}

func (c *Coordinator) mustStation(t *testing.T, id string) *models.Station {
	t.Helper()
	for _, s := range c.Stations() {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("station %s not found", id)
	return nil
}

func TestCloseStationSummary(t *testing.T) {
	c, _ := newTestCoordinator()
	station := c.OpenStation("分析站", "phase-1", nil)

	w := &fakeWorker{}
	c.RegisterWorker("w1", w.callbacks())

	low := models.NewRelayMessage(models.RelayDiscovery, "w2", "角色2", "普通发现", nil, 0.4)
	high := models.NewRelayMessage(models.RelayInsight, "w2", "角色2", "关键洞察", nil, 0.9)
	require.NoError(t, c.BroadcastMessage(low, station.ID))
	require.NoError(t, c.BroadcastMessage(high, station.ID))

	iv := models.NewIntervention(models.InterventionInject, models.ScopeBroadcast)
	iv.Payload = map[string]any{"message": "注意新情况"}
	c.BroadcastIntervention(iv)

	summary, err := c.CloseStation(station.ID)
	require.NoError(t, err)
	require.Contains(t, summary, "消息总数: 3")
	require.Contains(t, summary, "人工干预: 1")
	require.Contains(t, summary, "⭐")
	require.Contains(t, summary, "关键洞察")
	require.Contains(t, summary, "🚨")
	require.NotContains(t, summary, "普通发现")

	_, err = c.CloseStation("missing")
	require.Error(t, err)
}

func TestBroadcastInterventionPrefersInterventionCallback(t *testing.T) {
	c, _ := newTestCoordinator()
	full := &fakeWorker{}
	c.RegisterWorker("w1", full.callbacks())

	inboxOnly := &fakeWorker{}
	cbs := inboxOnly.callbacks()
	cbs.Intervention = nil
	c.RegisterWorker("w2", cbs)

	iv := models.NewIntervention(models.InterventionPause, models.ScopeBroadcast)
	iv.Reason = "先暂停确认方向"
	msgs := c.BroadcastIntervention(iv)
	require.Len(t, msgs, 1)

	require.Len(t, full.interventions, 1)
	require.Equal(t, 0, full.inboxLen())
	require.Equal(t, 1, inboxOnly.inboxLen())

	msg := msgs[0]
	require.True(t, msg.RequiresAcknowledgement())
	require.Contains(t, msg.Content, "暂停")
	require.Contains(t, msg.Content, iv.Reason)
	require.InDelta(t, 0.8, msg.Importance, 1e-9)
	require.Len(t, c.Interventions(), 1)
}

func TestBroadcastInterventionAllScopeForceIngests(t *testing.T) {
	c, _ := newTestCoordinator()
	w1, w2 := &fakeWorker{}, &fakeWorker{}
	c.RegisterWorker("w1", w1.callbacks())
	c.RegisterWorker("w2", w2.callbacks())

	iv := models.NewIntervention(models.InterventionInject, models.ScopeAll)
	iv.Payload = map[string]any{"information": "最新票房数据已出"}
	c.BroadcastIntervention(iv)

	require.Equal(t, []string{"最新票房数据已出"}, w1.ingested)
	require.Equal(t, []string{"最新票房数据已出"}, w2.ingested)
	require.Len(t, w1.interventions, 1)
	require.Len(t, w2.interventions, 1)

	// broadcast scope notifies without ingesting.
	w1.ingested = nil
	iv2 := models.NewIntervention(models.InterventionInject, models.ScopeBroadcast)
	iv2.Payload = map[string]any{"information": "补充说明"}
	c.BroadcastIntervention(iv2)
	require.Empty(t, w1.ingested)
	require.Len(t, w1.interventions, 2)
}

func TestInterventionImportanceClamped(t *testing.T) {
	iv := models.NewIntervention(models.InterventionInject, models.ScopeBroadcast)
	iv.Priority = 10
	require.InDelta(t, 1.0, iv.Importance(), 1e-9)

	iv.Priority = 99
	iv.ClampPriority()
	require.Equal(t, 10, iv.Priority)
}

func TestHistoryClonesIsolatedFromDeliveryMarks(t *testing.T) {
	c, _ := newTestCoordinator()
	c.RegisterWorker("w1", (&fakeWorker{}).callbacks())
	c.RegisterWorker("w2", (&fakeWorker{}).callbacks())

	msg := models.NewRelayMessage(models.RelayInsight, "w1", "角色1", "洞察内容", nil, 0.7)
	require.NoError(t, c.BroadcastMessage(msg, ""))

	snap := c.History()
	require.Len(t, snap, 1)
	msg.MarkAcknowledged("w2")
	require.Empty(t, snap[0].AcknowledgedBy)

	got, ok := c.GetMessage(msg.ID)
	require.True(t, ok)
	require.True(t, got.AcknowledgedBy["w2"])

	// Delivery keeps marking while another goroutine marshals history.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			msg.MarkViewed(fmt.Sprintf("viewer-%d", i))
		}
	}()
	for i := 0; i < 100; i++ {
		_, err := json.Marshal(c.History())
		require.NoError(t, err)
	}
	<-done
}

func TestAcknowledgementIdempotent(t *testing.T) {
	msg := models.NewRelayMessage(models.RelayInsight, "w1", "角色1", "内容", nil, 0.5)
	msg.MarkAcknowledged("w2")
	msg.MarkAcknowledged("w2")
	require.Len(t, msg.AcknowledgedBy, 1)
	require.True(t, msg.ViewedBy["w2"])
	require.Len(t, msg.ViewedTimestamps, 1)
}

func TestRequestAlignmentReturnsPriorAlignments(t *testing.T) {
	c, _ := newTestCoordinator()
	w := &fakeWorker{}
	c.RegisterWorker("w1", w.callbacks())
	c.RegisterWorker("w2", (&fakeWorker{}).callbacks())

	prior := c.RequestAlignment("w2", "角色2", "术语不一致", "我理解X指镜头调度")
	require.Empty(t, prior)

	prior = c.RequestAlignment("w1", "角色1", "确认分工", "我负责数据部分")
	require.Len(t, prior, 1)
	require.Equal(t, models.RelayAlignment, prior[0].Kind)
	require.InDelta(t, 0.9, prior[0].Importance, 1e-9)
}

func TestCheckpointFlagsProgressSpread(t *testing.T) {
	c, _ := newTestCoordinator()
	c.RegisterWorker("w1", (&fakeWorker{}).callbacks())

	msg := c.Checkpoint([]models.WorkerState{
		{RoleName: "角色1", Progress: 80, Status: models.WorkerRunning, PartialResult: "初步结论A"},
		{RoleName: "角色2", Progress: 20, Status: models.WorkerRunning},
	}, "phase-1")

	require.Equal(t, models.RelayCheckpoint, msg.Kind)
	require.Equal(t, true, msg.Metadata["needs_alignment"])
	require.Contains(t, msg.Content, "建议对齐")

	even := c.Checkpoint([]models.WorkerState{
		{RoleName: "角色1", Progress: 50, Status: models.WorkerRunning},
		{RoleName: "角色2", Progress: 45, Status: models.WorkerRunning},
	}, "phase-1")
	require.Equal(t, false, even.Metadata["needs_alignment"])
}

func TestDeliveryPanicRecovered(t *testing.T) {
	c, _ := newTestCoordinator()
	c.RegisterWorker("bad", Callbacks{Inbox: func(*models.RelayMessage) { panic("boom") }})
	ok := &fakeWorker{}
	c.RegisterWorker("ok", ok.callbacks())

	msg := models.NewRelayMessage(models.RelayDiscovery, "src", "来源", "内容", nil, 0.5)
	require.NoError(t, c.BroadcastMessage(msg, ""))
	require.Equal(t, 1, ok.inboxLen())
}

func TestGetMessage(t *testing.T) {
	c, _ := newTestCoordinator()
	msg := models.NewRelayMessage(models.RelayDiscovery, "w1", "角色1", "内容", nil, 0.5)
	require.NoError(t, c.BroadcastMessage(msg, ""))

	got, ok := c.GetMessage(msg.ID)
	require.True(t, ok)
	require.Equal(t, msg.ID, got.ID)

	_, ok = c.GetMessage("missing")
	require.False(t, ok)
}

func TestAdaptiveTriggerThresholds(t *testing.T) {
	tr := NewAdaptiveTrigger()

	_, fired := tr.Check("w1", 10)
	require.False(t, fired)

	text, fired := tr.Check("w1", 30)
	require.True(t, fired)
	require.Contains(t, text, "25%")

	// Same threshold does not refire.
	_, fired = tr.Check("w1", 40)
	require.False(t, fired)

	_, fired = tr.Check("w1", 55)
	require.True(t, fired)
	_, fired = tr.Check("w1", 80)
	require.True(t, fired)
	_, fired = tr.Check("w1", 99)
	require.False(t, fired)

	// Independent per worker.
	_, fired = tr.Check("w2", 30)
	require.True(t, fired)

	tr.Reset("w1")
	_, fired = tr.Check("w1", 30)
	require.True(t, fired)

	msg := tr.Suggest("w3", "角色3", 60)
	require.NotNil(t, msg)
	require.Equal(t, models.RelaySuggestion, msg.Kind)
	require.Equal(t, []string{"w3"}, msg.TargetIDs)
}
