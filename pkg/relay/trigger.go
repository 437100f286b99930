package relay

import (
	"fmt"
	"sync"

	"github.com/emergentworks/swarmd/pkg/models"
)

// progressThresholds are the progress milestones that prompt a worker to
// share its state on the relay. Each fires at most once per worker.
var progressThresholds = []float64{25, 50, 75}

// AdaptiveTrigger nudges workers to relay at progress milestones instead
// of a fixed cadence.
type AdaptiveTrigger struct {
	mu           sync.Mutex
	lastNotified map[string]float64
}

// NewAdaptiveTrigger creates a trigger with no milestones fired.
func NewAdaptiveTrigger() *AdaptiveTrigger {
	return &AdaptiveTrigger{lastNotified: make(map[string]float64)}
}

// Check reports whether the worker just crossed an unfired milestone and,
// if so, returns the suggestion message for it.
func (t *AdaptiveTrigger) Check(workerID string, progress float64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	last := t.lastNotified[workerID]
	for _, threshold := range progressThresholds {
		if progress >= threshold && last < threshold {
			t.lastNotified[workerID] = threshold
			return fmt.Sprintf("已完成约 %.0f%%,建议向中继站分享当前的关键发现或阶段结论。", threshold), true
		}
	}
	return "", false
}

// Reset clears a worker's fired milestones, for restarts.
func (t *AdaptiveTrigger) Reset(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastNotified, workerID)
}

// Suggest builds a SUGGESTION relay message for a crossed milestone,
// addressed to the worker itself.
func (t *AdaptiveTrigger) Suggest(workerID, workerName string, progress float64) *models.RelayMessage {
	text, ok := t.Check(workerID, progress)
	if !ok {
		return nil
	}
	msg := models.NewRelayMessage(models.RelaySuggestion, "coordinator", "协调器", text, []string{workerID}, 0.5)
	msg.Metadata["trigger"] = "progress"
	msg.Metadata["progress"] = progress
	return msg
}
