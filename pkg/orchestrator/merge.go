package orchestrator

import (
	"time"

	"github.com/emergentworks/swarmd/pkg/worker"
)

const (
	normalBatchSize = 10
	mergeWait       = 100 * time.Millisecond
)

// mergeEvents multiplexes the two worker event channels into handle.
// Priority events (status/error/result) are fully drained before each
// batch of at most 10 normal events, so status transitions reach
// subscribers promptly even under thinking/progress bursts. When done
// closes, both channels are drained and the merge returns.
func mergeEvents(priority, normal <-chan worker.Event, done <-chan struct{}, handle func(worker.Event)) {
	drain := func(ch <-chan worker.Event, limit int) {
		for n := 0; limit <= 0 || n < limit; n++ {
			select {
			case e := <-ch:
				handle(e)
			default:
				return
			}
		}
	}

	for {
		drain(priority, 0)
		drain(normal, normalBatchSize)

		select {
		case e := <-priority:
			handle(e)
		case e := <-normal:
			handle(e)
		case <-done:
			drain(priority, 0)
			drain(normal, 0)
			return
		case <-time.After(mergeWait):
		}
	}
}
