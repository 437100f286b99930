package cleanup

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) ExpireIdleSessions(context.Context) int {
	s.calls.Add(1)
	return 0
}

func TestServiceSweepsOnStartAndTick(t *testing.T) {
	sweeper := &countingSweeper{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(sweeper, 20*time.Millisecond, logger)

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		return sweeper.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	svc.Stop()

	after := sweeper.calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, sweeper.calls.Load())
}

func TestStopWithoutStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(&countingSweeper{}, time.Minute, logger)
	svc.Stop()

	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
}
