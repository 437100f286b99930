// Package cleanup runs the periodic session TTL sweep.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper expires idle sessions and reports how many live sessions remain.
type Sweeper interface {
	ExpireIdleSessions(ctx context.Context) int
}

// Service periodically sweeps sessions whose last activity is older than
// the session TTL, disposing their orchestrators. Sweeps are idempotent.
type Service struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service ticking at interval.
func NewService(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Service {
	return &Service{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("cleanup service started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	remaining := s.sweeper.ExpireIdleSessions(ctx)
	s.logger.Debug("session sweep completed", "live_sessions", remaining)
}
