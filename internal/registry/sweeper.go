package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"stream-registry/internal/platform/logger"
	"stream-registry/internal/platform/metrics"
)

// DefaultSweepInterval is how often expired sessions are reclaimed.
const DefaultSweepInterval = time.Hour

// Sweeper periodically deletes expired sessions, independent of request traffic.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewSweeper returns a Sweeper running every interval (DefaultSweepInterval if <= 0).
func NewSweeper(svc *Service, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{svc: svc, interval: interval, log: logger.OrDiscard(log), metrics: m}
}

// Run sweeps on every tick until ctx is cancelled. A failed pass is logged
// and the next tick tries again; Run only returns when ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns how many sessions were removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep panicked: %v", r)
		}
		if err != nil {
			s.metrics.IncSweepFailures()
			s.log.Error("expiry sweep failed", slog.String("error", err.Error()))
		}
	}()

	n, err = s.svc.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.AddSessionsExpired(n)
	if n > 0 {
		s.log.Info("expired sessions removed", slog.Int("count", n))
	}
	return n, nil
}
