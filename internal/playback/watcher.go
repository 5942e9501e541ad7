package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stream-registry/internal/platform/clock"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/registry"
)

// DefaultPollInterval is how often a Watcher re-resolves its session.
const DefaultPollInterval = 5 * time.Second

// WatcherConfig configures a Watcher. Zero values select defaults.
type WatcherConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Log      *slog.Logger
}

// Watcher keeps a Controller bound to a session's current delivery address.
type Watcher struct {
	resolver Resolver
	ctrl     *Controller
	id       registry.SessionID
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

// NewWatcher returns a Watcher polling resolver for id every cfg.Interval.
func NewWatcher(resolver Resolver, ctrl *Controller, id registry.SessionID, cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Watcher{
		resolver: resolver,
		ctrl:     ctrl,
		id:       id,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		log:      logger.OrDiscard(cfg.Log),
	}
}

// Run polls until ctx is done or the session ends. A deleted session closes
// the controller and returns ErrSessionGone. A session that reaches stopped
// or error closes the controller and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	attached := ""
	for {
		done, err := w.poll(ctx, &attached)
		if done {
			return err
		}
		if !w.wait(ctx) {
			return nil
		}
	}
}

// wait blocks for one interval. It reports false if ctx ended first.
func (w *Watcher) wait(ctx context.Context) bool {
	tick := make(chan struct{})
	t := w.clock.AfterFunc(w.interval, func() { close(tick) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-tick:
		return true
	}
}

func (w *Watcher) poll(ctx context.Context, attached *string) (bool, error) {
	d, err := w.resolver.Resolve(ctx, w.id)
	switch {
	case errors.Is(err, ErrSessionGone):
		w.log.Info("session gone, closing playback", slog.String("session_id", string(w.id)))
		w.ctrl.Close()
		return true, ErrSessionGone
	case err != nil:
		if ctx.Err() != nil {
			return true, nil
		}
		w.log.Warn("resolve delivery failed", slog.String("session_id", string(w.id)), slog.String("error", err.Error()))
		return false, nil
	}

	if d.Status.Terminal() {
		w.log.Info("session ended, closing playback",
			slog.String("session_id", string(w.id)),
			slog.String("status", string(d.Status)))
		w.ctrl.Close()
		return true, nil
	}
	if d.Status != registry.StatusActive || d.Address == "" || d.Address == *attached {
		return false, nil
	}
	if err := w.ctrl.Attach(d.Address); err != nil {
		return true, err
	}
	*attached = d.Address
	return false, nil
}
