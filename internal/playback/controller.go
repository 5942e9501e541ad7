package playback

import (
	"errors"
	"log/slog"
	"sync"

	"stream-registry/internal/platform/clock"
	"stream-registry/internal/platform/logger"
)

var (
	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("playback: controller closed")
	// ErrNotAttached is returned by ManualRetry before any address was attached.
	ErrNotAttached = errors.New("playback: nothing attached")
)

// Surface renders a delivery address. Load must not block on playback; the
// surface reports progress through Controller.Handle.
type Surface interface {
	Load(address string)
}

// Config configures a Controller.
type Config struct {
	Policy Policy
	Clock  clock.Clock
	Log    *slog.Logger
}

// Controller serialises surface events for one viewing attempt and owns the
// single pending retry timer.
type Controller struct {
	surface Surface
	policy  Policy
	clock   clock.Clock
	log     *slog.Logger

	mu    sync.Mutex
	state State
	timer clock.Timer
	gen   uint64
}

// NewController returns a Controller for surface.
func NewController(surface Surface, cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Controller{
		surface: surface,
		policy:  cfg.Policy.withDefaults(),
		clock:   cfg.Clock,
		log:     logger.OrDiscard(cfg.Log),
		state:   Initial(),
	}
}

// Attach binds addr, cancelling any pending retry, and loads it.
func (c *Controller) Attach(addr string) error {
	c.mu.Lock()
	if c.state.Closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.cancelLocked()
	c.state = Attach(c.state, addr)
	c.mu.Unlock()

	c.surface.Load(addr)
	return nil
}

// ManualRetry reattaches the current address regardless of retry budget or cooldown.
func (c *Controller) ManualRetry() error {
	c.mu.Lock()
	addr := c.state.Address
	closed := c.state.Closed
	c.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case addr == "":
		return ErrNotAttached
	}
	c.log.Info("manual playback retry", slog.String("address", addr))
	return c.Attach(addr)
}

// Handle applies a surface event.
func (c *Controller) Handle(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, effect := Transition(c.state, ev, c.clock.Now(), c.policy)
	c.state = next
	if ev.Kind == Failure {
		c.log.Warn("playback failure",
			slog.String("kind", string(ev.Err)),
			slog.String("message", next.LastError),
			slog.Int("retry_count", next.RetryCount))
	}
	if effect != ScheduleRetry {
		return
	}

	gen := c.gen
	c.timer = c.clock.AfterFunc(c.policy.RetryDelay, func() { c.fire(gen) })
}

// Close tears the attempt down. A pending retry never fires afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.state = Close(c.state)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.state.RetryPending || c.state.Closed {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.state = Retry(c.state, c.clock.Now())
	addr, count := c.state.Address, c.state.RetryCount
	c.mu.Unlock()

	c.log.Info("automatic playback retry", slog.String("address", addr), slog.Int("retry_count", count))
	c.surface.Load(addr)
}

// cancelLocked stops the pending retry and invalidates any callback already
// in flight. Caller must hold c.mu.
func (c *Controller) cancelLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
