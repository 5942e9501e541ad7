package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"stream-registry/internal/platform/clock"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/platform/metrics"
)

// IngestEvent is a signal from the media ingest collaborator about the feed
// bound to an access key.
type IngestEvent string

const (
	EventFeedDetected      IngestEvent = "feed-detected"
	EventFirstSegmentReady IngestEvent = "first-segment-ready"
	EventConversionFailed  IngestEvent = "conversion-failed"
	EventFeedDropped       IngestEvent = "feed-dropped"
)

// ParseIngestEvent validates an event name.
func ParseIngestEvent(s string) (IngestEvent, error) {
	ev := IngestEvent(s)
	switch ev {
	case EventFeedDetected, EventFirstSegmentReady, EventConversionFailed, EventFeedDropped:
		return ev, nil
	}
	return "", fmt.Errorf("%w: unknown ingest event %q", ErrValidation, s)
}

// Target returns the status the event asks for.
func (e IngestEvent) Target() Status {
	switch e {
	case EventFeedDetected:
		return StatusProcessing
	case EventFirstSegmentReady:
		return StatusActive
	default:
		return StatusError
	}
}

// DefaultProcessingGrace bounds how long a session may stay in processing
// without producing a playable segment.
const DefaultProcessingGrace = 2 * time.Minute

// DriverConfig configures a Driver.
type DriverConfig struct {
	ProcessingGrace time.Duration
	// AccessKeyCacheSize bounds the access key -> session id cache. Default 1024.
	AccessKeyCacheSize int

	Clock   clock.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// Driver advances session status as ingest signals arrive. It only changes
// status through the Service, so every change is checked against the state
// machine inside the store's atomic unit.
type Driver struct {
	svc     *Service
	grace   time.Duration
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	keys    *lru.Cache[string, SessionID]

	mu       sync.Mutex
	watchdog map[SessionID]clock.Timer
	closed   bool
}

// NewDriver returns a Driver that applies transitions through svc.
func NewDriver(svc *Service, cfg DriverConfig) (*Driver, error) {
	if cfg.ProcessingGrace <= 0 {
		cfg.ProcessingGrace = DefaultProcessingGrace
	}
	if cfg.AccessKeyCacheSize <= 0 {
		cfg.AccessKeyCacheSize = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	keys, err := lru.New[string, SessionID](cfg.AccessKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: access key cache: %w", err)
	}
	return &Driver{
		svc:      svc,
		grace:    cfg.ProcessingGrace,
		clock:    cfg.Clock,
		log:      logger.OrDiscard(cfg.Log),
		metrics:  cfg.Metrics,
		keys:     keys,
		watchdog: make(map[SessionID]clock.Timer),
	}, nil
}

// Apply maps accessKey to its session and applies the transition requested by ev.
func (d *Driver) Apply(ctx context.Context, accessKey string, ev IngestEvent) (*StreamSession, error) {
	id, err := d.resolve(ctx, accessKey)
	if err != nil {
		d.metrics.IncIngestEvent(string(ev), resultLabel(err))
		return nil, err
	}

	sess, err := d.svc.UpdateStatus(ctx, id, ev.Target())
	if errors.Is(err, ErrNotFound) {
		d.keys.Remove(accessKey)
	}
	d.metrics.IncIngestEvent(string(ev), resultLabel(err))
	if err != nil {
		d.log.Warn("ingest event rejected",
			slog.String("session_id", string(id)),
			slog.String("event", string(ev)),
			slog.String("error", err.Error()))
		return nil, err
	}

	d.afterTransition(sess)
	return sess, nil
}

// SetStatus is the owner-facing status change. It goes through the same
// state machine as ingest signals and keeps the grace watchdog consistent.
func (d *Driver) SetStatus(ctx context.Context, id SessionID, to Status) (*StreamSession, error) {
	sess, err := d.svc.UpdateStatus(ctx, id, to)
	if err != nil {
		return nil, err
	}
	d.afterTransition(sess)
	return sess, nil
}

// Stop is the owner's explicit stop of an active session.
func (d *Driver) Stop(ctx context.Context, id SessionID) (*StreamSession, error) {
	return d.SetStatus(ctx, id, StatusStopped)
}

// Resume arms a full grace window for every session still in processing.
// Timers do not survive a restart, so a durable store needs this at startup.
func (d *Driver) Resume(ctx context.Context) (int, error) {
	sessions, err := d.svc.ListByStatus(ctx, StatusProcessing)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, sess := range sessions {
		if d.closed {
			break
		}
		if _, ok := d.watchdog[sess.ID]; ok {
			continue
		}
		d.armLocked(sess.ID)
		n++
	}
	if n > 0 {
		d.log.Info("resumed grace timers", slog.Int("sessions", n), slog.Duration("grace", d.grace))
	}
	return n, nil
}

// Close cancels all pending grace timers. Later transitions do not arm new ones.
func (d *Driver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, t := range d.watchdog {
		t.Stop()
		delete(d.watchdog, id)
	}
}

// Watching reports how many sessions have a pending grace timer.
func (d *Driver) Watching() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.watchdog)
}

func (d *Driver) resolve(ctx context.Context, accessKey string) (SessionID, error) {
	if accessKey == "" {
		return "", fmt.Errorf("%w: access key is required", ErrValidation)
	}
	if id, ok := d.keys.Get(accessKey); ok {
		return id, nil
	}
	sess, err := d.svc.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return "", err
	}
	d.keys.Add(accessKey, sess.ID)
	return sess.ID, nil
}

// afterTransition arms the grace watchdog on entry to processing and disarms
// it on any other status.
func (d *Driver) afterTransition(sess *StreamSession) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.watchdog[sess.ID]; ok {
		t.Stop()
		delete(d.watchdog, sess.ID)
	}
	if sess.Status != StatusProcessing || d.closed {
		return
	}
	d.armLocked(sess.ID)
}

// armLocked starts the grace timer for id. d.mu must be held.
func (d *Driver) armLocked(id SessionID) {
	var timer clock.Timer
	timer = d.clock.AfterFunc(d.grace, func() {
		d.mu.Lock()
		current, ok := d.watchdog[id]
		if !ok || current != timer {
			d.mu.Unlock()
			return
		}
		delete(d.watchdog, id)
		d.mu.Unlock()

		d.expireGrace(id)
	})
	d.watchdog[id] = timer
}

// expireGrace fails the session only if it is still processing. A timer that
// fires after the session moved on, whether through this driver or another
// writer of the same store, leaves it alone.
func (d *Driver) expireGrace(id SessionID) {
	_, err := d.svc.UpdateStatusFrom(context.Background(), id, StatusProcessing, StatusError)
	if err != nil {
		d.log.Debug("grace window elapsed, session already moved on",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()))
		return
	}
	d.log.Warn("no playable output within grace window",
		slog.String("session_id", string(id)),
		slog.Duration("grace", d.grace))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}
