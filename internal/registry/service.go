package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"stream-registry/internal/platform/clock"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/platform/metrics"
)

// maxKeyAttempts bounds id/access key regeneration after a collision.
const maxKeyAttempts = 5

// ServiceConfig configures a Service. Zero values select defaults.
type ServiceConfig struct {
	// DeliveryBaseURL is the prefix of playback addresses; the session id and
	// "index.m3u8" are appended.
	DeliveryBaseURL string

	Clock   clock.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics

	// NewID and NewAccessKey override token generation (tests).
	NewID        func() SessionID
	NewAccessKey func() string
}

// Service implements the session store operations on top of a Store and
// owns time, token generation and delivery address construction.
type Service struct {
	store   Store
	base    string
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
	newID   func() SessionID
	newKey  func() string
}

// NewService returns a Service that persists through store.
func NewService(store Store, cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.NewID == nil {
		cfg.NewID = NewSessionID
	}
	if cfg.NewAccessKey == nil {
		cfg.NewAccessKey = NewAccessKey
	}
	return &Service{
		store:   store,
		base:    strings.TrimRight(cfg.DeliveryBaseURL, "/"),
		clock:   cfg.Clock,
		log:     logger.OrDiscard(cfg.Log),
		metrics: cfg.Metrics,
		newID:   cfg.NewID,
		newKey:  cfg.NewAccessKey,
	}
}

// Now returns the service's notion of the current instant.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC()
}

// Create registers a new pending session. Uniqueness of id and access key is
// enforced by the store; on collision fresh tokens are drawn.
func (s *Service) Create(ctx context.Context, in NewSession) (*StreamSession, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	quality := in.Quality
	if quality == "" {
		quality = DefaultQuality
	}
	if !quality.Valid() {
		return nil, fmt.Errorf("%w: unknown quality profile %q", ErrValidation, quality)
	}
	if in.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}

	now := s.Now()
	sess := &StreamSession{
		OwnerID:     in.OwnerID,
		Title:       title,
		Description: in.Description,
		Quality:     quality,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(DefaultTTL),
	}

	for attempt := 1; ; attempt++ {
		sess.ID = s.newID()
		sess.AccessKey = s.newKey()

		err := s.store.Insert(ctx, sess)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrDuplicateKey) {
			return nil, fmt.Errorf("create session: %w", err)
		}
		if attempt == maxKeyAttempts {
			return nil, fmt.Errorf("create session: %d collisions in a row: %w", attempt, err)
		}
		s.log.Warn("session key collision, regenerating", slog.Int("attempt", attempt))
	}

	s.metrics.IncSessionsCreated()
	s.log.Info("session created",
		slog.String("session_id", string(sess.ID)),
		slog.String("owner_id", string(sess.OwnerID)),
		slog.String("quality", string(sess.Quality)),
		slog.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// List returns the owner's live sessions, newest first.
func (s *Service) List(ctx context.Context, owner OwnerID) ([]*StreamSession, error) {
	return s.store.ListByOwner(ctx, owner, s.Now())
}

// Get returns a live session by id.
func (s *Service) Get(ctx context.Context, id SessionID) (*StreamSession, error) {
	return s.store.Get(ctx, id, s.Now())
}

// GetByAccessKey returns a live session by its ingest access key.
func (s *Service) GetByAccessKey(ctx context.Context, accessKey string) (*StreamSession, error) {
	return s.store.GetByAccessKey(ctx, accessKey, s.Now())
}

// UpdateStatus moves a session to a new status if the state machine allows it.
// Moving to active assigns the delivery address.
func (s *Service) UpdateStatus(ctx context.Context, id SessionID, to Status) (*StreamSession, error) {
	return s.UpdateStatusFrom(ctx, id, "", to)
}

// UpdateStatusFrom is UpdateStatus that only applies while the session is
// still in from. An empty from accepts any current status.
func (s *Service) UpdateStatusFrom(ctx context.Context, id SessionID, from, to Status) (*StreamSession, error) {
	addr := ""
	if to == StatusActive {
		addr = s.DeliveryAddress(id)
	}

	sess, err := s.store.SetStatus(ctx, id, from, to, addr, s.Now())
	if err != nil {
		return nil, err
	}

	s.metrics.IncTransition(string(to))
	s.log.Info("session status changed",
		slog.String("session_id", string(id)),
		slog.String("status", string(to)))
	return sess, nil
}

// Delete removes a session owned by requester. It reports whether a session
// was removed; unknown ids and foreign sessions yield false without error.
func (s *Service) Delete(ctx context.Context, id SessionID, requester OwnerID) (bool, error) {
	removed, err := s.store.Delete(ctx, id, requester)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	if removed {
		s.metrics.IncSessionsDeleted()
		s.log.Info("session deleted",
			slog.String("session_id", string(id)),
			slog.String("owner_id", string(requester)))
	}
	return removed, nil
}

// Resolve returns the session's status and, when active, its delivery address.
func (s *Service) Resolve(ctx context.Context, id SessionID) (Delivery, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	d := Delivery{ID: sess.ID, Status: sess.Status}
	if sess.Status == StatusActive {
		d.Address = sess.DeliveryAddress
	}
	return d, nil
}

// ListByStatus returns the live sessions currently in status.
func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*StreamSession, error) {
	out, err := s.store.ListByStatus(ctx, status, s.Now())
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", status, err)
	}
	return out, nil
}

// Sweep deletes every session whose expiry instant has passed.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, s.Now())
}

// LiveCount returns the number of non-expired sessions, or 0 on store error.
func (s *Service) LiveCount(ctx context.Context) int {
	n, err := s.store.CountLive(ctx, s.Now())
	if err != nil {
		s.log.Warn("count live sessions failed", slog.String("error", err.Error()))
		return 0
	}
	return n
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// DeliveryAddress builds the playback location for a session id.
func (s *Service) DeliveryAddress(id SessionID) string {
	if s.base == "" {
		return "/" + url.PathEscape(string(id)) + "/index.m3u8"
	}
	addr, err := url.JoinPath(s.base, string(id), "index.m3u8")
	if err != nil {
		return s.base + "/" + url.PathEscape(string(id)) + "/index.m3u8"
	}
	return addr
}
