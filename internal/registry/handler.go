package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stream-registry/internal/platform/logger"
	"stream-registry/internal/platform/ratelimit"
)

// OwnerHeader carries the requesting principal. Requests without it act as
// the configured default owner.
const OwnerHeader = "X-Owner-ID"

// Handler exposes the owner-facing session endpoints using go-chi.
type Handler struct {
	svc          *Service
	driver       *Driver
	log          *slog.Logger
	defaultOwner OwnerID
}

// NewHandler returns a Handler. Status changes go through driver so the
// processing watchdog stays consistent with owner actions.
func NewHandler(svc *Service, driver *Driver, log *slog.Logger, defaultOwner OwnerID) *Handler {
	if defaultOwner == "" {
		defaultOwner = "public"
	}
	return &Handler{svc: svc, driver: driver, log: logger.OrDiscard(log), defaultOwner: defaultOwner}
}

// Routes mounts the session endpoints on r. createLimit caps session
// creation per owner per minute (0 disables it).
func (h *Handler) Routes(r chi.Router, createLimit int) {
	r.Route("/sessions", func(r chi.Router) {
		r.With(ratelimit.Limit(ratelimit.Config{
			RequestLimit: createLimit,
			WindowSize:   time.Minute,
			KeyFunc:      ratelimit.KeyByHeader(OwnerHeader),
		})).Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Put("/status", h.UpdateStatus)
			r.Get("/delivery", h.GetDelivery)
		})
	})
	r.Get("/healthz", h.Health)
}

func (h *Handler) owner(r *http.Request) OwnerID {
	if v := r.Header.Get(OwnerHeader); v != "" {
		return OwnerID(v)
	}
	return h.defaultOwner
}

// CreateSession handles POST /sessions.
// Body: { "title": "demo", "description": "", "quality": "720p" }.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var in NewSession
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in.OwnerID = h.owner(r)

	sess, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.fail(w, "create session failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, CreatedSession{SessionView: sess.View(), AccessKey: sess.AccessKey})
}

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.svc.List(r.Context(), h.owner(r))
	if err != nil {
		h.fail(w, "list sessions failed", err)
		return
	}

	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, s.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(r.Context(), SessionID(chi.URLParam(r, "session_id")))
	if err != nil {
		h.fail(w, "get session failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// UpdateStatus handles PUT /sessions/{session_id}/status. Body: { "status": "stopped" }.
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	to, err := ParseStatus(body.Status)
	if err != nil {
		h.fail(w, "update status failed", err)
		return
	}

	sess, err := h.driver.SetStatus(r.Context(), id, to)
	if err != nil {
		h.fail(w, "update status failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// DeleteSession handles DELETE /sessions/{session_id}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))

	removed, err := h.svc.Delete(r.Context(), id, h.owner(r))
	if err != nil {
		h.fail(w, "delete session failed", err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDelivery handles GET /sessions/{session_id}/delivery.
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Resolve(r.Context(), SessionID(chi.URLParam(r, "session_id")))
	if err != nil {
		h.fail(w, "resolve delivery failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ping(r.Context()); err != nil {
		h.log.Error("store ping failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": h.svc.LiveCount(r.Context()),
		"timestamp":     h.svc.Now(),
	})
}

// fail maps service errors onto HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, slog.String("error", err.Error()))
		writeError(w, status, "internal error")
		return
	}
	h.log.Debug(msg, slog.String("error", err.Error()))
	writeError(w, status, err.Error())
}

// StatusCode returns the HTTP status for an error from this package.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
