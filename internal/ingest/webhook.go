package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"stream-registry/internal/platform/logger"
	"stream-registry/internal/registry"
)

const maxBody = 64 << 10

// Webhook accepts ingest notifications over HTTP.
type Webhook struct {
	applier Applier
	log     *slog.Logger
}

// NewWebhook returns a Webhook applying notifications through applier.
func NewWebhook(applier Applier, log *slog.Logger) *Webhook {
	return &Webhook{applier: applier, log: logger.OrDiscard(log)}
}

// Routes mounts POST /ingest/events on r.
func (h *Webhook) Routes(r chi.Router) {
	r.Post("/ingest/events", h.ServeHTTP)
}

// ServeHTTP handles one notification. It answers 202 once the transition
// has been applied.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeResult(w, http.StatusBadRequest, Result{Error: "unreadable body"})
		return
	}

	n, ev, err := Decode(body)
	if err != nil {
		writeResult(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}

	sess, err := h.applier.Apply(r.Context(), n.AccessKey, ev)
	if err != nil {
		status := registry.StatusCode(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("ingest event failed", slog.String("event", string(ev)), slog.String("error", err.Error()))
			writeResult(w, status, Result{Error: "internal error"})
			return
		}
		writeResult(w, status, resultOf(nil, err))
		return
	}
	writeResult(w, http.StatusAccepted, resultOf(sess, nil))
}

func writeResult(w http.ResponseWriter, status int, res Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
