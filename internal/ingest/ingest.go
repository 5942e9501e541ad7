// Package ingest receives feed signals from the media ingest tool and hands
// them to the lifecycle driver. Signals arrive over NATS or an HTTP webhook
// and share one JSON shape.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"stream-registry/internal/registry"
)

// Notification is the wire form of an ingest signal.
type Notification struct {
	AccessKey string `json:"access_key"`
	Event     string `json:"event"`
}

// Result is returned to the sender after a notification was applied.
type Result struct {
	SessionID registry.SessionID `json:"session_id,omitempty"`
	Status    registry.Status    `json:"status,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Applier applies an ingest event to the session bound to accessKey.
// *registry.Driver satisfies it.
type Applier interface {
	Apply(ctx context.Context, accessKey string, ev registry.IngestEvent) (*registry.StreamSession, error)
}

// Decode parses and validates a notification payload.
func Decode(data []byte) (Notification, registry.IngestEvent, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, "", fmt.Errorf("%w: malformed notification: %v", registry.ErrValidation, err)
	}
	if n.AccessKey == "" {
		return n, "", fmt.Errorf("%w: access_key is required", registry.ErrValidation)
	}
	ev, err := registry.ParseIngestEvent(n.Event)
	if err != nil {
		return n, "", err
	}
	return n, ev, nil
}

func resultOf(sess *registry.StreamSession, err error) Result {
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{SessionID: sess.ID, Status: sess.Status}
}
