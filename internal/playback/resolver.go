package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"stream-registry/internal/registry"
)

// ErrSessionGone means the session no longer exists, typically because the
// expiry sweeper reclaimed it. Its delivery address is no longer valid.
var ErrSessionGone = errors.New("playback: session gone")

// Resolver looks up a session's current delivery state.
type Resolver interface {
	Resolve(ctx context.Context, id registry.SessionID) (registry.Delivery, error)
}

// HTTPResolver resolves sessions against the registry HTTP API.
type HTTPResolver struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPResolver returns a resolver for the registry at baseURL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{BaseURL: baseURL, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Resolve calls GET /sessions/{id}/delivery.
func (r *HTTPResolver) Resolve(ctx context.Context, id registry.SessionID) (registry.Delivery, error) {
	endpoint, err := url.JoinPath(r.BaseURL, "sessions", string(id), "delivery")
	if err != nil {
		return registry.Delivery{}, fmt.Errorf("playback: build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return registry.Delivery{}, fmt.Errorf("playback: build request: %w", err)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return registry.Delivery{}, fmt.Errorf("playback: resolve %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return registry.Delivery{}, ErrSessionGone
	default:
		return registry.Delivery{}, fmt.Errorf("playback: resolve %s: unexpected status %d", id, resp.StatusCode)
	}

	var d registry.Delivery
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return registry.Delivery{}, fmt.Errorf("playback: decode delivery: %w", err)
	}
	return d, nil
}
