package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-registry/internal/platform/clock"
	"stream-registry/internal/platform/config"
	"stream-registry/internal/platform/logger"
	"stream-registry/internal/registry"
	"stream-registry/internal/registry/sqlstore"
)

func newTestApp(t *testing.T, store registry.Store) (*app, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Defaults()
	cfg.Sessions.DeliveryBaseURL = "http://media.local/live"
	a, err := newApp(cfg, store, clk, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(a.driver.Close)
	return a, clk
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestRouter_full_flow(t *testing.T) {
	a, clk := newTestApp(t, registry.NewMemoryStore())
	h := a.router()

	rec := post(t, h, "/sessions", map[string]string{"title": "demo"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created registry.CreatedSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, registry.Quality720p, created.Quality)
	assert.Equal(t, registry.OwnerID("public"), created.OwnerID)

	for _, ev := range []string{"feed-detected", "first-segment-ready"} {
		rec = post(t, h, "/ingest/events", map[string]string{"access_key": created.AccessKey, "event": ev})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+string(created.ID)+"/delivery", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var d registry.Delivery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, "http://media.local/live/"+string(created.ID)+"/index.m3u8", d.Address)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "live_sessions 1")

	clk.Set(created.CreatedAt.Add(8 * 24 * time.Hour))
	n, err := a.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/"+string(created.ID), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_health(t *testing.T) {
	a, _ := newTestApp(t, registry.NewMemoryStore())
	rec := httptest.NewRecorder()
	a.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"status":"ok"`))
}

func TestRouter_webhook_disabled(t *testing.T) {
	a, _ := newTestApp(t, registry.NewMemoryStore())
	a.cfg.Ingest.WebhookEnabled = false
	rec := post(t, a.router(), "/ingest/events", map[string]string{"access_key": "sk_x", "event": "feed-detected"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApp_resumes_grace_timers(t *testing.T) {
	ctx := context.Background()
	st, err := sqlstore.OpenStore(filepath.Join(t.TempDir(), "s.db"), sqlstore.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	// A previous process left the session in processing.
	prev, _ := newTestApp(t, st)
	s, err := prev.svc.Create(ctx, registry.NewSession{OwnerID: "public", Title: "demo"})
	require.NoError(t, err)
	_, err = prev.driver.Apply(ctx, s.AccessKey, registry.EventFeedDetected)
	require.NoError(t, err)
	prev.driver.Close()

	a, clk := newTestApp(t, st)
	n, err := a.driver.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(a.cfg.Sessions.ProcessingGrace)
	cur, err := a.svc.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, cur.Status)
}

func TestSubscribeIngest_without_broker(t *testing.T) {
	a, _ := newTestApp(t, registry.NewMemoryStore())
	a.cfg.Ingest.NATSURL = ""
	a.subscribeIngest()()

	// An unreachable broker degrades to webhook-only instead of failing.
	a.cfg.Ingest.NATSURL = "nats://127.0.0.1:1"
	a.subscribeIngest()()
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := config.Defaults()
		st, closeFn, err := openStore(ctx, cfg, logger.Discard())
		require.NoError(t, err)
		assert.IsType(t, &registry.MemoryStore{}, st)
		assert.NoError(t, closeFn())
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Store.Backend = config.BackendSQLite
		cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "s.db")
		st, closeFn, err := openStore(ctx, cfg, logger.Discard())
		require.NoError(t, err)
		assert.NoError(t, st.Ping(ctx))
		assert.NoError(t, closeFn())
	})
}

func TestRootCmd_migrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.db")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", path)

	cmd := newRootCmd()
	cmd.SetArgs([]string{"migrate", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, path)
}
