package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router *chi.Mux
	svc    *Service
	driver *Driver
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	d, svc, _ := newTestDriver(t)
	h := NewHandler(svc, d, nil, "public")
	r := chi.NewRouter()
	h.Routes(r, 0)
	return &testAPI{router: r, svc: svc, driver: d}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, owner string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandler_CreateSession(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "demo", "quality": "720p"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decode[CreatedSession](t, rec)
	assert.Equal(t, "demo", created.Title)
	assert.Equal(t, OwnerID("public"), created.OwnerID)
	assert.Equal(t, StatusPending, created.Status)
	assert.NotEmpty(t, created.AccessKey)
	assert.Empty(t, created.DeliveryAddress)

	t.Run("empty_title", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/sessions", map[string]string{"title": ""}, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad_json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewReader([]byte("not json")))
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_list_and_get_hide_access_key(t *testing.T) {
	api := newTestAPI(t)
	api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "one"}, "alice")
	rec := api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "two"}, "alice")
	created := decode[CreatedSession](t, rec)
	api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "bob's"}, "bob")

	rec = api.do(t, http.MethodGet, "/sessions", nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "access_key")

	list := decode[struct {
		Sessions []SessionView `json:"sessions"`
	}](t, rec)
	require.Len(t, list.Sessions, 2)

	rec = api.do(t, http.MethodGet, "/sessions/"+string(created.ID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.AccessKey)

	got := decode[SessionView](t, rec)
	if diff := cmp.Diff(created.SessionView, got); diff != "" {
		t.Errorf("view mismatch (-created +got):\n%s", diff)
	}

	rec = api.do(t, http.MethodGet, "/sessions/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_UpdateStatus(t *testing.T) {
	api := newTestAPI(t)
	created := decode[CreatedSession](t, api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "demo"}, ""))
	path := "/sessions/" + string(created.ID) + "/status"

	rec := api.do(t, http.MethodPut, path, map[string]string{"status": "stopped"}, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "pending -> stopped not allowed")

	rec = api.do(t, http.MethodPut, path, map[string]string{"status": "bogus"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPut, "/sessions/missing/status", map[string]string{"status": "processing"}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodPut, path, map[string]string{"status": "processing"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusProcessing, decode[SessionView](t, rec).Status)
	assert.Equal(t, 1, api.driver.Watching())
}

func TestHandler_GetDelivery(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()
	created := decode[CreatedSession](t, api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "demo"}, ""))
	path := "/sessions/" + string(created.ID) + "/delivery"

	rec := api.do(t, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[Delivery](t, rec)
	assert.Equal(t, StatusPending, d.Status)
	assert.Empty(t, d.Address)

	_, err := api.driver.Apply(ctx, created.AccessKey, EventFeedDetected)
	require.NoError(t, err)
	_, err = api.driver.Apply(ctx, created.AccessKey, EventFirstSegmentReady)
	require.NoError(t, err)

	d = decode[Delivery](t, api.do(t, http.MethodGet, path, nil, ""))
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, api.svc.DeliveryAddress(created.ID), d.Address)
}

func TestHandler_DeleteSession(t *testing.T) {
	api := newTestAPI(t)
	created := decode[CreatedSession](t, api.do(t, http.MethodPost, "/sessions", map[string]string{"title": "demo"}, "alice"))
	path := "/sessions/" + string(created.ID)

	rec := api.do(t, http.MethodDelete, path, nil, "bob")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodDelete, path, nil, "alice")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodDelete, path, nil, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_Health(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}
