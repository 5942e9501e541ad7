package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stream-registry/internal/platform/clock"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, store Store) (*Service, *clock.Fake) {
	t.Helper()
	if store == nil {
		store = NewMemoryStore()
	}
	clk := clock.NewFake(t0)
	svc := NewService(store, ServiceConfig{
		DeliveryBaseURL: "http://media.local/live",
		Clock:           clk,
	})
	return svc, clk
}

func mustCreate(t *testing.T, svc *Service, owner OwnerID, title string) *StreamSession {
	t.Helper()
	s, err := svc.Create(context.Background(), NewSession{OwnerID: owner, Title: title, Quality: Quality720p})
	require.NoError(t, err)
	return s
}
