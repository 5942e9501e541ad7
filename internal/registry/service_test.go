package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_Create(t *testing.T) {
	ctx := context.Background()

	t.Run("pending_with_fixed_ttl", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		s, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: "demo", Quality: Quality720p})
		require.NoError(t, err)

		assert.Equal(t, StatusPending, s.Status)
		assert.Equal(t, t0, s.CreatedAt)
		assert.Equal(t, DefaultTTL, s.ExpiresAt.Sub(s.CreatedAt))
		assert.NotEmpty(t, s.ID)
		assert.NotEmpty(t, s.AccessKey)
		assert.NotEqual(t, string(s.ID), s.AccessKey)
		assert.Empty(t, s.DeliveryAddress)
	})

	t.Run("empty_title_is_validation_error", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		_, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: "   "})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("default_and_unknown_quality", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		s, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: "x"})
		require.NoError(t, err)
		assert.Equal(t, Quality720p, s.Quality)

		_, err = svc.Create(ctx, NewSession{OwnerID: "public", Title: "x", Quality: "8K"})
		assert.True(t, errors.Is(err, ErrValidation))
	})

	t.Run("regenerates_on_collision", func(t *testing.T) {
		store := NewMemoryStore()
		svc, _ := newTestService(t, store)
		ids := []SessionID{"dup", "dup", "fresh"}
		calls := 0
		svc.newID = func() SessionID {
			id := ids[calls]
			calls++
			return id
		}

		first, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: "a"})
		require.NoError(t, err)
		assert.Equal(t, SessionID("dup"), first.ID)

		second, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: "b"})
		require.NoError(t, err)
		assert.Equal(t, SessionID("fresh"), second.ID)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives_up_after_bounded_attempts", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		svc.newKey = func() string { return "same" }
		_, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: "a"})
		require.NoError(t, err)

		_, err = svc.Create(ctx, NewSession{OwnerID: "public", Title: "b"})
		assert.True(t, errors.Is(err, ErrDuplicateKey))
	})

	t.Run("concurrent_creates_unique", func(t *testing.T) {
		svc, _ := newTestService(t, nil)
		const n = 64
		var wg sync.WaitGroup
		var mu sync.Mutex
		ids := map[SessionID]bool{}
		keys := map[string]bool{}
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := svc.Create(ctx, NewSession{OwnerID: "public", Title: fmt.Sprintf("s%d", i)})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[s.ID] = true
				keys[s.AccessKey] = true
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		assert.Len(t, ids, n)
		assert.Len(t, keys, n)
	})
}

func TestService_UpdateStatus_delivery_address(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	s := mustCreate(t, svc, "public", "demo")

	_, err := svc.UpdateStatus(ctx, s.ID, StatusProcessing)
	require.NoError(t, err)

	d, err := svc.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, d.Address, "no address before active")

	got, err := svc.UpdateStatus(ctx, s.ID, StatusActive)
	require.NoError(t, err)
	want := "http://media.local/live/" + string(s.ID) + "/index.m3u8"
	assert.Equal(t, want, got.DeliveryAddress)

	d, err = svc.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, want, d.Address)

	_, err = svc.UpdateStatus(ctx, s.ID, StatusError)
	require.NoError(t, err)
	d, err = svc.Resolve(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, d.Address)
}

func TestService_UpdateStatus_errors(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t, nil)
	s := mustCreate(t, svc, "public", "demo")

	_, err := svc.UpdateStatus(ctx, "missing", StatusProcessing)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.UpdateStatus(ctx, s.ID, StatusActive)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "pending -> active skips processing")

	clk.Advance(DefaultTTL)
	_, err = svc.UpdateStatus(ctx, s.ID, StatusProcessing)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "expired session cannot transition")
}

func TestService_List_and_Delete(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService(t, nil)

	a := mustCreate(t, svc, "alice", "first")
	clk.Advance(time.Minute)
	b := mustCreate(t, svc, "alice", "second")
	mustCreate(t, svc, "bob", "other")

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)

	removed, err := svc.Delete(ctx, a.ID, "bob")
	require.NoError(t, err)
	assert.False(t, removed, "only the owner may delete")

	removed, err = svc.Delete(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Delete(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, 2, svc.LiveCount(ctx))
}

func TestService_DeliveryAddress(t *testing.T) {
	svc := NewService(NewMemoryStore(), ServiceConfig{DeliveryBaseURL: "http://cdn.example/hls/"})
	assert.Equal(t, "http://cdn.example/hls/abc/index.m3u8", svc.DeliveryAddress("abc"))

	bare := NewService(NewMemoryStore(), ServiceConfig{})
	assert.Equal(t, "/abc/index.m3u8", bare.DeliveryAddress("abc"))
}

func TestSessionView_hides_access_key(t *testing.T) {
	s := &StreamSession{ID: "s1", AccessKey: "secret", Status: StatusPending, DeliveryAddress: "stale"}
	v := s.View()
	assert.Empty(t, v.DeliveryAddress, "address only shown while active")

	s.Status = StatusActive
	assert.Equal(t, "stale", s.View().DeliveryAddress)
}
