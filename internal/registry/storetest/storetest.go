// Package storetest holds the behaviour every registry.Store must share.
// Backend packages run it from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-registry/internal/registry"
)

// Base is the creation instant used by all fixtures.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Session builds a pending fixture created at Base+offset.
func Session(id, owner, key string, offset time.Duration) *registry.StreamSession {
	created := Base.Add(offset)
	return &registry.StreamSession{
		ID:          registry.SessionID(id),
		OwnerID:     registry.OwnerID(owner),
		Title:       "title " + id,
		Description: "desc",
		AccessKey:   key,
		Quality:     registry.Quality720p,
		Status:      registry.StatusPending,
		CreatedAt:   created,
		ExpiresAt:   created.Add(registry.DefaultTTL),
	}
}

// Run exercises newStore against the Store contract. newStore must return an
// empty store each time it is called.
func Run(t *testing.T, newStore func(t *testing.T) registry.Store) {
	ctx := context.Background()

	t.Run("insert_and_get", func(t *testing.T) {
		st := newStore(t)
		in := Session("s1", "alice", "k1", 0)
		require.NoError(t, st.Insert(ctx, in))

		got, err := st.Get(ctx, "s1", Base)
		require.NoError(t, err)
		assert.Equal(t, in.ID, got.ID)
		assert.Equal(t, in.OwnerID, got.OwnerID)
		assert.Equal(t, in.Title, got.Title)
		assert.Equal(t, in.AccessKey, got.AccessKey)
		assert.Equal(t, registry.StatusPending, got.Status)
		assert.True(t, in.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, registry.DefaultTTL, got.ExpiresAt.Sub(got.CreatedAt))

		byKey, err := st.GetByAccessKey(ctx, "k1", Base)
		require.NoError(t, err)
		assert.Equal(t, in.ID, byKey.ID)
	})

	t.Run("duplicate_id_or_key_rejected", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("s1", "alice", "k1", 0)))

		err := st.Insert(ctx, Session("s1", "alice", "k2", 0))
		assert.True(t, errors.Is(err, registry.ErrDuplicateKey), "dup id: %v", err)

		err = st.Insert(ctx, Session("s2", "bob", "k1", 0))
		assert.True(t, errors.Is(err, registry.ErrDuplicateKey), "dup key: %v", err)

		_, err = st.Get(ctx, "s2", Base)
		assert.True(t, errors.Is(err, registry.ErrNotFound))
	})

	t.Run("missing_and_expired_not_found", func(t *testing.T) {
		st := newStore(t)
		s := Session("s1", "alice", "k1", 0)
		require.NoError(t, st.Insert(ctx, s))

		_, err := st.Get(ctx, "nope", Base)
		assert.True(t, errors.Is(err, registry.ErrNotFound))

		_, err = st.Get(ctx, "s1", s.ExpiresAt)
		assert.True(t, errors.Is(err, registry.ErrNotFound))

		_, err = st.GetByAccessKey(ctx, "k1", s.ExpiresAt.Add(time.Second))
		assert.True(t, errors.Is(err, registry.ErrNotFound))
	})

	t.Run("list_by_owner_newest_first", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("old", "alice", "k1", 0)))
		require.NoError(t, st.Insert(ctx, Session("new", "alice", "k2", 2*time.Hour)))
		require.NoError(t, st.Insert(ctx, Session("mid", "alice", "k3", time.Hour)))
		require.NoError(t, st.Insert(ctx, Session("other", "bob", "k4", 0)))

		got, err := st.ListByOwner(ctx, "alice", Base.Add(3*time.Hour))
		require.NoError(t, err)
		ids := make([]registry.SessionID, 0, len(got))
		for _, s := range got {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []registry.SessionID{"new", "mid", "old"}, ids)

		// "old" expires first.
		got, err = st.ListByOwner(ctx, "alice", Base.Add(registry.DefaultTTL))
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = st.ListByOwner(ctx, "nobody", Base)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("set_status_follows_state_machine", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("s1", "alice", "k1", 0)))

		s, err := st.SetStatus(ctx, "s1", "", registry.StatusProcessing, "ignored", Base)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusProcessing, s.Status)
		assert.Empty(t, s.DeliveryAddress)

		s, err = st.SetStatus(ctx, "s1", "", registry.StatusActive, "http://cdn/s1/index.m3u8", Base)
		require.NoError(t, err)
		assert.Equal(t, "http://cdn/s1/index.m3u8", s.DeliveryAddress)

		got, err := st.Get(ctx, "s1", Base)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusActive, got.Status)
		assert.Equal(t, "http://cdn/s1/index.m3u8", got.DeliveryAddress)

		s, err = st.SetStatus(ctx, "s1", "", registry.StatusStopped, "", Base)
		require.NoError(t, err)
		assert.Empty(t, s.DeliveryAddress)

		_, err = st.SetStatus(ctx, "s1", "", registry.StatusActive, "x", Base)
		assert.True(t, errors.Is(err, registry.ErrInvalidTransition), "stopped -> active: %v", err)

		got, err = st.Get(ctx, "s1", Base)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusStopped, got.Status, "rejected change leaves state untouched")
	})

	t.Run("set_status_expected_from", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("s1", "alice", "k1", 0)))
		_, err := st.SetStatus(ctx, "s1", "", registry.StatusProcessing, "", Base)
		require.NoError(t, err)
		_, err = st.SetStatus(ctx, "s1", "", registry.StatusActive, "http://cdn/s1/index.m3u8", Base)
		require.NoError(t, err)

		// active -> error is a legal edge, but not when the caller expects processing.
		_, err = st.SetStatus(ctx, "s1", registry.StatusProcessing, registry.StatusError, "", Base)
		var te *registry.TransitionError
		require.True(t, errors.As(err, &te), "%v", err)
		assert.Equal(t, registry.StatusActive, te.From)
		assert.Equal(t, registry.StatusProcessing, te.Expected)

		got, err := st.Get(ctx, "s1", Base)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusActive, got.Status)
		assert.Equal(t, "http://cdn/s1/index.m3u8", got.DeliveryAddress)

		s, err := st.SetStatus(ctx, "s1", registry.StatusActive, registry.StatusError, "", Base)
		require.NoError(t, err)
		assert.Equal(t, registry.StatusError, s.Status)
	})

	t.Run("conditional_failure_races_activation", func(t *testing.T) {
		for i := 0; i < 8; i++ {
			st := newStore(t)
			require.NoError(t, st.Insert(ctx, Session("s1", "alice", "k1", 0)))
			_, err := st.SetStatus(ctx, "s1", "", registry.StatusProcessing, "", Base)
			require.NoError(t, err)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, _ = st.SetStatus(ctx, "s1", "", registry.StatusActive, "http://cdn/s1/index.m3u8", Base)
			}()
			go func() {
				defer wg.Done()
				_, _ = st.SetStatus(ctx, "s1", registry.StatusProcessing, registry.StatusError, "", Base)
			}()
			wg.Wait()

			got, err := st.Get(ctx, "s1", Base)
			require.NoError(t, err)
			switch got.Status {
			case registry.StatusActive:
				assert.Equal(t, "http://cdn/s1/index.m3u8", got.DeliveryAddress)
			case registry.StatusError:
				assert.Empty(t, got.DeliveryAddress)
			default:
				t.Fatalf("unexpected status %s", got.Status)
			}
		}
	})

	t.Run("list_by_status", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("a", "alice", "ka", 0)))
		require.NoError(t, st.Insert(ctx, Session("b", "bob", "kb", time.Hour)))
		require.NoError(t, st.Insert(ctx, Session("c", "alice", "kc", 2*time.Hour)))
		for _, id := range []registry.SessionID{"a", "b"} {
			_, err := st.SetStatus(ctx, id, "", registry.StatusProcessing, "", Base)
			require.NoError(t, err)
		}

		got, err := st.ListByStatus(ctx, registry.StatusProcessing, Base)
		require.NoError(t, err)
		ids := make([]registry.SessionID, 0, len(got))
		for _, s := range got {
			assert.Equal(t, registry.StatusProcessing, s.Status)
			ids = append(ids, s.ID)
		}
		assert.ElementsMatch(t, []registry.SessionID{"a", "b"}, ids)

		// "a" has expired by then.
		got, err = st.ListByStatus(ctx, registry.StatusProcessing, Base.Add(registry.DefaultTTL))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, registry.SessionID("b"), got[0].ID)

		got, err = st.ListByStatus(ctx, registry.StatusActive, Base)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("set_status_unknown_and_expired", func(t *testing.T) {
		st := newStore(t)
		s := Session("s1", "alice", "k1", 0)
		require.NoError(t, st.Insert(ctx, s))

		_, err := st.SetStatus(ctx, "nope", "", registry.StatusProcessing, "", Base)
		assert.True(t, errors.Is(err, registry.ErrNotFound))

		_, err = st.SetStatus(ctx, "s1", "", registry.StatusProcessing, "", s.ExpiresAt)
		assert.True(t, errors.Is(err, registry.ErrInvalidTransition) || errors.Is(err, registry.ErrNotFound), "%v", err)
	})

	t.Run("delete_checks_owner_and_is_idempotent", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("s1", "alice", "k1", 0)))

		removed, err := st.Delete(ctx, "s1", "mallory")
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = st.Delete(ctx, "s1", "alice")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = st.Delete(ctx, "s1", "alice")
		require.NoError(t, err)
		assert.False(t, removed)

		_, err = st.GetByAccessKey(ctx, "k1", Base)
		assert.True(t, errors.Is(err, registry.ErrNotFound))

		// The access key is free again.
		require.NoError(t, st.Insert(ctx, Session("s2", "alice", "k1", 0)))
	})

	t.Run("delete_expired_exact_and_idempotent", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("a", "alice", "ka", 0)))
		require.NoError(t, st.Insert(ctx, Session("b", "bob", "kb", time.Hour)))
		require.NoError(t, st.Insert(ctx, Session("c", "carol", "kc", 2*time.Hour)))

		// a expires exactly now, b one hour later.
		now := Base.Add(registry.DefaultTTL)
		n, err := st.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = st.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		live, err := st.CountLive(ctx, Base)
		require.NoError(t, err)
		assert.Equal(t, 2, live)

		n, err = st.DeleteExpired(ctx, Base.Add(registry.DefaultTTL+3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("concurrent_inserts_unique", func(t *testing.T) {
		st := newStore(t)
		const n = 32

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = st.Insert(ctx, Session(fmt.Sprintf("s%d", i), "alice", fmt.Sprintf("k%d", i), time.Duration(i)*time.Second))
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		got, err := st.ListByOwner(ctx, "alice", Base)
		require.NoError(t, err)
		assert.Len(t, got, n)
	})

	t.Run("concurrent_inserts_same_key_one_wins", func(t *testing.T) {
		st := newStore(t)
		const n = 16

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok, dup := 0, 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := st.Insert(ctx, Session(fmt.Sprintf("s%d", i), "alice", "shared", 0))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, registry.ErrDuplicateKey):
					dup++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, dup)
	})

	t.Run("concurrent_set_status_serialises", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Insert(ctx, Session("s1", "alice", "k1", 0)))
		const n = 16

		var wg sync.WaitGroup
		var mu sync.Mutex
		ok := 0
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := st.SetStatus(ctx, "s1", "", registry.StatusProcessing, "", Base)
				if err == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				} else if !errors.Is(err, registry.ErrInvalidTransition) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, ok, "exactly one pending -> processing wins")
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}
