package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a concurrency-safe in-memory implementation of Store.
// Sessions are keyed by id with a secondary index on access key maintained
// under the same lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[SessionID]*StreamSession
	byKey    map[string]SessionID
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[SessionID]*StreamSession),
		byKey:    make(map[string]SessionID),
	}
}

// Insert implements Store.Insert.
func (m *MemoryStore) Insert(_ context.Context, s *StreamSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return ErrDuplicateKey
	}
	if _, exists := m.byKey[s.AccessKey]; exists {
		return ErrDuplicateKey
	}

	cp := *s
	m.sessions[s.ID] = &cp
	m.byKey[s.AccessKey] = s.ID
	return nil
}

// Get implements Store.Get.
func (m *MemoryStore) Get(_ context.Context, id SessionID, now time.Time) (*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || s.Expired(now) {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// GetByAccessKey implements Store.GetByAccessKey.
func (m *MemoryStore) GetByAccessKey(ctx context.Context, accessKey string, now time.Time) (*StreamSession, error) {
	m.mu.RLock()
	id, ok := m.byKey[accessKey]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.Get(ctx, id, now)
}

// ListByOwner implements Store.ListByOwner.
func (m *MemoryStore) ListByOwner(_ context.Context, owner OwnerID, now time.Time) ([]*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*StreamSession, 0)
	for _, s := range m.sessions {
		if s.OwnerID != owner || s.Expired(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	SortNewestFirst(out)
	return out, nil
}

// ListByStatus implements Store.ListByStatus.
func (m *MemoryStore) ListByStatus(_ context.Context, status Status, now time.Time) ([]*StreamSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*StreamSession, 0)
	for _, s := range m.sessions {
		if s.Status != status || s.Expired(now) {
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// SetStatus implements Store.SetStatus.
func (m *MemoryStore) SetStatus(_ context.Context, id SessionID, from, to Status, deliveryAddress string, now time.Time) (*StreamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := CheckTransition(s, from, to, now); err != nil {
		return nil, err
	}

	s.Status = to
	s.DeliveryAddress = ""
	if to == StatusActive {
		s.DeliveryAddress = deliveryAddress
	}
	cp := *s
	return &cp, nil
}

// Delete implements Store.Delete.
func (m *MemoryStore) Delete(_ context.Context, id SessionID, requester OwnerID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.OwnerID != requester {
		return false, nil
	}
	m.removeLocked(s)
	return true, nil
}

// DeleteExpired implements Store.DeleteExpired.
func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sessions {
		if s.Expired(now) {
			m.removeLocked(s)
			n++
		}
	}
	return n, nil
}

// CountLive implements Store.CountLive.
func (m *MemoryStore) CountLive(_ context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if !s.Expired(now) {
			n++
		}
	}
	return n, nil
}

// Ping implements Store.Ping.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// removeLocked drops s from both indexes. Caller must hold m.mu in write mode.
func (m *MemoryStore) removeLocked(s *StreamSession) {
	delete(m.sessions, s.ID)
	delete(m.byKey, s.AccessKey)
}

// SortNewestFirst orders sessions by CreatedAt descending, then id, so that
// every Store returns the same order.
func SortNewestFirst(sessions []*StreamSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
