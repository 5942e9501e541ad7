package registry

import (
	"context"
	"time"
)

// Store is the persistence abstraction for stream sessions.
// Implementations can be in-memory, SQLite or Redis; the Service does not
// need to know which one is used.
//
// Every mutation is atomic with respect to other mutations of the same
// session. Reads never return a session whose expiry instant has passed.
type Store interface {
	// Insert stores a new session. It returns ErrDuplicateKey if the id or
	// the access key is already taken by a stored session.
	Insert(ctx context.Context, s *StreamSession) error

	// Get returns the session with the given id, or ErrNotFound if it does
	// not exist or has expired at now.
	Get(ctx context.Context, id SessionID, now time.Time) (*StreamSession, error)

	// GetByAccessKey is Get keyed on the ingest access key.
	GetByAccessKey(ctx context.Context, accessKey string, now time.Time) (*StreamSession, error)

	// ListByOwner returns the owner's sessions that have not expired at now,
	// newest first by CreatedAt.
	ListByOwner(ctx context.Context, owner OwnerID, now time.Time) ([]*StreamSession, error)

	// SetStatus validates the transition against the value currently stored
	// and writes it in the same atomic unit. A non-empty from makes the write
	// conditional on the stored status being from. deliveryAddress is stored
	// when to is StatusActive and cleared otherwise. It returns ErrNotFound
	// for an unknown id and a *TransitionError for a rejected change.
	SetStatus(ctx context.Context, id SessionID, from, to Status, deliveryAddress string, now time.Time) (*StreamSession, error)

	// ListByStatus returns every unexpired session currently in status, in
	// no particular order.
	ListByStatus(ctx context.Context, status Status, now time.Time) ([]*StreamSession, error)

	// Delete removes the session if requester owns it and reports whether a
	// session was removed. A missing id is not an error.
	Delete(ctx context.Context, id SessionID, requester OwnerID) (bool, error)

	// DeleteExpired removes every session with ExpiresAt <= now across all
	// owners and returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// CountLive returns the number of stored sessions not expired at now.
	CountLive(ctx context.Context, now time.Time) (int, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error
}
