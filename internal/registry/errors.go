package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for bad input such as an empty title.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when no live session has the requested id.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition is returned when a status change is not permitted
	// from the current state, including any change on an expired session.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDuplicateKey is returned by a Store when a generated id or access key
	// collides with an existing session. The Service regenerates and retries.
	ErrDuplicateKey = errors.New("duplicate session key")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	ID      SessionID
	From    Status
	To      Status
	Expired bool

	// Expected is set when the change was conditional on a status the
	// session no longer had.
	Expected Status
}

func (e *TransitionError) Error() string {
	if e.Expired {
		return fmt.Sprintf("%s: session %s has expired", ErrInvalidTransition, e.ID)
	}
	if e.Expected != "" {
		return fmt.Sprintf("%s: session %s is %s, not %s", ErrInvalidTransition, e.ID, e.From, e.Expected)
	}
	return fmt.Sprintf("%s: session %s cannot move from %s to %s", ErrInvalidTransition, e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
