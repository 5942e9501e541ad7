package registry

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a stream session.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusStopped    Status = "stopped"
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	switch st {
	case StatusPending, StatusProcessing, StatusActive, StatusError, StatusStopped:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

// transitions is the complete set of permitted status changes. Removal by the
// expiry sweeper is not a status change and is allowed from every state.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusActive, StatusError},
	StatusActive:     {StatusError, StatusStopped},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic progression leaves s.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusStopped
}

// CheckTransition validates moving session s to status to at instant now.
// A non-empty from additionally requires the stored status to equal from.
// Stores call it inside the same atomic unit as the write.
func CheckTransition(s *StreamSession, from, to Status, now time.Time) error {
	if s.Expired(now) {
		return &TransitionError{ID: s.ID, From: s.Status, To: to, Expired: true}
	}
	if from != "" && s.Status != from {
		return &TransitionError{ID: s.ID, From: s.Status, To: to, Expected: from}
	}
	if !CanTransition(s.Status, to) {
		return &TransitionError{ID: s.ID, From: s.Status, To: to}
	}
	return nil
}
