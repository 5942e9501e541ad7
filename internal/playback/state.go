// Package playback drives one viewing attempt against a session's delivery
// address: it tracks connection and buffer state from surface events and
// schedules bounded automatic reconnects.
package playback

import "time"

// ConnectionState is the link between the surface and the delivery address.
type ConnectionState string

const (
	Disconnected ConnectionState = "disconnected"
	Reconnecting ConnectionState = "reconnecting"
	Connected    ConnectionState = "connected"
)

// BufferState is independent of ConnectionState.
type BufferState string

const (
	Idle      BufferState = "idle"
	Buffering BufferState = "buffering"
)

// EventKind names a playback surface notification.
type EventKind string

const (
	LoadStart EventKind = "loadStart"
	CanPlay   EventKind = "canPlay"
	Waiting   EventKind = "waiting"
	Playing   EventKind = "playing"
	Failure   EventKind = "error"
)

// ErrorKind classifies a surface failure.
type ErrorKind string

const (
	NetworkError     ErrorKind = "network"
	DecodeError      ErrorKind = "decode"
	UnsupportedError ErrorKind = "unsupported"
	OtherError       ErrorKind = "other"
)

// Event is one surface notification. Err is set only for Failure.
type Event struct {
	Kind EventKind
	Err  ErrorKind
}

// Fail returns a Failure event of the given kind.
func Fail(kind ErrorKind) Event { return Event{Kind: Failure, Err: kind} }

// Classify maps a failure kind to the message shown to the viewer.
func Classify(kind ErrorKind) string {
	switch kind {
	case NetworkError:
		return "network error, check upstream feed"
	case DecodeError:
		return "format/transcode not ready"
	case UnsupportedError:
		return "output format unsupported"
	default:
		return "generic playback failure"
	}
}

// Policy bounds automatic reconnects.
type Policy struct {
	MaxRetries int
	// Cooldown is the minimum time since the last automatic retry before
	// another one may be scheduled.
	Cooldown time.Duration
	// RetryDelay is how long a scheduled retry waits before reattaching.
	RetryDelay time.Duration
}

// DefaultPolicy returns 5 retries, a 5s cooldown and a 3s delay.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, Cooldown: 5 * time.Second, RetryDelay: 3 * time.Second}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = d.RetryDelay
	}
	return p
}

// State is the observable state of one viewing attempt.
type State struct {
	Address      string
	Connection   ConnectionState
	Buffer       BufferState
	RetryCount   int
	LastRetryAt  time.Time // zero until the first automatic retry fires
	LastError    string
	RetryPending bool
	Closed       bool
}

// Initial is the state before anything is attached.
func Initial() State {
	return State{Connection: Disconnected, Buffer: Idle}
}

// Effect is the side effect a transition asks the caller to perform.
type Effect int

const (
	NoEffect Effect = iota
	// ScheduleRetry asks for Retry to be applied after Policy.RetryDelay.
	ScheduleRetry
)

// Attach binds addr and resets the retry budget. It is used for the first
// attach, a new address and a manual retry.
func Attach(s State, addr string) State {
	if s.Closed {
		return s
	}
	s.Address = addr
	s.RetryCount = 0
	s.LastError = ""
	s.RetryPending = false
	s.Connection = Reconnecting
	return s
}

// Retry applies a scheduled automatic retry fired at now.
func Retry(s State, now time.Time) State {
	if s.Closed || !s.RetryPending {
		return s
	}
	s.RetryPending = false
	s.RetryCount++
	s.LastRetryAt = now
	s.Connection = Reconnecting
	return s
}

// Close marks the attempt as finished. Nothing changes state afterwards.
func Close(s State) State {
	s.Closed = true
	s.RetryPending = false
	s.Connection = Disconnected
	s.Buffer = Idle
	return s
}

// Transition applies a surface event at now under policy p.
func Transition(s State, ev Event, now time.Time, p Policy) (State, Effect) {
	if s.Closed {
		return s, NoEffect
	}
	switch ev.Kind {
	case LoadStart:
		s.Connection = Reconnecting
		s.Buffer = Buffering
	case CanPlay:
		s.Connection = Connected
		s.Buffer = Idle
		s.LastError = ""
	case Waiting:
		s.Buffer = Buffering
	case Playing:
		s.Buffer = Idle
	case Failure:
		s.Connection = Disconnected
		s.Buffer = Idle
		s.LastError = Classify(ev.Err)
		if canRetry(s, now, p.withDefaults()) {
			s.RetryPending = true
			return s, ScheduleRetry
		}
	}
	return s, NoEffect
}

func canRetry(s State, now time.Time, p Policy) bool {
	if s.Address == "" || s.RetryPending || s.RetryCount >= p.MaxRetries {
		return false
	}
	return s.LastRetryAt.IsZero() || now.Sub(s.LastRetryAt) > p.Cooldown
}
