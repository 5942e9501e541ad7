package registry

import (
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a random (v4) UUID string.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// NewAccessKey returns an opaque ingest secret built from two random UUIDs,
// 244 random bits in total.
func NewAccessKey() string {
	a := strings.ReplaceAll(uuid.NewString(), "-", "")
	b := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "sk_" + a + b
}
