package registry

import "time"

// SessionID uniquely identifies a stream session. It is public.
type SessionID string

// OwnerID identifies the principal that created a session.
type OwnerID string

// QualityProfile is the advisory output quality requested by the owner.
type QualityProfile string

const (
	Quality360p  QualityProfile = "360p"
	Quality480p  QualityProfile = "480p"
	Quality720p  QualityProfile = "720p"
	Quality1080p QualityProfile = "1080p"
	Quality4K    QualityProfile = "4K"

	// DefaultQuality is used when the owner does not pick a profile.
	DefaultQuality = Quality720p
)

// Valid reports whether q is one of the known profiles.
func (q QualityProfile) Valid() bool {
	switch q {
	case Quality360p, Quality480p, Quality720p, Quality1080p, Quality4K:
		return true
	}
	return false
}

// DefaultTTL is how long a session lives after creation.
const DefaultTTL = 7 * 24 * time.Hour

// StreamSession is a time-bounded registration of one owner's intent to
// publish a feed for web playback.
type StreamSession struct {
	ID              SessionID
	OwnerID         OwnerID
	Title           string
	Description     string
	AccessKey       string
	Quality         QualityProfile
	Status          Status
	CreatedAt       time.Time
	ExpiresAt       time.Time
	DeliveryAddress string // set only while Status == StatusActive
}

// Expired reports whether the session is past its expiry instant at now.
func (s *StreamSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// View returns the owner-facing representation, which never carries the access key.
func (s *StreamSession) View() SessionView {
	v := SessionView{
		ID:          s.ID,
		OwnerID:     s.OwnerID,
		Title:       s.Title,
		Description: s.Description,
		Quality:     s.Quality,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
	if s.Status == StatusActive {
		v.DeliveryAddress = s.DeliveryAddress
	}
	return v
}

// SessionView is the JSON shape returned by the owner-facing API.
type SessionView struct {
	ID              SessionID      `json:"id"`
	OwnerID         OwnerID        `json:"owner_id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Quality         QualityProfile `json:"quality"`
	Status          Status         `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
	DeliveryAddress string         `json:"delivery_address,omitempty"`
}

// CreatedSession is returned once, at creation time. It is the only response
// that discloses the access key, so the owner can configure the encoder.
type CreatedSession struct {
	SessionView
	AccessKey string `json:"access_key"`
}

// Delivery is the result of resolving a session for playback.
type Delivery struct {
	ID      SessionID `json:"id"`
	Status  Status    `json:"status"`
	Address string    `json:"delivery_address,omitempty"`
}

// NewSession carries the owner-supplied fields for Create.
type NewSession struct {
	OwnerID     OwnerID        `json:"-"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Quality     QualityProfile `json:"quality"`
}
