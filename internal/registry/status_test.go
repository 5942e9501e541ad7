package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_table(t *testing.T) {
	all := []Status{StatusPending, StatusProcessing, StatusActive, StatusError, StatusStopped}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}: true,
		{StatusProcessing, StatusActive}:  true,
		{StatusProcessing, StatusError}:   true,
		{StatusActive, StatusError}:       true,
		{StatusActive, StatusStopped}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCheckTransition(t *testing.T) {
	s := &StreamSession{ID: "s1", Status: StatusStopped, CreatedAt: t0, ExpiresAt: t0.Add(DefaultTTL)}

	t.Run("stopped_to_active_rejected", func(t *testing.T) {
		err := CheckTransition(s, "", StatusActive, t0)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		var te *TransitionError
		assert.True(t, errors.As(err, &te))
		assert.Equal(t, StatusStopped, te.From)
		assert.False(t, te.Expired)
	})

	t.Run("expected_from_must_match", func(t *testing.T) {
		a := &StreamSession{ID: "s3", Status: StatusActive, CreatedAt: t0, ExpiresAt: t0.Add(DefaultTTL)}
		err := CheckTransition(a, StatusProcessing, StatusError, t0)
		var te *TransitionError
		assert.True(t, errors.As(err, &te))
		assert.Equal(t, StatusProcessing, te.Expected)
		assert.Contains(t, err.Error(), "is active, not processing")

		assert.NoError(t, CheckTransition(a, StatusActive, StatusError, t0))
		assert.NoError(t, CheckTransition(a, "", StatusError, t0))
	})

	t.Run("expired_rejected_even_if_table_allows", func(t *testing.T) {
		p := &StreamSession{ID: "s2", Status: StatusPending, CreatedAt: t0, ExpiresAt: t0.Add(DefaultTTL)}
		err := CheckTransition(p, "", StatusProcessing, p.ExpiresAt)
		var te *TransitionError
		assert.True(t, errors.As(err, &te))
		assert.True(t, te.Expired)
	})
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("active")
	assert.NoError(t, err)
	assert.Equal(t, StatusActive, st)

	_, err = ParseStatus("live")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusError.Terminal())
	assert.True(t, StatusStopped.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusActive.Terminal())
}
