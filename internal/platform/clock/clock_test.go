package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })

	t.Run("not_due_yet", func(t *testing.T) {
		c.Advance(500 * time.Millisecond)
		assert.Empty(t, fired)
		assert.Equal(t, 2, c.Pending())
	})

	t.Run("fires_in_deadline_order", func(t *testing.T) {
		c.Advance(5 * time.Second)
		assert.Equal(t, []string{"a", "b"}, fired)
		assert.Equal(t, start.Add(5500*time.Millisecond), c.Now())
		assert.Zero(t, c.Pending())
	})
}

func TestFake_Stop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	called := false
	tm := c.AfterFunc(time.Second, func() { called = true })

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop(), "second stop reports already stopped")

	c.Advance(time.Minute)
	assert.False(t, called)
}

func TestFake_CallbackSchedulesWithinWindow(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}
