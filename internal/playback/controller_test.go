package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"stream-registry/internal/platform/clock"
)

type recordingSurface struct {
	mu    sync.Mutex
	loads []string
}

func (s *recordingSurface) Load(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, addr)
}

func (s *recordingSurface) Loads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loads...)
}

func newTestController(t *testing.T) (*Controller, *recordingSurface, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	surf := &recordingSurface{}
	c := NewController(surf, Config{Policy: DefaultPolicy(), Clock: clk})
	t.Cleanup(c.Close)
	return c, surf, clk
}

func TestController_attach_and_play(t *testing.T) {
	c, surf, _ := newTestController(t)
	require.NoError(t, c.Attach("http://cdn/s1/index.m3u8"))
	assert.Equal(t, []string{"http://cdn/s1/index.m3u8"}, surf.Loads())

	c.Handle(Event{Kind: LoadStart})
	c.Handle(Event{Kind: CanPlay})
	s := c.Snapshot()
	assert.Equal(t, Connected, s.Connection)
	assert.Equal(t, Idle, s.Buffer)
}

func TestController_single_retry_after_error(t *testing.T) {
	c, surf, clk := newTestController(t)
	require.NoError(t, c.Attach("addr"))

	c.Handle(Fail(NetworkError))
	assert.Equal(t, 1, clk.Pending(), "exactly one retry scheduled")

	clk.Advance(3 * time.Second)
	s := c.Snapshot()
	assert.Equal(t, 1, s.RetryCount)
	assert.Equal(t, Reconnecting, s.Connection)
	assert.Equal(t, t0.Add(3*time.Second), s.LastRetryAt)
	assert.Equal(t, []string{"addr", "addr"}, surf.Loads())
	assert.Zero(t, clk.Pending())
}

func TestController_retry_budget(t *testing.T) {
	c, surf, clk := newTestController(t)
	require.NoError(t, c.Attach("addr"))

	for i := 1; i <= 5; i++ {
		c.Handle(Fail(NetworkError))
		require.Equal(t, 1, clk.Pending(), "error %d schedules a retry", i)
		clk.Advance(3 * time.Second)
		require.Equal(t, i, c.Snapshot().RetryCount)
		// Let the cooldown lapse before the next failure.
		clk.Advance(6 * time.Second)
	}

	c.Handle(Fail(NetworkError))
	assert.Zero(t, clk.Pending(), "sixth error schedules nothing")
	s := c.Snapshot()
	assert.Equal(t, 5, s.RetryCount)
	assert.Equal(t, Disconnected, s.Connection)
	assert.Len(t, surf.Loads(), 6)

	require.NoError(t, c.ManualRetry())
	s = c.Snapshot()
	assert.Equal(t, 0, s.RetryCount)
	assert.Equal(t, Reconnecting, s.Connection)
	assert.Empty(t, s.LastError)
	assert.Len(t, surf.Loads(), 7)
}

func TestController_error_within_cooldown_waits_for_manual_retry(t *testing.T) {
	c, _, clk := newTestController(t)
	require.NoError(t, c.Attach("addr"))

	c.Handle(Fail(NetworkError))
	clk.Advance(3 * time.Second)

	c.Handle(Fail(DecodeError))
	assert.Zero(t, clk.Pending())
	assert.Equal(t, "format/transcode not ready", c.Snapshot().LastError)
}

func TestController_manual_retry_supersedes_pending(t *testing.T) {
	c, surf, clk := newTestController(t)
	require.NoError(t, c.Attach("addr"))
	c.Handle(Fail(NetworkError))
	require.Equal(t, 1, clk.Pending())

	require.NoError(t, c.ManualRetry())
	assert.Zero(t, clk.Pending(), "pending retry cancelled")

	clk.Advance(time.Minute)
	assert.Equal(t, 0, c.Snapshot().RetryCount)
	assert.Len(t, surf.Loads(), 2)
}

func TestController_new_attach_supersedes_pending(t *testing.T) {
	c, surf, clk := newTestController(t)
	require.NoError(t, c.Attach("old"))
	c.Handle(Fail(NetworkError))

	require.NoError(t, c.Attach("new"))
	clk.Advance(time.Minute)
	assert.Equal(t, []string{"old", "new"}, surf.Loads())
}

func TestController_close_cancels_retry(t *testing.T) {
	c, surf, clk := newTestController(t)
	require.NoError(t, c.Attach("addr"))
	c.Handle(Fail(NetworkError))

	c.Close()
	clk.Advance(time.Minute)
	assert.Len(t, surf.Loads(), 1)
	assert.True(t, c.Snapshot().Closed)
	assert.ErrorIs(t, c.Attach("addr"), ErrClosed)
	assert.ErrorIs(t, c.ManualRetry(), ErrClosed)

	c.Handle(Event{Kind: CanPlay})
	assert.Equal(t, Disconnected, c.Snapshot().Connection)
}

func TestController_manual_retry_needs_address(t *testing.T) {
	c, _, _ := newTestController(t)
	assert.ErrorIs(t, c.ManualRetry(), ErrNotAttached)
}

func TestController_real_clock(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	surf := &recordingSurface{}
	c := NewController(surf, Config{Policy: Policy{MaxRetries: 1, Cooldown: time.Millisecond, RetryDelay: 10 * time.Millisecond}})
	require.NoError(t, c.Attach("addr"))
	c.Handle(Fail(NetworkError))

	assert.Eventually(t, func() bool { return len(surf.Loads()) == 2 }, time.Second, 5*time.Millisecond)
	c.Close()
}

func TestControllers_are_independent(t *testing.T) {
	clk := clock.NewFake(t0)
	var wg sync.WaitGroup
	ctrls := make([]*Controller, 8)
	for i := range ctrls {
		ctrls[i] = NewController(&recordingSurface{}, Config{Clock: clk})
	}
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			_ = c.Attach("addr")
			c.Handle(Event{Kind: LoadStart})
			c.Handle(Fail(NetworkError))
		}(c)
	}
	wg.Wait()
	assert.Equal(t, len(ctrls), clk.Pending())

	clk.Advance(3 * time.Second)
	for _, c := range ctrls {
		assert.Equal(t, 1, c.Snapshot().RetryCount)
		c.Close()
	}
}
