package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(burst int, perMinute float64) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(burst, perMinute)
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, -1)
	assert.Equal(t, defaultBurst, rl.lim.Burst())
	assert.Equal(t, rate.Limit(0.5), rl.lim.Limit())
}

func TestRateLimiter_BurstThenEmpty(t *testing.T) {
	rl, _ := newTestLimiter(3, 60)
	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow(), "burst token %d", i)
	}
	assert.False(t, rl.Allow())
}

func TestRateLimiter_Refill(t *testing.T) {
	rl, clock := newTestLimiter(2, 60) // one token per second

	require.True(t, rl.Allow())
	require.True(t, rl.Allow())
	require.False(t, rl.Allow())

	clock.advance(500 * time.Millisecond)
	assert.False(t, rl.Allow(), "half a token is not enough")

	clock.advance(600 * time.Millisecond)
	assert.True(t, rl.Allow())
}

func TestRateLimiter_RefillCappedAtBurst(t *testing.T) {
	rl, clock := newTestLimiter(2, 60)
	rl.Allow()

	clock.advance(time.Hour)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow(), "refill must not exceed burst")
}

func TestRateLimiter_WaitBlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 600) // ten per second
	ctx := context.Background()

	require.NoError(t, rl.Wait(ctx))
	start := time.Now()
	require.NoError(t, rl.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiter_WaitCancelled(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)

	done, stop := context.WithCancel(context.Background())
	stop()
	assert.ErrorIs(t, rl.Wait(done), context.Canceled)
}
