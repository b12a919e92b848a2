package agent

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBurst     = 10
	defaultPerMinute = 30
)

// RateLimiter throttles provider calls with a token bucket.
type RateLimiter struct {
	lim *rate.Limiter
	now func() time.Time
}

// NewRateLimiter allows maxBurst calls at once and refills ratePerMinute.
// Non-positive arguments fall back to 10 and 30.
func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = defaultBurst
	}
	if ratePerMinute <= 0 {
		ratePerMinute = defaultPerMinute
	}
	return &RateLimiter{
		lim: rate.NewLimiter(rate.Limit(ratePerMinute/60), maxBurst),
		now: time.Now,
	}
}

// Allow takes a token without waiting.
func (rl *RateLimiter) Allow() bool {
	return rl.lim.AllowN(rl.now(), 1)
}

// Wait blocks until a token is available or ctx is done. A wait abandoned
// through ctx returns its token.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := rl.now()
	r := rl.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.CancelAt(rl.now())
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
