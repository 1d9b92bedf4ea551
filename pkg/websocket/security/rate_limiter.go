package security

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type rateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows capacity events per refill window, bursting up to capacity
func NewRateLimiter(capacity int, refill time.Duration) RateLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Second
	}

	return &rateLimiter{
		limiter: rate.NewLimiter(rate.Every(refill/time.Duration(capacity)), capacity),
	}
}

func (rl *rateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

func (rl *rateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
