package download

import (
	"context"

	"golang.org/x/time/rate"
)

// minBurst lets a single read buffer through without splitting
const minBurst = 64 * 1024

// rateLimiter caps download bandwidth. A nil limiter does not throttle.
type rateLimiter struct {
	limiter *rate.Limiter
}

// newRateLimiter creates a limiter allowing bursts of one second of
// traffic; bytesPerSec <= 0 means unlimited
func newRateLimiter(bytesPerSec int64) *rateLimiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < minBurst {
		burst = minBurst
	}
	return &rateLimiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// Wait blocks until n bytes may be transferred or ctx is done
func (rl *rateLimiter) Wait(ctx context.Context, n int) error {
	if rl == nil {
		return nil
	}
	burst := rl.limiter.Burst()
	for n > 0 {
		chunk := min(n, burst)
		if err := rl.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
