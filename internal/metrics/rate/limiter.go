package rate

import (
	"context"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"fundingpool/config"
)

// Limiter throttles requests to one exchange. After the exchange reports a
// rate limit, Backoff pauses every caller until the cool-down ends.
type Limiter struct {
	limiter *xrate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// NewLimiter builds a limiter from the exchange rate-limit config, falling
// back to 5 req/s with a burst of 1.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{limiter: xrate.NewLimiter(xrate.Limit(rps), burst)}
}

// Wait blocks until a request may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	until := l.pausedUntil
	l.mu.Unlock()

	if d := time.Until(until); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.limiter.Wait(ctx)
}

// Backoff pauses the limiter for d. Overlapping calls keep the later deadline.
func (l *Limiter) Backoff(d time.Duration) {
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
	l.mu.Unlock()
}

// SetLimit replaces the steady request rate, e.g. after reading the limits
// an exchange advertises.
func (l *Limiter) SetLimit(rps float64) {
	if rps > 0 {
		l.limiter.SetLimit(xrate.Limit(rps))
	}
}

func (l *Limiter) Limit() float64 {
	return float64(l.limiter.Limit())
}

// PausedUntil reports the end of the current back-off, zero when not paused.
func (l *Limiter) PausedUntil() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Now().After(l.pausedUntil) {
		return time.Time{}
	}
	return l.pausedUntil
}
