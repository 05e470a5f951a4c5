package transport

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// Backoff describes an exponential retry schedule. MaxAttempts <= 0 retries
// until the context ends.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0..1
	MaxAttempts int
}

// DefaultBackoff is 1s doubling up to 30s, forever.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Multiplier: 2}
}

// Delay returns the wait after the given failed attempt (1-based), before jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Multiplier
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) jittered(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter <= 0 {
		return d
	}
	j := b.Jitter
	if j > 1 {
		j = 1
	}
	spread := float64(d) * j
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}

// Retry runs fn until it succeeds, the attempts run out or ctx ends.
func Retry(ctx context.Context, b Backoff, what string, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; b.MaxAttempts <= 0 || attempt <= b.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.Printf("[retry:%s] succeeded on attempt %d", what, attempt)
			}
			return nil
		}
		if b.MaxAttempts > 0 && attempt == b.MaxAttempts {
			break
		}

		wait := b.jittered(attempt)
		log.Printf("[retry:%s] attempt %d failed: %v; next try in %s", what, attempt, lastErr, wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, b.MaxAttempts, lastErr)
}
