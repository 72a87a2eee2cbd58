package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff retries with delays of Initial*Multiplier^attempt,
// capped at Max
type ExponentialBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
	Jitter      bool
}

// NewExponentialBackoff creates a policy with ±15% jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:     initial,
		Max:         max,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
		Jitter:      true,
	}
}

// DefaultBackoff is used for webhook calls
func DefaultBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(200*time.Millisecond, 5*time.Second, 2.0, 3)
}

// Delay returns the wait before retry number attempt (0-based)
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	delay := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter {
		delay += (rand.Float64()*0.3 - 0.15) * delay
	}

	return time.Duration(delay)
}

// Retry calls fn until it succeeds, returns a permanent error, the policy runs
// out of attempts or ctx ends. A nil policy calls fn once.
func Retry(ctx context.Context, policy *ExponentialBackoff, fn func(ctx context.Context) error) error {
	maxAttempts := 0
	if policy != nil {
		maxAttempts = policy.MaxAttempts
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if isPermanent(err) {
			return err
		}

		if attempt >= maxAttempts {
			return &RetryError{
				Attempts: attempt + 1,
				Err:      err,
				Duration: time.Since(start),
			}
		}

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
