// Package retry wraps operations that may fail transiently, mostly LLM and
// HTTP calls. Only errors classified transient by the fault package are
// retried; everything else propagates on the first attempt.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/braidhq/braid/internal/fault"
)

// minSleep floors every computed delay so jitter can never produce a
// busy-loop between attempts.
const minSleep = 100 * time.Millisecond

// Policy configures retry behavior.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultPolicy returns the policy used for provider calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Delay returns the sleep before retrying after the given zero-based failed
// attempt: min(BaseDelay * 2^attempt, MaxDelay) with uniform jitter of +-20%,
// floored at minSleep.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if ceiling := float64(p.MaxDelay); base > ceiling {
		base = ceiling
	}
	jittered := base * (0.8 + 0.4*randomValue)
	if jittered < float64(minSleep) {
		jittered = float64(minSleep)
	}
	return time.Duration(jittered)
}

// Do executes op up to MaxRetries+1 times. Non-transient errors bypass the
// loop; on exhaustion the last error is returned.
func Do(ctx context.Context, p Policy, op func() error) error {
	p = p.normalized()
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !fault.IsTransient(lastErr) {
			return lastErr
		}
		if attempt >= p.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	var value T
	err := Do(ctx, p, func() error {
		var opErr error
		value, opErr = op()
		return opErr
	})
	return value, err
}
