// Package retry runs operations with exponential backoff, retrying only
// errors classified as transient.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

// Policy controls retry behavior.
type Policy struct {
	MaxAttempts    int // total attempts including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		JitterFraction: 0.2,
	}
}

// OnRetry is called before sleeping ahead of attempt n (1-based) with the
// error that triggered the retry.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do calls fn until it succeeds, returns a non-transient error, or the
// policy's attempts run out. The last error is returned wrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry OnRetry) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !mnemoerr.IsTransient(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}

		if attempt == attempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		if onRetry != nil {
			onRetry(attempt+2, delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("max attempts (%d) exceeded: %w", attempts, lastErr)
}

// Value is Do for functions returning a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), onRetry OnRetry) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, onRetry)
	return out, err
}

// Backoff calculates the delay after a failed attempt (0-based) using
// exponential backoff with jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	base := float64(p.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}

	jitter := base * p.JitterFraction * (rand.Float64()*2 - 1) // ±jitter
	delay := time.Duration(base + jitter)
	if delay < 0 {
		delay = 0
	}
	return delay
}
