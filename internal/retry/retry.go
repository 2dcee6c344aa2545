// Package retry provides the exponential backoff routine shared by chain
// adapters and notification sinks.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy parameterizes exponential backoff: delay for attempt n is
// min(BaseDelay * 2^n, MaxDelay). MaxDelay zero means uncapped.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// AdapterPolicy is the backoff used by chain adapters.
func AdapterPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d < p.BaseDelay {
		// Shift overflow.
		d = p.MaxDelay
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs op up to MaxAttempts times, sleeping Delay(n) after the n-th
// failure. It returns the number of failed attempts along with the final
// error; a first-try success reports zero failures. Context cancellation
// aborts the wait and surfaces ctx.Err().
func Do(ctx context.Context, p Policy, label string, op func(ctx context.Context) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, fmt.Errorf("%s: %w", label, err)
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return attempt + 1, fmt.Errorf("%s: %w", label, ctx.Err())
		}
	}
	return attempts, fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}
