// Package retry provides a bounded exponential backoff retry policy.
// Retry behavior is data (a Policy value), executed by the caller's
// supervisor loop, rather than ad hoc loops scattered across call sites.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Policy describes a bounded retry schedule.
type Policy struct {
	MaxAttempts  int           // Maximum number of attempts (0 = run once, no retry)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Ceiling for the backoff delay
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultPolicy returns sensible defaults for retry operations
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Startup returns a policy for fast retries during process initialization,
// e.g. the initial remote store probe.
func Startup() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Persistent returns a policy for long-running retries against critical
// resources.
func Persistent() Policy {
	return Policy{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// normalize validates the policy and fills in defaults.
func (p Policy) normalize() (Policy, error) {
	if p.InitialDelay < 0 {
		return p, errors.New("retry: InitialDelay cannot be negative")
	}
	if p.MaxDelay < 0 {
		return p, errors.New("retry: MaxDelay cannot be negative")
	}
	if p.Multiplier < 0 {
		return p, errors.New("retry: Multiplier cannot be negative")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1 // At least try once
	}
	if p.InitialDelay == 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Multiplier == 0 {
		p.Multiplier = 2.0
	}
	// Prevent overflow with extreme multipliers
	if p.Multiplier > 1000 {
		p.Multiplier = 1000
	}
	if p.MaxDelay < p.InitialDelay {
		return p, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return p, nil
}

// Delay returns the backoff delay before the given attempt (1-based).
// Jitter is not applied here so the schedule is deterministic for tests.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// Do executes fn under the policy with exponential backoff.
func Do(ctx context.Context, p Policy, fn func() error) error {
	p, err := p.normalize()
	if err != nil {
		return err
	}

	var lastErr error
	delay := p.InitialDelay

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// Non-retryable errors fail immediately
		if IsNonRetryable(err) {
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		// Don't sleep after the last attempt
		if attempt == p.MaxAttempts {
			break
		}

		sleep := delay
		if p.AddJitter && delay >= 4 {
			// Up to 25% jitter
			sleep = delay + time.Duration(rand.Int63n(int64(delay/4)))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * p.Multiplier
		if next > float64(p.MaxDelay) {
			delay = p.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

// DoWithResult executes fn under the policy and returns both result and error
func DoWithResult[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
