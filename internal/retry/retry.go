package retry

import (
	"context"
	"time"
)

// Policy describes how many times an operation may run and how long to wait
// between attempts. It is plain configuration, passed in by callers, so every
// call site shares one executor instead of hand-rolled loops.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// Exponential returns a backoff function that doubles base per attempt,
// capped at ceil.
func Exponential(base, ceil time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= ceil {
				return ceil
			}
		}
		if d > ceil {
			return ceil
		}
		return d
	}
}

// Do runs fn up to policy.MaxAttempts times, sleeping policy.Backoff between
// failures. It returns nil on the first success, the last error otherwise.
// Context cancellation aborts the wait and returns ctx.Err().
func Do(ctx context.Context, policy Policy, fn func(attempt int) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		var wait time.Duration
		if policy.Backoff != nil {
			wait = policy.Backoff(attempt)
		}
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
