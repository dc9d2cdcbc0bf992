package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Class tells Do whether an error is worth another attempt.
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Policy is exponential backoff with a cap and optional jitter.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // wait after the first failure; doubles per attempt
	MaxDelay    time.Duration
	Jitter      time.Duration

	// Classify decides whether an error is retryable. Nil retries everything
	// except context cancellation.
	Classify func(error) Class

	// OnRetry is an optional hook for logging and metrics.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Backoff returns the wait before attempt+1 after attempt failed.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return p.MaxDelay
	}
	wait := p.BaseDelay << (attempt - 1)
	if wait <= 0 || wait > p.MaxDelay {
		wait = p.MaxDelay
	}
	return wait
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 5 * time.Second
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Classify == nil {
		p.Classify = func(err error) Class {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Fatal
			}
			return Retryable
		}
	}
	return p
}

// Do runs fn until it succeeds, returns a fatal error, or attempts run out.
// The last error is returned unchanged so callers can still inspect it.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	p = p.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if p.Classify(err) == Fatal || attempt == p.MaxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(p.Jitter)))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr == nil {
		lastErr = errors.New("retry: exhausted with no error")
	}
	return lastErr
}
