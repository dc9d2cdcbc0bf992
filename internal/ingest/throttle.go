package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/internal/retry"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// Classify marks lookups that can never succeed as fatal. Everything else a
// provider returns is worth another attempt after backoff.
func Classify(err error) retry.Class {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Fatal
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnsupported):
		return retry.Fatal
	default:
		return retry.Retryable
	}
}

// Throttled wraps a Client with a process-wide token bucket, a per-instance
// minimum spacing between calls, and retry with exponential backoff.
// Each job gets its own instance so request_delay_ms applies per job while
// the provider quota stays shared.
type Throttled struct {
	next     Client
	global   *rate.Limiter
	minDelay time.Duration
	policy   retry.Policy
	log      *zap.Logger

	mu       sync.Mutex
	nextSlot time.Time
}

func NewThrottled(next Client, global *rate.Limiter, minDelay time.Duration, policy retry.Policy, log *zap.Logger) *Throttled {
	l := logger.OrNop(log).Named("ingest")
	if policy.Classify == nil {
		policy.Classify = Classify
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, wait time.Duration, err error) {
			metrics.IngestRetries.Inc()
			l.Warn("provider call failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}
	return &Throttled{next: next, global: global, minDelay: minDelay, policy: policy, log: l}
}

// wait reserves the next call slot, then blocks until both the spacing and
// the shared bucket allow the call.
func (t *Throttled) wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	slot := now
	if t.nextSlot.After(now) {
		slot = t.nextSlot
	}
	t.nextSlot = slot.Add(t.minDelay)
	t.mu.Unlock()

	if d := slot.Sub(now); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if t.global != nil {
		return t.global.Wait(ctx)
	}
	return nil
}

func (t *Throttled) FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error) {
	var out []models.Transfer
	err := retry.Do(ctx, t.policy, func(ctx context.Context) error {
		if err := t.wait(ctx); err != nil {
			return err
		}
		transfers, err := t.next.FetchHistory(ctx, addr)
		observe("history", err)
		if err != nil {
			return err
		}
		out = transfers
		return nil
	})
	return out, err
}

func (t *Throttled) RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error) {
	var out Activity
	err := retry.Do(ctx, t.policy, func(ctx context.Context) error {
		if err := t.wait(ctx); err != nil {
			return err
		}
		act, err := t.next.RecentTransfers(ctx, q)
		observe("recent", err)
		if err != nil {
			return err
		}
		out = act
		return nil
	})
	return out, err
}

func observe(op string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrRateLimited):
		outcome = "rate_limited"
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	metrics.IngestRequests.WithLabelValues(op, outcome).Inc()
}

var _ Client = (*Throttled)(nil)
