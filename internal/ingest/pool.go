package ingest

import (
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rawblock/aml-engine/internal/retry"
	"github.com/rawblock/aml-engine/pkg/logger"
)

// PoolOptions configure the shared provider budget.
type PoolOptions struct {
	RequestsPerSecond float64
	Burst             int
	MinDelay          time.Duration // spacing for callers that do not pick their own
	Retry             retry.Policy
	Cache             *redis.Client // optional
	CacheTTL          time.Duration
}

// Pool hands out throttled clients that all draw from one provider quota.
type Pool struct {
	base   Client
	global *rate.Limiter
	opts   PoolOptions
	log    *zap.Logger
}

func NewPool(base Client, opts PoolOptions, log *zap.Logger) *Pool {
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Pool{
		base:   base,
		global: rate.NewLimiter(limit, opts.Burst),
		opts:   opts,
		log:    logger.OrNop(log),
	}
}

// Client returns a fresh client whose calls are spaced at least minDelay
// apart. A negative minDelay selects the pool default.
func (p *Pool) Client(minDelay time.Duration) Client {
	if minDelay < 0 {
		minDelay = p.opts.MinDelay
	}
	var c Client = NewThrottled(p.base, p.global, minDelay, p.opts.Retry, p.log)
	if p.opts.Cache != nil {
		c = NewCachedClient(c, p.opts.Cache, p.opts.CacheTTL, p.log)
	}
	return c
}
