package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

const historyKeyPrefix = "aml:history:"

// CachedClient keeps fetched histories in Redis for a short TTL so repeated
// lookups of hub addresses across jobs do not spend provider quota.
// Cache failures degrade to a direct fetch.
type CachedClient struct {
	next Client
	rdb  *redis.Client
	ttl  time.Duration
	log  *zap.Logger
}

func NewCachedClient(next Client, rdb *redis.Client, ttl time.Duration, log *zap.Logger) *CachedClient {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedClient{next: next, rdb: rdb, ttl: ttl, log: logger.OrNop(log).Named("cache")}
}

func historyKey(addr string) string { return historyKeyPrefix + addr }

func (c *CachedClient) FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error) {
	data, err := c.rdb.Get(ctx, historyKey(addr)).Bytes()
	switch {
	case err == nil:
		var cached []models.Transfer
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			return cached, nil
		}
		c.log.Warn("discarding corrupt cache entry", zap.String("address", addr))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("cache read failed", zap.String("address", addr), zap.Error(err))
	}

	transfers, err := c.next.FetchHistory(ctx, addr)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(transfers); err == nil {
		if err := c.rdb.Set(ctx, historyKey(addr), data, c.ttl).Err(); err != nil {
			c.log.Warn("cache write failed", zap.String("address", addr), zap.Error(err))
		}
	}
	return transfers, nil
}

// RecentTransfers is never cached; monitors want the live tip.
func (c *CachedClient) RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error) {
	return c.next.RecentTransfers(ctx, q)
}

// Invalidate drops the cached history of addr.
func (c *CachedClient) Invalidate(ctx context.Context, addr string) error {
	return c.rdb.Del(ctx, historyKey(addr)).Err()
}

var _ Client = (*CachedClient)(nil)
