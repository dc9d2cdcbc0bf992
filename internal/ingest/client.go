package ingest

import (
	"context"
	"errors"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Provider failure classes. Every provider wraps its errors in one of these.
var (
	ErrRateLimited = errors.New("provider rate limit reached")
	ErrNotFound    = errors.New("address not found at provider")
	ErrTransient   = errors.New("transient provider error")
	ErrUnsupported = errors.New("operation not supported by provider")
)

// ActivityQuery selects recent chain activity. An empty Watch list means
// every transfer in the scanned blocks.
type ActivityQuery struct {
	Watch     []string
	FromBlock uint64 // 0 = start MaxBlocks behind the tip
	MaxBlocks uint64
}

// Activity is one page of recent transfers plus the last block covered, which
// callers pass back as FromBlock-1 on the next poll.
type Activity struct {
	Transfers   []models.Transfer
	LatestBlock uint64
}

// Client fetches transfer data from a blockchain-data provider. Calls are
// fallible individually and may be rate limited.
type Client interface {
	// FetchHistory returns every transfer touching addr, oldest first.
	FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error)
	RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error)
}

// Split routes history lookups and recent-activity scans to different
// providers, e.g. an indexer for history and a node for fresh blocks.
type Split struct {
	History  Client
	Activity Client
}

func (s Split) FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error) {
	return s.History.FetchHistory(ctx, addr)
}

func (s Split) RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error) {
	return s.Activity.RecentTransfers(ctx, q)
}

func watchSet(addrs []string) map[string]struct{} {
	if len(addrs) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return set
}

// blockRange picks the inclusive block window for q given the chain tip. It
// reports false when q resumes from a checkpoint past the tip.
func blockRange(latest uint64, q ActivityQuery) (uint64, uint64, bool) {
	if q.FromBlock > latest {
		return 0, 0, false
	}
	maxBlocks := q.MaxBlocks
	if maxBlocks == 0 {
		maxBlocks = 1
	}
	from := q.FromBlock
	if from == 0 || latest-from+1 > maxBlocks {
		from = 0
		if latest+1 > maxBlocks {
			from = latest + 1 - maxBlocks
		}
	}
	return from, latest, true
}
