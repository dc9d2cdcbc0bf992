package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rawblock/aml-engine/pkg/models"
)

// StaticClient serves transfers held in memory. The CLI loads one from a JSON
// fixture for offline analysis, and tests use it as a provider double.
type StaticClient struct {
	mu        sync.RWMutex
	transfers []models.Transfer
	failures  map[string]error
	calls     map[string]int
}

func NewStaticClient(transfers ...models.Transfer) *StaticClient {
	return &StaticClient{
		transfers: append([]models.Transfer(nil), transfers...),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// LoadStaticClient reads a JSON array of transfers from path.
func LoadStaticClient(path string) (*StaticClient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var transfers []models.Transfer
	if err := json.Unmarshal(data, &transfers); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return NewStaticClient(transfers...), nil
}

func (c *StaticClient) Add(transfers ...models.Transfer) {
	c.mu.Lock()
	c.transfers = append(c.transfers, transfers...)
	c.mu.Unlock()
}

// Fail makes every history lookup of addr return err.
func (c *StaticClient) Fail(addr string, err error) {
	c.mu.Lock()
	c.failures[addr] = err
	c.mu.Unlock()
}

// Calls reports how many history lookups addr received.
func (c *StaticClient) Calls(addr string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.calls[addr]
}

func (c *StaticClient) FetchHistory(ctx context.Context, addr string) ([]models.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.calls[addr]++
	failure := c.failures[addr]
	c.mu.Unlock()
	if failure != nil {
		return nil, failure
	}

	c.mu.RLock()
	var out []models.Transfer
	for _, t := range c.transfers {
		if t.From == addr || t.To == addr {
			out = append(out, t)
		}
	}
	c.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *StaticClient) RecentTransfers(ctx context.Context, q ActivityQuery) (Activity, error) {
	if err := ctx.Err(); err != nil {
		return Activity{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var latest uint64
	for _, t := range c.transfers {
		latest = max(latest, t.BlockNumber)
	}
	act := Activity{LatestBlock: latest}
	from, to, ok := blockRange(latest, q)
	if !ok {
		return act, nil
	}
	watch := watchSet(q.Watch)

	for _, t := range c.transfers {
		if t.BlockNumber < from || t.BlockNumber > to {
			continue
		}
		if watch != nil {
			_, f := watch[t.From]
			_, r := watch[t.To]
			if !f && !r {
				continue
			}
		}
		act.Transfers = append(act.Transfers, t)
	}
	return act, nil
}

var _ Client = (*StaticClient)(nil)
