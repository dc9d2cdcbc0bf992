package automation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// CrawlerResult summarizes one exploration. It is filled in as the crawl
// progresses, so cancelled and failed jobs report what they reached.
type CrawlerResult struct {
	Analyzed        int              `json:"addressesAnalyzed"`
	Queued          int              `json:"addressesQueued"`
	MaxDepthReached int              `json:"maxDepthReached"`
	NewAlerts       int              `json:"newAlerts"`
	Suspicious      []ScoredAddress  `json:"suspicious"`
	Skipped         []SkippedAddress `json:"skipped"`
	StopReason      string           `json:"stopReason"`
}

type frontierEntry struct {
	address string
	depth   int
}

// Crawler explores the transfer graph outward from seed addresses, only
// following addresses whose risk clears min_risk_score.
type Crawler struct {
	svc *analysis.Service
	log *zap.Logger
}

func NewCrawler(svc *analysis.Service, log *zap.Logger) *Crawler {
	return &Crawler{svc: svc, log: logger.OrNop(log).Named("crawler")}
}

func (c *Crawler) Run(ctx context.Context, params jobs.Params, cancel *jobs.CancelToken) (any, error) {
	p, ok := params.(*CrawlerParams)
	if !ok {
		return nil, fmt.Errorf("%w: crawler got %T", jobs.ErrValidation, params)
	}
	svc := c.svc.WithRequestDelay(millis(p.RequestDelayMS))
	res := &CrawlerResult{Suspicious: []ScoredAddress{}, Skipped: []SkippedAddress{}}

	visited := make(map[string]struct{})
	seeds := make(map[string]struct{}, len(p.SeedAddresses))
	frontier := make([]frontierEntry, 0, len(p.SeedAddresses))
	for _, s := range p.SeedAddresses {
		seeds[s] = struct{}{}
		frontier = append(frontier, frontierEntry{address: s})
	}
	seedFailures := 0

	for {
		if cancel.Cancelled() {
			res.StopReason = StopCancelled
			return res, jobs.ErrCancelled
		}
		if len(frontier) == 0 {
			res.StopReason = StopFrontierExhausted
			break
		}
		if res.Analyzed >= p.MaxAddresses {
			res.StopReason = StopMaxAddresses
			break
		}

		var next frontierEntry
		if p.Strategy == StrategyDFS {
			next, frontier = frontier[len(frontier)-1], frontier[:len(frontier)-1]
		} else {
			next, frontier = frontier[0], frontier[1:]
		}
		if _, seen := visited[next.address]; seen {
			continue
		}
		visited[next.address] = struct{}{}

		ar, _, err := svc.Investigate(ctx, next.address)
		if err != nil {
			if !soft(err) {
				return res, err
			}
			if _, isSeed := seeds[next.address]; isSeed {
				seedFailures++
			}
			res.Skipped = append(res.Skipped, SkippedAddress{Address: next.address, Reason: err.Error()})
			c.log.Warn("skipping unreachable address", zap.String("address", next.address), zap.Error(err))
			continue
		}
		res.Analyzed++
		res.NewAlerts += ar.NewAlerts
		res.MaxDepthReached = max(res.MaxDepthReached, next.depth)
		metrics.AddressesVisited.WithLabelValues(string(models.JobCrawler)).Inc()

		if ar.RiskScore >= p.SuspiciousThreshold {
			res.Suspicious = append(res.Suspicious, ScoredAddress{
				Address:   next.address,
				RiskScore: ar.RiskScore,
				Level:     heuristics.Level(ar.RiskScore),
				Depth:     next.depth,
			})
		}
		if ar.RiskScore < p.MinRiskScore || next.depth+1 > p.MaxDepth {
			continue
		}

		neighbors, err := svc.Neighbors(ctx, next.address, p.MinValueETH, p.MaxNeighbors)
		if err != nil {
			return res, err
		}
		// Neighbors come highest value first; DFS pops from the tail, so push
		// them reversed to visit the heaviest counterparty first.
		if p.Strategy == StrategyDFS {
			for i := len(neighbors) - 1; i >= 0; i-- {
				frontier, res.Queued = c.enqueue(frontier, visited, neighbors[i].Address, next.depth+1, res.Queued)
			}
		} else {
			for _, n := range neighbors {
				frontier, res.Queued = c.enqueue(frontier, visited, n.Address, next.depth+1, res.Queued)
			}
		}
	}

	if res.Analyzed == 0 && seedFailures == len(p.SeedAddresses) {
		return res, fmt.Errorf("%w: none of %d seeds could be ingested", ErrSeedUnreachable, len(p.SeedAddresses))
	}
	c.log.Info("crawl finished",
		zap.Int("analyzed", res.Analyzed),
		zap.Int("suspicious", len(res.Suspicious)),
		zap.String("stop_reason", res.StopReason))
	return res, nil
}

func (c *Crawler) enqueue(frontier []frontierEntry, visited map[string]struct{}, addr string, depth, queued int) ([]frontierEntry, int) {
	if _, seen := visited[addr]; seen {
		return frontier, queued
	}
	return append(frontier, frontierEntry{address: addr, depth: depth}), queued + 1
}
