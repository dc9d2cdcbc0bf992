package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/ingest"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/internal/retry"
	"github.com/rawblock/aml-engine/pkg/models"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func xfer(n int, from, to int, eth string, block uint64) models.Transfer {
	return models.Transfer{
		Hash:        fmt.Sprintf("0x%064x", n),
		From:        addr(from),
		To:          addr(to),
		Value:       decimal.RequireFromString(eth),
		Timestamp:   t0.Add(time.Duration(n) * time.Minute),
		BlockNumber: block,
	}
}

type harness struct {
	client  *ingest.StaticClient
	store   *graph.MemoryStore
	svc     *analysis.Service
	manager *jobs.Manager
}

func newHarness(t *testing.T, transfers ...models.Transfer) *harness {
	t.Helper()
	client := ingest.NewStaticClient(transfers...)
	store := graph.NewMemoryStore(nil)
	pool := ingest.NewPool(client, ingest.PoolOptions{Retry: retry.Policy{MaxAttempts: 1}}, nil)
	svc := analysis.NewService(analysis.Deps{
		Store:  store,
		Pool:   pool,
		Engine: heuristics.NewEngine(heuristics.DefaultConfig()),
		Alerts: heuristics.NewAlertManager(store, heuristics.DefaultAlertOptions(), nil),
		Scorer: heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
	}, analysis.DefaultOptions(), nil)

	m := jobs.NewManager(context.Background(), store, nil)
	m.Register(models.JobCrawler, NewCrawler(svc, nil))
	m.Register(models.JobMonitor, NewMonitor(svc, nil))
	m.Register(models.JobExpansion, NewExpansion(svc, nil))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return &harness{client: client, store: store, svc: svc, manager: m}
}

// chain is 1 -> 2 -> 3 with two transfers per hop so every address has a
// history worth analyzing.
func chain() []models.Transfer {
	return []models.Transfer{
		xfer(1, 1, 2, "5", 10),
		xfer(2, 1, 2, "4", 11),
		xfer(3, 2, 3, "3", 12),
		xfer(4, 2, 3, "2", 13),
	}
}

func crawlerParams(seeds ...string) *CrawlerParams {
	p := DefaultCrawlerParams()
	p.SeedAddresses = seeds
	p.RequestDelayMS = 0
	p.Async = false
	return p
}

func TestCrawlerMaxAddressesOne(t *testing.T) {
	h := newHarness(t, chain()...)
	p := crawlerParams(addr(1), addr(2), addr(3))
	p.MaxAddresses = 1

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	res := job.Result.(*CrawlerResult)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, StopMaxAddresses, res.StopReason)
}

func TestCrawlerFollowsNeighborsToMaxDepth(t *testing.T) {
	tests := []struct {
		name     string
		maxDepth int
		strategy Strategy
		analyzed int
	}{
		{"bfs depth 2", 2, StrategyBFS, 3},
		{"dfs depth 2", 2, StrategyDFS, 3},
		{"depth 1", 1, StrategyBFS, 2},
		{"seeds only", 0, StrategyBFS, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, chain()...)
			p := crawlerParams(addr(1))
			p.MinRiskScore = 0
			p.MaxDepth = tt.maxDepth
			p.Strategy = tt.strategy

			job, err := h.manager.Start(context.Background(), p)
			require.NoError(t, err)
			require.Equal(t, models.JobCompleted, job.Status, job.Error)

			res := job.Result.(*CrawlerResult)
			assert.Equal(t, tt.analyzed, res.Analyzed)
			assert.Equal(t, tt.maxDepth, res.MaxDepthReached)
			assert.Equal(t, StopFrontierExhausted, res.StopReason)
		})
	}
}

func TestCrawlerSkipsUnreachableAddresses(t *testing.T) {
	h := newHarness(t, chain()...)
	h.client.Fail(addr(9), ingest.ErrTransient)

	p := crawlerParams(addr(9), addr(1))
	p.MaxDepth = 0

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	res := job.Result.(*CrawlerResult)
	assert.Equal(t, 1, res.Analyzed)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, addr(9), res.Skipped[0].Address)
}

func TestCrawlerFailsWhenNoSeedIsReachable(t *testing.T) {
	h := newHarness(t)
	h.client.Fail(addr(8), ingest.ErrNotFound)
	h.client.Fail(addr(9), ingest.ErrTransient)

	job, err := h.manager.Start(context.Background(), crawlerParams(addr(8), addr(9)))
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, ErrSeedUnreachable.Error())

	res := job.Result.(*CrawlerResult)
	assert.Len(t, res.Skipped, 2)
}

func TestCrawlerCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, chain()...)
	tok := jobs.NewCancelToken()
	tok.Cancel()

	out, err := NewCrawler(h.svc, nil).Run(context.Background(), crawlerParams(addr(1)), tok)
	assert.ErrorIs(t, err, jobs.ErrCancelled)
	res := out.(*CrawlerResult)
	assert.Equal(t, StopCancelled, res.StopReason)
	assert.Zero(t, res.Analyzed)
}

func expansionParams(start string) *ExpansionParams {
	p := DefaultExpansionParams()
	p.Address = start
	p.RequestDelayMS = 0
	p.Async = false
	return p
}

func TestExpansionLowRiskStopsAtRoot(t *testing.T) {
	h := newHarness(t, chain()...)
	p := expansionParams(addr(1))
	p.TriggerScore = 100

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)

	res := job.Result.(*ExpansionResult)
	assert.Equal(t, StopLowRisk, res.StopReason)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, addr(1), res.Nodes[0].Address)
	assert.Equal(t, -1, res.Nodes[0].Parent)
}

func TestExpansionTermination(t *testing.T) {
	tests := []struct {
		name   string
		depth  int
		reason string
		nodes  int
	}{
		{"dead end", 10, StopDeadEnd, 3},
		{"max depth", 1, StopMaxDepth, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, chain()...)
			p := expansionParams(addr(1))
			p.TriggerScore = 0
			p.ExpansionDepth = tt.depth

			job, err := h.manager.Start(context.Background(), p)
			require.NoError(t, err)
			require.Equal(t, models.JobCompleted, job.Status, job.Error)

			res := job.Result.(*ExpansionResult)
			assert.Equal(t, tt.reason, res.StopReason)
			assert.Len(t, res.Nodes, tt.nodes)
			assert.Equal(t, []int{1}, res.Nodes[0].Children)
		})
	}
}

func TestExpansionCycleIsNotReexpanded(t *testing.T) {
	cycle := append(chain(), xfer(5, 3, 1, "1", 14), xfer(6, 3, 1, "1", 15))
	h := newHarness(t, cycle...)
	p := expansionParams(addr(1))
	p.TriggerScore = 0
	p.ExpansionDepth = 10

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status, job.Error)

	res := job.Result.(*ExpansionResult)
	seen := map[string]int{}
	for _, n := range res.Nodes {
		seen[n.Address]++
	}
	for a, n := range seen {
		assert.Equal(t, 1, n, "address %s expanded twice", a)
	}
	assert.Equal(t, StopDeadEnd, res.StopReason)
}

func TestExpansionUnreachableStartFails(t *testing.T) {
	h := newHarness(t)
	h.client.Fail(addr(1), ingest.ErrTransient)

	job, err := h.manager.Start(context.Background(), expansionParams(addr(1)))
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Contains(t, job.Error, ErrSeedUnreachable.Error())
}

func monitorParams() *MonitorParams {
	p := DefaultMonitorParams()
	p.RequestDelayMS = 0
	p.Async = false
	return p
}

func TestMonitorSingleCheck(t *testing.T) {
	h := newHarness(t,
		xfer(1, 1, 2, "60", 100), // 120k USD at 2000
		xfer(2, 3, 4, "1", 100),
	)
	p := monitorParams()
	p.DurationHours = 0
	p.AlertThreshold = 0

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status, job.Error)

	res := job.Result.(*MonitorResult)
	assert.Equal(t, StopSingleCheck, res.StopReason)
	assert.Equal(t, 1, res.Checks)
	assert.Equal(t, 2, res.TransfersSeen)
	require.Len(t, res.LargeTransfers, 1)
	assert.Equal(t, "120000.00", res.LargeTransfers[0].ValueUSD)
	assert.Equal(t, 2, res.AlertsEmitted)
	assert.Len(t, res.HighRisk, 2)
	assert.Equal(t, uint64(100), res.LastBlock)

	alerts, err := h.store.ListAlerts(context.Background(), models.AlertFilter{Type: models.AlertHighRisk})
	require.NoError(t, err)
	assert.Len(t, alerts, 2)
}

func TestMonitorRunsUntilDurationElapses(t *testing.T) {
	h := newHarness(t, xfer(1, 1, 2, "60", 100))
	p := monitorParams()
	p.CheckIntervalMinutes = 0.0002 // 12ms
	p.DurationHours = 0.00002       // 72ms

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, job.Status, job.Error)

	res := job.Result.(*MonitorResult)
	assert.Equal(t, StopDurationElapsed, res.StopReason)
	assert.Greater(t, res.Checks, 1)
	assert.Len(t, res.LargeTransfers, 1, "checkpoint prevents rescanning the same block")
}

func TestMonitorCancelWithinInterval(t *testing.T) {
	h := newHarness(t, xfer(1, 1, 2, "60", 100))
	p := monitorParams()
	p.Async = true

	job, err := h.manager.Start(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)

	_, err = h.manager.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.manager.Get(context.Background(), job.ID)
		return err == nil && j.Status == models.JobCancelled
	}, 2*time.Second, 10*time.Millisecond)

	j, err := h.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, j.Result.(*MonitorResult).StopReason)
}

func TestMonitorFailedPollIsSoft(t *testing.T) {
	h := newHarness(t)
	failing := &failingActivity{Client: h.svc.Client()}
	pool := ingest.NewPool(failing, ingest.PoolOptions{Retry: retry.Policy{MaxAttempts: 1}}, nil)
	svc := analysis.NewService(analysis.Deps{
		Store:  h.store,
		Pool:   pool,
		Engine: heuristics.NewEngine(heuristics.DefaultConfig()),
		Alerts: h.svc.Alerts(),
		Scorer: heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
	}, analysis.DefaultOptions(), nil)

	p := monitorParams()
	p.DurationHours = 0
	out, err := NewMonitor(svc, nil).Run(context.Background(), p, jobs.NewCancelToken())
	require.NoError(t, err)
	res := out.(*MonitorResult)
	assert.Equal(t, 1, res.Checks)
	assert.Equal(t, 1, res.FailedChecks)
}

type failingActivity struct {
	ingest.Client
}

func (f *failingActivity) RecentTransfers(ctx context.Context, q ingest.ActivityQuery) (ingest.Activity, error) {
	return ingest.Activity{}, ingest.ErrTransient
}

func TestParamsValidation(t *testing.T) {
	tests := []struct {
		name   string
		params jobs.Params
		ok     bool
	}{
		{"crawler ok", crawlerParams("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"), true},
		{"crawler no seeds", crawlerParams(), false},
		{"crawler bad seed", crawlerParams("0x1234"), false},
		{"crawler depth", func() jobs.Params { p := crawlerParams(addr(1)); p.MaxDepth = 11; return p }(), false},
		{"crawler strategy", func() jobs.Params { p := crawlerParams(addr(1)); p.Strategy = "random"; return p }(), false},
		{"crawler neighbors", func() jobs.Params { p := crawlerParams(addr(1)); p.MaxNeighbors = 0; return p }(), false},
		{"monitor ok", monitorParams(), true},
		{"monitor interval", func() jobs.Params { p := monitorParams(); p.CheckIntervalMinutes = 0; return p }(), false},
		{"monitor duration", func() jobs.Params { p := monitorParams(); p.DurationHours = -1; return p }(), false},
		{"monitor price", func() jobs.Params { p := monitorParams(); p.EthPriceUSD = decimal.Zero; return p }(), false},
		{"monitor watch", func() jobs.Params { p := monitorParams(); p.WatchAddresses = []string{"nope"}; return p }(), false},
		{"expansion ok", expansionParams(addr(1)), true},
		{"expansion address", expansionParams("bc1qxyz"), false},
		{"expansion depth", func() jobs.Params { p := expansionParams(addr(1)); p.ExpansionDepth = 0; return p }(), false},
		{"expansion trigger", func() jobs.Params { p := expansionParams(addr(1)); p.TriggerScore = 101; return p }(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, jobs.ErrValidation))
		})
	}
}

func TestValidateCanonicalizesSeeds(t *testing.T) {
	p := crawlerParams("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD", "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	require.NoError(t, p.Validate())
	assert.Equal(t, []string{"0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"}, p.SeedAddresses)
}

func TestMonitorMinValueETH(t *testing.T) {
	p := DefaultMonitorParams()
	assert.True(t, p.MinValueETH().Equal(decimal.NewFromInt(50)))
}
