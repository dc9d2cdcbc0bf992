package automation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/pkg/models"
)

// Strategy is the crawler's frontier discipline.
type Strategy string

const (
	StrategyBFS Strategy = "bfs"
	StrategyDFS Strategy = "dfs"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{jobs.ErrValidation}, args...)...)
}

func inRange[T int | float64](name string, v, lo, hi T) error {
	if v < lo || v > hi {
		return invalid("%s must be between %v and %v, got %v", name, lo, hi, v)
	}
	return nil
}

func normalizeAll(field string, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		addr, err := models.NormalizeAddress(raw)
		if err != nil {
			return nil, invalid("%s: %q is not a valid address", field, raw)
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

// CrawlerParams configure an autonomous network exploration.
type CrawlerParams struct {
	SeedAddresses       []string        `json:"seed_addresses"`
	MaxDepth            int             `json:"max_depth"`
	MinValueETH         decimal.Decimal `json:"min_value_eth"`
	MinRiskScore        float64         `json:"min_risk_score"`
	SuspiciousThreshold float64         `json:"suspicious_threshold"`
	MaxAddresses        int             `json:"max_addresses"`
	MaxNeighbors        int             `json:"max_neighbors"`
	Strategy            Strategy        `json:"strategy"`
	RequestDelayMS      int             `json:"request_delay_ms"`
	Async               bool            `json:"async"`
}

func DefaultCrawlerParams() *CrawlerParams {
	return &CrawlerParams{
		MaxDepth:            2,
		MinValueETH:         decimal.RequireFromString("0.1"),
		MinRiskScore:        30,
		SuspiciousThreshold: 40,
		MaxAddresses:        100,
		MaxNeighbors:        50,
		Strategy:            StrategyBFS,
		RequestDelayMS:      200,
		Async:               true,
	}
}

func (p *CrawlerParams) JobType() models.JobType { return models.JobCrawler }
func (p *CrawlerParams) IsAsync() bool           { return p.Async }

// Validate checks ranges and canonicalizes the seed addresses in place.
func (p *CrawlerParams) Validate() error {
	if len(p.SeedAddresses) == 0 || len(p.SeedAddresses) > 100 {
		return invalid("seed_addresses must hold 1 to 100 addresses, got %d", len(p.SeedAddresses))
	}
	seeds, err := normalizeAll("seed_addresses", p.SeedAddresses)
	if err != nil {
		return err
	}
	p.SeedAddresses = seeds

	if p.Strategy == "" {
		p.Strategy = StrategyBFS
	}
	if p.Strategy != StrategyBFS && p.Strategy != StrategyDFS {
		return invalid("strategy must be bfs or dfs, got %q", p.Strategy)
	}
	if p.MinValueETH.IsNegative() {
		return invalid("min_value_eth must not be negative")
	}
	for _, err := range []error{
		inRange("max_depth", p.MaxDepth, 0, 10),
		inRange("min_risk_score", p.MinRiskScore, 0, 100),
		inRange("suspicious_threshold", p.SuspiciousThreshold, 0, 100),
		inRange("max_addresses", p.MaxAddresses, 1, 10000),
		inRange("max_neighbors", p.MaxNeighbors, 1, 500),
		inRange("request_delay_ms", p.RequestDelayMS, 0, 60000),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// MonitorParams configure continuous surveillance of large transfers.
type MonitorParams struct {
	MinValueUSD          decimal.Decimal `json:"min_value_usd"`
	EthPriceUSD          decimal.Decimal `json:"eth_price_usd"`
	CheckIntervalMinutes float64         `json:"check_interval_minutes"`
	DurationHours        float64         `json:"duration_hours"` // 0 = one check
	WatchAddresses       []string        `json:"watch_addresses"`
	LookbackBlocks       uint64          `json:"lookback_blocks"`
	MaxTransfersPerCheck int             `json:"max_transfers_per_check"`
	AlertThreshold       float64         `json:"alert_threshold"`
	RequestDelayMS       int             `json:"request_delay_ms"`
	Async                bool            `json:"async"`
}

func DefaultMonitorParams() *MonitorParams {
	return &MonitorParams{
		MinValueUSD:          decimal.NewFromInt(100000),
		EthPriceUSD:          decimal.NewFromInt(2000),
		CheckIntervalMinutes: 60,
		DurationHours:        24,
		LookbackBlocks:       50,
		MaxTransfersPerCheck: 100,
		AlertThreshold:       70,
		RequestDelayMS:       200,
		Async:                true,
	}
}

func (p *MonitorParams) JobType() models.JobType { return models.JobMonitor }
func (p *MonitorParams) IsAsync() bool           { return p.Async }

func (p *MonitorParams) Validate() error {
	if !p.MinValueUSD.IsPositive() {
		return invalid("min_value_usd must be positive")
	}
	if !p.EthPriceUSD.IsPositive() {
		return invalid("eth_price_usd must be positive")
	}
	if p.CheckIntervalMinutes <= 0 {
		return invalid("check_interval_minutes must be positive")
	}
	if p.DurationHours < 0 {
		return invalid("duration_hours must not be negative")
	}
	if p.LookbackBlocks < 1 || p.LookbackBlocks > 10000 {
		return invalid("lookback_blocks must be between 1 and 10000, got %d", p.LookbackBlocks)
	}
	watch, err := normalizeAll("watch_addresses", p.WatchAddresses)
	if err != nil {
		return err
	}
	p.WatchAddresses = watch
	for _, err := range []error{
		inRange("max_transfers_per_check", p.MaxTransfersPerCheck, 1, 1000),
		inRange("alert_threshold", p.AlertThreshold, 0, 100),
		inRange("request_delay_ms", p.RequestDelayMS, 0, 60000),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// MinValueETH converts the USD floor at the configured price.
func (p *MonitorParams) MinValueETH() decimal.Decimal {
	return p.MinValueUSD.Div(p.EthPriceUSD)
}

func (p *MonitorParams) interval() time.Duration {
	return time.Duration(p.CheckIntervalMinutes * float64(time.Minute))
}

func (p *MonitorParams) duration() time.Duration {
	return time.Duration(p.DurationHours * float64(time.Hour))
}

// ExpansionParams configure a risk-driven deep dive from one address.
type ExpansionParams struct {
	Address        string          `json:"address"`
	TriggerScore   float64         `json:"trigger_score"`
	ExpansionDepth int             `json:"expansion_depth"`
	MinValueETH    decimal.Decimal `json:"min_value_eth"`
	MaxNeighbors   int             `json:"max_neighbors"`
	RequestDelayMS int             `json:"request_delay_ms"`
	Async          bool            `json:"async"`
}

func DefaultExpansionParams() *ExpansionParams {
	return &ExpansionParams{
		TriggerScore:   70,
		ExpansionDepth: 2,
		MinValueETH:    decimal.RequireFromString("0.5"),
		MaxNeighbors:   50,
		RequestDelayMS: 200,
		Async:          true,
	}
}

func (p *ExpansionParams) JobType() models.JobType { return models.JobExpansion }
func (p *ExpansionParams) IsAsync() bool           { return p.Async }

func (p *ExpansionParams) Validate() error {
	addr, err := models.NormalizeAddress(p.Address)
	if err != nil {
		return invalid("address: %q is not a valid address", p.Address)
	}
	p.Address = addr
	if p.MinValueETH.IsNegative() {
		return invalid("min_value_eth must not be negative")
	}
	for _, err := range []error{
		inRange("trigger_score", p.TriggerScore, 0, 100),
		inRange("expansion_depth", p.ExpansionDepth, 1, 10),
		inRange("max_neighbors", p.MaxNeighbors, 1, 500),
		inRange("request_delay_ms", p.RequestDelayMS, 0, 60000),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

var (
	_ jobs.Params = (*CrawlerParams)(nil)
	_ jobs.Params = (*MonitorParams)(nil)
	_ jobs.Params = (*ExpansionParams)(nil)
)
