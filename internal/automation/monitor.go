package automation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/ingest"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// LargeTransfer is a transfer that cleared the USD floor during a check.
type LargeTransfer struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to"`
	ValueETH string `json:"valueEth"`
	ValueUSD string `json:"valueUsd"`
	Block    uint64 `json:"block"`
}

// MonitorResult accumulates across checks.
type MonitorResult struct {
	Checks         int              `json:"checks"`
	FailedChecks   int              `json:"failedChecks"`
	TransfersSeen  int              `json:"transfersSeen"`
	LargeTransfers []LargeTransfer  `json:"largeTransfers"`
	HighRisk       []ScoredAddress  `json:"highRisk"`
	AlertsEmitted  int              `json:"alertsEmitted"`
	Skipped        []SkippedAddress `json:"skipped"`
	LastBlock      uint64           `json:"lastBlock"`
	StopReason     string           `json:"stopReason"`
}

const maxLargeTransfersReported = 500

// Monitor polls recent chain activity on an interval and investigates both
// sides of every large transfer. A failed poll is counted and retried at the
// next interval; only store failures end the job.
type Monitor struct {
	svc *analysis.Service
	log *zap.Logger
	now func() time.Time
}

func NewMonitor(svc *analysis.Service, log *zap.Logger) *Monitor {
	return &Monitor{svc: svc, log: logger.OrNop(log).Named("monitor"), now: time.Now}
}

func (m *Monitor) Run(ctx context.Context, params jobs.Params, cancel *jobs.CancelToken) (any, error) {
	p, ok := params.(*MonitorParams)
	if !ok {
		return nil, fmt.Errorf("%w: monitor got %T", jobs.ErrValidation, params)
	}
	svc := m.svc.WithRequestDelay(millis(p.RequestDelayMS))
	res := &MonitorResult{
		LargeTransfers: []LargeTransfer{},
		HighRisk:       []ScoredAddress{},
		Skipped:        []SkippedAddress{},
	}

	deadline := m.now().Add(p.duration())
	flagged := make(map[string]struct{})

	for {
		if cancel.Cancelled() {
			res.StopReason = StopCancelled
			return res, jobs.ErrCancelled
		}
		if res.Checks > 0 && !m.now().Before(deadline) {
			res.StopReason = StopDurationElapsed
			break
		}

		stopped, err := m.check(ctx, svc, p, res, flagged, cancel)
		res.Checks++
		if err != nil {
			if !soft(err) {
				return res, err
			}
			res.FailedChecks++
			m.log.Warn("check failed", zap.Int("check", res.Checks), zap.Error(err))
		}
		if stopped {
			res.StopReason = StopCancelled
			return res, jobs.ErrCancelled
		}
		if p.DurationHours == 0 {
			res.StopReason = StopSingleCheck
			break
		}

		wait := p.interval()
		if remaining := deadline.Sub(m.now()); remaining < wait {
			wait = max(remaining, 0)
		}
		timer := time.NewTimer(wait)
		select {
		case <-cancel.Done():
			timer.Stop()
			res.StopReason = StopCancelled
			return res, jobs.ErrCancelled
		case <-ctx.Done():
			timer.Stop()
			return res, ctx.Err()
		case <-timer.C:
		}
	}

	m.log.Info("monitor finished",
		zap.Int("checks", res.Checks),
		zap.Int("alerts", res.AlertsEmitted),
		zap.String("stop_reason", res.StopReason))
	return res, nil
}

// check runs one poll. It reports true when it stopped early on the cancel
// token.
func (m *Monitor) check(ctx context.Context, svc *analysis.Service, p *MonitorParams, res *MonitorResult, flagged map[string]struct{}, cancel *jobs.CancelToken) (bool, error) {
	q := ingest.ActivityQuery{Watch: p.WatchAddresses, MaxBlocks: p.LookbackBlocks}
	if res.LastBlock > 0 {
		q.FromBlock = res.LastBlock + 1
	}
	act, err := svc.Client().RecentTransfers(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: recent activity: %w", analysis.ErrIngestion, err)
	}
	if act.LatestBlock > res.LastBlock {
		res.LastBlock = act.LatestBlock
	}
	res.TransfersSeen += len(act.Transfers)

	floor := p.MinValueETH()
	var large []models.Transfer
	for _, t := range act.Transfers {
		if t.Value.GreaterThanOrEqual(floor) {
			large = append(large, t)
		}
	}
	sort.SliceStable(large, func(i, j int) bool { return large[i].Value.GreaterThan(large[j].Value) })
	if len(large) > p.MaxTransfersPerCheck {
		large = large[:p.MaxTransfersPerCheck]
	}

	investigated := make(map[string]struct{})
	for _, t := range large {
		if cancel.Cancelled() {
			return true, nil
		}
		if err := svc.IngestTransfer(ctx, t); err != nil {
			return false, err
		}
		if len(res.LargeTransfers) < maxLargeTransfersReported {
			res.LargeTransfers = append(res.LargeTransfers, LargeTransfer{
				Hash:     t.Hash,
				From:     t.From,
				To:       t.To,
				ValueETH: t.Value.String(),
				ValueUSD: t.Value.Mul(p.EthPriceUSD).StringFixed(2),
				Block:    t.BlockNumber,
			})
		}

		for _, addr := range []string{t.From, t.To} {
			if _, done := investigated[addr]; done {
				continue
			}
			investigated[addr] = struct{}{}

			// Without a history the address is still scored on what the
			// store already holds, including the transfer just written.
			ar, _, err := svc.Investigate(ctx, addr)
			if err != nil {
				if !soft(err) {
					return false, err
				}
				res.Skipped = append(res.Skipped, SkippedAddress{Address: addr, Reason: err.Error()})
				if ar, err = svc.Analyze(ctx, addr); err != nil {
					return false, err
				}
			}
			metrics.AddressesVisited.WithLabelValues(string(models.JobMonitor)).Inc()
			if ar.RiskScore < p.AlertThreshold {
				continue
			}

			inserted, err := svc.RecordHighRisk(ctx, ar, map[string]any{
				"txHash":   t.Hash,
				"valueEth": t.Value.String(),
				"valueUsd": t.Value.Mul(p.EthPriceUSD).StringFixed(2),
			})
			if err != nil {
				return false, err
			}
			if inserted {
				res.AlertsEmitted++
			}
			if _, seen := flagged[addr]; !seen {
				flagged[addr] = struct{}{}
				res.HighRisk = append(res.HighRisk, ScoredAddress{Address: addr, RiskScore: ar.RiskScore, Level: ar.Level})
			}
		}
	}
	return false, nil
}
