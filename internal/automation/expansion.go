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

// ExpansionNode is one analyzed address in the expansion tree. Nodes live in
// a flat arena and point at each other by index.
type ExpansionNode struct {
	Address   string  `json:"address"`
	Depth     int     `json:"depth"`
	RiskScore float64 `json:"riskScore"`
	Level     string  `json:"level"`
	Parent    int     `json:"parent"` // -1 for the root
	Children  []int   `json:"children,omitempty"`
}

// ExpansionResult is the tree grown from the start address.
type ExpansionResult struct {
	Root       string           `json:"root"`
	Nodes      []ExpansionNode  `json:"nodes"`
	HighRisk   []ScoredAddress  `json:"highRisk"`
	Skipped    []SkippedAddress `json:"skipped"`
	NewAlerts  int              `json:"newAlerts"`
	DepthHit   int              `json:"depthReached"`
	StopReason string           `json:"stopReason"`
}

// Expansion follows risk outward from a single address. Each level only
// expands the addresses of the previous level that met trigger_score.
// The walk is an explicit worklist over an arena, and the job-scoped visited
// set keeps cycles from re-expanding an address.
type Expansion struct {
	svc *analysis.Service
	log *zap.Logger
}

func NewExpansion(svc *analysis.Service, log *zap.Logger) *Expansion {
	return &Expansion{svc: svc, log: logger.OrNop(log).Named("expansion")}
}

func (e *Expansion) Run(ctx context.Context, params jobs.Params, cancel *jobs.CancelToken) (any, error) {
	p, ok := params.(*ExpansionParams)
	if !ok {
		return nil, fmt.Errorf("%w: expansion got %T", jobs.ErrValidation, params)
	}
	svc := e.svc.WithRequestDelay(millis(p.RequestDelayMS))
	res := &ExpansionResult{Root: p.Address, HighRisk: []ScoredAddress{}, Skipped: []SkippedAddress{}}

	root, _, err := svc.Investigate(ctx, p.Address)
	if err != nil {
		if soft(err) {
			return res, fmt.Errorf("%w: %w", ErrSeedUnreachable, err)
		}
		return res, err
	}
	metrics.AddressesVisited.WithLabelValues(string(models.JobExpansion)).Inc()
	res.NewAlerts += root.NewAlerts
	res.Nodes = append(res.Nodes, ExpansionNode{
		Address:   p.Address,
		RiskScore: root.RiskScore,
		Level:     heuristics.Level(root.RiskScore),
		Parent:    -1,
	})
	if root.RiskScore < p.TriggerScore {
		res.StopReason = StopLowRisk
		return res, nil
	}
	res.HighRisk = append(res.HighRisk, ScoredAddress{Address: p.Address, RiskScore: root.RiskScore, Level: res.Nodes[0].Level})

	visited := map[string]struct{}{p.Address: {}}
	level := []int{0}
	for depth := 0; ; depth++ {
		var next []int
		for _, idx := range level {
			if cancel.Cancelled() {
				res.StopReason = StopCancelled
				return res, jobs.ErrCancelled
			}
			parent := res.Nodes[idx]
			neighbors, err := svc.Neighbors(ctx, parent.Address, p.MinValueETH, p.MaxNeighbors)
			if err != nil {
				return res, err
			}

			for _, n := range neighbors {
				if _, seen := visited[n.Address]; seen {
					continue
				}
				visited[n.Address] = struct{}{}
				if cancel.Cancelled() {
					res.StopReason = StopCancelled
					return res, jobs.ErrCancelled
				}

				ar, _, err := svc.Investigate(ctx, n.Address)
				if err != nil {
					if !soft(err) {
						return res, err
					}
					res.Skipped = append(res.Skipped, SkippedAddress{Address: n.Address, Reason: err.Error()})
					continue
				}
				metrics.AddressesVisited.WithLabelValues(string(models.JobExpansion)).Inc()
				res.NewAlerts += ar.NewAlerts

				child := len(res.Nodes)
				res.Nodes = append(res.Nodes, ExpansionNode{
					Address:   n.Address,
					Depth:     depth + 1,
					RiskScore: ar.RiskScore,
					Level:     heuristics.Level(ar.RiskScore),
					Parent:    idx,
				})
				res.Nodes[idx].Children = append(res.Nodes[idx].Children, child)
				res.DepthHit = depth + 1

				if ar.RiskScore >= p.TriggerScore {
					next = append(next, child)
					res.HighRisk = append(res.HighRisk, ScoredAddress{
						Address:   n.Address,
						RiskScore: ar.RiskScore,
						Level:     heuristics.Level(ar.RiskScore),
						Depth:     depth + 1,
					})
				}
			}
		}

		switch {
		case len(next) == 0:
			res.StopReason = StopDeadEnd
		case depth+1 >= p.ExpansionDepth:
			res.StopReason = StopMaxDepth
		default:
			level = next
			continue
		}
		break
	}

	e.log.Info("expansion finished",
		zap.String("root", p.Address),
		zap.Int("nodes", len(res.Nodes)),
		zap.String("stop_reason", res.StopReason))
	return res, nil
}
