package heuristics

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Pattern Detection Engine
//
// Ten threshold detectors score one address's transfer history:
//
//   STRUCTURING, PEEL_CHAIN, MIXER_PATTERN, TAINT, CIRCULARITY,
//   VELOCITY_ALERT, DORMANT_REACTIVATION, ROUND_AMOUNTS,
//   TIMING_PATTERN, WASH_TRADING
//
// Each detector is a pure function of an immutable Input, so the engine runs
// them concurrently against the same snapshot. Histories with fewer than two
// transfers never produce findings.

// Neighborhood is a bounded adjacency snapshot around the analyzed address.
type Neighborhood struct {
	Out map[string][]string `json:"out"` // address -> recipients
	In  map[string][]string `json:"in"`  // address -> senders
}

// Input is the immutable snapshot handed to every detector.
type Input struct {
	Address   string
	Transfers []models.Transfer // ascending by timestamp
	Graph     *Neighborhood     // nil disables taint and circularity
	Seeds     *SeedSet          // nil disables taint
}

type detectorFunc func(cfg Config, in Input) []models.Finding

type detector struct {
	typ models.DetectorType
	run detectorFunc
}

// Engine runs all registered detectors.
type Engine struct {
	cfg       Config
	detectors []detector
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg: cfg,
		detectors: []detector{
			{models.DetectorStructuring, DetectStructuring},
			{models.DetectorPeelChain, DetectPeelChain},
			{models.DetectorMixer, DetectMixer},
			{models.DetectorTaint, DetectTaint},
			{models.DetectorCircularity, DetectCircularity},
			{models.DetectorVelocity, DetectVelocity},
			{models.DetectorDormancy, DetectDormancy},
			{models.DetectorRoundAmount, DetectRoundAmounts},
			{models.DetectorTiming, DetectTimingPattern},
			{models.DetectorWashTrading, DetectWashTrading},
		},
	}
}

// Config returns the thresholds the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Detectors lists the detector types in evaluation order.
func (e *Engine) Detectors() []models.DetectorType {
	out := make([]models.DetectorType, len(e.detectors))
	for i, d := range e.detectors {
		out[i] = d.typ
	}
	return out
}

// Run evaluates every detector and returns the findings in detector order.
func (e *Engine) Run(ctx context.Context, in Input) ([]models.Finding, error) {
	if len(in.Transfers) < 2 {
		return nil, nil
	}

	results := make([][]models.Finding, len(e.detectors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range e.detectors {
		i, d := i, d
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = d.run(e.cfg, in)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []models.Finding
	for _, r := range results {
		findings = append(findings, r...)
	}
	return findings, nil
}

// GroupByDetector indexes findings by detector type.
func GroupByDetector(findings []models.Finding) map[models.DetectorType][]models.Finding {
	out := make(map[models.DetectorType][]models.Finding)
	for _, f := range findings {
		out[f.Type] = append(out[f.Type], f)
	}
	return out
}

// ─── shared helpers ────────────────────────────────────────────────────

func newFinding(t models.DetectorType, address string, score float64, evidence map[string]any) models.Finding {
	return models.Finding{Type: t, Address: address, Score: score, Evidence: evidence}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func incoming(addr string, transfers []models.Transfer) []models.Transfer {
	var out []models.Transfer
	for _, t := range transfers {
		if t.IsIncoming(addr) {
			out = append(out, t)
		}
	}
	return out
}

func outgoing(addr string, transfers []models.Transfer) []models.Transfer {
	var out []models.Transfer
	for _, t := range transfers {
		if t.IsOutgoing(addr) {
			out = append(out, t)
		}
	}
	return out
}

// densestWindow returns the largest number of transfers whose timestamps fit
// inside a window of the given width, along with the first and last index of
// that run. Input must be sorted ascending.
func densestWindow(transfers []models.Transfer, width time.Duration) (count, first, last int) {
	start := 0
	for end := range transfers {
		for transfers[end].Timestamp.Sub(transfers[start].Timestamp) > width {
			start++
		}
		if n := end - start + 1; n > count {
			count, first, last = n, start, end
		}
	}
	return count, first, last
}

func sortedByTime(transfers []models.Transfer) []models.Transfer {
	if sort.SliceIsSorted(transfers, func(i, j int) bool {
		return transfers[i].Timestamp.Before(transfers[j].Timestamp)
	}) {
		return transfers
	}
	out := make([]models.Transfer, len(transfers))
	copy(out, transfers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func hashes(transfers []models.Transfer) []string {
	out := make([]string, len(transfers))
	for i, t := range transfers {
		out[i] = t.Hash
	}
	return out
}
