package heuristics

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Structuring Detection
//
// Structuring (smurfing) splits a large deposit into many small ones to stay
// under reporting thresholds. The signal is a burst of small incoming
// transfers inside a short sliding window.
//
//   score = (count / MinCount) * 20 + 10 if the burst totals more than 1 ETH
//
// clamped to the 20-40 band.

func DetectStructuring(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.Structuring

	var small []models.Transfer
	for _, t := range incoming(in.Address, sortedByTime(in.Transfers)) {
		if t.Value.IsPositive() && t.Value.LessThanOrEqual(c.MaxValue) {
			small = append(small, t)
		}
	}
	if len(small) < c.MinCount {
		return nil
	}

	count, first, last := densestWindow(small, c.Window)
	if count < c.MinCount {
		return nil
	}

	burst := small[first : last+1]
	total := decimal.Zero
	for _, t := range burst {
		total = total.Add(t.Value)
	}

	score := float64(count) / float64(c.MinCount) * 20
	if total.GreaterThan(decimal.NewFromInt(1)) {
		score += 10
	}

	return []models.Finding{newFinding(models.DetectorStructuring, in.Address, clamp(score, 20, 40), map[string]any{
		"count":       count,
		"totalValue":  total.String(),
		"windowHours": c.Window.Hours(),
		"windowStart": burst[0].Timestamp,
		"windowEnd":   burst[len(burst)-1].Timestamp,
		"txHashes":    hashes(burst),
	})}
}
