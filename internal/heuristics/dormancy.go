package heuristics

import (
	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/pkg/models"
)

// DetectDormancy reports the strongest reactivation after a long silence: two
// consecutive transfers at least MinGap apart where the transfer ending the
// gap moves at least MinValue.
func DetectDormancy(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.Dormancy
	history := sortedByTime(in.Transfers)

	var best *models.Transfer
	var bestGapDays float64
	for i := 1; i < len(history); i++ {
		gap := history[i].Timestamp.Sub(history[i-1].Timestamp)
		if gap < c.MinGap || history[i].Value.LessThan(c.MinValue) {
			continue
		}
		if best == nil || history[i].Value.GreaterThan(best.Value) {
			best = &history[i]
			bestGapDays = gap.Hours() / 24
		}
	}
	if best == nil {
		return nil
	}

	var score float64
	switch {
	case best.Value.GreaterThanOrEqual(decimal.NewFromInt(10)):
		score = 65
	case best.Value.GreaterThanOrEqual(decimal.NewFromInt(5)):
		score = 50
	default:
		score = 35
	}

	return []models.Finding{newFinding(models.DetectorDormancy, in.Address, score, map[string]any{
		"gapDays":       bestGapDays,
		"reactivatedAt": best.Timestamp,
		"value":         best.Value.String(),
		"txHash":        best.Hash,
	})}
}
