package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// DetectVelocity looks for bursts of outgoing transfers inside a rolling
// window (one hour by default). Bands: 10+ → 40, 30+ → 55, 50+ → 70.
func DetectVelocity(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.Velocity

	sent := outgoing(in.Address, sortedByTime(in.Transfers))
	if len(sent) < c.MinCount {
		return nil
	}
	count, first, last := densestWindow(sent, c.Window)
	if count < c.MinCount {
		return nil
	}

	var score float64
	switch {
	case count >= 5*c.MinCount:
		score = 70
	case count >= 3*c.MinCount:
		score = 55
	default:
		score = 40
	}

	return []models.Finding{newFinding(models.DetectorVelocity, in.Address, score, map[string]any{
		"count":         count,
		"windowMinutes": c.Window.Minutes(),
		"windowStart":   sent[first].Timestamp,
		"windowEnd":     sent[last].Timestamp,
	})}
}
