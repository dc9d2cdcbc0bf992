package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// DetectRoundAmounts counts transfers in either direction whose value is
// exactly one of the configured round denominations.
func DetectRoundAmounts(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.RoundAmount

	count := 0
	byValue := make(map[string]int)
	for _, t := range in.Transfers {
		for _, v := range c.Values {
			if t.Value.Equal(v) {
				count++
				byValue[v.String()]++
				break
			}
		}
	}
	if count < c.MinCount {
		return nil
	}

	var score float64
	switch {
	case count >= 4*c.MinCount:
		score = 50
	case count >= 2*c.MinCount:
		score = 35
	default:
		score = 25
	}

	return []models.Finding{newFinding(models.DetectorRoundAmount, in.Address, score, map[string]any{
		"count":   count,
		"byValue": byValue,
	})}
}
