package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// DetectCircularity counts simple directed cycles through the address whose
// length lies between MinLength and MaxLength. Funds that leave and come back
// within a few hops are a classic layering signal.
//
// Scores: 1 cycle → 35, 2 → 42, 3 or more → 50.
func DetectCircularity(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 || in.Graph == nil {
		return nil
	}
	c := cfg.Circularity

	var cycles [][]string
	onPath := map[string]bool{in.Address: true}
	path := []string{in.Address}

	var walk func(node string)
	walk = func(node string) {
		if len(cycles) >= c.MaxCycles {
			return
		}
		for _, next := range in.Graph.Out[node] {
			if next == in.Address {
				if l := len(path); l >= c.MinLength && l <= c.MaxLength {
					cycles = append(cycles, append(append([]string(nil), path...), in.Address))
				}
				continue
			}
			if onPath[next] || len(path) >= c.MaxLength {
				continue
			}
			onPath[next] = true
			path = append(path, next)
			walk(next)
			path = path[:len(path)-1]
			onPath[next] = false
		}
	}
	walk(in.Address)

	if len(cycles) == 0 {
		return nil
	}

	var score float64
	switch {
	case len(cycles) >= 3:
		score = 50
	case len(cycles) == 2:
		score = 42
	default:
		score = 35
	}

	sample := cycles
	if len(sample) > 5 {
		sample = sample[:5]
	}
	return []models.Finding{newFinding(models.DetectorCircularity, in.Address, score, map[string]any{
		"cycles":  len(cycles),
		"samples": sample,
	})}
}
