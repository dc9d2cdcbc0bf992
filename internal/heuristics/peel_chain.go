package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// Peel Chain Detection
//
// A peel chain forwards most of what it receives and siphons a little off at
// every step:
//
//   in 10 → out 9 → out 6.3 → out 4.2 ...
//
// The detector walks the address's history in time order, carrying the value
// the next hop is measured against. An incoming transfer resets the carried
// value. An outgoing transfer is a hop when it forwards at least Retention of
// the carried value; the hop's own value becomes the new carried value. A
// transfer that forwards less breaks the chain.
//
// Retention is compared with a small Tolerance so that amounts rounded to one
// decimal (6.3 → 4.2 is 0.667) still read as a 70% hop.

func DetectPeelChain(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.PeelChain
	threshold := c.Retention - c.Tolerance

	var (
		carried   float64
		haveValue bool
		hops      int
		chain     []models.Transfer
		best      []models.Transfer
		bestHops  int
	)

	for _, t := range sortedByTime(in.Transfers) {
		v := t.Value.InexactFloat64()
		switch {
		case t.IsIncoming(in.Address):
			carried, haveValue = v, true
			hops = 0
			chain = []models.Transfer{t}
		case t.IsOutgoing(in.Address):
			if haveValue && carried > 0 && v/carried >= threshold {
				hops++
				chain = append(chain, t)
				if hops > bestHops {
					bestHops = hops
					best = append([]models.Transfer(nil), chain...)
				}
			} else {
				hops = 0
				chain = []models.Transfer{t}
			}
			carried, haveValue = v, true
		}
	}

	if bestHops < c.MinHops {
		return nil
	}

	values := make([]string, len(best))
	for i, t := range best {
		values[i] = t.Value.String()
	}
	score := clamp(40+5*float64(bestHops-c.MinHops), 40, 60)

	return []models.Finding{newFinding(models.DetectorPeelChain, in.Address, score, map[string]any{
		"hops":      bestHops,
		"retention": c.Retention,
		"values":    values,
		"txHashes":  hashes(best),
	})}
}
