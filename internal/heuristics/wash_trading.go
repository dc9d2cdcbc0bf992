package heuristics

import (
	"math"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Wash Trading Detection
//
// Value bouncing back and forth between the same two parties inflates volume
// without changing ownership. A round trip is a transfer to a counterparty
// followed by a transfer of similar value in the opposite direction (either
// side may start). Legs are matched first-in-first-out and each transfer is
// used at most once.

func DetectWashTrading(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.WashTrading

	type pending struct {
		out []models.Transfer // sent by the address, waiting for a return leg
		in  []models.Transfer // received, waiting for a return leg
	}
	open := make(map[string]*pending)
	trips := make(map[string]int)
	total := 0

	for _, t := range sortedByTime(in.Transfers) {
		var peer string
		var sent bool
		switch {
		case t.IsOutgoing(in.Address):
			peer, sent = t.To, true
		case t.IsIncoming(in.Address):
			peer = t.From
		default:
			continue
		}
		p := open[peer]
		if p == nil {
			p = &pending{}
			open[peer] = p
		}

		opposite := &p.out
		same := &p.in
		if sent {
			opposite, same = &p.in, &p.out
		}

		matched := -1
		for i, leg := range *opposite {
			if similarValue(leg, t, c.Tolerance) {
				matched = i
				break
			}
		}
		if matched >= 0 {
			*opposite = append((*opposite)[:matched], (*opposite)[matched+1:]...)
			trips[peer]++
			total++
			continue
		}
		*same = append(*same, t)
	}

	if total < c.MinRoundTrips {
		return nil
	}

	var score float64
	switch {
	case total >= 20:
		score = 70
	case total >= 10:
		score = 55
	default:
		score = 40
	}

	return []models.Finding{newFinding(models.DetectorWashTrading, in.Address, score, map[string]any{
		"roundTrips":     total,
		"counterparties": trips,
		"tolerance":      c.Tolerance,
	})}
}

func similarValue(a, b models.Transfer, tolerance float64) bool {
	x, y := a.Value.InexactFloat64(), b.Value.InexactFloat64()
	hi := math.Max(x, y)
	if hi == 0 {
		return false
	}
	return math.Abs(x-y)/hi <= tolerance
}
