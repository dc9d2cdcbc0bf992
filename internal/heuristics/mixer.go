package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// DetectMixer flags addresses whose distinct-sender or distinct-recipient
// count reaches the mixer threshold. Either side alone suffices.
func DetectMixer(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 {
		return nil
	}
	c := cfg.Mixer

	senders := make(map[string]struct{})
	recipients := make(map[string]struct{})
	for _, t := range in.Transfers {
		switch {
		case t.IsIncoming(in.Address):
			senders[t.From] = struct{}{}
		case t.IsOutgoing(in.Address):
			recipients[t.To] = struct{}{}
		}
	}

	fanIn, fanOut := len(senders), len(recipients)
	if fanIn < c.MinFanIn && fanOut < c.MinFanOut {
		return nil
	}

	excess := 0
	if d := fanIn - c.MinFanIn; d > excess {
		excess = d
	}
	if d := fanOut - c.MinFanOut; d > excess {
		excess = d
	}
	score := 60 + clamp(float64(excess)/2, 0, 20)

	return []models.Finding{newFinding(models.DetectorMixer, in.Address, score, map[string]any{
		"fanIn":  fanIn,
		"fanOut": fanOut,
	})}
}
