package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// Taint Propagation
//
// An address inherits risk from known-bad seeds upstream of it. The search
// walks the inbound edges of the neighborhood snapshot breadth-first, so the
// first seed reached is the closest one. Scores decay per hop:
//
//   hop 1 → 50, hop 2 → 40, hop 3 → 30
//
// Seeds themselves are not reported; their risk is already known.

func DetectTaint(cfg Config, in Input) []models.Finding {
	if len(in.Transfers) < 2 || in.Graph == nil || in.Seeds.Len() == 0 {
		return nil
	}
	if in.Seeds.Contains(in.Address) {
		return nil
	}
	maxHops := cfg.Taint.TaintMaxHops()
	if maxHops == 0 {
		return nil
	}

	parent := map[string]string{in.Address: ""}
	frontier := []string{in.Address}
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		var next []string
		for _, node := range frontier {
			for _, sender := range in.Graph.In[node] {
				if _, seen := parent[sender]; seen {
					continue
				}
				parent[sender] = node
				if in.Seeds.Contains(sender) {
					seed, _ := in.Seeds.Get(sender)
					return []models.Finding{newFinding(models.DetectorTaint, in.Address, cfg.Taint.HopScores[hop-1], map[string]any{
						"seed":         sender,
						"seedCategory": seed.Category,
						"hops":         hop,
						"path":         taintPath(parent, sender),
					})}
				}
				next = append(next, sender)
			}
		}
		frontier = next
	}
	return nil
}

// taintPath rebuilds seed → ... → address from the BFS parent links.
func taintPath(parent map[string]string, seed string) []string {
	path := []string{seed}
	for node := parent[seed]; node != ""; node = parent[node] {
		path = append(path, node)
	}
	return path
}
