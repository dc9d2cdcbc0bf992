package heuristics

import (
	"github.com/rawblock/aml-engine/pkg/models"
)

// Risk Fusion
//
// Structural centrality and detector output fuse into one 0-100 score:
//
//   score = 100 × ( 0.30·pagerank + 0.15·degree + 0.15·triangles
//                 + 0.10·inDegree + 0.10·outDegree
//                 + min(0.40, alerts × 0.10) )
//
// Every centrality term is min-max normalised against the current graph, so
// the score is recomputed from scratch on every analysis. The alert bonus is
// capped: alert volume alone never exceeds 40 points.

// RiskWeights are the fusion coefficients.
type RiskWeights struct {
	PageRank  float64 `json:"pagerank"`
	Degree    float64 `json:"degree"`
	Triangles float64 `json:"triangles"`
	InDegree  float64 `json:"inDegree"`
	OutDegree float64 `json:"outDegree"`
	PerAlert  float64 `json:"perAlert"`
	AlertCap  float64 `json:"alertCap"`
}

func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		PageRank:  0.30,
		Degree:    0.15,
		Triangles: 0.15,
		InDegree:  0.10,
		OutDegree: 0.10,
		PerAlert:  0.10,
		AlertCap:  0.40,
	}
}

type RiskScorer struct {
	weights RiskWeights
}

func NewRiskScorer(w RiskWeights) *RiskScorer {
	return &RiskScorer{weights: w}
}

// Score returns the fused risk in [0,100].
func (r *RiskScorer) Score(f models.Features, b models.FeatureBounds, alertCount int) float64 {
	w := r.weights
	structural := w.PageRank*norm(f.PageRank, b.Min.PageRank, b.Max.PageRank) +
		w.Degree*norm(float64(f.Degree), float64(b.Min.Degree), float64(b.Max.Degree)) +
		w.Triangles*norm(float64(f.Triangles), float64(b.Min.Triangles), float64(b.Max.Triangles)) +
		w.InDegree*norm(float64(f.InDegree), float64(b.Min.InDegree), float64(b.Max.InDegree)) +
		w.OutDegree*norm(float64(f.OutDegree), float64(b.Min.OutDegree), float64(b.Max.OutDegree))

	if alertCount < 0 {
		alertCount = 0
	}
	bonus := float64(alertCount) * w.PerAlert
	if bonus > w.AlertCap {
		bonus = w.AlertCap
	}
	return clamp(100*(structural+bonus), 0, 100)
}

// Level buckets a score for display.
func Level(score float64) string {
	switch {
	case score >= 80:
		return "critical"
	case score >= 60:
		return "high"
	case score >= 40:
		return "medium"
	case score >= 20:
		return "low"
	default:
		return "info"
	}
}

// norm maps x into [0,1] relative to [lo,hi]. A degenerate range contributes
// nothing.
func norm(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp((x-lo)/(hi-lo), 0, 1)
}
