package heuristics

import (
	"math"
	"time"

	"github.com/rawblock/aml-engine/pkg/models"
)

// Timing Pattern Detection
//
// Scripted wallets fire on a schedule. Human activity is bursty; a bot's
// inter-arrival times cluster tightly around a fixed period. The detector
// needs MinCount transfers whose inter-arrival standard deviation stays
// below MaxStdDev. Shorter periods score higher:
//
//   mean ≤ 1h → 55, mean ≤ 2h → 45, otherwise 35

func DetectTimingPattern(cfg Config, in Input) []models.Finding {
	c := cfg.Timing
	if len(in.Transfers) < 2 || len(in.Transfers) < c.MinCount {
		return nil
	}
	history := sortedByTime(in.Transfers)

	intervals := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		intervals = append(intervals, history[i].Timestamp.Sub(history[i-1].Timestamp).Seconds())
	}
	mean, stddev := meanStdDev(intervals)
	if stddev >= c.MaxStdDev.Seconds() {
		return nil
	}

	var score float64
	switch {
	case mean <= time.Hour.Seconds():
		score = 55
	case mean <= 2*time.Hour.Seconds():
		score = 45
	default:
		score = 35
	}

	return []models.Finding{newFinding(models.DetectorTiming, in.Address, score, map[string]any{
		"transfers":          len(history),
		"meanIntervalSec":    mean,
		"stddevIntervalSec":  stddev,
		"maxStdDevThreshold": c.MaxStdDev.Seconds(),
	})}
}

// meanStdDev returns the mean and population standard deviation of xs.
func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
