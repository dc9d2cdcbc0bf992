package automation

import (
	"errors"

	"github.com/rawblock/aml-engine/internal/analysis"
)

// ErrSeedUnreachable fails a job whose starting addresses could not be
// ingested at all.
var ErrSeedUnreachable = errors.New("seed address unreachable")

// Stop reasons reported in job results.
const (
	StopFrontierExhausted = "frontier_exhausted"
	StopMaxAddresses      = "max_addresses_reached"
	StopCancelled         = "cancelled"
	StopLowRisk           = "low_risk"
	StopDeadEnd           = "dead_end"
	StopMaxDepth          = "max_depth_reached"
	StopDurationElapsed   = "duration_elapsed"
	StopSingleCheck       = "single_check"
)

// ScoredAddress is an analyzed address worth reporting.
type ScoredAddress struct {
	Address   string  `json:"address"`
	RiskScore float64 `json:"riskScore"`
	Level     string  `json:"level"`
	Depth     int     `json:"depth"`
}

// SkippedAddress is a soft failure: the unit of work was dropped, the job
// carried on.
type SkippedAddress struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// soft reports whether err only costs the current unit of work. Provider
// failures are soft; store failures and cancellation are not.
func soft(err error) bool {
	return errors.Is(err, analysis.ErrIngestion)
}
