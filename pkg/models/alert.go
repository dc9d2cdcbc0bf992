package models

import (
	"fmt"
	"time"
)

// DetectorType names a pattern detector and the alert type it produces.
type DetectorType string

const (
	DetectorStructuring DetectorType = "STRUCTURING"
	DetectorPeelChain   DetectorType = "PEEL_CHAIN"
	DetectorMixer       DetectorType = "MIXER_PATTERN"
	DetectorTaint       DetectorType = "TAINT"
	DetectorCircularity DetectorType = "CIRCULARITY"
	DetectorVelocity    DetectorType = "VELOCITY_ALERT"
	DetectorDormancy    DetectorType = "DORMANT_REACTIVATION"
	DetectorRoundAmount DetectorType = "ROUND_AMOUNTS"
	DetectorTiming      DetectorType = "TIMING_PATTERN"
	DetectorWashTrading DetectorType = "WASH_TRADING"

	// AlertHighRisk is emitted by the monitor when a fused risk score crosses
	// its threshold. It is not produced by any detector.
	AlertHighRisk DetectorType = "HIGH_RISK"
)

// Finding is the transient output of a single detector run.
type Finding struct {
	Type     DetectorType   `json:"type"`
	Address  string         `json:"address"`
	Score    float64        `json:"score"`
	Evidence map[string]any `json:"evidence,omitempty"`
}

// Alert is a persisted, deduplicated finding.
type Alert struct {
	ID        string         `json:"id"` // TYPE:address:unix_ms
	Address   string         `json:"address"`
	Type      DetectorType   `json:"type"`
	Score     float64        `json:"score"`
	CreatedAt time.Time      `json:"createdAt"`
	Evidence  map[string]any `json:"evidence,omitempty"`
}

// AlertID builds the identifier of an alert created at the given time.
func AlertID(t DetectorType, address string, createdAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", t, address, createdAt.UnixMilli())
}

// AlertFilter narrows ListAlerts. Zero values mean "any".
type AlertFilter struct {
	Address string       `json:"address,omitempty"`
	Type    DetectorType `json:"type,omitempty"`
	Since   time.Time    `json:"since,omitempty"`
	Limit   int          `json:"limit,omitempty"`
}

// Matches reports whether an alert passes the filter (Limit is ignored).
func (f AlertFilter) Matches(a Alert) bool {
	if f.Address != "" && a.Address != f.Address {
		return false
	}
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}
