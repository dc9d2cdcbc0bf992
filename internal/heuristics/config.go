package heuristics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Detector thresholds. Every detector reads its own section so that tuning
// one pattern never touches the detection logic of another.

type StructuringConfig struct {
	MaxValue decimal.Decimal `json:"maxValue"` // incoming transfers at or below this are "small"
	MinCount int             `json:"minCount"`
	Window   time.Duration   `json:"window"`
}

type PeelChainConfig struct {
	Retention float64 `json:"retention"` // share of the carried value a hop must forward
	Tolerance float64 `json:"tolerance"` // rounding slack subtracted from Retention
	MinHops   int     `json:"minHops"`
}

type MixerConfig struct {
	MinFanIn  int `json:"minFanIn"`
	MinFanOut int `json:"minFanOut"`
}

type TaintConfig struct {
	HopScores []float64 `json:"hopScores"` // index 0 = one hop from a seed
}

type CircularityConfig struct {
	MinLength int `json:"minLength"`
	MaxLength int `json:"maxLength"`
	MaxCycles int `json:"maxCycles"` // enumeration stops here
}

type VelocityConfig struct {
	MinCount int           `json:"minCount"`
	Window   time.Duration `json:"window"`
}

type DormancyConfig struct {
	MinGap   time.Duration   `json:"minGap"`
	MinValue decimal.Decimal `json:"minValue"`
}

type RoundAmountConfig struct {
	Values   []decimal.Decimal `json:"values"`
	MinCount int               `json:"minCount"`
}

type TimingConfig struct {
	MinCount  int           `json:"minCount"`
	MaxStdDev time.Duration `json:"maxStdDev"`
}

type WashTradingConfig struct {
	MinRoundTrips int     `json:"minRoundTrips"`
	Tolerance     float64 `json:"tolerance"` // relative value difference allowed between legs
}

// Config gathers the thresholds of all ten detectors.
type Config struct {
	Structuring StructuringConfig `json:"structuring"`
	PeelChain   PeelChainConfig   `json:"peelChain"`
	Mixer       MixerConfig       `json:"mixer"`
	Taint       TaintConfig       `json:"taint"`
	Circularity CircularityConfig `json:"circularity"`
	Velocity    VelocityConfig    `json:"velocity"`
	Dormancy    DormancyConfig    `json:"dormancy"`
	RoundAmount RoundAmountConfig `json:"roundAmount"`
	Timing      TimingConfig      `json:"timing"`
	WashTrading WashTradingConfig `json:"washTrading"`
}

// DefaultConfig returns the canonical threshold set.
func DefaultConfig() Config {
	return Config{
		Structuring: StructuringConfig{
			MaxValue: decimal.RequireFromString("0.5"),
			MinCount: 5,
			Window:   72 * time.Hour,
		},
		PeelChain: PeelChainConfig{
			Retention: 0.7,
			Tolerance: 0.05,
			MinHops:   3,
		},
		Mixer: MixerConfig{MinFanIn: 20, MinFanOut: 20},
		Taint: TaintConfig{HopScores: []float64{50, 40, 30}},
		Circularity: CircularityConfig{
			MinLength: 2,
			MaxLength: 4,
			MaxCycles: 1000,
		},
		Velocity: VelocityConfig{MinCount: 10, Window: time.Hour},
		Dormancy: DormancyConfig{
			MinGap:   180 * 24 * time.Hour,
			MinValue: decimal.NewFromInt(1),
		},
		RoundAmount: RoundAmountConfig{
			Values: []decimal.Decimal{
				decimal.RequireFromString("0.1"),
				decimal.RequireFromString("0.5"),
				decimal.NewFromInt(1),
				decimal.NewFromInt(2),
				decimal.NewFromInt(5),
				decimal.NewFromInt(10),
				decimal.NewFromInt(20),
				decimal.NewFromInt(50),
				decimal.NewFromInt(100),
			},
			MinCount: 5,
		},
		Timing:      TimingConfig{MinCount: 10, MaxStdDev: time.Hour},
		WashTrading: WashTradingConfig{MinRoundTrips: 3, Tolerance: 0.1},
	}
}

// TaintMaxHops is the search radius implied by the configured hop scores.
func (c TaintConfig) TaintMaxHops() int {
	return len(c.HopScores)
}
