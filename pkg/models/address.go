package models

import (
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAddress is returned for identifiers that are not 20-byte hex accounts.
var ErrInvalidAddress = errors.New("invalid address")

// NormalizeAddress validates an account identifier and returns its canonical
// lower-case 0x-prefixed form.
func NormalizeAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return "", ErrInvalidAddress
	}
	if !common.IsHexAddress(raw) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(raw).Hex()), nil
}

// Features holds the graph-relative centrality values of an address.
type Features struct {
	PageRank  float64 `json:"pagerank"`
	Degree    int     `json:"degree"`
	InDegree  int     `json:"inDegree"`
	OutDegree int     `json:"outDegree"`
	Community int64   `json:"community"`
	Triangles int     `json:"triangles"`
}

// FeatureBounds is the observed range of every feature across the current graph.
type FeatureBounds struct {
	Min Features `json:"min"`
	Max Features `json:"max"`
}

// Address is a graph node. It is created on the first transfer touching it
// and never deleted.
type Address struct {
	Address    string     `json:"address"`
	RiskScore  float64    `json:"riskScore"` // 0-100, recomputed on every analysis
	Features   Features   `json:"features"`
	FirstSeen  time.Time  `json:"firstSeen"`
	AnalyzedAt *time.Time `json:"analyzedAt,omitempty"`
}
