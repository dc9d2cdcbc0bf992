package graph

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/pkg/models"
)

// ErrNotFound is returned when an address or job does not exist.
var ErrNotFound = errors.New("not found")

// Direction selects which edges Adjacent follows.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// Neighbor is a counterparty with the value exchanged in both directions.
type Neighbor struct {
	Address    string          `json:"address"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Transfers  int             `json:"transfers"`
}

// Store owns Address, Transfer, Alert and persisted Job state. Writes are
// idempotent and safe under concurrent writers; implementations serialize
// conflicting writes to the same record themselves.
type Store interface {
	UpsertAddress(ctx context.Context, addr string) error
	// UpsertTransfer is idempotent by hash and creates both endpoints.
	UpsertTransfer(ctx context.Context, t models.Transfer) error
	GetAddress(ctx context.Context, addr string) (models.Address, error)
	// Transfers returns every transfer touching addr, oldest first.
	Transfers(ctx context.Context, addr string) ([]models.Transfer, error)
	// Neighbors aggregates both directions per counterparty, keeps those whose
	// summed value is at least minValue, and orders by summed value descending.
	Neighbors(ctx context.Context, addr string, minValue decimal.Decimal, limit int) ([]Neighbor, error)
	Adjacent(ctx context.Context, addr string, dir Direction) ([]string, error)
	CentralityFeatures(ctx context.Context, addr string) (models.Features, error)
	FeatureBounds(ctx context.Context) (models.FeatureBounds, error)
	SetRiskScore(ctx context.Context, addr string, score float64, f models.Features) error

	// RecordAlert inserts the alert unless one with the same (address, type)
	// was created within window before it. The check and insert are atomic.
	RecordAlert(ctx context.Context, alert models.Alert, window time.Duration) (bool, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
	AlertCount(ctx context.Context, addr string) (int, error)

	SaveJob(ctx context.Context, job models.Job) error
	LoadJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, jobType models.JobType) ([]models.Job, error)

	EdgeCount(ctx context.Context) (int, error)
	Close()
}

// Structural holds the features computed by a graph-analytics engine.
type Structural struct {
	PageRank  float64 `json:"pagerank"`
	Community int64   `json:"community"`
	Triangles int     `json:"triangles"`
}

// FeatureProvider computes PageRank, community and triangle features. It is
// fed every ingested transfer and treated as a black box.
type FeatureProvider interface {
	MirrorTransfer(ctx context.Context, t models.Transfer) error
	Structural(ctx context.Context, addr string) (Structural, error)
	Bounds(ctx context.Context) (min, max Structural, err error)
}
