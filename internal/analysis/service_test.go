package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/ingest"
	"github.com/rawblock/aml-engine/internal/retry"
	"github.com/rawblock/aml-engine/pkg/models"
)

const (
	target = "0x00000000000000000000000000000000000000aa"
	middle = "0x00000000000000000000000000000000000000bb"
	seed   = "0x00000000000000000000000000000000000000cc"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func sender(i int) string {
	return "0x" + "00000000000000000000000000000000000001" + string(rune('0'+i/10)) + string(rune('0'+i%10))
}

func transfer(hash, from, to, value string, at time.Time) models.Transfer {
	return models.Transfer{Hash: hash, From: from, To: to, Value: decimal.RequireFromString(value), Timestamp: at}
}

func newService(t *testing.T, client ingest.Client) (*Service, *graph.MemoryStore) {
	t.Helper()
	store := graph.NewMemoryStore(nil)
	pool := ingest.NewPool(client, ingest.PoolOptions{Retry: retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}}, nil)
	alerts := heuristics.NewAlertManager(store, heuristics.DefaultAlertOptions(), nil)
	svc := NewService(Deps{
		Store:  store,
		Pool:   pool,
		Engine: heuristics.NewEngine(heuristics.DefaultConfig()),
		Alerts: alerts,
		Scorer: heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
	}, DefaultOptions(), nil)
	return svc, store
}

func structuringHistory() []models.Transfer {
	values := []string{"0.3", "0.4", "0.2", "0.5", "0.3"}
	var out []models.Transfer
	for i, v := range values {
		out = append(out, transfer("0xs"+string(rune('0'+i)), sender(i), target, v, t0.Add(time.Duration(i)*12*time.Hour)))
	}
	return out
}

func TestIngestIsIdempotent(t *testing.T) {
	svc, store := newService(t, ingest.NewStaticClient(structuringHistory()...))
	ctx := context.Background()

	res, err := svc.Ingest(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Ingested)
	edges, err := store.EdgeCount(ctx)
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, target)
	require.NoError(t, err)
	again, err := store.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, edges, again)
}

func TestAnalyzeRecordsFindingsAndScore(t *testing.T) {
	svc, store := newService(t, ingest.NewStaticClient(structuringHistory()...))
	ctx := context.Background()

	res, ingested, err := svc.Investigate(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 5, ingested)

	require.Contains(t, res.Findings, models.DetectorStructuring)
	assert.GreaterOrEqual(t, res.AlertCount, 1)
	assert.Equal(t, res.AlertCount, res.NewAlerts)
	assert.GreaterOrEqual(t, res.RiskScore, 0.0)
	assert.LessOrEqual(t, res.RiskScore, 100.0)
	assert.Equal(t, 5, res.Features.InDegree)

	stored, err := store.GetAddress(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, res.RiskScore, stored.RiskScore)
	assert.NotNil(t, stored.AnalyzedAt)

	// A second pass inside the dedup window adds no alerts.
	again, err := svc.Analyze(ctx, target)
	require.NoError(t, err)
	assert.Zero(t, again.NewAlerts)
	assert.Equal(t, res.AlertCount, again.AlertCount)
}

func TestAnalyzeUnknownAddress(t *testing.T) {
	svc, _ := newService(t, ingest.NewStaticClient())
	_, err := svc.Analyze(context.Background(), target)
	assert.ErrorIs(t, err, graph.ErrNotFound)
}

func TestIngestFailureIsClassified(t *testing.T) {
	client := ingest.NewStaticClient()
	client.Fail(target, ingest.ErrNotFound)
	svc, _ := newService(t, client)

	_, err := svc.Ingest(context.Background(), target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIngestion))
	assert.True(t, errors.Is(err, ingest.ErrNotFound))
	assert.Equal(t, 1, client.Calls(target), "not-found is not retried")
}

func TestAnalyzeTaintTwoHopsFromSeed(t *testing.T) {
	client := ingest.NewStaticClient(
		transfer("0xt1", seed, middle, "5", t0),
		transfer("0xt2", middle, target, "2", t0.Add(time.Hour)),
		transfer("0xt3", middle, target, "2", t0.Add(2*time.Hour)),
	)
	svc, _ := newService(t, client)
	svc.Seeds().Add(heuristics.Seed{Address: seed, Category: "sanctioned"})
	ctx := context.Background()

	for _, a := range []string{seed, middle, target} {
		_, err := svc.Ingest(ctx, a)
		require.NoError(t, err)
	}
	res, err := svc.Analyze(ctx, target)
	require.NoError(t, err)

	require.Len(t, res.Findings[models.DetectorTaint], 1)
	f := res.Findings[models.DetectorTaint][0]
	assert.Equal(t, 40.0, f.Score)
	assert.Equal(t, []string{seed, middle, target}, f.Evidence["path"])
}

func TestAnalyzeFindsCyclesUpToMaxLength(t *testing.T) {
	hops := []string{
		"0x00000000000000000000000000000000000000d1",
		"0x00000000000000000000000000000000000000d2",
		"0x00000000000000000000000000000000000000d3",
		"0x00000000000000000000000000000000000000d4",
	}
	tests := []struct {
		name   string
		length int
		want   int
	}{
		{"two hops", 2, 1},
		{"three hops", 3, 1},
		{"four hops", 4, 1},
		{"five hops", 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ring := append([]string{target}, hops[:tt.length-1]...)
			var transfers []models.Transfer
			for i, from := range ring {
				to := ring[(i+1)%len(ring)]
				transfers = append(transfers, transfer("0xc"+string(rune('0'+i)), from, to, "1", t0.Add(time.Duration(i)*time.Hour)))
			}
			svc, _ := newService(t, ingest.NewStaticClient(transfers...))
			ctx := context.Background()
			for _, a := range ring {
				_, err := svc.Ingest(ctx, a)
				require.NoError(t, err)
			}

			res, err := svc.Analyze(ctx, target)
			require.NoError(t, err)
			assert.Len(t, res.Findings[models.DetectorCircularity], tt.want)
		})
	}
}

func TestWithRequestDelayKeepsCollaborators(t *testing.T) {
	svc, _ := newService(t, ingest.NewStaticClient())
	job := svc.WithRequestDelay(time.Millisecond)
	assert.Same(t, svc.Store(), job.Store())
	assert.Same(t, svc.Alerts(), job.Alerts())
	assert.Same(t, svc.Seeds(), job.Seeds())
}
