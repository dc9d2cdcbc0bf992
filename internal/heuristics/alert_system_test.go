package heuristics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/pkg/models"
)

type clock struct{ now time.Time }

func (c *clock) tick(d time.Duration) { c.now = c.now.Add(d) }

func newTestAlertManager(store AlertStore) (*AlertManager, *clock) {
	am := NewAlertManager(store, DefaultAlertOptions(), nil)
	c := &clock{now: t0}
	am.now = func() time.Time { return c.now }
	return am, c
}

func finding(typ models.DetectorType, score float64) models.Finding {
	return models.Finding{Type: typ, Address: target, Score: score, Evidence: map[string]any{"count": 5}}
}

func TestAlertManagerDeduplicates(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemoryStore(nil)
	am, clk := newTestAlertManager(store)

	var sunk []models.Alert
	am.AddSink(func(a models.Alert) { sunk = append(sunk, a) })

	alert, inserted, err := am.Record(ctx, finding(models.DetectorStructuring, 30))
	require.NoError(t, err)
	require.True(t, inserted)
	assert.Equal(t, "STRUCTURING:"+target+":"+"1704067200000", alert.ID)

	clk.tick(30 * time.Minute)
	_, inserted, err = am.Record(ctx, finding(models.DetectorStructuring, 35))
	require.NoError(t, err)
	assert.False(t, inserted, "same type inside the window")

	_, inserted, err = am.Record(ctx, finding(models.DetectorVelocity, 40))
	require.NoError(t, err)
	assert.True(t, inserted, "different type is independent")

	clk.tick(31 * time.Minute)
	_, inserted, err = am.Record(ctx, finding(models.DetectorStructuring, 30))
	require.NoError(t, err)
	assert.True(t, inserted, "window elapsed")

	assert.Len(t, sunk, 3)
	all, err := am.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.DetectorStructuring, all[0].Type, "most recent first")

	structuring, err := am.Query(ctx, models.AlertFilter{Type: models.DetectorStructuring})
	require.NoError(t, err)
	assert.Len(t, structuring, 2)
}

func TestAlertManagerIgnoresWeakFindings(t *testing.T) {
	am, _ := newTestAlertManager(graph.NewMemoryStore(nil))
	_, inserted, err := am.Record(context.Background(), finding(models.DetectorRoundAmount, 19.9))
	require.NoError(t, err)
	assert.False(t, inserted)

	alerts, err := am.ListFor(context.Background(), target, 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestAlertManagerHighRisk(t *testing.T) {
	am, _ := newTestAlertManager(graph.NewMemoryStore(nil))
	alert, inserted, err := am.RecordHighRisk(context.Background(), target, 85, map[string]any{"txHash": "0xabc"})
	require.NoError(t, err)
	require.True(t, inserted)
	assert.Equal(t, models.AlertHighRisk, alert.Type)
	assert.Equal(t, 85.0, alert.Score)
}

func TestAlertManagerConcurrentRecordsInsertOnce(t *testing.T) {
	am, _ := newTestAlertManager(graph.NewMemoryStore(nil))

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := am.Record(context.Background(), finding(models.DetectorMixer, 60))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
}

type failingAlertStore struct{ AlertStore }

func (failingAlertStore) RecordAlert(context.Context, models.Alert, time.Duration) (bool, error) {
	return false, errors.New("disk full")
}

func TestAlertManagerStoreError(t *testing.T) {
	am, _ := newTestAlertManager(failingAlertStore{})
	called := false
	am.AddSink(func(models.Alert) { called = true })

	_, inserted, err := am.Record(context.Background(), finding(models.DetectorTaint, 50))
	require.Error(t, err)
	assert.False(t, inserted)
	assert.False(t, called)
}
