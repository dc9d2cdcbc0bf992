package heuristics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

// Alert System
//
// Findings above the relevance bar become persisted alerts. The store owns
// deduplication: at most one alert per (address, type) inside the dedup
// window, decided atomically so overlapping jobs cannot double-insert.
// Every alert that is actually inserted is fanned out to the registered
// sinks (websocket dashboards, the Kafka publisher).

// AlertStore is the persistence the manager needs.
type AlertStore interface {
	RecordAlert(ctx context.Context, alert models.Alert, window time.Duration) (bool, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error)
}

// AlertOptions configure relevance and deduplication.
type AlertOptions struct {
	MinScore    float64       `json:"minScore"`    // findings below this are ignored
	DedupWindow time.Duration `json:"dedupWindow"` // one alert per (address, type) per window
}

func DefaultAlertOptions() AlertOptions {
	return AlertOptions{MinScore: 20, DedupWindow: time.Hour}
}

// AlertManager records alerts and distributes them to sinks
type AlertManager struct {
	store AlertStore
	opts  AlertOptions
	log   *zap.Logger
	now   func() time.Time

	mu    sync.RWMutex
	sinks []func(models.Alert)
}

func NewAlertManager(store AlertStore, opts AlertOptions, log *zap.Logger) *AlertManager {
	return &AlertManager{
		store: store,
		opts:  opts,
		log:   logger.OrNop(log).Named("alerts"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// AddSink registers a callback invoked for every newly inserted alert.
func (am *AlertManager) AddSink(fn func(models.Alert)) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.sinks = append(am.sinks, fn)
}

// Record persists a finding as an alert. It reports false when the finding is
// below the relevance bar or an alert for the same (address, type) already
// exists inside the dedup window.
func (am *AlertManager) Record(ctx context.Context, f models.Finding) (models.Alert, bool, error) {
	if f.Score < am.opts.MinScore {
		return models.Alert{}, false, nil
	}
	return am.insert(ctx, f.Type, f.Address, f.Score, f.Evidence)
}

// RecordHighRisk emits a HIGH_RISK alert for a fused score, bypassing the
// detector relevance bar.
func (am *AlertManager) RecordHighRisk(ctx context.Context, address string, score float64, evidence map[string]any) (models.Alert, bool, error) {
	return am.insert(ctx, models.AlertHighRisk, address, score, evidence)
}

func (am *AlertManager) insert(ctx context.Context, t models.DetectorType, address string, score float64, evidence map[string]any) (models.Alert, bool, error) {
	now := am.now()
	alert := models.Alert{
		ID:        models.AlertID(t, address, now),
		Address:   address,
		Type:      t,
		Score:     score,
		CreatedAt: now,
		Evidence:  evidence,
	}

	inserted, err := am.store.RecordAlert(ctx, alert, am.opts.DedupWindow)
	if err != nil {
		return models.Alert{}, false, fmt.Errorf("record alert %s: %w", alert.ID, err)
	}
	if !inserted {
		metrics.AlertsDeduplicated.WithLabelValues(string(t)).Inc()
		return alert, false, nil
	}
	metrics.AlertsRecorded.WithLabelValues(string(t)).Inc()

	am.mu.RLock()
	sinks := make([]func(models.Alert), len(am.sinks))
	copy(sinks, am.sinks)
	am.mu.RUnlock()
	for _, sink := range sinks {
		sink(alert)
	}

	am.log.Info("alert recorded",
		zap.String("id", alert.ID),
		zap.String("type", string(t)),
		zap.String("address", address),
		zap.Float64("score", score))
	return alert, true, nil
}

// List returns the most recent alerts first. limit <= 0 means all.
func (am *AlertManager) List(ctx context.Context, limit int) ([]models.Alert, error) {
	return am.store.ListAlerts(ctx, models.AlertFilter{Limit: limit})
}

// ListFor returns the alerts of one address, most recent first.
func (am *AlertManager) ListFor(ctx context.Context, address string, limit int) ([]models.Alert, error) {
	return am.store.ListAlerts(ctx, models.AlertFilter{Address: address, Limit: limit})
}

// Query exposes arbitrary filtering to the façade.
func (am *AlertManager) Query(ctx context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	return am.store.ListAlerts(ctx, filter)
}
