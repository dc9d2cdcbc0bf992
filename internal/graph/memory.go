package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rawblock/aml-engine/pkg/models"
)

// MemoryStore is a process-local Store used when no database is configured
// and as the fixture backend in tests. A single RWMutex serializes writers.
type MemoryStore struct {
	mu        sync.RWMutex
	addresses map[string]*models.Address
	transfers map[string]models.Transfer
	byAddress map[string][]string // address -> transfer hashes
	alerts    []models.Alert
	jobs      map[string]models.Job
	features  FeatureProvider
}

// NewMemoryStore creates an empty store. A nil provider selects the gonum one.
func NewMemoryStore(features FeatureProvider) *MemoryStore {
	if features == nil {
		features = NewGonumFeatures()
	}
	return &MemoryStore{
		addresses: make(map[string]*models.Address),
		transfers: make(map[string]models.Transfer),
		byAddress: make(map[string][]string),
		jobs:      make(map[string]models.Job),
		features:  features,
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) UpsertAddress(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureAddress(addr, time.Now().UTC())
	return nil
}

func (s *MemoryStore) ensureAddress(addr string, seen time.Time) {
	if _, ok := s.addresses[addr]; ok {
		return
	}
	s.addresses[addr] = &models.Address{Address: addr, FirstSeen: seen}
}

func (s *MemoryStore) UpsertTransfer(ctx context.Context, t models.Transfer) error {
	s.mu.Lock()
	if _, exists := s.transfers[t.Hash]; exists {
		s.mu.Unlock()
		return nil
	}
	s.transfers[t.Hash] = t
	s.ensureAddress(t.From, t.Timestamp)
	s.ensureAddress(t.To, t.Timestamp)
	s.byAddress[t.From] = append(s.byAddress[t.From], t.Hash)
	if t.To != t.From {
		s.byAddress[t.To] = append(s.byAddress[t.To], t.Hash)
	}
	s.mu.Unlock()

	return s.features.MirrorTransfer(ctx, t)
}

func (s *MemoryStore) GetAddress(_ context.Context, addr string) (models.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addresses[addr]
	if !ok {
		return models.Address{}, fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}
	return *a, nil
}

func (s *MemoryStore) Transfers(ctx context.Context, addr string) ([]models.Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Transfer, 0, len(s.byAddress[addr]))
	for _, h := range s.byAddress[addr] {
		out = append(out, s.transfers[h])
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Hash < out[j].Hash
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) Neighbors(ctx context.Context, addr string, minValue decimal.Decimal, limit int) ([]Neighbor, error) {
	history, err := s.Transfers(ctx, addr)
	if err != nil {
		return nil, err
	}

	agg := make(map[string]*Neighbor)
	for _, t := range history {
		peer := t.Counterparty(addr)
		if peer == addr {
			continue
		}
		n := agg[peer]
		if n == nil {
			n = &Neighbor{Address: peer}
			agg[peer] = n
		}
		n.TotalValue = n.TotalValue.Add(t.Value)
		n.Transfers++
	}

	out := make([]Neighbor, 0, len(agg))
	for _, n := range agg {
		if n.TotalValue.GreaterThanOrEqual(minValue) {
			out = append(out, *n)
		}
	}
	sortNeighbors(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if c := ns[i].TotalValue.Cmp(ns[j].TotalValue); c != 0 {
			return c > 0
		}
		return ns[i].Address < ns[j].Address
	})
}

func (s *MemoryStore) Adjacent(_ context.Context, addr string, dir Direction) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adjacentLocked(addr, dir), nil
}

func (s *MemoryStore) adjacentLocked(addr string, dir Direction) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, h := range s.byAddress[addr] {
		t := s.transfers[h]
		var peer string
		switch {
		case dir == Outbound && t.IsOutgoing(addr):
			peer = t.To
		case dir == Inbound && t.IsIncoming(addr):
			peer = t.From
		default:
			continue
		}
		if _, ok := seen[peer]; ok {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// degreesLocked counts distinct counterparties. Caller holds mu.
func (s *MemoryStore) degreesLocked(addr string) (degree, in, out int) {
	outs := s.adjacentLocked(addr, Outbound)
	ins := s.adjacentLocked(addr, Inbound)
	all := make(map[string]struct{}, len(outs)+len(ins))
	for _, a := range outs {
		all[a] = struct{}{}
	}
	for _, a := range ins {
		all[a] = struct{}{}
	}
	return len(all), len(ins), len(outs)
}

func (s *MemoryStore) CentralityFeatures(ctx context.Context, addr string) (models.Features, error) {
	s.mu.RLock()
	if _, ok := s.addresses[addr]; !ok {
		s.mu.RUnlock()
		return models.Features{}, fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}
	degree, in, out := s.degreesLocked(addr)
	s.mu.RUnlock()

	st, err := s.features.Structural(ctx, addr)
	if err != nil {
		return models.Features{}, fmt.Errorf("structural features: %w", err)
	}
	return models.Features{
		PageRank:  st.PageRank,
		Degree:    degree,
		InDegree:  in,
		OutDegree: out,
		Community: st.Community,
		Triangles: st.Triangles,
	}, nil
}

func (s *MemoryStore) FeatureBounds(ctx context.Context) (models.FeatureBounds, error) {
	var b models.FeatureBounds
	s.mu.RLock()
	first := true
	for addr := range s.addresses {
		d, in, out := s.degreesLocked(addr)
		if first {
			b.Min.Degree, b.Max.Degree = d, d
			b.Min.InDegree, b.Max.InDegree = in, in
			b.Min.OutDegree, b.Max.OutDegree = out, out
			first = false
			continue
		}
		b.Min.Degree, b.Max.Degree = min(b.Min.Degree, d), max(b.Max.Degree, d)
		b.Min.InDegree, b.Max.InDegree = min(b.Min.InDegree, in), max(b.Max.InDegree, in)
		b.Min.OutDegree, b.Max.OutDegree = min(b.Min.OutDegree, out), max(b.Max.OutDegree, out)
	}
	s.mu.RUnlock()

	lo, hi, err := s.features.Bounds(ctx)
	if err != nil {
		return b, fmt.Errorf("structural bounds: %w", err)
	}
	b.Min.PageRank, b.Max.PageRank = lo.PageRank, hi.PageRank
	b.Min.Triangles, b.Max.Triangles = lo.Triangles, hi.Triangles
	return b, nil
}

func (s *MemoryStore) SetRiskScore(_ context.Context, addr string, score float64, f models.Features) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.addresses[addr]
	if !ok {
		return fmt.Errorf("address %s: %w", addr, ErrNotFound)
	}
	now := time.Now().UTC()
	a.RiskScore = score
	a.Features = f
	a.AnalyzedAt = &now
	return nil
}

func (s *MemoryStore) RecordAlert(_ context.Context, alert models.Alert, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := alert.CreatedAt.Add(-window)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		existing := s.alerts[i]
		if existing.Address == alert.Address && existing.Type == alert.Type && existing.CreatedAt.After(cutoff) {
			return false, nil
		}
	}
	s.alerts = append(s.alerts, alert)
	return true, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, filter models.AlertFilter) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Alert, 0)
	// Alerts are appended in creation order; walk backwards for recency.
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if filter.Matches(s.alerts[i]) {
			out = append(out, s.alerts[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AlertCount(_ context.Context, addr string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.alerts {
		if a.Address == addr {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryStore) LoadJob(_ context.Context, id string) (models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, jobType models.JobType) ([]models.Job, error) {
	s.mu.RLock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if jobType == "" || j.Type == jobType {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) EdgeCount(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transfers), nil
}

var (
	_ Store           = (*MemoryStore)(nil)
	_ FeatureProvider = (*GonumFeatures)(nil)
)
