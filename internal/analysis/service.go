package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/ingest"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/pkg/logger"
	"github.com/rawblock/aml-engine/pkg/models"
)

var (
	// ErrIngestion wraps provider failures that survived retry.
	ErrIngestion = errors.New("ingestion failed")
	// ErrStore wraps graph store failures.
	ErrStore = errors.New("graph store failure")
)

// Options bound the adjacency snapshot handed to taint and circularity. The
// snapshot always reaches at least as far as the detectors look: the longest
// cycle outbound and the taint radius inbound.
type Options struct {
	NeighborhoodDepth int // minimum hops explored in each direction
	NeighborhoodLimit int // max addresses expanded per direction
}

func DefaultOptions() Options {
	return Options{NeighborhoodDepth: 3, NeighborhoodLimit: 500}
}

// Service is the core the façade and the job controllers share: it moves
// histories from the provider into the store, runs the detectors, records
// alerts and fuses the risk score.
type Service struct {
	store  graph.Store
	pool   *ingest.Pool
	client ingest.Client
	engine *heuristics.Engine
	alerts *heuristics.AlertManager
	scorer *heuristics.RiskScorer
	seeds  *heuristics.SeedSet
	opts   Options
	log    *zap.Logger
}

// Deps are the collaborators of a Service. Seeds may be nil.
type Deps struct {
	Store  graph.Store
	Pool   *ingest.Pool
	Engine *heuristics.Engine
	Alerts *heuristics.AlertManager
	Scorer *heuristics.RiskScorer
	Seeds  *heuristics.SeedSet
}

func NewService(d Deps, opts Options, log *zap.Logger) *Service {
	if opts.NeighborhoodDepth <= 0 {
		opts.NeighborhoodDepth = DefaultOptions().NeighborhoodDepth
	}
	if opts.NeighborhoodLimit <= 0 {
		opts.NeighborhoodLimit = DefaultOptions().NeighborhoodLimit
	}
	if d.Seeds == nil {
		d.Seeds = heuristics.NewSeedSet()
	}
	return &Service{
		store:  d.Store,
		pool:   d.Pool,
		client: d.Pool.Client(-1),
		engine: d.Engine,
		alerts: d.Alerts,
		scorer: d.Scorer,
		seeds:  d.Seeds,
		opts:   opts,
		log:    logger.OrNop(log).Named("analysis"),
	}
}

// WithRequestDelay returns a copy whose provider calls are spaced at least
// delay apart. The copy still draws from the shared provider quota.
func (s *Service) WithRequestDelay(delay time.Duration) *Service {
	cp := *s
	cp.client = s.pool.Client(delay)
	return &cp
}

func (s *Service) Store() graph.Store               { return s.store }
func (s *Service) Alerts() *heuristics.AlertManager { return s.alerts }
func (s *Service) Seeds() *heuristics.SeedSet       { return s.seeds }
func (s *Service) Engine() *heuristics.Engine       { return s.engine }
func (s *Service) Client() ingest.Client            { return s.client }

// IngestResult reports how many transfers a fetch wrote.
type IngestResult struct {
	Address  string `json:"address"`
	Ingested int    `json:"ingested"`
}

// Ingest fetches the full history of addr and writes it to the store.
// Re-ingesting is harmless: transfers are merged by hash.
func (s *Service) Ingest(ctx context.Context, addr string) (IngestResult, error) {
	transfers, err := s.client.FetchHistory(ctx, addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return IngestResult{}, ctxErr
		}
		return IngestResult{}, fmt.Errorf("%w: %s: %w", ErrIngestion, addr, err)
	}

	if err := s.store.UpsertAddress(ctx, addr); err != nil {
		return IngestResult{}, fmt.Errorf("%w: upsert address %s: %w", ErrStore, addr, err)
	}
	for _, t := range transfers {
		if err := s.store.UpsertTransfer(ctx, t); err != nil {
			return IngestResult{}, fmt.Errorf("%w: upsert transfer %s: %w", ErrStore, t.Hash, err)
		}
	}
	metrics.TransfersIngested.Add(float64(len(transfers)))

	s.log.Debug("history ingested", zap.String("address", addr), zap.Int("transfers", len(transfers)))
	return IngestResult{Address: addr, Ingested: len(transfers)}, nil
}

// IngestTransfer writes one transfer observed outside a history fetch, e.g.
// by the monitor.
func (s *Service) IngestTransfer(ctx context.Context, t models.Transfer) error {
	if err := s.store.UpsertTransfer(ctx, t); err != nil {
		return fmt.Errorf("%w: upsert transfer %s: %w", ErrStore, t.Hash, err)
	}
	metrics.TransfersIngested.Inc()
	return nil
}

// AnalysisResult is the outcome of one detection and scoring pass.
type AnalysisResult struct {
	Address    string                                   `json:"address"`
	Findings   map[models.DetectorType][]models.Finding `json:"findings"`
	RiskScore  float64                                  `json:"riskScore"`
	Level      string                                   `json:"level"`
	Features   models.Features                          `json:"features"`
	AlertCount int                                      `json:"alertCount"`
	NewAlerts  int                                      `json:"newAlerts"`
}

// Analyze runs every detector over the stored history of addr, records the
// resulting alerts and recomputes the address's risk score. The address must
// already be in the store.
func (s *Service) Analyze(ctx context.Context, addr string) (AnalysisResult, error) {
	start := time.Now()

	if _, err := s.store.GetAddress(ctx, addr); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			return AnalysisResult{}, err
		}
		return AnalysisResult{}, fmt.Errorf("%w: %w", ErrStore, err)
	}

	transfers, err := s.store.Transfers(ctx, addr)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: transfers of %s: %w", ErrStore, addr, err)
	}
	nb, err := s.neighborhood(ctx, addr)
	if err != nil {
		return AnalysisResult{}, err
	}

	findings, err := s.engine.Run(ctx, heuristics.Input{
		Address:   addr,
		Transfers: transfers,
		Graph:     nb,
		Seeds:     s.seeds,
	})
	if err != nil {
		return AnalysisResult{}, err
	}

	res := AnalysisResult{Address: addr, Findings: heuristics.GroupByDetector(findings)}
	for _, f := range findings {
		metrics.DetectorFindings.WithLabelValues(string(f.Type)).Inc()
		_, inserted, err := s.alerts.Record(ctx, f)
		if err != nil {
			return AnalysisResult{}, fmt.Errorf("%w: %w", ErrStore, err)
		}
		if inserted {
			res.NewAlerts++
		}
	}

	if res.Features, err = s.store.CentralityFeatures(ctx, addr); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: features of %s: %w", ErrStore, addr, err)
	}
	bounds, err := s.store.FeatureBounds(ctx)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: feature bounds: %w", ErrStore, err)
	}
	if res.AlertCount, err = s.store.AlertCount(ctx, addr); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: alert count of %s: %w", ErrStore, addr, err)
	}

	res.RiskScore = s.scorer.Score(res.Features, bounds, res.AlertCount)
	res.Level = heuristics.Level(res.RiskScore)
	if err := s.store.SetRiskScore(ctx, addr, res.RiskScore, res.Features); err != nil {
		return AnalysisResult{}, fmt.Errorf("%w: set risk score of %s: %w", ErrStore, addr, err)
	}

	metrics.RiskScores.Observe(res.RiskScore)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	s.log.Debug("address analyzed",
		zap.String("address", addr),
		zap.Int("findings", len(findings)),
		zap.Float64("risk_score", res.RiskScore))
	return res, nil
}

// Investigate ingests then analyzes addr. It returns the number of
// transfers ingested alongside the analysis.
func (s *Service) Investigate(ctx context.Context, addr string) (AnalysisResult, int, error) {
	ing, err := s.Ingest(ctx, addr)
	if err != nil {
		return AnalysisResult{}, 0, err
	}
	res, err := s.Analyze(ctx, addr)
	return res, ing.Ingested, err
}

// Neighbors lists the counterparties of addr exchanging at least minValue.
func (s *Service) Neighbors(ctx context.Context, addr string, minValue decimal.Decimal, limit int) ([]graph.Neighbor, error) {
	out, err := s.store.Neighbors(ctx, addr, minValue, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: neighbors of %s: %w", ErrStore, addr, err)
	}
	return out, nil
}

// Address returns the stored record of addr.
func (s *Service) Address(ctx context.Context, addr string) (models.Address, error) {
	a, err := s.store.GetAddress(ctx, addr)
	if err != nil && !errors.Is(err, graph.ErrNotFound) {
		return models.Address{}, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return a, err
}

// RecordHighRisk raises a HIGH_RISK alert for an analyzed address.
func (s *Service) RecordHighRisk(ctx context.Context, res AnalysisResult, evidence map[string]any) (bool, error) {
	if evidence == nil {
		evidence = map[string]any{}
	}
	evidence["level"] = res.Level
	evidence["alertCount"] = res.AlertCount
	_, inserted, err := s.alerts.RecordHighRisk(ctx, res.Address, res.RiskScore, evidence)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return inserted, nil
}

// neighborhood snapshots the stored adjacency around addr, bounded in depth
// and in the number of expanded addresses per direction.
func (s *Service) neighborhood(ctx context.Context, addr string) (*heuristics.Neighborhood, error) {
	nb := &heuristics.Neighborhood{
		Out: make(map[string][]string),
		In:  make(map[string][]string),
	}
	cfg := s.engine.Config()
	outDepth := max(s.opts.NeighborhoodDepth, cfg.Circularity.MaxLength)
	inDepth := max(s.opts.NeighborhoodDepth, cfg.Taint.TaintMaxHops())

	if err := s.expand(ctx, addr, graph.Outbound, outDepth, nb.Out); err != nil {
		return nil, err
	}
	if err := s.expand(ctx, addr, graph.Inbound, inDepth, nb.In); err != nil {
		return nil, err
	}
	return nb, nil
}

// expand records the adjacency of every address within levels-1 hops of addr,
// which is enough to follow paths of up to levels edges.
func (s *Service) expand(ctx context.Context, addr string, dir graph.Direction, levels int, into map[string][]string) error {
	frontier := []string{addr}
	seen := map[string]struct{}{addr: {}}

	for depth := 0; depth < levels && len(frontier) > 0; depth++ {
		var next []string
		for _, a := range frontier {
			if len(into) >= s.opts.NeighborhoodLimit {
				return nil
			}
			adj, err := s.store.Adjacent(ctx, a, dir)
			if err != nil {
				return fmt.Errorf("%w: adjacency of %s: %w", ErrStore, a, err)
			}
			into[a] = adj
			for _, n := range adj {
				if _, ok := seen[n]; !ok {
					seen[n] = struct{}{}
					next = append(next, n)
				}
			}
		}
		frontier = next
	}
	return nil
}
