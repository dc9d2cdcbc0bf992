package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/analysis"
	"github.com/rawblock/aml-engine/internal/automation"
	"github.com/rawblock/aml-engine/internal/config"
	"github.com/rawblock/aml-engine/internal/db"
	"github.com/rawblock/aml-engine/internal/graph"
	"github.com/rawblock/aml-engine/internal/heuristics"
	"github.com/rawblock/aml-engine/internal/ingest"
	"github.com/rawblock/aml-engine/internal/jobs"
	"github.com/rawblock/aml-engine/internal/retry"
	"github.com/rawblock/aml-engine/pkg/models"
)

// stack is the wired engine shared by every command.
type stack struct {
	cfg     *config.Config
	log     *zap.Logger
	store   graph.Store
	service *analysis.Service
	jobs    *jobs.Manager
	closers []func()
}

// stackOptions select the provider; a fixture path replaces the live
// provider with a recorded transfer set.
type stackOptions struct {
	Fixture string
}

func buildStack(ctx context.Context, cfg *config.Config, log *zap.Logger, opts stackOptions) (_ *stack, err error) {
	s := &stack{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	var features graph.FeatureProvider
	if cfg.Neo4jURI != "" {
		nf, err := graph.NewNeo4jFeatures(ctx, graph.Neo4jConfig{
			URI:      cfg.Neo4jURI,
			User:     cfg.Neo4jUser,
			Password: cfg.Neo4jPassword,
			Database: cfg.Neo4jDatabase,
		}, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = nf.Close(context.Background()) })
		features = nf
	}

	if cfg.DatabaseURL != "" {
		pg, err := db.Connect(ctx, cfg.DatabaseURL, features, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pg.Close)
		if err := pg.InitSchema(ctx); err != nil {
			return nil, err
		}
		// An in-process provider starts empty; Neo4j already holds the graph.
		if features == nil {
			n, err := pg.WarmFeatures(ctx)
			if err != nil {
				return nil, fmt.Errorf("warm graph features: %w", err)
			}
			log.Info("graph features warmed", zap.Int("transfers", n))
		}
		s.store = pg
	} else {
		log.Warn("DATABASE_URL not set, state lives in memory only")
		mem := graph.NewMemoryStore(features)
		s.closers = append(s.closers, mem.Close)
		s.store = mem
	}

	base, err := s.provider(ctx, opts)
	if err != nil {
		return nil, err
	}

	poolOpts := ingest.PoolOptions{
		RequestsPerSecond: cfg.ProviderRPS,
		Burst:             cfg.ProviderBurst,
		MinDelay:          cfg.IngestMinDelay,
		Retry: retry.Policy{
			MaxAttempts: cfg.IngestMaxAttempts,
			BaseDelay:   cfg.IngestBaseDelay,
			MaxDelay:    cfg.IngestMaxDelay,
			Jitter:      cfg.IngestBaseDelay / 4,
		},
		CacheTTL: cfg.RedisTTL,
	}
	if cfg.RedisURL != "" && opts.Fixture == "" {
		poolOpts.Cache = s.redis(ctx)
	}

	configured := make([]string, 0, len(cfg.TaintSeeds))
	for _, raw := range cfg.TaintSeeds {
		addr, err := models.NormalizeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("TAINT_SEEDS: %q: %w", raw, err)
		}
		configured = append(configured, addr)
	}
	seeds := heuristics.NewSeedSet()
	if n := seeds.AddAll(configured, "sanctioned", "config"); n > 0 {
		log.Info("taint seeds loaded", zap.Int("count", n))
	}

	s.service = analysis.NewService(analysis.Deps{
		Store:  s.store,
		Pool:   ingest.NewPool(base, poolOpts, log),
		Engine: heuristics.NewEngine(heuristics.DefaultConfig()),
		Alerts: heuristics.NewAlertManager(s.store, heuristics.AlertOptions{
			MinScore:    cfg.AlertMinScore,
			DedupWindow: cfg.AlertDedupWindow,
		}, log),
		Scorer: heuristics.NewRiskScorer(heuristics.DefaultRiskWeights()),
		Seeds:  seeds,
	}, analysis.DefaultOptions(), log)

	s.jobs = jobs.NewManager(ctx, s.store, log)
	s.jobs.Register(models.JobCrawler, automation.NewCrawler(s.service, log))
	s.jobs.Register(models.JobMonitor, automation.NewMonitor(s.service, log))
	s.jobs.Register(models.JobExpansion, automation.NewExpansion(s.service, log))
	return s, nil
}

func (s *stack) provider(ctx context.Context, opts stackOptions) (ingest.Client, error) {
	if opts.Fixture != "" {
		s.log.Info("using recorded transfers", zap.String("fixture", opts.Fixture))
		return ingest.LoadStaticClient(opts.Fixture)
	}

	if s.cfg.EtherscanAPIKey == "" {
		s.log.Warn("ETHERSCAN_API_KEY not set, provider calls will be heavily rate limited")
	}
	var client ingest.Client = ingest.NewEtherscanClient(ingest.EtherscanConfig{
		BaseURL: s.cfg.EtherscanBaseURL,
		APIKey:  s.cfg.EtherscanAPIKey,
		ChainID: s.cfg.EtherscanChainID,
	})
	if s.cfg.EthRPCURL != "" {
		node, err := ingest.DialNode(ctx, s.cfg.EthRPCURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, node.Close)
		client = ingest.Split{History: client, Activity: node}
	}
	return client, nil
}

// redis returns a connected cache client, or nil when Redis is unreachable;
// the engine then runs uncached.
func (s *stack) redis(ctx context.Context) *redis.Client {
	ropts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		s.log.Warn("invalid REDIS_URL, history cache disabled", zap.Error(err))
		return nil
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		s.log.Warn("redis unreachable, history cache disabled", zap.Error(err))
		_ = rdb.Close()
		return nil
	}
	s.closers = append(s.closers, func() { _ = rdb.Close() })
	return rdb
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
