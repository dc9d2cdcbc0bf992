package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rawblock/aml-engine/internal/config"
	"github.com/rawblock/aml-engine/pkg/logger"
)

// globals are the persistent flags every command shares.
type globals struct {
	configPath string
	logLevel   string
	fixture    string
}

// RootCmd returns the engine's command tree.
func RootCmd(version string) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:     "aml-engine",
		Short:   "RawBlock AML graph engine",
		Version: version,
		Long: `aml-engine ingests account-based transfer histories into a transaction
graph, runs money-laundering pattern detectors over it and fuses the
findings into a 0-100 risk score. Run "serve" for the HTTP API and
automation jobs, or use the one-shot commands from a terminal.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", ".env", "env-style config file (missing is fine)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.fixture, "fixture", "", "JSON file of recorded transfers to use instead of the live provider")

	root.AddCommand(ServeCmd(g))
	root.AddCommand(IngestCmd(g))
	root.AddCommand(AnalyzeCmd(g))
	root.AddCommand(CrawlCmd(g))
	root.AddCommand(ExpandCmd(g))
	return root
}

// load reads the configuration and builds the logger it asks for.
func (g *globals) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}
