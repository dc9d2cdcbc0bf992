package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rawblock/aml-engine/internal/automation"
	"github.com/rawblock/aml-engine/internal/jobs"
)

// CrawlCmd runs a crawler job in the foreground.
func CrawlCmd(g *globals) *cobra.Command {
	p := automation.DefaultCrawlerParams()
	var minValue string

	cmd := &cobra.Command{
		Use:   "crawl --seed <address> [--seed <address>...]",
		Short: "Explore the network around seed addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := decimal.NewFromString(minValue)
			if err != nil {
				return err
			}
			p.MinValueETH = v
			p.Async = false
			return g.runJob(cmd, p)
		},
	}
	cmd.Flags().StringSliceVar(&p.SeedAddresses, "seed", nil, "seed address (repeatable)")
	cmd.Flags().IntVar(&p.MaxDepth, "depth", p.MaxDepth, "maximum hops from a seed")
	cmd.Flags().IntVar(&p.MaxAddresses, "max", p.MaxAddresses, "maximum addresses to analyze")
	cmd.Flags().IntVar(&p.MaxNeighbors, "max-neighbors", p.MaxNeighbors, "neighbors followed per address")
	cmd.Flags().Float64Var(&p.MinRiskScore, "min-risk", p.MinRiskScore, "expand only addresses scoring at least this")
	cmd.Flags().Float64Var(&p.SuspiciousThreshold, "suspicious", p.SuspiciousThreshold, "report addresses scoring at least this")
	cmd.Flags().StringVar((*string)(&p.Strategy), "strategy", string(p.Strategy), "bfs or dfs")
	cmd.Flags().StringVar(&minValue, "min-value", p.MinValueETH.String(), "minimum ETH exchanged with a neighbor")
	cmd.Flags().IntVar(&p.RequestDelayMS, "delay-ms", p.RequestDelayMS, "spacing between provider requests")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

// ExpandCmd runs an expansion job in the foreground.
func ExpandCmd(g *globals) *cobra.Command {
	p := automation.DefaultExpansionParams()
	var minValue string

	cmd := &cobra.Command{
		Use:   "expand <address>",
		Short: "Expand the network around a high-risk address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := decimal.NewFromString(minValue)
			if err != nil {
				return err
			}
			p.Address = args[0]
			p.MinValueETH = v
			p.Async = false
			return g.runJob(cmd, p)
		},
	}
	cmd.Flags().Float64Var(&p.TriggerScore, "trigger", p.TriggerScore, "minimum score of the start address")
	cmd.Flags().IntVar(&p.ExpansionDepth, "depth", p.ExpansionDepth, "levels to expand")
	cmd.Flags().IntVar(&p.MaxNeighbors, "max-neighbors", p.MaxNeighbors, "neighbors followed per address")
	cmd.Flags().StringVar(&minValue, "min-value", p.MinValueETH.String(), "minimum ETH exchanged with a neighbor")
	cmd.Flags().IntVar(&p.RequestDelayMS, "delay-ms", p.RequestDelayMS, "spacing between provider requests")
	return cmd
}

func (g *globals) runJob(cmd *cobra.Command, p jobs.Params) error {
	st, err := g.stack(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	// An interrupt cancels the job cooperatively so its partial result still
	// prints.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	unhook := context.AfterFunc(ctx, func() {
		_ = st.jobs.Shutdown(context.Background())
	})
	defer unhook()

	job, err := st.jobs.Start(ctx, p)
	if err != nil {
		return err
	}
	return printJob(cmd.OutOrStdout(), job)
}
