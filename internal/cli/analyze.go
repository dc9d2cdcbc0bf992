package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rawblock/aml-engine/pkg/models"
)

// IngestCmd fetches an address history into the graph.
func IngestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <address>",
		Short: "Fetch an address's transfer history into the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := models.NormalizeAddress(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			st, err := g.stack(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.service.Ingest(cmd.Context(), addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d transfers ingested\n", res.Address, res.Ingested)
			return nil
		},
	}
}

// AnalyzeCmd scores one address.
func AnalyzeCmd(g *globals) *cobra.Command {
	var stored bool

	cmd := &cobra.Command{
		Use:   "analyze <address>",
		Short: "Run every detector over an address and print its risk score",
		Long: `Fetch the address history, run the pattern detectors and print the fused
risk score with every finding. --stored skips the fetch and analyzes what
the database already holds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := models.NormalizeAddress(args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			st, err := g.stack(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			if stored {
				res, err := st.service.Analyze(cmd.Context(), addr)
				if err != nil {
					return err
				}
				printAnalysis(cmd.OutOrStdout(), res)
				return nil
			}
			res, ingested, err := st.service.Investigate(cmd.Context(), addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d transfers ingested\n", ingested)
			printAnalysis(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&stored, "stored", false, "analyze stored history without fetching")
	return cmd
}

func (g *globals) stack(cmd *cobra.Command) (*stack, error) {
	cfg, log, err := g.load()
	if err != nil {
		return nil, err
	}
	return buildStack(cmd.Context(), cfg, log, stackOptions{Fixture: g.fixture})
}
