package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mailtools/pop3-to-pipe/ledger"
	"github.com/mailtools/pop3-to-pipe/stats"
)

var (
	topN       int
	pruneScope string
)

var ledgerStatsCmd = &cobra.Command{
	Use:   "ledger-stats [ledger file]",
	Short: "Inspect the delivered-message ledger and optionally prune an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := ledger.Open(args[0])
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer func() {
			_ = store.Close()
		}()

		if pruneScope != "" {
			removed, err := store.RemoveScope(pruneScope)
			if err != nil {
				return fmt.Errorf("prune scope %q: %w", pruneScope, err)
			}
			fmt.Printf("Removed %d entries for %s\n\n", removed, pruneScope)
		}

		total, err := store.Count()
		if err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		fmt.Printf("Recorded messages: %d\n\n", total)

		counts, err := store.ScopeCounts()
		if err != nil {
			return fmt.Errorf("count per account: %w", err)
		}
		fmt.Printf("Top %d accounts:\n", topN)
		stats.PrettyPrintTop(counts, topN)

		return nil
	},
}

// Register attaches the subcommands to the root command.
func Register(root *cobra.Command) {
	ledgerStatsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of accounts to display")
	ledgerStatsCmd.Flags().StringVar(&pruneScope, "prune-scope", "", "Remove every entry for the given account scope (user@host:port) before printing")
	root.AddCommand(ledgerStatsCmd)
}
