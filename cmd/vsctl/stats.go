package main

import (
	"github.com/XcloudFance/Verdant-Search/internal/indexer/stats"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(recomputeStatsCmd)
}

var recomputeStatsCmd = &cobra.Command{
	Use:   "recompute-stats",
	Short: "Recompute document frequencies and document statistics",
	Long: `Recompute every term's document frequency from the postings and refresh
the corpus-wide document statistics. Terms left with no postings are
removed. Fails when another recomputation holds the lock.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		report, err := stats.NewRecomputer(e.store, e.cfg.Index.AdvisoryLock, e.metrics).Run(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}
