package main

import (
	"github.com/XcloudFance/Verdant-Search/internal/searcher"
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/spf13/cobra"
)

var searchTopK int

func init() {
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 0, "maximum results to return (0 uses the configured default)")
	rootCmd.AddCommand(searchCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a hybrid search against the index",
	Long: `Run a hybrid search directly against the database, bypassing the query
cache and trace recording.

Examples:
  vsctl search "goroutine channels"
  vsctl search --top-k 5 "vacuum analyze"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer e.Close()

		svc := searcher.NewService(searcher.Deps{
			Store:         e.store,
			Tokenizer:     tokenizer.New(tokenizer.Options{}),
			Embedder:      e.embedder,
			ImageEmbedder: e.embedder,
			Metrics:       e.metrics,
			Search:        e.cfg.Search,
		})
		resp, err := svc.Search(cmd.Context(), args[0], searchTopK)
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}
