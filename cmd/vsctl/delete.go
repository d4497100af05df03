package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(deleteCmd)
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>...",
	Short: "Delete documents and their postings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil || id < 1 {
				return fmt.Errorf("invalid document id %q", arg)
			}
			ids = append(ids, id)
		}

		e, err := openEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer e.Close()

		svc := e.indexService()
		var failed int
		for _, id := range ids {
			if err := svc.Delete(cmd.Context(), id); err != nil {
				slog.Error("delete failed", "doc_id", id, "error", err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletes failed", failed, len(ids))
		}
		return nil
	},
}
