package main

import (
	"github.com/XcloudFance/Verdant-Search/internal/tokenizer"
	"github.com/spf13/cobra"
)

var tokenizeMode string

func init() {
	tokenizeCmd.Flags().StringVar(&tokenizeMode, "mode", "index", "tokenizer mode: index or search")
	rootCmd.AddCommand(tokenizeCmd)
}

var tokenizeCmd = &cobra.Command{
	Use:   "tokenize <text>",
	Short: "Show how text is tokenized",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := tokenizer.ParseMode(tokenizeMode)
		if err != nil {
			return err
		}
		tokens := tokenizer.New(tokenizer.Options{}).Tokenize(args[0], mode)
		if tokens == nil {
			tokens = []string{}
		}
		return printJSON(map[string]any{"mode": mode, "tokens": tokens})
	},
}
