package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pricehawk/pricehawk/internal/ingest"
)

var (
	ingestRunID string
	ingestTotal int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a price event stream from stdin",
	Long:  "Reads newline-delimited JSON price events from stdin and applies them to the store. With --run the named query run tracks progress and is finalized when the stream ends.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pipeline := ingest.New(st, ingestRunID, ingestTotal)
		if err := pipeline.Consume(ctx, os.Stdin); err != nil {
			return err
		}
		if err := pipeline.Finalize(ctx, true); err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "ingested %d events, %d failures\n",
			pipeline.Processed(), pipeline.Failures())
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestRunID, "run", "", "query run id to track progress on")
	ingestCmd.Flags().IntVar(&ingestTotal, "total", 0, "expected event count for progress notes")
	rootCmd.AddCommand(ingestCmd)
}
