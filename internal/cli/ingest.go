package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"bandwatch/internal/app"
)

var (
	ingestFile   string
	ingestSeries string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Import observations from a CSV file into the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestFile == "" {
			return errors.New("--file must be provided")
		}

		opts := app.IngestOptions{
			Path:     ingestFile,
			SeriesID: ingestSeries,
		}
		return getApp().Ingest(cmd.Context(), opts)
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "CSV file with ts,value or series,ts,value rows")
	ingestCmd.Flags().StringVar(&ingestSeries, "series", "", "Series identity for files without a series column")
}
