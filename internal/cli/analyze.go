package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"bandwatch/internal/app"
)

var (
	analyzeFile       string
	analyzeSeries     string
	analyzeConfidence float64
	analyzeNoDiscover bool
	analyzeForecast   int
	analyzePNGPath    string
	analyzeCSVPath    string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Fit a band over a CSV file once and print anomalies and forecast",
	RunE: func(cmd *cobra.Command, args []string) error {
		if analyzeFile == "" {
			return errors.New("--file must be provided")
		}
		if analyzeConfidence != 0 && (analyzeConfidence <= 0 || analyzeConfidence >= 1) {
			return fmt.Errorf("--confidence must be in (0, 1), got %v", analyzeConfidence)
		}
		if analyzeForecast < 0 {
			return errors.New("--forecast must not be negative")
		}

		opts := app.AnalyzeOptions{
			Path:       analyzeFile,
			SeriesID:   analyzeSeries,
			Confidence: analyzeConfidence,
			NoDiscover: analyzeNoDiscover,
			Forecast:   analyzeForecast,
			PNGPath:    analyzePNGPath,
			CSVPath:    analyzeCSVPath,
		}
		return getApp().Analyze(cmd.Context(), opts)
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "CSV file to analyze")
	analyzeCmd.Flags().StringVar(&analyzeSeries, "series", "", "Series to select from a multi-series file")
	analyzeCmd.Flags().Float64Var(&analyzeConfidence, "confidence", 0, "Band confidence level (defaults to 0.95)")
	analyzeCmd.Flags().BoolVar(&analyzeNoDiscover, "no-discover", false, "Fit trend only, skip seasonality discovery")
	analyzeCmd.Flags().IntVar(&analyzeForecast, "forecast", 0, "Number of future intervals to project")
	analyzeCmd.Flags().StringVar(&analyzePNGPath, "png", "", "Write the band chart to this PNG file")
	analyzeCmd.Flags().StringVar(&analyzeCSVPath, "csv", "", "Write the band rows to this CSV file")
}
