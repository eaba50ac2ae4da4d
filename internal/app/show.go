package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recently recorded anomalies.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show anomalies")
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentAnomalies(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no anomalies found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSeries\tValue\tBand\tDeviation\tDirection\tConfidence")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s .. %s\t%s\t%s\t%s\n",
			rec.Timestamp.UTC().Format(time.RFC3339),
			sanitizeInline(rec.SeriesID),
			formatDecimal(rec.Value, 3),
			formatDecimal(rec.Lower, 3),
			formatDecimal(rec.Upper, 3),
			formatDecimal(rec.Deviation, 3),
			rec.Direction(),
			formatDecimal(rec.Confidence, 2),
		)
	}

	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
