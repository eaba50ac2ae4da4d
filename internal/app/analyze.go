package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"bandwatch/internal/engine"
	"bandwatch/internal/source"
)

// Analyze runs discovery, fit, band and anomaly flagging once over a CSV file and prints the
// outcome. It needs neither a database nor a running service.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions) error {
	s, err := source.ReadCSVFile(opts.Path, opts.SeriesID)
	if err != nil {
		return err
	}

	cfg := engine.DefaultConfig()
	if opts.Confidence != 0 {
		cfg.ConfidenceLevel = opts.Confidence
	}
	cfg.DiscoverSeasonalities = !opts.NoDiscover

	id := opts.SeriesID
	if id == "" {
		id = source.DefaultSeriesID
	}
	res, err := engine.Analyze(ctx, id, s, cfg, a.fitter())
	if err != nil {
		return err
	}

	if err := printAnalysis(os.Stdout, res, opts.Forecast); err != nil {
		return err
	}
	return writeOutputs(opts.CSVPath, opts.PNGPath, id, resultRecords(res))
}

func printAnalysis(out io.Writer, res *engine.Result, forecast int) error {
	m := res.Model
	fmt.Fprintf(out, "series %s: %d points, %d observed, confidence %.1f%%\n",
		res.Identity, res.Series.Len(), res.Series.Observed(), res.Config.ConfidenceLevel*100)
	fmt.Fprintf(out, "trend: intercept %.4f, slope %.6f per interval, residual sigma %.4f\n",
		m.Intercept, m.Slope, m.Sigma())

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(res.Profile) == 0 {
		fmt.Fprintln(writer, "seasonality: none")
	} else {
		fmt.Fprintln(writer, "Period (samples)\tPeriod\tStrength")
		for _, p := range res.Profile {
			fmt.Fprintf(writer, "%d\t%s\t%.3f\n", p.Lag, time.Duration(p.Length)*time.Second, p.Strength)
		}
	}
	writer.Flush()

	anomalies := res.Anomalies()
	fmt.Fprintf(out, "anomalies: %d\n", len(anomalies))
	if len(anomalies) > 0 {
		writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tValue\tLower\tUpper\tDeviation")
		for _, f := range anomalies {
			bp, _ := res.Band.At(f.Timestamp)
			fmt.Fprintf(writer, "%s\t%.3f\t%.3f\t%.3f\t%+.3f\n",
				time.Unix(f.Timestamp, 0).UTC().Format(time.RFC3339), f.Value, bp.Lower, bp.Upper, f.Deviation)
		}
		writer.Flush()
	}

	if forecast <= 0 {
		return nil
	}
	b, err := res.Forecast(forecast)
	if err != nil {
		return err
	}
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Forecast (UTC)\tLower\tCenter\tUpper")
	for _, p := range b.Points {
		fmt.Fprintf(writer, "%s\t%.3f\t%.3f\t%.3f\n",
			time.Unix(p.Timestamp, 0).UTC().Format(time.RFC3339), p.Lower, p.Center, p.Upper)
	}
	return writer.Flush()
}
