package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"bandwatch/internal/engine"
	"bandwatch/internal/series"
	"bandwatch/internal/storage"
)

// bandRecord is one exported row: the observation next to its band.
type bandRecord struct {
	Timestamp time.Time
	Value     float64
	Center    float64
	Lower     float64
	Upper     float64
	HasBand   bool
	Anomalous bool
}

// Export renders a stored series and its latest band as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.SeriesID == "" {
		return errors.New("--series must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observed, err := store.ListObservations(ctx, opts.SeriesID, from, to)
	if err != nil {
		return err
	}
	if observed.Len() == 0 {
		a.Logger.Info().Str("series", opts.SeriesID).Msg("no observations found for export window")
		return nil
	}
	bandRows, err := store.ListBand(ctx, opts.SeriesID, from, to)
	if err != nil {
		return err
	}

	records := joinStoredBand(observed, bandRows)
	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting band")

	return writeOutputs(opts.CSVPath, opts.PNGPath, opts.SeriesID, downsampled)
}

func writeOutputs(csvPath, pngPath, title string, records []bandRecord) error {
	if csvPath != "" {
		if err := writeBandCSV(csvPath, records); err != nil {
			return err
		}
	}
	if pngPath != "" {
		if err := writeBandPNG(pngPath, title, records); err != nil {
			return err
		}
	}
	return nil
}

func joinStoredBand(observed series.Series, rows []storage.BandRow) []bandRecord {
	byTS := make(map[int64]storage.BandRow, len(rows))
	for _, r := range rows {
		byTS[r.Timestamp.Unix()] = r
	}
	out := make([]bandRecord, len(observed.Points))
	for i, p := range observed.Points {
		rec := bandRecord{Timestamp: time.Unix(p.Timestamp, 0).UTC(), Value: p.Value}
		if r, ok := byTS[p.Timestamp]; ok {
			rec.HasBand = true
			rec.Center = r.Center.InexactFloat64()
			rec.Lower = r.Lower.InexactFloat64()
			rec.Upper = r.Upper.InexactFloat64()
			rec.Anomalous = r.Anomalous
		}
		out[i] = rec
	}
	return out
}

func resultRecords(res *engine.Result) []bandRecord {
	out := make([]bandRecord, len(res.Flags))
	for i, f := range res.Flags {
		rec := bandRecord{Timestamp: time.Unix(f.Timestamp, 0).UTC(), Value: f.Value, Anomalous: f.Anomalous}
		if bp, ok := res.Band.At(f.Timestamp); ok {
			rec.HasBand = true
			rec.Center, rec.Lower, rec.Upper = bp.Center, bp.Lower, bp.Upper
		}
		out[i] = rec
	}
	return out
}

// downsampleRecords keeps max evenly spaced rows but never drops an anomalous one.
func downsampleRecords(records []bandRecord, max int) []bandRecord {
	if max <= 1 || len(records) <= max {
		return records
	}

	result := make([]bandRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	next := 0
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		for ; next < idx; next++ {
			if records[next].Anomalous {
				result = append(result, records[next])
			}
		}
		result = append(result, records[idx])
		next = idx + 1
	}
	return result
}

func writeBandCSV(path string, records []bandRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "value", "center", "lower", "upper", "anomalous"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		row := []string{rec.Timestamp.Format(time.RFC3339), formatFloat(rec.Value), "", "", "", strconv.FormatBool(rec.Anomalous)}
		if rec.HasBand {
			row[2], row[3], row[4] = formatFloat(rec.Center), formatFloat(rec.Lower), formatFloat(rec.Upper)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeBandPNG(path, title string, records []bandRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var (
		x, bx, ax            []time.Time
		observed, anomalies  []float64
		center, lower, upper []float64
	)
	for _, rec := range records {
		if !math.IsNaN(rec.Value) {
			x = append(x, rec.Timestamp)
			observed = append(observed, rec.Value)
		}
		if rec.HasBand {
			bx = append(bx, rec.Timestamp)
			center = append(center, rec.Center)
			lower = append(lower, rec.Lower)
			upper = append(upper, rec.Upper)
		}
		if rec.Anomalous {
			ax = append(ax, rec.Timestamp)
			anomalies = append(anomalies, rec.Value)
		}
	}
	if len(x) < 2 {
		return errors.New("need at least two observations to draw a chart")
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	bandStyle := chart.Style{StrokeColor: drawing.ColorFromHex("9ecae1"), StrokeWidth: 1}
	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Observed",
				XValues: x,
				YValues: observed,
			},
		},
	}
	if len(bx) >= 2 {
		graph.Series = append(graph.Series,
			chart.TimeSeries{Name: "Lower", XValues: bx, YValues: lower, Style: bandStyle},
			chart.TimeSeries{Name: "Upper", XValues: bx, YValues: upper, Style: bandStyle},
			chart.TimeSeries{
				Name:    "Baseline",
				XValues: bx,
				YValues: center,
				Style:   chart.Style{StrokeColor: drawing.ColorFromHex("3182bd"), StrokeWidth: 1, StrokeDashArray: []float64{4, 2}},
			},
		)
	}
	if len(ax) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Anomaly",
			XValues: ax,
			YValues: anomalies,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    drawing.ColorRed,
			},
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return storage.Decimal(v).String()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
