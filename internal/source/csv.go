package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bandwatch/internal/series"
)

// DefaultSeriesID names rows of a CSV file without a series column.
const DefaultSeriesID = "default"

var (
	timestampColumns = []string{"ts", "timestamp", "time"}
	valueColumns     = []string{"value", "val", "y"}
	seriesColumns    = []string{"series", "series_id", "id"}
)

// ReadCSV parses a CSV document with a header row into series keyed by the optional series
// column. Timestamps are epoch seconds or RFC3339; an empty value marks a missing sample.
// Rows may arrive in any order; a repeated timestamp keeps the last row.
func ReadCSV(r io.Reader) (map[string]series.Series, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read csv: empty input")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	tsCol, valCol, idCol := column(header, timestampColumns), column(header, valueColumns), column(header, seriesColumns)
	if tsCol < 0 || valCol < 0 {
		return nil, fmt.Errorf("read csv: header %v needs a timestamp and a value column", header)
	}

	points := make(map[string][]series.Point)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		ts, err := parseTimestamp(field(record, tsCol))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		value, err := parseValue(field(record, valCol))
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		id := DefaultSeriesID
		if idCol >= 0 && field(record, idCol) != "" {
			id = field(record, idCol)
		}
		points[id] = append(points[id], series.Point{Timestamp: ts, Value: value})
	}

	out := make(map[string]series.Series, len(points))
	for id, pts := range points {
		s, err := series.Merge(series.Series{}, pts)
		if err != nil {
			return nil, fmt.Errorf("csv series %q: %w", id, err)
		}
		out[id] = s
	}
	return out, nil
}

// ReadCSVFile reads one series from path. With several series in the file, id selects one;
// an empty id accepts a file holding exactly one series.
func ReadCSVFile(path, id string) (series.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return series.Series{}, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	all, err := ReadCSV(f)
	if err != nil {
		return series.Series{}, err
	}
	if id != "" {
		if s, ok := all[id]; ok {
			return s, nil
		}
		if s, ok := all[DefaultSeriesID]; ok && len(all) == 1 {
			return s, nil
		}
		return series.Series{}, fmt.Errorf("csv %s: no series %q", path, id)
	}
	if len(all) != 1 {
		return series.Series{}, fmt.Errorf("csv %s holds %d series; pick one by id", path, len(all))
	}
	for _, s := range all {
		return s, nil
	}
	return series.Series{}, nil
}

// WriteCSV renders a series in the format ReadCSV accepts.
func WriteCSV(w io.Writer, s series.Series) error {
	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"ts", "value"}); err != nil {
		return err
	}
	for _, p := range s.Points {
		value := ""
		if !p.Missing() {
			value = strconv.FormatFloat(p.Value, 'f', -1, 64)
		}
		if err := writer.Write([]string{strconv.FormatInt(p.Timestamp, 10), value}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// FileSource re-reads a CSV file on every fetch; Request.Query holds the path.
type FileSource struct{}

func NewFileSource() *FileSource { return &FileSource{} }

func (FileSource) Fetch(ctx context.Context, req Request) (series.Series, error) {
	if err := ctx.Err(); err != nil {
		return series.Series{}, err
	}
	s, err := ReadCSVFile(req.Query, req.SeriesID)
	if err != nil {
		return series.Series{}, err
	}
	if req.From.IsZero() && req.To.IsZero() {
		return s, nil
	}
	return s.Between(req.From.Unix(), req.To.Unix()), nil
}

func column(header []string, names []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func parseTimestamp(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("empty timestamp")
	}
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t.Unix(), nil
}

func parseValue(raw string) (float64, error) {
	if raw == "" || strings.EqualFold(raw, "nan") {
		return math.NaN(), nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("parse value %q: %w", raw, err)
	}
	return d.InexactFloat64(), nil
}
