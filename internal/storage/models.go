package storage

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"bandwatch/internal/anomaly"
	"bandwatch/internal/band"
	"bandwatch/internal/series"
)

// Observation is one persisted sample. A nil Value marks a missing sample.
type Observation struct {
	SeriesID  string
	Timestamp time.Time
	Value     *decimal.Decimal
}

// BandRow is one persisted point of a published band.
type BandRow struct {
	SeriesID   string
	Timestamp  time.Time
	Center     decimal.Decimal
	Lower      decimal.Decimal
	Upper      decimal.Decimal
	Anomalous  bool
	Confidence decimal.Decimal
	ComputedAt time.Time
}

// AnomalyRecord captures a flagged observation for alerting and auditing.
type AnomalyRecord struct {
	ID         int64
	SeriesID   string
	Timestamp  time.Time
	Value      decimal.Decimal
	Lower      decimal.Decimal
	Upper      decimal.Decimal
	Deviation  decimal.Decimal
	Confidence decimal.Decimal
	CreatedAt  time.Time
}

// Direction reports whether the observation broke the upper or the lower bound.
func (a AnomalyRecord) Direction() string {
	if a.Deviation.IsNegative() {
		return "below"
	}
	return "above"
}

// NewObservations converts series points into rows.
func NewObservations(seriesID string, points []series.Point) []Observation {
	rows := make([]Observation, len(points))
	for i, p := range points {
		rows[i] = Observation{SeriesID: seriesID, Timestamp: time.Unix(p.Timestamp, 0).UTC()}
		if !p.Missing() {
			v := Decimal(p.Value)
			rows[i].Value = &v
		}
	}
	return rows
}

// ToSeries converts ordered rows back into a series; rows must be sorted by timestamp.
func ToSeries(rows []Observation) (series.Series, error) {
	points := make([]series.Point, len(rows))
	for i, r := range rows {
		points[i] = series.Point{Timestamp: r.Timestamp.Unix(), Value: math.NaN()}
		if r.Value != nil {
			points[i].Value = r.Value.InexactFloat64()
		}
	}
	return series.New(points)
}

// NewBandRows pairs every band point with its flag.
func NewBandRows(seriesID string, b band.Band, flags []anomaly.Flag, computedAt time.Time) []BandRow {
	anomalous := make(map[int64]bool, len(flags))
	for _, f := range flags {
		if f.Anomalous {
			anomalous[f.Timestamp] = true
		}
	}
	conf := Decimal(b.Confidence)
	rows := make([]BandRow, len(b.Points))
	for i, p := range b.Points {
		rows[i] = BandRow{
			SeriesID:   seriesID,
			Timestamp:  time.Unix(p.Timestamp, 0).UTC(),
			Center:     Decimal(p.Center),
			Lower:      Decimal(p.Lower),
			Upper:      Decimal(p.Upper),
			Anomalous:  anomalous[p.Timestamp],
			Confidence: conf,
			ComputedAt: computedAt,
		}
	}
	return rows
}

// NewAnomalyRecord builds the record for a flagged point.
func NewAnomalyRecord(seriesID string, f anomaly.Flag, p band.Point, confidence float64) AnomalyRecord {
	return AnomalyRecord{
		SeriesID:   seriesID,
		Timestamp:  time.Unix(f.Timestamp, 0).UTC(),
		Value:      Decimal(f.Value),
		Lower:      Decimal(p.Lower),
		Upper:      Decimal(p.Upper),
		Deviation:  Decimal(f.Deviation),
		Confidence: Decimal(confidence),
	}
}

// Decimal converts a finite float into a decimal rounded to the stored precision.
func Decimal(v float64) decimal.Decimal {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(v).Round(Precision)
}

// Precision is the number of fractional digits kept in numeric columns.
const Precision = 8
