// Package band projects a fitted baseline into a confidence band.
package band

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"bandwatch/internal/model"
)

// ErrInvalidConfidence is returned for confidence levels outside (0,1).
var ErrInvalidConfidence = errors.New("confidence level must be strictly between 0 and 1")

// Point is the band value at one timestamp.
type Point struct {
	Timestamp int64   `json:"ts"`
	Center    float64 `json:"center"`
	Lower     float64 `json:"lower"`
	Upper     float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (p Point) Width() float64 {
	return p.Upper - p.Lower
}

// Contains reports whether v lies within the closed interval [Lower, Upper].
func (p Point) Contains(v float64) bool {
	return v >= p.Lower && v <= p.Upper
}

// Band is an immutable sequence of band points ordered by timestamp.
type Band struct {
	Confidence float64 `json:"confidence"`
	Points     []Point `json:"points"`
}

// Len returns the number of points.
func (b Band) Len() int {
	return len(b.Points)
}

// At returns the band point with exactly the given timestamp.
func (b Band) At(ts int64) (Point, bool) {
	i := sort.Search(len(b.Points), func(i int) bool { return b.Points[i].Timestamp >= ts })
	if i < len(b.Points) && b.Points[i].Timestamp == ts {
		return b.Points[i], true
	}
	return Point{}, false
}

// Quantile returns the two-sided normal critical value for a confidence level, i.e. the
// standard normal quantile at (1+confidence)/2.
func Quantile(confidence float64) (float64, error) {
	if !(confidence > 0 && confidence < 1) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfidence, confidence)
	}
	return math.Sqrt2 * math.Erfinv(confidence), nil
}

// Project evaluates m at the given timestamps and surrounds each center with
// z(confidence) * sigma on either side.
func Project(m *model.Model, confidence float64, timestamps []int64) (Band, error) {
	if m == nil {
		return Band{}, errors.New("project band: nil model")
	}
	z, err := Quantile(confidence)
	if err != nil {
		return Band{}, err
	}

	half := z * m.Sigma()
	points := make([]Point, len(timestamps))
	for i, ts := range timestamps {
		center := m.Center(ts)
		points[i] = Point{
			Timestamp: ts,
			Center:    center,
			Lower:     center - half,
			Upper:     center + half,
		}
	}
	return Band{Confidence: confidence, Points: points}, nil
}

// Horizon returns steps future timestamps after from, spaced by the model interval.
func Horizon(m *model.Model, from int64, steps int) []int64 {
	if steps <= 0 {
		return nil
	}
	interval := m.Interval
	if interval <= 0 {
		interval = 1
	}
	out := make([]int64, steps)
	for i := range out {
		out[i] = from + int64(i+1)*interval
	}
	return out
}
