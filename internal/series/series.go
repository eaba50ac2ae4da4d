// Package series holds the observation sequence fed to the baseline engine.
package series

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrNotIncreasing indicates timestamps that are duplicated or out of order.
	ErrNotIncreasing = errors.New("series: timestamps must be strictly increasing")
	// ErrNonFinite indicates an infinite observation value.
	ErrNonFinite = errors.New("series: values must be finite or NaN")
)

// Point is a single observation. A NaN value marks a missing sample.
type Point struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
}

// Missing reports whether the point carries no observation.
func (p Point) Missing() bool {
	return math.IsNaN(p.Value)
}

// Series is an ordered run of observations with strictly increasing integer epoch timestamps.
// A Series is treated as immutable once handed to the engine.
type Series struct {
	Points []Point `json:"points"`
}

// New validates points and wraps them into a Series.
func New(points []Point) (Series, error) {
	s := Series{Points: points}
	if err := s.Validate(); err != nil {
		return Series{}, err
	}
	return s, nil
}

// FromValues builds a regular series starting at start spaced by step.
func FromValues(start, step int64, values []float64) Series {
	points := make([]Point, len(values))
	for i, v := range values {
		points[i] = Point{Timestamp: start + int64(i)*step, Value: v}
	}
	return Series{Points: points}
}

// Validate checks ordering and value constraints.
func (s Series) Validate() error {
	for i, p := range s.Points {
		if math.IsInf(p.Value, 0) {
			return fmt.Errorf("%w: index %d", ErrNonFinite, i)
		}
		if i > 0 && p.Timestamp <= s.Points[i-1].Timestamp {
			return fmt.Errorf("%w: index %d (%d after %d)", ErrNotIncreasing, i, p.Timestamp, s.Points[i-1].Timestamp)
		}
	}
	return nil
}

// Len returns the number of points, missing ones included.
func (s Series) Len() int {
	return len(s.Points)
}

// Observed returns the number of non-missing points.
func (s Series) Observed() int {
	n := 0
	for _, p := range s.Points {
		if !p.Missing() {
			n++
		}
	}
	return n
}

// Timestamps returns a copy of the timestamps.
func (s Series) Timestamps() []int64 {
	out := make([]int64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Timestamp
	}
	return out
}

// Values returns a copy of the values.
func (s Series) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Value
	}
	return out
}

// First returns the first timestamp, or zero for an empty series.
func (s Series) First() int64 {
	if len(s.Points) == 0 {
		return 0
	}
	return s.Points[0].Timestamp
}

// Last returns the last timestamp, or zero for an empty series.
func (s Series) Last() int64 {
	if len(s.Points) == 0 {
		return 0
	}
	return s.Points[len(s.Points)-1].Timestamp
}

// Interval estimates the sampling interval as the median spacing between timestamps.
// Returns 1 for series with fewer than two points.
func (s Series) Interval() int64 {
	if len(s.Points) < 2 {
		return 1
	}
	gaps := make([]int64, len(s.Points)-1)
	for i := 1; i < len(s.Points); i++ {
		gap := s.Points[i].Timestamp - s.Points[i-1].Timestamp
		if gap <= 0 {
			// increasing timestamps whose difference wrapped around
			gap = math.MaxInt64
		}
		gaps[i-1] = gap
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	interval := gaps[len(gaps)/2]
	if interval <= 0 {
		return 1
	}
	return interval
}

// Mean returns the mean of the non-missing values.
func (s Series) Mean() float64 {
	sum, n := 0.0, 0
	for _, p := range s.Points {
		if p.Missing() {
			continue
		}
		sum += p.Value
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Variance returns the sample variance of the non-missing values.
func (s Series) Variance() float64 {
	mean := s.Mean()
	sumSq, n := 0.0, 0
	for _, p := range s.Points {
		if p.Missing() {
			continue
		}
		d := p.Value - mean
		sumSq += d * d
		n++
	}
	if n < 2 {
		return 0
	}
	return sumSq / float64(n-1)
}

// Tail returns the last n points. The backing array is shared.
func (s Series) Tail(n int) Series {
	if n <= 0 || n >= len(s.Points) {
		return s
	}
	return Series{Points: s.Points[len(s.Points)-n:]}
}

// Between returns the points with from <= ts < to. The backing array is shared.
func (s Series) Between(from, to int64) Series {
	lo := sort.Search(len(s.Points), func(i int) bool { return s.Points[i].Timestamp >= from })
	hi := sort.Search(len(s.Points), func(i int) bool { return s.Points[i].Timestamp >= to })
	if lo >= hi {
		return Series{}
	}
	return Series{Points: s.Points[lo:hi]}
}

// Index returns the position of ts, or -1 when absent.
func (s Series) Index(ts int64) int {
	i := sort.Search(len(s.Points), func(i int) bool { return s.Points[i].Timestamp >= ts })
	if i < len(s.Points) && s.Points[i].Timestamp == ts {
		return i
	}
	return -1
}

// Merge returns a new series combining s and update. On equal timestamps the update wins.
// Neither input is modified.
func Merge(s Series, update []Point) (Series, error) {
	incoming := make([]Point, len(update))
	copy(incoming, update)
	sort.SliceStable(incoming, func(i, j int) bool { return incoming[i].Timestamp < incoming[j].Timestamp })

	merged := make([]Point, 0, len(s.Points)+len(incoming))
	i, j := 0, 0
	for i < len(s.Points) || j < len(incoming) {
		switch {
		case j >= len(incoming):
			merged = append(merged, s.Points[i])
			i++
		case i >= len(s.Points):
			merged = appendOrReplace(merged, incoming[j])
			j++
		case s.Points[i].Timestamp < incoming[j].Timestamp:
			merged = append(merged, s.Points[i])
			i++
		case s.Points[i].Timestamp > incoming[j].Timestamp:
			merged = appendOrReplace(merged, incoming[j])
			j++
		default:
			merged = appendOrReplace(merged, incoming[j])
			i++
			j++
		}
	}
	return New(merged)
}

func appendOrReplace(points []Point, p Point) []Point {
	if n := len(points); n > 0 && points[n-1].Timestamp == p.Timestamp {
		points[n-1] = p
		return points
	}
	return append(points, p)
}
