package series

import "math"

const (
	// gridFactor bounds the resampled length relative to the number of points.
	gridFactor = 4
	// MaxGrid is the absolute cap on the resampled length.
	MaxGrid = 1 << 20
)

// Regularize resamples the series onto a fixed grid spaced by its median interval, starting at
// the first timestamp. Grid values between observations are linearly interpolated; missing
// samples are bridged the same way. Grid slots before the first or after the last observation
// are clamped to the nearest observed value.
//
// Regularize returns nil when the span would need more than min(MaxGrid, 4*Len()) slots, which
// happens when gaps dominate the series or the span overflows int64.
func (s Series) Regularize() []float64 {
	observed := make([]Point, 0, len(s.Points))
	for _, p := range s.Points {
		if !p.Missing() {
			observed = append(observed, p)
		}
	}
	if len(observed) == 0 {
		return nil
	}
	if len(observed) == 1 {
		return []float64{observed[0].Value}
	}

	step := s.Interval()
	start := s.First()
	n, ok := gridLen(start, s.Last(), step, len(s.Points))
	if !ok {
		return nil
	}
	grid := make([]float64, n)

	j := 0
	for i := 0; i < n; i++ {
		ts := start + int64(i)*step
		for j < len(observed)-1 && observed[j+1].Timestamp <= ts {
			j++
		}
		left := observed[j]
		switch {
		case ts <= left.Timestamp:
			grid[i] = left.Value
		case j == len(observed)-1:
			grid[i] = left.Value
		default:
			right := observed[j+1]
			frac := float64(ts-left.Timestamp) / float64(right.Timestamp-left.Timestamp)
			grid[i] = left.Value + frac*(right.Value-left.Value)
		}
		if math.IsNaN(grid[i]) {
			grid[i] = left.Value
		}
	}
	return grid
}

func gridLen(first, last, step int64, points int) (int, bool) {
	span := last - first
	if span < 0 || step <= 0 {
		return 0, false
	}
	limit := int64(gridFactor) * int64(points)
	if limit > MaxGrid {
		limit = MaxGrid
	}
	slots := span / step
	if slots >= limit {
		return 0, false
	}
	return int(slots) + 1, true
}
