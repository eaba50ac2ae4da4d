package seasonality

import (
	"math"

	"bandwatch/internal/series"
)

// Strength computes the seasonal strength F_S = max(0, 1 - Var(R)/Var(S+R)) of s for the given
// lag using a classical additive decomposition of the regularised series. Returns 0 when the
// series holds fewer than two full cycles.
func Strength(s series.Series, lag int) float64 {
	grid := s.Regularize()
	n := len(grid)
	if lag < 2 || n < 2*lag {
		return 0
	}

	trend := centeredMovingAverage(grid, lag)

	pattern := make([]float64, lag)
	counts := make([]int, lag)
	for i, v := range grid {
		if math.IsNaN(trend[i]) {
			continue
		}
		pattern[i%lag] += v - trend[i]
		counts[i%lag]++
	}
	mean := 0.0
	for i := range pattern {
		if counts[i] > 0 {
			pattern[i] /= float64(counts[i])
		}
		mean += pattern[i]
	}
	mean /= float64(lag)

	var residual, seasonalPlusResidual []float64
	for i, v := range grid {
		if math.IsNaN(trend[i]) {
			continue
		}
		seasonal := pattern[i%lag] - mean
		r := v - trend[i] - seasonal
		residual = append(residual, r)
		seasonalPlusResidual = append(seasonalPlusResidual, seasonal+r)
	}

	varSR := sampleVariance(seasonalPlusResidual)
	if varSR == 0 {
		return 0
	}
	strength := 1 - sampleVariance(residual)/varSR
	if strength < 0 {
		return 0
	}
	return strength
}

// centeredMovingAverage returns the 2xlag (even) or lag (odd) centred moving average; edges are NaN.
func centeredMovingAverage(values []float64, lag int) []float64 {
	n := len(values)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	half := lag / 2
	for i := half; i < n-half; i++ {
		sum := 0.0
		if lag%2 == 0 {
			sum += 0.5 * values[i-half]
			sum += 0.5 * values[i+half]
			for j := i - half + 1; j < i+half; j++ {
				sum += values[j]
			}
		} else {
			for j := i - half; j <= i+half; j++ {
				sum += values[j]
			}
		}
		out[i] = sum / float64(lag)
	}
	return out
}

func sampleVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return sumSq / float64(len(values)-1)
}
