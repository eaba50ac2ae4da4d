package model

import (
	"context"
	"math"
	"sort"

	"bandwatch/internal/seasonality"
	"bandwatch/internal/series"
)

// DefaultIterations is the number of backfitting passes.
const DefaultIterations = 3

// Options tune the fit.
type Options struct {
	Iterations int
}

type observation struct {
	ts int64
	x  float64
	y  float64
}

// Fit decomposes s into a robust linear trend plus one seasonal table per profile period.
// Missing points are skipped; too little data degrades to a flat model instead of failing.
func Fit(ctx context.Context, s series.Series, profile seasonality.Profile, opts Options) (*Model, error) {
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	m := &Model{
		Origin:   s.First(),
		Interval: s.Interval(),
		Through:  s.Last(),
	}

	obs := make([]observation, 0, s.Len())
	for _, p := range s.Points {
		if p.Missing() {
			continue
		}
		obs = append(obs, observation{ts: p.Timestamp, x: m.steps(p.Timestamp), y: p.Value})
	}
	m.Observations = len(obs)

	switch len(obs) {
	case 0:
		return m, nil
	case 1:
		m.Intercept = obs[0].y
		return m, nil
	}

	for _, period := range profile {
		if period.Lag < 2 || period.Length <= 0 || len(obs) < 2*period.Lag {
			continue
		}
		m.Seasonals = append(m.Seasonals, Seasonal{
			Lag:     period.Lag,
			Length:  period.Length,
			Offsets: make([]float64, period.Lag),
		})
	}

	weights := make([]float64, len(obs))
	for i := range weights {
		weights[i] = 1
	}
	residuals := make([]float64, len(obs))
	work := make([]float64, len(obs))

	for iter := 0; iter < iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i, o := range obs {
			work[i] = o.y - m.Seasonal(o.ts)
		}
		m.Intercept, m.Slope = weightedLine(obs, work, weights)

		for k := range m.Seasonals {
			for i, o := range obs {
				work[i] = o.y - m.Trend(o.ts) - m.Seasonal(o.ts) + m.Seasonals[k].Offset(m.Origin, o.ts)
			}
			m.Seasonals[k].Offsets = seasonalTable(m.Seasonals[k], m.Origin, obs, work, weights)
		}

		for i, o := range obs {
			residuals[i] = o.y - m.Center(o.ts)
		}
		if iter < iterations-1 {
			robustWeights(residuals, weights)
		}
	}

	m.ResidualVariance = residualVariance(residuals)
	return m, nil
}

// weightedLine fits y = a + b*x by weighted least squares. A degenerate design falls back to
// the weighted mean with zero slope.
func weightedLine(obs []observation, y, w []float64) (intercept, slope float64) {
	sw, sx, sy := 0.0, 0.0, 0.0
	for i, o := range obs {
		sw += w[i]
		sx += w[i] * o.x
		sy += w[i] * y[i]
	}
	if sw == 0 {
		return mean(y), 0
	}
	mx, my := sx/sw, sy/sw

	sxx, sxy := 0.0, 0.0
	for i, o := range obs {
		dx := o.x - mx
		sxx += w[i] * dx * dx
		sxy += w[i] * dx * (y[i] - my)
	}
	if sxx == 0 {
		return my, 0
	}
	slope = sxy / sxx
	return my - slope*mx, slope
}

// seasonalTable averages values per phase bucket, bridges empty buckets and centres the table.
func seasonalTable(s Seasonal, origin int64, obs []observation, values, w []float64) []float64 {
	lag := len(s.Offsets)
	sums := make([]float64, lag)
	counts := make([]float64, lag)
	for i, o := range obs {
		b := s.bucket(origin, o.ts)
		sums[b] += w[i] * values[i]
		counts[b] += w[i]
	}

	table := make([]float64, lag)
	filled := make([]bool, lag)
	seen := false
	for b := range table {
		if counts[b] > 0 {
			table[b] = sums[b] / counts[b]
			filled[b] = true
			seen = true
		}
	}
	if !seen {
		return table
	}
	fillCircular(table, filled)

	centre := mean(table)
	for b := range table {
		table[b] -= centre
	}
	return table
}

// fillCircular linearly interpolates unfilled slots between their filled neighbours, wrapping around.
func fillCircular(table []float64, filled []bool) {
	n := len(table)
	for b := 0; b < n; b++ {
		if filled[b] {
			continue
		}
		prev, prevDist := 0, 0
		for d := 1; d < n; d++ {
			if i := (b - d + n) % n; filled[i] {
				prev, prevDist = i, d
				break
			}
		}
		next, nextDist := 0, 0
		for d := 1; d < n; d++ {
			if i := (b + d) % n; filled[i] {
				next, nextDist = i, d
				break
			}
		}
		frac := float64(prevDist) / float64(prevDist+nextDist)
		table[b] = table[prev] + frac*(table[next]-table[prev])
	}
}

// robustWeights applies bisquare weights with h = 6*median|r|. When the median is zero, exact
// fits keep full weight and every other point is excluded.
func robustWeights(residuals, weights []float64) {
	abs := make([]float64, len(residuals))
	for i, r := range residuals {
		abs[i] = math.Abs(r)
	}
	h := 6 * median(abs)
	for i, a := range abs {
		if h == 0 {
			if a == 0 {
				weights[i] = 1
			} else {
				weights[i] = 0
			}
			continue
		}
		u := a / h
		if u < 1 {
			weights[i] = (1 - u*u) * (1 - u*u)
		} else {
			weights[i] = 0
		}
	}
}

// residualVariance is the squared MAD-based scale, or the mean square residual when the MAD is zero.
func residualVariance(residuals []float64) float64 {
	if len(residuals) == 0 {
		return 0
	}
	centre := median(residuals)
	dev := make([]float64, len(residuals))
	for i, r := range residuals {
		dev[i] = math.Abs(r - centre)
	}
	if mad := median(dev); mad > 0 {
		sigma := madScale * mad
		return sigma * sigma
	}

	sumSq := 0.0
	for _, r := range residuals {
		sumSq += r * r
	}
	return sumSq / float64(len(residuals))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
