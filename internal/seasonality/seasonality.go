// Package seasonality discovers periodic structure in a series using its autocorrelation.
package seasonality

import (
	"math"
	"sort"

	"bandwatch/internal/series"
)

const (
	// DefaultMaxPeriods caps the number of retained periods.
	DefaultMaxPeriods = 3
	// DefaultThreshold is the minimum autocorrelation for a period to count as seasonal.
	DefaultThreshold = 0.3
	// DefaultMinPeriod is the smallest candidate lag, in samples.
	DefaultMinPeriod = 2
)

// Period is one discovered cycle.
type Period struct {
	// Lag is the cycle length in samples of the regularised series.
	Lag int `json:"lag"`
	// Length is the cycle length in timestamp units.
	Length int64 `json:"length"`
	// Strength is the autocorrelation at Lag.
	Strength float64 `json:"strength"`
}

// Profile lists discovered periods, strongest first. An empty profile means no seasonality.
type Profile []Period

// Lags returns the retained lags in ranking order.
func (p Profile) Lags() []int {
	out := make([]int, len(p))
	for i, period := range p {
		out[i] = period.Lag
	}
	return out
}

// Options bound the period search. Zero values select the defaults.
type Options struct {
	MinPeriod  int
	MaxPeriod  int
	MaxPeriods int
	Threshold  float64
}

func (o Options) withDefaults(n int) Options {
	if o.MinPeriod < DefaultMinPeriod {
		o.MinPeriod = DefaultMinPeriod
	}
	if o.MaxPeriod <= 0 || o.MaxPeriod > n/2 {
		o.MaxPeriod = n / 2
	}
	if o.MaxPeriods <= 0 {
		o.MaxPeriods = DefaultMaxPeriods
	}
	bound := 1.96 / math.Sqrt(float64(n))
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Threshold < bound {
		o.Threshold = bound
	}
	return o
}

// Discover finds the dominant periods of s. Series that are too short, constant or entirely
// missing yield an empty profile.
func Discover(s series.Series, opts Options) Profile {
	grid := s.Regularize()
	n := len(grid)
	minPeriod := opts.MinPeriod
	if minPeriod < DefaultMinPeriod {
		minPeriod = DefaultMinPeriod
	}
	if n < 2*minPeriod {
		return Profile{}
	}

	opts = opts.withDefaults(n)
	if opts.MaxPeriod < opts.MinPeriod {
		return Profile{}
	}

	acf := autocorrelation(grid, opts.MaxPeriod+1)
	if acf == nil {
		return Profile{}
	}

	var candidates []Period
	for lag := opts.MinPeriod; lag <= opts.MaxPeriod; lag++ {
		v := acf[lag]
		if v < opts.Threshold {
			continue
		}
		if v < acf[lag-1] {
			continue
		}
		if lag+1 < len(acf) && v < acf[lag+1] {
			continue
		}
		candidates = append(candidates, Period{Lag: lag, Strength: v})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Strength == candidates[j].Strength {
			return candidates[i].Lag < candidates[j].Lag
		}
		return candidates[i].Strength > candidates[j].Strength
	})

	step := s.Interval()
	profile := make(Profile, 0, opts.MaxPeriods)
	for _, c := range candidates {
		if len(profile) == opts.MaxPeriods {
			break
		}
		if harmonicOf(c, profile) {
			continue
		}
		c.Length = int64(c.Lag) * step
		profile = append(profile, c)
	}
	return profile
}

// harmonicOf reports whether c is a near multiple or near divisor of a retained period without
// carrying more autocorrelation than it.
func harmonicOf(c Period, retained Profile) bool {
	for _, p := range retained {
		if nearMultiple(c.Lag, p.Lag) || nearMultiple(p.Lag, c.Lag) {
			if c.Strength <= p.Strength {
				return true
			}
		}
	}
	return false
}

func nearMultiple(a, b int) bool {
	if b <= 0 || a < b {
		return false
	}
	tolerance := 0
	if b >= 6 {
		tolerance = 1
	}
	r := a % b
	return r <= tolerance || b-r <= tolerance
}

// autocorrelation returns the biased, variance-normalised ACF for lags 0..maxLag.
func autocorrelation(values []float64, maxLag int) []float64 {
	n := len(values)
	if maxLag >= n {
		maxLag = n - 1
	}
	if maxLag < 1 {
		return nil
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	if variance <= 1e-12*float64(n)*math.Max(1, mean*mean) {
		return nil
	}

	acf := make([]float64, maxLag+1)
	for k := 0; k <= maxLag; k++ {
		sum := 0.0
		for i := k; i < n; i++ {
			sum += (values[i] - mean) * (values[i-k] - mean)
		}
		acf[k] = sum / variance
	}
	return acf
}
