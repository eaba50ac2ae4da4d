// Package model fits the trend + seasonal baseline used to draw confidence bands.
package model

import (
	"math"

	"bandwatch/internal/seasonality"
)

// madScale converts a median absolute deviation into a normal standard deviation.
const madScale = 1.4826

// Seasonal is a repeating offset table for one period.
type Seasonal struct {
	Lag     int       `json:"lag"`
	Length  int64     `json:"length"`
	Offsets []float64 `json:"offsets"`
}

// Offset returns the seasonal offset at ts relative to origin.
func (s Seasonal) Offset(origin, ts int64) float64 {
	if len(s.Offsets) == 0 || s.Length <= 0 {
		return 0
	}
	return s.Offsets[s.bucket(origin, ts)]
}

func (s Seasonal) bucket(origin, ts int64) int {
	phase := (ts - origin) % s.Length
	if phase < 0 {
		phase += s.Length
	}
	lag := int64(len(s.Offsets))
	idx := (phase*lag + s.Length/2) / s.Length
	return int(idx % lag)
}

// Model is an immutable fitted baseline. A new Model is produced on every fit.
type Model struct {
	// Origin anchors the trend and all seasonal phases.
	Origin int64 `json:"origin"`
	// Interval is the sampling step the trend slope is expressed in.
	Interval int64 `json:"interval"`
	// Intercept is the trend value at Origin.
	Intercept float64 `json:"intercept"`
	// Slope is the trend change per Interval.
	Slope float64 `json:"slope"`
	// Seasonals lists one offset table per retained period, strongest first.
	Seasonals []Seasonal `json:"seasonals,omitempty"`
	// ResidualVariance drives the band width.
	ResidualVariance float64 `json:"residual_variance"`
	// Observations is the number of non-missing points the model was fitted on.
	Observations int `json:"observations"`
	// Through is the last timestamp covered by the fit.
	Through int64 `json:"through"`
}

// Trend evaluates the trend component at ts.
func (m *Model) Trend(ts int64) float64 {
	return m.Intercept + m.Slope*m.steps(ts)
}

// Seasonal sums the seasonal offsets at ts.
func (m *Model) Seasonal(ts int64) float64 {
	total := 0.0
	for _, s := range m.Seasonals {
		total += s.Offset(m.Origin, ts)
	}
	return total
}

// Center is the expected value at ts.
func (m *Model) Center(ts int64) float64 {
	return m.Trend(ts) + m.Seasonal(ts)
}

// Sigma is the residual standard deviation.
func (m *Model) Sigma() float64 {
	if m.ResidualVariance <= 0 {
		return 0
	}
	return math.Sqrt(m.ResidualVariance)
}

// Periods returns the lags of the seasonal components.
func (m *Model) Periods() []int {
	out := make([]int, len(m.Seasonals))
	for i, s := range m.Seasonals {
		out[i] = s.Lag
	}
	return out
}

// Profile reconstructs the seasonality profile the model was fitted with (strengths omitted).
func (m *Model) Profile() seasonality.Profile {
	out := make(seasonality.Profile, len(m.Seasonals))
	for i, s := range m.Seasonals {
		out[i] = seasonality.Period{Lag: s.Lag, Length: s.Length}
	}
	return out
}

func (m *Model) steps(ts int64) float64 {
	interval := m.Interval
	if interval <= 0 {
		interval = 1
	}
	return float64(ts-m.Origin) / float64(interval)
}
