// Package anomaly flags observations that fall outside a confidence band.
package anomaly

import (
	"bandwatch/internal/band"
	"bandwatch/internal/series"
)

// Flag marks one observation.
type Flag struct {
	Timestamp int64   `json:"ts"`
	Value     float64 `json:"value"`
	Anomalous bool    `json:"anomalous"`
	// Deviation is the signed distance outside the band; zero inside it.
	Deviation float64 `json:"deviation"`
}

// Detect flags every point of s against b. A value is anomalous only when it lies strictly
// outside [Lower, Upper]. Points without an aligned band value, and missing values, are never
// flagged.
func Detect(s series.Series, b band.Band) []Flag {
	flags := make([]Flag, len(s.Points))
	for i, p := range s.Points {
		flags[i] = Flag{Timestamp: p.Timestamp, Value: p.Value}
		if p.Missing() {
			continue
		}
		bp, ok := b.At(p.Timestamp)
		if !ok {
			continue
		}
		switch {
		case p.Value > bp.Upper:
			flags[i].Anomalous = true
			flags[i].Deviation = p.Value - bp.Upper
		case p.Value < bp.Lower:
			flags[i].Anomalous = true
			flags[i].Deviation = p.Value - bp.Lower
		}
	}
	return flags
}

// Anomalies filters flags down to the anomalous ones.
func Anomalies(flags []Flag) []Flag {
	var out []Flag
	for _, f := range flags {
		if f.Anomalous {
			out = append(out, f)
		}
	}
	return out
}

// Count returns the number of anomalous flags.
func Count(flags []Flag) int {
	n := 0
	for _, f := range flags {
		if f.Anomalous {
			n++
		}
	}
	return n
}
