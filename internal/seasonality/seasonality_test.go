package seasonality

import (
	"math"
	"math/rand"
	"testing"

	"bandwatch/internal/series"
)

func periodic(n, period int, step int64) series.Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = 50 + 10*math.Sin(2*math.Pi*float64(i)/float64(period))
	}
	return series.FromValues(1_700_000_000, step, values)
}

func TestDiscoverRecoversInjectedPeriod(t *testing.T) {
	for _, period := range []int{7, 12, 24} {
		s := periodic(period*10, period, 3600)
		profile := Discover(s, Options{})
		if len(profile) == 0 {
			t.Fatalf("period %d: empty profile", period)
		}
		if diff := profile[0].Lag - period; diff < -1 || diff > 1 {
			t.Errorf("period %d: discovered lag %d", period, profile[0].Lag)
		}
		if profile[0].Length != int64(profile[0].Lag)*3600 {
			t.Errorf("period %d: length %d does not match lag", period, profile[0].Length)
		}
	}
}

func TestDiscoverRecoversExactPeriodFromPattern(t *testing.T) {
	pattern := []float64{1, 5, 2, 8, 3, 0, 4}
	values := make([]float64, 0, 70)
	for len(values) < 70 {
		values = append(values, pattern...)
	}
	profile := Discover(series.FromValues(0, 60, values), Options{})
	if len(profile) == 0 || profile[0].Lag != 7 {
		t.Fatalf("expected lag 7 first, got %+v", profile)
	}
}

func TestDiscoverSuppressesHarmonics(t *testing.T) {
	s := periodic(240, 24, 3600)
	profile := Discover(s, Options{})
	for _, p := range profile[1:] {
		if p.Lag%24 == 0 {
			t.Errorf("harmonic lag %d should not be retained", p.Lag)
		}
	}
}

func TestDiscoverCapsPeriods(t *testing.T) {
	s := periodic(240, 24, 1)
	profile := Discover(s, Options{MaxPeriods: 1})
	if len(profile) != 1 {
		t.Fatalf("expected 1 period, got %d", len(profile))
	}
}

func TestDiscoverShortSeries(t *testing.T) {
	s := series.FromValues(0, 1, []float64{1, 2, 1})
	if profile := Discover(s, Options{}); len(profile) != 0 {
		t.Errorf("short series should yield empty profile, got %+v", profile)
	}
	if profile := Discover(series.Series{}, Options{}); len(profile) != 0 {
		t.Errorf("empty series should yield empty profile")
	}
}

func TestDiscoverConstantSeries(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = 42
	}
	if profile := Discover(series.FromValues(0, 1, values), Options{}); len(profile) != 0 {
		t.Errorf("constant series should yield empty profile, got %+v", profile)
	}
}

func TestDiscoverNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	values := make([]float64, 500)
	for i := range values {
		values[i] = rng.NormFloat64()
	}
	profile := Discover(series.FromValues(0, 1, values), Options{})
	if len(profile) != 0 {
		t.Logf("white noise produced spurious periods: %+v", profile)
	}
}

func TestDiscoverIrregularSampling(t *testing.T) {
	s := periodic(240, 24, 60)
	points := make([]series.Point, 0, s.Len())
	for i, p := range s.Points {
		if i%11 == 5 {
			continue
		}
		points = append(points, p)
	}
	gappy, err := series.New(points)
	if err != nil {
		t.Fatalf("series.New: %v", err)
	}

	profile := Discover(gappy, Options{})
	if len(profile) == 0 {
		t.Fatal("expected a period for gappy series")
	}
	if diff := profile[0].Lag - 24; diff < -1 || diff > 1 {
		t.Errorf("discovered lag %d, want 24±1", profile[0].Lag)
	}
}

func TestStrength(t *testing.T) {
	s := periodic(240, 24, 1)
	if got := Strength(s, 24); got < 0.9 {
		t.Errorf("Strength = %f, want close to 1", got)
	}
	if got := Strength(s, 500); got != 0 {
		t.Errorf("Strength for too-long lag = %f, want 0", got)
	}
}

func TestDiscoverDegradesOnDominantGap(t *testing.T) {
	s := periodic(48, 12, 1)
	points := append([]series.Point(nil), s.Points...)
	points = append(points, series.Point{Timestamp: s.Last() + 1<<50, Value: 50})
	gapped, err := series.New(points)
	if err != nil {
		t.Fatalf("series.New: %v", err)
	}

	if profile := Discover(gapped, Options{}); len(profile) != 0 {
		t.Errorf("profile = %+v, want empty", profile)
	}
	if got := Strength(gapped, 12); got != 0 {
		t.Errorf("Strength = %f, want 0", got)
	}
}
