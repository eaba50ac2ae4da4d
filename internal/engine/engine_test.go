package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"bandwatch/internal/metrics"
	"bandwatch/internal/model"
	"bandwatch/internal/seasonality"
	"bandwatch/internal/series"
)

const testID = "cpu{host=a}"

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	e, err := New(opts, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

type countingFitter struct {
	calls atomic.Int32
	inner DefaultFitter
}

func (f *countingFitter) Fit(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error) {
	f.calls.Add(1)
	return f.inner.Fit(ctx, s, discover)
}

// gatedFitter blocks every fit until release is closed.
type gatedFitter struct {
	started  chan struct{}
	release  chan struct{}
	calls    atomic.Int32
	returned atomic.Int32
	inner    DefaultFitter
}

func newGatedFitter() *gatedFitter {
	return &gatedFitter{started: make(chan struct{}, 16), release: make(chan struct{})}
}

func (f *gatedFitter) Fit(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error) {
	f.calls.Add(1)
	defer f.returned.Add(1)
	select {
	case f.started <- struct{}{}:
	default:
	}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return f.inner.Fit(ctx, s, discover)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, e *Engine, id string, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool {
		st, err := e.State(id)
		return err == nil && st == want
	})
}

func discarded(t *testing.T, reason string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.Discarded.WithLabelValues(reason).Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func hourly(n int, f func(i int) float64) series.Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = f(i)
	}
	return series.FromValues(0, 3600, values)
}

// flat is v plus deterministic uniform jitter in [0,1); equal arguments give equal series.
func flat(n int, v float64) series.Series {
	rng := rand.New(rand.NewSource(int64(n)))
	return hourly(n, func(int) float64 { return v + rng.Float64() })
}

func TestUpdateProducesFreshResult(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	s := flat(48, 10)
	if err := e.Update(testID, s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)

	res, err := e.Snapshot(testID)
	if err != nil || res == nil {
		t.Fatalf("Snapshot = %v, %v", res, err)
	}
	if res.Band.Len() != s.Len() || len(res.Flags) != s.Len() {
		t.Errorf("band/flags length = %d/%d, want %d", res.Band.Len(), len(res.Flags), s.Len())
	}
	if res.Config.ConfidenceLevel != 0.95 {
		t.Errorf("default confidence = %v", res.Config.ConfidenceLevel)
	}
	if got := e.Identities(); len(got) != 1 || got[0] != testID {
		t.Errorf("Identities = %v", got)
	}
}

func TestUpdateRejectsInvalidSeries(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	bad := series.Series{Points: []series.Point{{Timestamp: 2, Value: 1}, {Timestamp: 1, Value: 1}}}
	if err := e.Update(testID, bad); !errors.Is(err, series.ErrNotIncreasing) {
		t.Fatalf("expected ErrNotIncreasing, got %v", err)
	}
}

func TestConfigRejectsInvalidConfidence(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	if err := e.SetConfidence("nope", 0.5); !errors.Is(err, ErrUnknownSeries) {
		t.Fatalf("expected ErrUnknownSeries, got %v", err)
	}
	if err := e.Register(testID, DefaultConfig()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	for _, c := range []float64{0, 1, -0.1, 2, math.NaN()} {
		if err := e.SetConfidence(testID, c); !errors.Is(err, ErrInvalidConfidence) {
			t.Errorf("SetConfidence(%v): expected ErrInvalidConfidence, got %v", c, err)
		}
	}
	if err := e.Configure(testID, Config{ConfidenceLevel: 1}); !errors.Is(err, ErrInvalidConfidence) {
		t.Errorf("Configure: expected ErrInvalidConfidence, got %v", err)
	}
	st, _ := e.Status(testID)
	if st.Config.ConfidenceLevel != 0.95 {
		t.Errorf("config changed by rejected update: %+v", st.Config)
	}
}

func TestConfidenceChangeReprojectsWithoutRefit(t *testing.T) {
	f := &countingFitter{}
	e := newTestEngine(t, Options{Settle: -1, Fitter: f})
	if err := e.Update(testID, flat(96, 50)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	before, _ := e.Snapshot(testID)

	if err := e.SetConfidence(testID, 0.99); err != nil {
		t.Fatalf("SetConfidence: %v", err)
	}
	waitFor(t, "reprojected result", func() bool {
		res, _ := e.Snapshot(testID)
		return res != nil && res.Config.ConfidenceLevel == 0.99
	})
	after, _ := e.Snapshot(testID)

	if got := f.calls.Load(); got != 1 {
		t.Errorf("fits = %d, want 1", got)
	}
	if after.Model != before.Model {
		t.Error("confidence change should reuse the fitted model")
	}
	if after.Band.Points[0].Width() <= before.Band.Points[0].Width() {
		t.Errorf("width did not grow: %v -> %v", before.Band.Points[0].Width(), after.Band.Points[0].Width())
	}
}

func TestDiscoverToggleRefits(t *testing.T) {
	f := &countingFitter{}
	e := newTestEngine(t, Options{Settle: -1, Fitter: f})
	if err := e.Update(testID, flat(48, 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	if err := e.SetDiscover(testID, false); err != nil {
		t.Fatalf("SetDiscover: %v", err)
	}
	waitFor(t, "refit", func() bool { return f.calls.Load() == 2 })
	waitState(t, e, testID, StateFresh)
}

func TestPinFreezesBand(t *testing.T) {
	f := &countingFitter{}
	e := newTestEngine(t, Options{Settle: -1, Fitter: f, Defaults: Config{ConfidenceLevel: 0.99}})
	s1 := flat(48, 100)
	if err := e.Update(testID, s1); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	frozen, _ := e.Snapshot(testID)

	if err := e.SetPinned(testID, true); err != nil {
		t.Fatalf("SetPinned: %v", err)
	}
	if st, _ := e.State(testID); st != StatePinned {
		t.Fatalf("state = %v, want pinned", st)
	}

	s2 := flat(48, 100)
	s2.Points[10].Value = 10_000
	if err := e.Update(testID, s2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.Append(testID, []series.Point{{Timestamp: 48 * 3600, Value: 10_000}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	got, _ := e.Snapshot(testID)
	if !reflect.DeepEqual(got.Band, frozen.Band) || got.Model != frozen.Model {
		t.Fatal("band changed while pinned")
	}
	if f.calls.Load() != 1 {
		t.Errorf("fits while pinned = %d, want 1", f.calls.Load())
	}
	if got.Series.Len() != 49 {
		t.Errorf("pinned result series length = %d, want 49", got.Series.Len())
	}
	anomalies := got.Anomalies()
	if len(anomalies) != 1 || anomalies[0].Timestamp != 10*3600 {
		t.Errorf("anomalies against frozen band = %+v", anomalies)
	}
}

func TestUnpinThenBurstRecomputesOnce(t *testing.T) {
	f := &countingFitter{}
	e := newTestEngine(t, Options{Settle: 200 * time.Millisecond, Fitter: f})
	if err := e.Update(testID, flat(48, 5)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)

	if err := e.SetPinned(testID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := e.Update(testID, flat(48, 6)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.SetPinned(testID, false); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if st, _ := e.State(testID); st != StateStale {
		t.Fatalf("state after unpin = %v, want stale", st)
	}

	if err := e.Update(testID, flat(48, 7)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.SetConfidence(testID, 0.9); err != nil {
		t.Fatalf("SetConfidence: %v", err)
	}
	if err := e.Append(testID, []series.Point{{Timestamp: 48 * 3600, Value: 7}}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	waitFor(t, "recompute with latest inputs", func() bool {
		res, _ := e.Snapshot(testID)
		st, _ := e.State(testID)
		return st == StateFresh && res.Config.ConfidenceLevel == 0.9 && res.Series.Len() == 49
	})
	time.Sleep(300 * time.Millisecond)
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("fits = %d, want exactly 2 (initial + one recompute)", got)
	}
}

func TestUnpinWithoutChangesWaitsForNextChange(t *testing.T) {
	f := &countingFitter{}
	e := newTestEngine(t, Options{Settle: -1, Fitter: f})
	if err := e.Update(testID, flat(48, 5)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)

	_ = e.SetPinned(testID, true)
	_ = e.SetPinned(testID, false)
	time.Sleep(30 * time.Millisecond)
	if st, _ := e.State(testID); st != StateStale {
		t.Fatalf("state = %v, want stale", st)
	}
	if f.calls.Load() != 1 {
		t.Fatalf("unpin without changes recomputed: fits = %d", f.calls.Load())
	}

	if err := e.Update(testID, flat(48, 8)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	if f.calls.Load() != 2 {
		t.Fatalf("fits = %d, want 2", f.calls.Load())
	}
}

func TestChangesDuringComputeCoalesce(t *testing.T) {
	f := newGatedFitter()
	e := newTestEngine(t, Options{Settle: -1, Fitter: f})
	if err := e.Update(testID, flat(10, 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	<-f.started
	if st, _ := e.State(testID); st != StateComputing {
		t.Fatalf("state = %v, want computing", st)
	}

	for _, n := range []int{11, 12, 13} {
		if err := e.Update(testID, flat(n, 1)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if st, _ := e.State(testID); st != StateComputing {
		t.Fatalf("state during pending change = %v, want computing", st)
	}
	close(f.release)

	waitState(t, e, testID, StateFresh)
	res, _ := e.Snapshot(testID)
	if res.Series.Len() != 13 {
		t.Errorf("published series length = %d, want latest (13)", res.Series.Len())
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("fits = %d, want 2", got)
	}
}

func TestPinWinsOverInFlightComputation(t *testing.T) {
	f := newGatedFitter()
	e := newTestEngine(t, Options{Settle: -1, Fitter: f})
	pinnedBefore := discarded(t, "pinned")
	if err := e.Update(testID, flat(24, 3)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	<-f.started
	if err := e.SetPinned(testID, true); err != nil {
		t.Fatalf("pin: %v", err)
	}
	close(f.release)

	tr, _ := e.tracker(testID, false)
	waitFor(t, "worker to finish", func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return f.returned.Load() == 1 && !tr.running
	})
	if res, _ := e.Snapshot(testID); res != nil {
		t.Fatal("result computed before pin must be discarded")
	}
	if st, _ := e.State(testID); st != StatePinned {
		t.Fatalf("state = %v, want pinned", st)
	}
	if got := discarded(t, "pinned") - pinnedBefore; got != 1 {
		t.Errorf("pinned discards = %v, want 1", got)
	}

	if err := e.SetPinned(testID, false); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	if f.calls.Load() != 2 {
		t.Errorf("fits = %d, want 2", f.calls.Load())
	}
}

func TestFailureKeepsLastResult(t *testing.T) {
	var fail atomic.Bool
	fitter := FitterFunc(func(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error) {
		if fail.Load() {
			return nil, nil, errors.New("boom")
		}
		return (&DefaultFitter{}).Fit(ctx, s, discover)
	})
	e := newTestEngine(t, Options{Settle: -1, Fitter: fitter})
	if err := e.Update(testID, flat(24, 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	good, _ := e.Snapshot(testID)

	fail.Store(true)
	if err := e.Update(testID, flat(25, 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitFor(t, "failure", func() bool { return e.LastError(testID) != nil })
	if st, _ := e.State(testID); st != StateStale {
		t.Errorf("state = %v, want stale", st)
	}
	if res, _ := e.Snapshot(testID); res != good {
		t.Error("last fresh result must remain published after a failure")
	}

	fail.Store(false)
	if err := e.Update(testID, flat(26, 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	if err := e.LastError(testID); err != nil {
		t.Errorf("LastError after recovery = %v", err)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	one := e.Subscribe(testID)
	all := e.Subscribe("")
	other := e.Subscribe("other")
	defer other.Close()

	if err := e.Update(testID, flat(24, 2)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for name, sub := range map[string]*Subscription{"identity": one, "all": all} {
		select {
		case ev := <-sub.C():
			if ev.Identity != testID || ev.State != StateFresh || ev.Result == nil {
				t.Errorf("%s: unexpected event %+v", name, ev)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: no event", name)
		}
	}

	select {
	case ev := <-other.C():
		t.Errorf("unrelated subscription got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	one.Close()
	if _, ok := <-one.C(); ok {
		t.Error("channel should be closed after Close")
	}
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	sub := e.Subscribe("")
	e.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("subscription should end on Close")
	}
	if err := e.Update(testID, flat(5, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Update after Close = %v, want ErrClosed", err)
	}
}

func TestForecastExtendsPastLastObservation(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	if _, err := e.Forecast(testID, 3); !errors.Is(err, ErrUnknownSeries) {
		t.Fatalf("expected ErrUnknownSeries, got %v", err)
	}
	s := hourly(48, func(i int) float64 { return float64(i) })
	if err := e.Update(testID, s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)

	b, err := e.Forecast(testID, 5)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if b.Len() != 5 || b.Points[0].Timestamp != s.Last()+3600 {
		t.Fatalf("unexpected forecast %+v", b.Points)
	}
	if math.Abs(b.Points[0].Center-48) > 0.5 {
		t.Errorf("forecast center = %f, want about 48", b.Points[0].Center)
	}
}

func TestMaxPointsTrimsWindow(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1, MaxPoints: 20})
	if err := e.Update(testID, flat(50, 1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)
	res, _ := e.Snapshot(testID)
	if res.Series.Len() != 20 || res.Series.First() != 30*3600 {
		t.Errorf("window = %d points from %d", res.Series.Len(), res.Series.First())
	}
}

func TestSnapshotBeforeFirstResult(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	if _, err := e.Snapshot(testID); !errors.Is(err, ErrUnknownSeries) {
		t.Fatalf("unknown series: err = %v", err)
	}
	if err := e.Register(testID, DefaultConfig()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res, err := e.Snapshot(testID)
	if !errors.Is(err, ErrNoResult) || res != nil {
		t.Errorf("Snapshot = %v, %v; want ErrNoResult", res, err)
	}
}

func TestCloseDiscardsInFlightResult(t *testing.T) {
	f := newGatedFitter()
	e := newTestEngine(t, Options{Settle: -1, Fitter: f})
	pinnedBefore, closedBefore := discarded(t, "pinned"), discarded(t, "closed")
	if err := e.Update(testID, flat(24, 3)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	<-f.started
	tr, _ := e.tracker(testID, false)
	e.Close()

	waitFor(t, "worker to finish", func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return f.returned.Load() == 1 && !tr.running
	})
	if got := discarded(t, "closed") - closedBefore; got != 1 {
		t.Errorf("closed discards = %v, want 1", got)
	}
	if got := discarded(t, "pinned") - pinnedBefore; got != 0 {
		t.Errorf("pinned discards = %v, want 0", got)
	}
}

func TestGapDominatedSeriesDegrades(t *testing.T) {
	e := newTestEngine(t, Options{Settle: -1})
	points := make([]series.Point, 0, 11)
	for i := int64(0); i < 10; i++ {
		points = append(points, series.Point{Timestamp: i, Value: float64(i % 3)})
	}
	points = append(points, series.Point{Timestamp: 1 << 50, Value: 1})
	s, err := series.New(points)
	if err != nil {
		t.Fatalf("series.New: %v", err)
	}
	if err := e.Update(testID, s); err != nil {
		t.Fatalf("Update: %v", err)
	}
	waitState(t, e, testID, StateFresh)

	res, err := e.Snapshot(testID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(res.Profile) != 0 || res.Band.Len() != s.Len() {
		t.Errorf("profile = %+v, band length = %d", res.Profile, res.Band.Len())
	}
}
