package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"bandwatch/internal/anomaly"
	"bandwatch/internal/metrics"
	"bandwatch/internal/series"
)

// Status is a point-in-time view of a tracker.
type Status struct {
	Identity  string  `json:"identity"`
	State     State   `json:"state"`
	Config    Config  `json:"config"`
	Pending   bool    `json:"pending"`
	LastError string  `json:"last_error,omitempty"`
	Result    *Result `json:"result,omitempty"`
}

// tracker owns the recalculation state of one series identity. All mutable fields are
// guarded by mu; the published result is read lock-free.
type tracker struct {
	id     string
	fitter Fitter
	settle time.Duration
	hub    *Hub
	logger zerolog.Logger
	ctx    context.Context

	mu       sync.Mutex
	state    State
	cfg      Config
	input    series.Series
	gen      uint64 // bumped on every accepted change
	settled  uint64 // generation of the last finished computation
	refit    bool
	running  bool
	timer    *time.Timer
	timerSeq uint64
	closed   bool
	lastErr  error

	result atomic.Pointer[Result]
}

type job struct {
	gen   uint64
	cfg   Config
	input series.Series
	refit bool
}

func newTracker(ctx context.Context, id string, cfg Config, opts Options, hub *Hub, logger zerolog.Logger) *tracker {
	t := &tracker{
		id:     id,
		fitter: opts.Fitter,
		settle: opts.Settle,
		hub:    hub,
		logger: logger.With().Str("series", id).Logger(),
		ctx:    ctx,
		cfg:    cfg,
		refit:  true,
	}
	t.setStateLocked(StateStale)
	if cfg.Pinned {
		t.setStateLocked(StatePinned)
	}
	return t
}

func (t *tracker) snapshot() *Result {
	return t.result.Load()
}

func (t *tracker) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		Identity: t.id,
		State:    t.state,
		Config:   t.cfg,
		Pending:  t.gen != t.settled,
		Result:   t.result.Load(),
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}

func (t *tracker) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tracker) lastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *tracker) config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// updateSeries applies fn to the current input and records the outcome as a change.
func (t *tracker) updateSeries(fn func(series.Series) (series.Series, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}

	next, err := fn(t.input)
	if err != nil {
		return err
	}
	t.input = next
	t.refit = true
	t.changedLocked()
	if t.state == StatePinned {
		t.reflagLocked()
	}
	return nil
}

// configure applies fn to the current config. Invalid results are rejected and leave the
// tracker untouched.
func (t *tracker) configure(fn func(Config) Config) (Config, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.cfg, ErrClosed
	}

	old := t.cfg
	next := fn(old)
	if err := next.Validate(); err != nil {
		return old, err
	}
	if next == old {
		return old, nil
	}
	t.cfg = next
	if next.DiscoverSeasonalities != old.DiscoverSeasonalities {
		t.refit = true
	}

	settingsChanged := next.ConfidenceLevel != old.ConfidenceLevel ||
		next.DiscoverSeasonalities != old.DiscoverSeasonalities

	switch {
	case next.Pinned && !old.Pinned:
		t.pinLocked()
		if settingsChanged {
			t.gen++
		}
	case !next.Pinned && old.Pinned:
		if settingsChanged {
			t.gen++
		}
		t.unpinLocked()
	default:
		t.changedLocked()
	}
	return next, nil
}

func (t *tracker) changedLocked() {
	t.gen++
	switch t.state {
	case StatePinned:
		return
	case StateComputing:
		metrics.Coalesced.Inc()
		return
	}
	t.setStateLocked(StateStale)
	if t.input.Len() == 0 {
		return
	}
	t.scheduleLocked()
}

func (t *tracker) pinLocked() {
	t.stopTimerLocked()
	t.setStateLocked(StatePinned)
	t.logger.Debug().Msg("Pinned")
	t.emitLocked(Event{State: StatePinned, Result: t.result.Load()})
}

// unpinLocked leaves the pinned state. A recompute is scheduled only if something changed
// while the band was frozen.
func (t *tracker) unpinLocked() {
	t.setStateLocked(StateStale)
	t.logger.Debug().Bool("pending", t.gen != t.settled).Msg("Unpinned")
	t.emitLocked(Event{State: StateStale, Result: t.result.Load()})
	if t.gen != t.settled && t.input.Len() > 0 {
		t.scheduleLocked()
	}
}

// reflagLocked republishes the frozen band with flags derived for the current input.
func (t *tracker) reflagLocked() {
	prev := t.result.Load()
	if prev == nil {
		return
	}
	next := *prev
	next.Series = t.input
	next.Flags = anomaly.Detect(t.input, prev.Band)
	t.result.Store(&next)
	metrics.AnomalousPoints.WithLabelValues(t.id).Set(float64(anomaly.Count(next.Flags)))
	t.emitLocked(Event{State: StatePinned, Result: &next})
}

func (t *tracker) scheduleLocked() {
	if t.closed {
		return
	}
	if t.running || t.timer != nil {
		metrics.Coalesced.Inc()
		return
	}
	if t.settle <= 0 {
		t.running = true
		go t.run()
		return
	}
	t.timerSeq++
	seq := t.timerSeq
	t.timer = time.AfterFunc(t.settle, func() { t.fire(seq) })
}

func (t *tracker) fire(seq uint64) {
	t.mu.Lock()
	if seq == t.timerSeq {
		t.timer = nil
	}
	if t.running || t.closed || t.state == StatePinned {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()
	t.run()
}

func (t *tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// run is the single worker of the tracker. It keeps computing until the latest generation
// has settled, so changes that arrive mid-computation collapse into one follow-up pass.
func (t *tracker) run() {
	for {
		t.mu.Lock()
		if t.closed || t.state == StatePinned || t.gen == t.settled {
			t.running = false
			if t.state == StateComputing {
				t.setStateLocked(StateStale)
			}
			t.mu.Unlock()
			return
		}
		j := job{gen: t.gen, cfg: t.cfg, input: t.input, refit: t.refit}
		t.refit = false
		t.setStateLocked(StateComputing)
		prev := t.result.Load()
		t.mu.Unlock()

		res, err := t.compute(j, prev)

		t.mu.Lock()
		switch {
		case t.closed:
			metrics.Discarded.WithLabelValues("closed").Inc()
			t.logger.Debug().Uint64("generation", j.gen).Msg("Discarded result computed before close")
		case t.state == StatePinned:
			t.refit = t.refit || j.refit
			metrics.Discarded.WithLabelValues("pinned").Inc()
			t.logger.Debug().Uint64("generation", j.gen).Msg("Discarded result computed before pin")
		case err != nil:
			t.refit = t.refit || j.refit
			t.settled = j.gen
			t.lastErr = err
			t.setStateLocked(StateStale)
			if !errors.Is(err, context.Canceled) {
				t.logger.Error().Err(err).Uint64("generation", j.gen).Msg("Compute failed; keeping last result")
			}
			t.emitLocked(Event{State: StateStale, Result: prev, Err: err})
		case j.gen != t.gen:
			t.refit = t.refit || j.refit
			metrics.Discarded.WithLabelValues("superseded").Inc()
			t.logger.Debug().Uint64("generation", j.gen).Uint64("latest", t.gen).Msg("Discarded superseded result")
		default:
			res.Generation = j.gen
			t.result.Store(res)
			t.settled = j.gen
			t.lastErr = nil
			t.setStateLocked(StateFresh)
			metrics.AnomalousPoints.WithLabelValues(t.id).Set(float64(anomaly.Count(res.Flags)))
			t.emitLocked(Event{State: StateFresh, Result: res})
		}
		t.mu.Unlock()
	}
}

func (t *tracker) compute(j job, prev *Result) (*Result, error) {
	kind := "fit"
	if !j.refit && prev != nil && prev.Model != nil {
		kind = "reproject"
	}

	start := time.Now()
	var (
		res *Result
		err error
	)
	if kind == "reproject" {
		res, err = assemble(t.id, j.input, j.cfg, prev.Model, prev.Profile)
	} else {
		m, profile, ferr := t.fitter.Fit(t.ctx, j.input, j.cfg.DiscoverSeasonalities)
		if ferr != nil {
			err = ferr
		} else {
			res, err = assemble(t.id, j.input, j.cfg, m, profile)
		}
	}

	metrics.ComputeDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.Computations.WithLabelValues(kind, outcome).Inc()

	if err == nil {
		t.logger.Debug().
			Str("kind", kind).
			Int("points", j.input.Len()).
			Ints("periods", res.Profile.Lags()).
			Int("anomalies", anomaly.Count(res.Flags)).
			Dur("took", time.Since(start)).
			Msg("Computed band")
	}
	return res, err
}

func (t *tracker) setStateLocked(s State) {
	t.state = s
	for _, st := range AllStates() {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.TrackerState.WithLabelValues(t.id, st.String()).Set(v)
	}
}

func (t *tracker) emitLocked(ev Event) {
	if t.hub == nil {
		return
	}
	ev.Identity = t.id
	ev.At = time.Now().UTC()
	t.hub.publish(ev)
}

func (t *tracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.stopTimerLocked()
}
