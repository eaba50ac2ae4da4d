package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bandwatch/internal/band"
	"bandwatch/internal/series"
)

// DefaultSettle is the debounce applied to change bursts before a recompute starts.
const DefaultSettle = 25 * time.Millisecond

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	// Settle delays a scheduled recompute so that bursts of changes collapse into one.
	// A negative value disables the delay.
	Settle time.Duration
	// MaxPoints caps the retained input window per series; zero keeps everything.
	MaxPoints int
	// SubscriberBuffer is the channel capacity of each subscription.
	SubscriberBuffer int
	// Defaults is the config given to identities first seen through Update or Append.
	Defaults Config
	Fitter   Fitter
}

func (o Options) withDefaults() Options {
	if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = defaultSubscriberBuffer
	}
	if o.Defaults == (Config{}) {
		o.Defaults = DefaultConfig()
	}
	if o.Fitter == nil {
		o.Fitter = &DefaultFitter{}
	}
	return o
}

// Engine is the registry of trackers keyed by series identity.
type Engine struct {
	opts   Options
	logger zerolog.Logger
	hub    *Hub
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	trackers map[string]*tracker
	closed   bool
}

// New creates an engine. Close must be called to stop background computations.
func New(opts Options, logger zerolog.Logger) (*Engine, error) {
	opts = opts.withDefaults()
	if err := opts.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("validate default config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:     opts,
		logger:   logger.With().Str("component", "engine").Logger(),
		hub:      newHub(opts.SubscriberBuffer),
		ctx:      ctx,
		cancel:   cancel,
		trackers: make(map[string]*tracker),
	}, nil
}

// Register creates the identity with cfg, or reconfigures it if it already exists.
func (e *Engine) Register(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t, err := e.tracker(id, true)
	if err != nil {
		return err
	}
	_, err = t.configure(func(Config) Config { return cfg })
	return err
}

// Update replaces the input window of a series.
func (e *Engine) Update(id string, s series.Series) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("update %q: %w", id, err)
	}
	t, err := e.tracker(id, true)
	if err != nil {
		return err
	}
	s = e.trim(s)
	return t.updateSeries(func(series.Series) (series.Series, error) { return s, nil })
}

// Append merges points into the input window of a series. Points with an existing timestamp
// replace the stored value.
func (e *Engine) Append(id string, points []series.Point) error {
	t, err := e.tracker(id, true)
	if err != nil {
		return err
	}
	return t.updateSeries(func(cur series.Series) (series.Series, error) {
		merged, err := series.Merge(cur, points)
		if err != nil {
			return cur, fmt.Errorf("append %q: %w", id, err)
		}
		return e.trim(merged), nil
	})
}

// Configure replaces the config of a known series.
func (e *Engine) Configure(id string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return e.mutate(id, func(Config) Config { return cfg })
}

func (e *Engine) SetConfidence(id string, level float64) error {
	if err := (Config{ConfidenceLevel: level}).Validate(); err != nil {
		return err
	}
	return e.mutate(id, func(c Config) Config {
		c.ConfidenceLevel = level
		return c
	})
}

func (e *Engine) SetPinned(id string, pinned bool) error {
	return e.mutate(id, func(c Config) Config {
		c.Pinned = pinned
		return c
	})
}

func (e *Engine) SetDiscover(id string, discover bool) error {
	return e.mutate(id, func(c Config) Config {
		c.DiscoverSeasonalities = discover
		return c
	})
}

func (e *Engine) mutate(id string, fn func(Config) Config) error {
	t, err := e.tracker(id, false)
	if err != nil {
		return err
	}
	_, err = t.configure(fn)
	return err
}

// Snapshot returns the latest published result. Before the first computation completes it
// returns ErrNoResult.
func (e *Engine) Snapshot(id string) (*Result, error) {
	t, err := e.tracker(id, false)
	if err != nil {
		return nil, err
	}
	res := t.snapshot()
	if res == nil {
		return nil, fmt.Errorf("snapshot %q: %w", id, ErrNoResult)
	}
	return res, nil
}

func (e *Engine) State(id string) (State, error) {
	t, err := e.tracker(id, false)
	if err != nil {
		return StateStale, err
	}
	return t.currentState(), nil
}

func (e *Engine) Status(id string) (Status, error) {
	t, err := e.tracker(id, false)
	if err != nil {
		return Status{}, err
	}
	return t.status(), nil
}

// LastError returns the error of the most recent failed computation, cleared on success.
func (e *Engine) LastError(id string) error {
	t, err := e.tracker(id, false)
	if err != nil {
		return err
	}
	return t.lastError()
}

// Forecast projects the current model steps intervals past the last observation using the
// current confidence level.
func (e *Engine) Forecast(id string, steps int) (band.Band, error) {
	t, err := e.tracker(id, false)
	if err != nil {
		return band.Band{}, err
	}
	res := t.snapshot()
	if res == nil {
		return band.Band{}, fmt.Errorf("forecast %q: %w", id, ErrNoResult)
	}
	ts := band.Horizon(res.Model, res.Series.Last(), steps)
	return band.Project(res.Model, t.config().ConfidenceLevel, ts)
}

// Identities returns all known series identities, sorted.
func (e *Engine) Identities() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.trackers))
	for id := range e.trackers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe returns a subscription for id, or for every identity when id is empty.
func (e *Engine) Subscribe(id string) *Subscription {
	return e.hub.subscribe(id)
}

// Close cancels in-flight computations, stops pending timers and ends all subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	trackers := make([]*tracker, 0, len(e.trackers))
	for _, t := range e.trackers {
		trackers = append(trackers, t)
	}
	e.mu.Unlock()

	e.cancel()
	for _, t := range trackers {
		t.close()
	}
	e.hub.close()
	e.logger.Debug().Int("series", len(trackers)).Msg("Engine closed")
}

func (e *Engine) tracker(id string, create bool) (*tracker, error) {
	e.mu.RLock()
	t, ok := e.trackers[id]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return t, nil
	}
	if !create {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSeries, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if t, ok := e.trackers[id]; ok {
		return t, nil
	}
	t = newTracker(e.ctx, id, e.opts.Defaults, e.opts, e.hub, e.logger)
	e.trackers[id] = t
	e.logger.Debug().Str("series", id).Msg("Tracking new series")
	return t, nil
}

func (e *Engine) trim(s series.Series) series.Series {
	if e.opts.MaxPoints > 0 && s.Len() > e.opts.MaxPoints {
		return s.Tail(e.opts.MaxPoints)
	}
	return s
}
