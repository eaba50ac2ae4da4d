package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bandwatch/internal/alerting"
	"bandwatch/internal/anomaly"
	"bandwatch/internal/engine"
	"bandwatch/internal/metrics"
	"bandwatch/internal/scheduler"
	"bandwatch/internal/source"
	"bandwatch/internal/storage"
)

const (
	defaultWindow      = 14 * 24 * time.Hour
	defaultConcurrency = 4
	persistTimeout     = 15 * time.Second
)

// Overlay binds a tracked series to the source that feeds it. A nil Source marks a push-only
// overlay: it is registered with the engine but never polled.
type Overlay struct {
	ID     string
	Title  string
	Kind   string
	Query  string
	Source source.Source
	Config engine.Config
}

// Options tune the service loop.
type Options struct {
	Window      time.Duration
	Concurrency int
	LockKey     int64
	Retention   time.Duration

	AlertsOn bool
	Cooldown time.Duration
	Channels []string
}

// Service pulls overlay windows on every tick, feeds them to the engine and reacts to
// published results by persisting bands and dispatching anomaly alerts.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *engine.Engine
	overlays  []Overlay
	titles    map[string]string

	observations storage.ObservationStore
	bands        storage.BandStore
	anomalies    storage.AnomalyStore
	notifier     alerting.Notifier
	locker       storage.AdvisoryLocker
	logger       zerolog.Logger
	opts         Options
	now          func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
	watermark map[string]int64
}

// Stores groups the optional persistence backends. Nil members disable that concern.
type Stores struct {
	Observations storage.ObservationStore
	Bands        storage.BandStore
	Anomalies    storage.AnomalyStore
	Locker       storage.AdvisoryLocker
}

// New registers every overlay with the engine and constructs the service.
func New(opts Options, sched *scheduler.Scheduler, eng *engine.Engine, overlays []Overlay, stores Stores, notifier alerting.Notifier, logger zerolog.Logger) (*Service, error) {
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	titles := make(map[string]string, len(overlays))
	for _, o := range overlays {
		if o.ID == "" {
			return nil, errors.New("overlay without id")
		}
		if err := eng.Register(o.ID, o.Config); err != nil {
			return nil, fmt.Errorf("register overlay %q: %w", o.ID, err)
		}
		titles[o.ID] = o.Title
	}

	return &Service{
		scheduler:    sched,
		engine:       eng,
		overlays:     overlays,
		titles:       titles,
		observations: stores.Observations,
		bands:        stores.Bands,
		anomalies:    stores.Anomalies,
		notifier:     notifier,
		locker:       stores.Locker,
		logger:       logger.With().Str("component", "service").Logger(),
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
		lastAlert:    make(map[string]time.Time),
		watermark:    make(map[string]int64),
	}, nil
}

// Run starts the result consumer and the aligned polling loop. It returns when ctx ends.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	sub := s.engine.Subscribe("")
	defer sub.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Consume(ctx, sub.C()) })
	g.Go(func() error { return s.scheduler.Run(ctx, s.ProcessBucket) })
	return g.Wait()
}

// ProcessBucket 执行单个时间桶的拉取逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	to := s.now()
	from := to.Add(-s.opts.Window)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	polled := 0
	for _, o := range s.overlays {
		if o.Source == nil {
			continue
		}
		polled++
		o := o
		g.Go(func() error {
			if err := s.refresh(gctx, o, from, to); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.prune(ctx, to)

	s.logger.Info().Time("bucket", bucket).
		Int("overlays", polled).
		Int("failed", len(errs)).
		Msg("bucket processed")
	return errors.Join(errs...)
}

func (s *Service) refresh(ctx context.Context, o Overlay, from, to time.Time) error {
	window, err := o.Source.Fetch(ctx, source.Request{SeriesID: o.ID, Query: o.Query, From: from, To: to})
	if err != nil {
		return fmt.Errorf("fetch %q: %w", o.ID, err)
	}
	if window.Len() == 0 {
		s.logger.Debug().Str("series", o.ID).Msg("empty window; keeping previous input")
		return nil
	}

	if o.Kind != source.KindStore && s.observations != nil {
		if err := s.observations.UpsertObservations(ctx, storage.NewObservations(o.ID, window.Points)); err != nil {
			s.logger.Error().Err(err).Str("series", o.ID).Msg("failed to persist observations")
		}
	}

	if err := s.engine.Update(o.ID, window); err != nil {
		return fmt.Errorf("update %q: %w", o.ID, err)
	}
	metrics.ObservationsIngested.WithLabelValues(o.Kind).Add(float64(window.Len()))
	return nil
}

func (s *Service) prune(ctx context.Context, now time.Time) {
	if s.opts.Retention <= 0 {
		return
	}
	cutoff := now.Add(-s.opts.Retention)
	if s.observations != nil {
		if err := s.observations.DeleteObservationsBefore(ctx, cutoff); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune observations")
		}
	}
	if s.anomalies != nil {
		if err := s.anomalies.DeleteAnomaliesBefore(ctx, cutoff); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune anomalies")
		}
	}
}

// Consume handles engine events until ctx ends or the channel closes.
func (s *Service) Consume(ctx context.Context, events <-chan engine.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent persists a published band and alerts on anomalies not seen before. Events
// without a result, and stale or computing transitions, are ignored.
func (s *Service) HandleEvent(ctx context.Context, ev engine.Event) {
	res := ev.Result
	if res == nil || (ev.State != engine.StateFresh && ev.State != engine.StatePinned) {
		if ev.Err != nil {
			s.logger.Warn().Err(ev.Err).Str("series", ev.Identity).Msg("computation failed; serving previous band")
		}
		return
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	flagged := res.Anomalies()
	metrics.AnomalousPoints.WithLabelValues(res.Identity).Set(float64(len(flagged)))

	if s.bands != nil {
		rows := storage.NewBandRows(res.Identity, res.Band, res.Flags, res.ComputedAt)
		if err := s.bands.ReplaceBand(ctx, res.Identity, rows); err != nil {
			s.logger.Error().Err(err).Str("series", res.Identity).Msg("failed to persist band")
		}
	}

	fresh := s.recordAnomalies(ctx, res, flagged)
	if len(fresh) == 0 {
		return
	}
	s.alert(ctx, res, fresh[len(fresh)-1], len(fresh))
}

// recordAnomalies returns the flags that were not recorded before, oldest first.
func (s *Service) recordAnomalies(ctx context.Context, res *engine.Result, flagged []anomaly.Flag) []anomaly.Flag {
	var fresh []anomaly.Flag
	for _, f := range flagged {
		if !s.advance(res.Identity, f.Timestamp) {
			continue
		}
		if s.anomalies != nil {
			bp, _ := res.Band.At(f.Timestamp)
			rec := storage.NewAnomalyRecord(res.Identity, f, bp, res.Band.Confidence)
			_, inserted, err := s.anomalies.InsertAnomaly(ctx, rec)
			if err != nil {
				s.logger.Error().Err(err).Str("series", res.Identity).Int64("ts", f.Timestamp).Msg("failed to persist anomaly")
			} else if !inserted {
				continue
			}
		}
		fresh = append(fresh, f)
	}
	return fresh
}

// advance moves the per-series watermark past ts and reports whether ts was new.
func (s *Service) advance(id string, ts int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.watermark[id]; ok && ts <= last {
		return false
	}
	s.watermark[id] = ts
	return true
}

func (s *Service) alert(ctx context.Context, res *engine.Result, f anomaly.Flag, count int) {
	if !s.opts.AlertsOn || s.notifier == nil {
		return
	}

	now := s.now()
	s.mu.Lock()
	last, seen := s.lastAlert[res.Identity]
	if seen && s.opts.Cooldown > 0 && now.Sub(last) < s.opts.Cooldown {
		s.mu.Unlock()
		metrics.AlertsSent.WithLabelValues("suppressed").Inc()
		s.logger.Debug().Str("series", res.Identity).Msg("alert suppressed by cooldown")
		return
	}
	s.lastAlert[res.Identity] = now
	s.mu.Unlock()

	bp, _ := res.Band.At(f.Timestamp)
	rec := storage.NewAnomalyRecord(res.Identity, f, bp, res.Band.Confidence)
	note := alerting.Notification{
		SeriesID:   res.Identity,
		Title:      s.titles[res.Identity],
		Timestamp:  rec.Timestamp,
		Value:      rec.Value,
		Lower:      rec.Lower,
		Upper:      rec.Upper,
		Deviation:  rec.Deviation,
		Confidence: rec.Confidence,
		Direction:  rec.Direction(),
		Channels:   s.opts.Channels,
	}
	if count > 1 {
		note.Note = fmt.Sprintf("%d new anomalous points since the last result", count)
	}
	if res.Config.Pinned {
		if note.Note != "" {
			note.Note += "; "
		}
		note.Note += "band is pinned"
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		metrics.AlertsSent.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("series", res.Identity).Msg("failed to dispatch alert")
		return
	}
	metrics.AlertsSent.WithLabelValues("sent").Inc()
	s.logger.Info().Str("series", res.Identity).
		Time("ts", note.Timestamp).
		Str("direction", note.Direction).
		Str("deviation", note.Deviation.String()).
		Msg("anomaly alert sent")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
