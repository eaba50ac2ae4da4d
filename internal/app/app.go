package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bandwatch/internal/alerting"
	"bandwatch/internal/api"
	"bandwatch/internal/config"
	"bandwatch/internal/engine"
	"bandwatch/internal/logging"
	"bandwatch/internal/metrics"
	"bandwatch/internal/model"
	"bandwatch/internal/scheduler"
	"bandwatch/internal/seasonality"
	"bandwatch/internal/service"
	"bandwatch/internal/source"
	"bandwatch/internal/storage"
	"bandwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) fitter() *engine.DefaultFitter {
	ec := a.Config.Engine
	return &engine.DefaultFitter{
		Seasonality: seasonality.Options{
			MinPeriod:  ec.MinPeriod,
			MaxPeriod:  ec.MaxPeriod,
			MaxPeriods: ec.MaxPeriods,
			Threshold:  ec.Threshold,
		},
		Model: model.Options{Iterations: ec.FitIterations},
	}
}

func (a *App) newEngine() (*engine.Engine, error) {
	ec := a.Config.Engine
	return engine.New(engine.Options{
		Settle:           ec.Settle,
		MaxPoints:        ec.MaxPoints,
		SubscriberBuffer: ec.SubscriberBuffer,
		Fitter:           a.fitter(),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	notifiers := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	return notifiers
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	a.Logger.Debug().Int("files", applied).Str("dir", a.Config.Database.MigrationsPath).Msg("migrations applied")

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// overlayConfig resolves the engine config of a declared overlay.
func overlayConfig(o config.OverlayConfig) engine.Config {
	cfg := engine.DefaultConfig()
	if o.ConfidenceLevel != 0 {
		cfg.ConfidenceLevel = o.ConfidenceLevel
	}
	cfg.DiscoverSeasonalities = o.Discover()
	cfg.Pinned = o.Pinned
	return cfg
}

func (a *App) newOverlays(store *storage.Store) ([]service.Overlay, error) {
	var prom *source.PrometheusSource
	files := source.NewFileSource()

	overlays := make([]service.Overlay, 0, len(a.Config.Overlays))
	for _, o := range a.Config.Overlays {
		ov := service.Overlay{ID: o.ID, Title: o.Title, Kind: o.Source, Query: o.Query, Config: overlayConfig(o)}
		switch o.Source {
		case source.KindPrometheus:
			if prom == nil {
				pc := a.Config.Sources.Prometheus
				var err error
				if prom, err = source.NewPrometheusSource(pc.URL, pc.Step, pc.Timeout, a.Logger); err != nil {
					return nil, err
				}
			}
			ov.Source = prom
		case source.KindFile:
			ov.Source = files
			ov.Query = o.File
		default:
			if store == nil {
				a.Logger.Warn().Str("series", o.ID).Msg("store overlay without database; it only receives pushed points")
				ov.Kind = source.KindPush
			} else {
				ov.Kind = source.KindStore
				ov.Source = source.NewStoreSource(store)
			}
		}
		overlays = append(overlays, ov)
	}
	return overlays, nil
}

// Run executes the long-running monitoring service and, when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.MustRegister()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	eng, err := a.newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	overlays, err := a.newOverlays(store)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		TickTimeout:  a.Config.Scheduler.TickTimeout,
		Immediate:    true,
	}, a.Logger)

	var (
		stores   service.Stores
		apiDeps  = api.Deps{Engine: eng, Logger: logging.Component(a.Logger, "api")}
		notifier alerting.Notifier
	)
	if store != nil {
		stores = service.Stores{Observations: store, Bands: store, Anomalies: store, Locker: store}
		apiDeps.Observations = store
		apiDeps.Anomalies = store
	}
	if a.Config.Alerting.Enabled {
		notifier = a.newNotifier()
	}

	svc, err := service.New(service.Options{
		Window:      a.Config.Engine.Window,
		Concurrency: a.Config.Scheduler.Concurrency,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		Retention:   a.Config.Database.Retention,
		AlertsOn:    a.Config.Alerting.Enabled,
		Cooldown:    a.Config.Alerting.Cooldown,
		Channels:    a.Config.Alerting.Channels,
	}, sched, eng, overlays, stores, notifier, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if a.Config.HTTP.Enabled {
		srv := api.NewServer(apiDeps, api.Config{
			Addr:              a.Config.HTTP.Addr,
			ReadHeaderTimeout: a.Config.HTTP.ReadHeaderTimeout,
			ShutdownTimeout:   a.Config.HTTP.ShutdownTimeout,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Str("version", version.Version).Int("overlays", len(overlays)).Msg("starting band monitoring service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("band monitoring service stopped")
	return nil
}

// requireStore opens the database for commands that cannot work without it.
func (a *App) requireStore(ctx context.Context, purpose string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", purpose)
	}
	return store, closeStore, nil
}

// ExportOptions hold parameters for exporting a series with its band.
type ExportOptions struct {
	SeriesID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the retroactive anomaly scan.
type BackfillOptions struct {
	SeriesIDs []string
	From      time.Time
	To        time.Time
	DryRun    bool
	Workers   int
}

// IngestOptions configure a CSV import.
type IngestOptions struct {
	Path     string
	SeriesID string
}

// AnalyzeOptions configure a one-shot analysis of a CSV file.
type AnalyzeOptions struct {
	Path       string
	SeriesID   string
	Confidence float64
	NoDiscover bool
	Forecast   int
	PNGPath    string
	CSVPath    string
}
