package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bandwatch/internal/engine"
	"bandwatch/internal/storage"
)

// Backfill re-evaluates stored history: for every scheduler bucket in [From, To) it fits the
// trailing window, flags the points of that bucket and records new anomalies. The band of the
// last bucket replaces the stored band.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	interval := a.Config.Scheduler.Interval
	if interval <= 0 {
		return errors.New("scheduler interval 配置不合法")
	}

	start := alignForward(opts.From.UTC(), interval)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.requireStore(ctx, "backfill")
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	}

	ids := opts.SeriesIDs
	if len(ids) == 0 {
		if ids, err = store.ListSeriesIDs(ctx); err != nil {
			return err
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var processed, failed, found atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			n, err := a.backfillSeries(gctx, store, id, start, end, interval, opts.DryRun)
			if err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Str("series", id).Msg("回填失败")
				return nil
			}
			processed.Add(1)
			found.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.Logger.Info().
		Int64("processed", processed.Load()).
		Int64("failed", failed.Load()).
		Int64("anomalies", found.Load()).
		Msg("回填完成")
	if failed.Load() > 0 {
		return errors.New("部分序列回填失败，请检查日志")
	}
	return nil
}

func (a *App) backfillSeries(ctx context.Context, store *storage.Store, id string, start, end time.Time, interval time.Duration, dryRun bool) (int, error) {
	window := a.Config.Engine.Window
	if window <= 0 {
		window = defaultWindow
	}
	history, err := store.ListObservations(ctx, id, start.Add(-window), end)
	if err != nil {
		return 0, err
	}
	if history.Len() == 0 {
		return 0, nil
	}

	cfg := engine.DefaultConfig()
	for _, o := range a.Config.Overlays {
		if o.ID == id {
			cfg = overlayConfig(o)
		}
	}
	fitter := a.fitter()

	found := 0
	var last *engine.Result
	for bucket := start; bucket.Before(end); bucket = bucket.Add(interval) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		upto := bucket.Add(interval)
		trailing := history.Between(upto.Add(-window).Unix(), upto.Unix())
		if trailing.Observed() == 0 {
			continue
		}
		res, err := engine.Analyze(ctx, id, trailing, cfg, fitter)
		if err != nil {
			return found, err
		}
		last = res

		for _, f := range res.Anomalies() {
			if f.Timestamp < bucket.Unix() {
				continue
			}
			found++
			if dryRun {
				a.Logger.Info().Str("series", id).Int64("ts", f.Timestamp).Float64("value", f.Value).Msg("anomaly (dry-run)")
				continue
			}
			bp, _ := res.Band.At(f.Timestamp)
			if _, _, err := store.InsertAnomaly(ctx, storage.NewAnomalyRecord(id, f, bp, res.Band.Confidence)); err != nil {
				return found, err
			}
		}
	}

	if last != nil && !dryRun {
		if err := store.ReplaceBand(ctx, id, storage.NewBandRows(id, last.Band, last.Flags, last.ComputedAt)); err != nil {
			return found, err
		}
	}
	return found, nil
}

const defaultWindow = 14 * 24 * time.Hour

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
