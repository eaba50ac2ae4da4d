package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"bandwatch/internal/engine"
	"bandwatch/internal/scheduler"
	"bandwatch/internal/series"
	"bandwatch/internal/service"
	"bandwatch/internal/source"
)

// SimulateOptions describe the synthetic series pushed through the alert path.
type SimulateOptions struct {
	SeriesID string
	Points   int
	Baseline float64
	Spike    float64
}

// SimulateAnomaly 生成一段带日周期与尖峰的合成序列，走一遍完整的计算与告警流程。
func (a *App) SimulateAnomaly(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}
	if opts.Points < 48 {
		return errors.New("--points 至少为 48")
	}

	eng, err := a.newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	synthetic := syntheticSeries(time.Now().UTC().Truncate(time.Hour), opts)
	overlay := service.Overlay{
		ID:     opts.SeriesID,
		Title:  "simulated " + opts.SeriesID,
		Kind:   "simulated",
		Source: staticSource{s: synthetic},
		Config: engine.DefaultConfig(),
	}
	sched := scheduler.New(scheduler.Options{Interval: a.Config.Scheduler.Interval}, a.Logger)
	svc, err := service.New(service.Options{AlertsOn: true, Channels: a.Config.Alerting.Channels}, sched, eng, []service.Overlay{overlay}, service.Stores{}, a.newNotifier(), a.Logger)
	if err != nil {
		return err
	}

	sub := eng.Subscribe(opts.SeriesID)
	defer sub.Close()

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	if err := svc.ProcessBucket(ctx, bucket); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for result: %w", ctx.Err())
		case ev, ok := <-sub.C():
			if !ok {
				return errors.New("engine closed before publishing a result")
			}
			if ev.Err != nil {
				return ev.Err
			}
			if ev.State != engine.StateFresh {
				continue
			}
			svc.HandleEvent(ctx, ev)
			a.Logger.Info().Int("anomalies", len(ev.Result.Anomalies())).Msg("simulation complete")
			return nil
		}
	}
}

// syntheticSeries builds hourly points ending at end: a daily sine around the baseline with
// small noise and one spike three points before the end.
func syntheticSeries(end time.Time, opts SimulateOptions) series.Series {
	rng := rand.New(rand.NewSource(end.Unix()))
	values := make([]float64, opts.Points)
	amplitude := math.Max(math.Abs(opts.Baseline)*0.1, 1)
	for i := range values {
		values[i] = opts.Baseline + amplitude*math.Sin(2*math.Pi*float64(i)/24) + amplitude*0.05*rng.NormFloat64()
	}
	values[len(values)-3] += opts.Spike
	start := end.Add(-time.Duration(opts.Points-1) * time.Hour).Unix()
	return series.FromValues(start, 3600, values)
}

type staticSource struct {
	s series.Series
}

func (s staticSource) Fetch(context.Context, source.Request) (series.Series, error) {
	return s.s, nil
}

var _ source.Source = staticSource{}
