package engine

import (
	"context"
	"fmt"
	"time"

	"bandwatch/internal/anomaly"
	"bandwatch/internal/band"
	"bandwatch/internal/model"
	"bandwatch/internal/seasonality"
	"bandwatch/internal/series"
)

// Result is one published computation for a series. It is never mutated after publication;
// readers may hold on to it for as long as they like.
type Result struct {
	Identity   string              `json:"identity"`
	Generation uint64              `json:"generation"`
	Config     Config              `json:"config"`
	Series     series.Series       `json:"-"`
	Profile    seasonality.Profile `json:"profile"`
	Model      *model.Model        `json:"model"`
	Band       band.Band           `json:"band"`
	Flags      []anomaly.Flag      `json:"flags"`
	ComputedAt time.Time           `json:"computed_at"`
}

// Anomalies returns the anomalous flags only.
func (r *Result) Anomalies() []anomaly.Flag {
	if r == nil {
		return nil
	}
	return anomaly.Anomalies(r.Flags)
}

// Forecast projects the band steps intervals past the last observation.
func (r *Result) Forecast(steps int) (band.Band, error) {
	if r == nil || r.Model == nil {
		return band.Band{}, fmt.Errorf("forecast %q: %w", r.identity(), ErrNoResult)
	}
	ts := band.Horizon(r.Model, r.Series.Last(), steps)
	return band.Project(r.Model, r.Config.ConfidenceLevel, ts)
}

func (r *Result) identity() string {
	if r == nil {
		return ""
	}
	return r.Identity
}

// Fitter turns a series into a baseline model. When discover is false the profile is empty.
type Fitter interface {
	Fit(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error)

func (f FitterFunc) Fit(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error) {
	return f(ctx, s, discover)
}

var _ Fitter = (*DefaultFitter)(nil)

// DefaultFitter runs seasonality discovery followed by the robust decomposition fit.
type DefaultFitter struct {
	Seasonality seasonality.Options
	Model       model.Options
}

func (f *DefaultFitter) Fit(ctx context.Context, s series.Series, discover bool) (*model.Model, seasonality.Profile, error) {
	var profile seasonality.Profile
	if discover {
		profile = seasonality.Discover(s, f.Seasonality)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m, err := model.Fit(ctx, s, profile, f.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("fit model: %w", err)
	}
	return m, profile, nil
}

// Analyze runs the whole pipeline once, outside of any tracker: discovery, fit, band over
// the observed timestamps, and anomaly flags.
func Analyze(ctx context.Context, identity string, s series.Series, cfg Config, fitter Fitter) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("analyze %q: %w", identity, err)
	}
	if fitter == nil {
		fitter = &DefaultFitter{}
	}

	m, profile, err := fitter.Fit(ctx, s, cfg.DiscoverSeasonalities)
	if err != nil {
		return nil, fmt.Errorf("analyze %q: %w", identity, err)
	}
	return assemble(identity, s, cfg, m, profile)
}

func assemble(identity string, s series.Series, cfg Config, m *model.Model, profile seasonality.Profile) (*Result, error) {
	b, err := band.Project(m, cfg.ConfidenceLevel, s.Timestamps())
	if err != nil {
		return nil, fmt.Errorf("project %q: %w", identity, err)
	}
	return &Result{
		Identity:   identity,
		Config:     cfg,
		Series:     s,
		Profile:    profile,
		Model:      m,
		Band:       b,
		Flags:      anomaly.Detect(s, b),
		ComputedAt: time.Now().UTC(),
	}, nil
}
