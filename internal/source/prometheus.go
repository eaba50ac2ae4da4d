package source

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"bandwatch/internal/series"
)

const defaultStep = time.Minute

// PrometheusSource evaluates an overlay query as a range query against a Prometheus server.
// The query must select a single series.
type PrometheusSource struct {
	api     v1.API
	step    time.Duration
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPrometheusSource builds a client for the server at url.
func NewPrometheusSource(url string, step, timeout time.Duration, logger zerolog.Logger) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	if step <= 0 {
		step = defaultStep
	}
	return &PrometheusSource{
		api:     v1.NewAPI(client),
		step:    step,
		timeout: timeout,
		logger:  logger.With().Str("component", "prometheus_source").Logger(),
	}, nil
}

func (p *PrometheusSource) Fetch(ctx context.Context, req Request) (series.Series, error) {
	if req.Query == "" {
		return series.Series{}, fmt.Errorf("prometheus overlay %q has no query", req.SeriesID)
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	step := req.Step
	if step <= 0 {
		step = p.step
	}

	value, warnings, err := p.api.QueryRange(ctx, req.Query, v1.Range{Start: req.From, End: req.To, Step: step})
	if err != nil {
		return series.Series{}, fmt.Errorf("query range %q: %w", req.SeriesID, err)
	}
	for _, w := range warnings {
		p.logger.Warn().Str("series", req.SeriesID).Str("warning", w).Msg("Prometheus query warning")
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return series.Series{}, fmt.Errorf("query range %q: unexpected result type %s", req.SeriesID, value.Type())
	}
	switch len(matrix) {
	case 0:
		return series.Series{}, nil
	case 1:
	default:
		return series.Series{}, fmt.Errorf("query range %q: expected one series, got %d", req.SeriesID, len(matrix))
	}

	points := make([]series.Point, 0, len(matrix[0].Values))
	for _, sample := range matrix[0].Values {
		v := float64(sample.Value)
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		points = append(points, series.Point{Timestamp: sample.Timestamp.Unix(), Value: v})
	}
	return series.Merge(series.Series{}, points)
}
