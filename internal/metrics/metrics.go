package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Computations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandwatch_computations_total",
			Help: "Band computations by kind (fit, reproject) and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ComputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bandwatch_compute_duration_seconds",
			Help:    "Duration of band computations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	Discarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandwatch_results_discarded_total",
			Help: "Computed results dropped on arrival",
		},
		[]string{"reason"},
	)

	Coalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bandwatch_changes_coalesced_total",
			Help: "Change events merged into an already scheduled recompute",
		},
	)

	TrackerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bandwatch_tracker_state",
			Help: "Recalculation state per series (1 for the current state)",
		},
		[]string{"series", "state"},
	)

	AnomalousPoints = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bandwatch_anomalous_points",
			Help: "Anomalous points in the latest published result",
		},
		[]string{"series"},
	)

	ObservationsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandwatch_observations_ingested_total",
			Help: "Observations fed to the engine by source",
		},
		[]string{"source"},
	)

	AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bandwatch_alerts_total",
			Help: "Anomaly alerts by outcome",
		},
		[]string{"outcome"},
	)

	registerOnce sync.Once
)

// MustRegister registers all collectors with the default registry. Safe to call repeatedly.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Computations,
			ComputeDuration,
			Discarded,
			Coalesced,
			TrackerState,
			AnomalousPoints,
			ObservationsIngested,
			AlertsSent,
		)
	})
}

func Handler() http.Handler { return promhttp.Handler() }
