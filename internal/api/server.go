// Package api exposes tracked overlays over HTTP and streams recomputations over websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"bandwatch/internal/engine"
	"bandwatch/internal/metrics"
	"bandwatch/internal/series"
	"bandwatch/internal/storage"
)

const (
	defaultForecastSteps = 24
	maxForecastSteps     = 10000
	maxPointsPerRequest  = 100000
	defaultAnomalyLimit  = 50
)

type Deps struct {
	Engine       *engine.Engine
	Observations storage.ObservationStore
	Anomalies    storage.AnomalyStore
	Logger       zerolog.Logger
}

type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type Server struct {
	deps   Deps
	cfg    Config
	logger zerolog.Logger

	// done is closed on shutdown; hijacked websocket streams are not tracked by http.Server.
	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(d Deps, c Config) *Server {
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		deps:   d,
		cfg:    c,
		logger: d.Logger.With().Str("component", "api").Logger(),
		done:   make(chan struct{}),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { metrics.Handler().ServeHTTP(w, r) })

	r.Route("/v1", func(r chi.Router) {
		r.Get("/overlays", s.handleList)
		r.Get("/overlays/{id}", s.handleGet)
		r.Put("/overlays/{id}/config", s.handleConfigure)
		r.Post("/overlays/{id}/points", s.handleAppend)
		r.Get("/overlays/{id}/forecast", s.handleForecast)
		r.Get("/anomalies", s.handleAnomalies)
		r.Get("/stream", s.handleStream)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

// closeStreams ends every open websocket stream.
func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(started)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Engine.Identities()
	out := make([]overlayView, 0, len(ids))
	for _, id := range ids {
		st, err := s.deps.Engine.Status(id)
		if err != nil {
			continue
		}
		out = append(out, newOverlayView(st, false))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOverlayView(st, true))
}

// configPatch carries the fields a caller wants to change; absent fields keep their value.
type configPatch struct {
	ConfidenceLevel       *float64 `json:"confidence_level"`
	DiscoverSeasonalities *bool    `json:"discover_seasonalities"`
	Pinned                *bool    `json:"pinned"`
}

func (p configPatch) apply(c engine.Config) engine.Config {
	if p.ConfidenceLevel != nil {
		c.ConfidenceLevel = *p.ConfidenceLevel
	}
	if p.DiscoverSeasonalities != nil {
		c.DiscoverSeasonalities = *p.DiscoverSeasonalities
	}
	if p.Pinned != nil {
		c.Pinned = *p.Pinned
	}
	return c
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var patch configPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	st, err := s.deps.Engine.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.deps.Engine.Configure(id, patch.apply(st.Config)); err != nil {
		s.writeError(w, err)
		return
	}
	st, err = s.deps.Engine.Status(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newOverlayView(st, false))
}

type pointPayload struct {
	Timestamp int64    `json:"ts"`
	Value     *float64 `json:"value"`
}

type appendPayload struct {
	Points []pointPayload `json:"points"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var p appendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || len(p.Points) == 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(p.Points) > maxPointsPerRequest {
		http.Error(w, "too many points", http.StatusRequestEntityTooLarge)
		return
	}

	points := make([]series.Point, len(p.Points))
	for i, pt := range p.Points {
		points[i] = series.Point{Timestamp: pt.Timestamp, Value: math.NaN()}
		if pt.Value != nil {
			points[i].Value = *pt.Value
		}
	}
	if err := s.deps.Engine.Append(id, points); err != nil {
		s.writeError(w, err)
		return
	}
	metrics.ObservationsIngested.WithLabelValues("api").Add(float64(len(points)))

	if s.deps.Observations != nil {
		if err := s.deps.Observations.UpsertObservations(r.Context(), storage.NewObservations(id, points)); err != nil {
			s.logger.Error().Err(err).Str("series", id).Msg("failed to persist appended points")
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(points)})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	steps := defaultForecastSteps
	if raw := r.URL.Query().Get("steps"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxForecastSteps {
			http.Error(w, "steps must be a positive integer", http.StatusBadRequest)
			return
		}
		steps = n
	}
	b, err := s.deps.Engine.Forecast(chi.URLParam(r, "id"), steps)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	if s.deps.Anomalies == nil {
		http.Error(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultAnomalyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.deps.Anomalies.ListRecentAnomalies(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list anomalies")
		http.Error(w, "list anomalies failed", http.StatusInternalServerError)
		return
	}
	type anomalyView struct {
		Series    string    `json:"series"`
		Timestamp time.Time `json:"ts"`
		Value     string    `json:"value"`
		Lower     string    `json:"lower"`
		Upper     string    `json:"upper"`
		Direction string    `json:"direction"`
	}
	out := make([]anomalyView, len(records))
	for i, rec := range records {
		out[i] = anomalyView{
			Series:    rec.SeriesID,
			Timestamp: rec.Timestamp,
			Value:     rec.Value.String(),
			Lower:     rec.Lower.String(),
			Upper:     rec.Upper.String(),
			Direction: rec.Direction(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrUnknownSeries):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrInvalidConfidence), errors.Is(err, series.ErrNotIncreasing), errors.Is(err, series.ErrNonFinite):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrNoResult):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
