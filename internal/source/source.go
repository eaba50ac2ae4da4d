// Package source pulls observation windows for tracked series.
package source

import (
	"context"
	"fmt"
	"time"

	"bandwatch/internal/series"
	"bandwatch/internal/storage"
)

// Kinds accepted in overlay configuration.
const (
	KindStore      = "store"
	KindPrometheus = "prometheus"
	KindFile       = "file"

	// KindPush marks an overlay fed only through the push API.
	KindPush = "push"
)

// Request identifies the window to load.
type Request struct {
	SeriesID string
	// Query is the PromQL expression for prometheus overlays, or the path for file overlays.
	Query string
	From  time.Time
	To    time.Time
	Step  time.Duration
}

// Source yields the observation window of one series.
type Source interface {
	Fetch(ctx context.Context, req Request) (series.Series, error)
}

// StoreSource reads previously ingested observations from the database.
type StoreSource struct {
	store storage.ObservationStore
}

func NewStoreSource(store storage.ObservationStore) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) Fetch(ctx context.Context, req Request) (series.Series, error) {
	out, err := s.store.ListObservations(ctx, req.SeriesID, req.From, req.To)
	if err != nil {
		return series.Series{}, fmt.Errorf("load %q from store: %w", req.SeriesID, err)
	}
	return out, nil
}

var (
	_ Source = (*StoreSource)(nil)
	_ Source = (*FileSource)(nil)
	_ Source = (*PrometheusSource)(nil)
)
