package app

import (
	"context"
	"fmt"
	"os"
	"sort"

	"bandwatch/internal/metrics"
	"bandwatch/internal/source"
	"bandwatch/internal/storage"
)

// Ingest loads a CSV file into the observation store. With a series column every series in
// the file is imported; otherwise the rows go to opts.SeriesID.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	f, err := os.Open(opts.Path)
	if err != nil {
		return fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	all, err := source.ReadCSV(f)
	if err != nil {
		return err
	}
	if s, ok := all[source.DefaultSeriesID]; ok && opts.SeriesID != "" {
		delete(all, source.DefaultSeriesID)
		all[opts.SeriesID] = s
	}

	store, closeStore, err := a.requireStore(ctx, "ingest")
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := 0
	for _, id := range ids {
		s := all[id]
		if err := store.UpsertObservations(ctx, storage.NewObservations(id, s.Points)); err != nil {
			return fmt.Errorf("ingest %q: %w", id, err)
		}
		metrics.ObservationsIngested.WithLabelValues(source.KindFile).Add(float64(s.Len()))
		total += s.Len()
		a.Logger.Info().Str("series", id).Int("points", s.Len()).Msg("series ingested")
	}

	a.Logger.Info().Int("series", len(ids)).Int("points", total).Msg("ingest complete")
	return nil
}
