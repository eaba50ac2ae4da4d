package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"bandwatch/internal/series"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertObservationSQL = `INSERT INTO observations (series_id, ts, value)
    VALUES ($1, $2, $3)
    ON CONFLICT (series_id, ts) DO UPDATE
    SET value = EXCLUDED.value;`

	listObservationsSQL = `SELECT series_id, ts, value
    FROM observations
    WHERE series_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	listSeriesIDsSQL = `SELECT DISTINCT series_id FROM observations ORDER BY series_id;`

	countObservationsSQL = `SELECT COUNT(*) FROM observations WHERE series_id = $1;`

	deleteObservationsBeforeSQL = `DELETE FROM observations WHERE ts < $1;`

	deleteBandSQL = `DELETE FROM bands WHERE series_id = $1;`

	insertBandSQL = `INSERT INTO bands (
        series_id,
        ts,
        center,
        lower_bound,
        upper_bound,
        anomalous,
        confidence,
        computed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listBandSQL = `SELECT
        series_id,
        ts,
        center,
        lower_bound,
        upper_bound,
        anomalous,
        confidence,
        computed_at
    FROM bands
    WHERE series_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	insertAnomalySQL = `INSERT INTO anomalies (
        series_id,
        ts,
        value,
        lower_bound,
        upper_bound,
        deviation,
        confidence
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (series_id, ts) DO NOTHING
    RETURNING id, created_at;`

	anomalyColumns = `id, series_id, ts, value, lower_bound, upper_bound, deviation, confidence, created_at`

	listRecentAnomaliesSQL = `SELECT ` + anomalyColumns + `
    FROM anomalies
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	listAnomaliesBetweenSQL = `SELECT ` + anomalyColumns + `
    FROM anomalies
    WHERE series_id = $1
      AND ts >= $2
      AND ts < $3
    ORDER BY ts;`

	deleteAnomaliesBeforeSQL = `DELETE FROM anomalies WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore persists raw series samples.
type ObservationStore interface {
	UpsertObservations(ctx context.Context, rows []Observation) error
	ListObservations(ctx context.Context, seriesID string, from, to time.Time) (series.Series, error)
	ListSeriesIDs(ctx context.Context) ([]string, error)
	CountObservations(ctx context.Context, seriesID string) (int64, error)
	DeleteObservationsBefore(ctx context.Context, olderThan time.Time) error
}

// BandStore persists the latest published band per series.
type BandStore interface {
	ReplaceBand(ctx context.Context, seriesID string, rows []BandRow) error
	ListBand(ctx context.Context, seriesID string, from, to time.Time) ([]BandRow, error)
}

// AnomalyStore records flagged observations. InsertAnomaly reports false for a point that
// was already recorded.
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, rec AnomalyRecord) (AnomalyRecord, bool, error)
	ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error)
	ListAnomalies(ctx context.Context, seriesID string, from, to time.Time) ([]AnomalyRecord, error)
	DeleteAnomaliesBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ ObservationStore = (*Store)(nil)
	_ BandStore        = (*Store)(nil)
	_ AnomalyStore     = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)

// Store aggregates access to observations, bands and anomalies.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed unlock is released with the session when the connection is recycled.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertObservations writes samples in one batch; existing timestamps are overwritten.
func (s *Store) UpsertObservations(ctx context.Context, rows []Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		var value any
		if r.Value != nil {
			value = r.Value.String()
		}
		batch.Queue(upsertObservationSQL, r.SeriesID, r.Timestamp, value)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert observations: %w", err)
	}
	return nil
}

// ListObservations loads the half-open window [from, to) of a series.
func (s *Store) ListObservations(ctx context.Context, seriesID string, from, to time.Time) (series.Series, error) {
	pool, err := s.getPool()
	if err != nil {
		return series.Series{}, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsSQL, seriesID, from, to)
	if queryErr != nil {
		return series.Series{}, fmt.Errorf("list observations: %w", queryErr)
	}
	defer rows.Close()

	obs := make([]Observation, 0)
	for rows.Next() {
		var (
			o        Observation
			valueStr *string
		)
		if err := rows.Scan(&o.SeriesID, &o.Timestamp, &valueStr); err != nil {
			return series.Series{}, err
		}
		if valueStr != nil {
			v, convErr := decimal.NewFromString(*valueStr)
			if convErr != nil {
				return series.Series{}, fmt.Errorf("parse observation value: %w", convErr)
			}
			o.Value = &v
		}
		obs = append(obs, o)
	}
	if rows.Err() != nil {
		return series.Series{}, rows.Err()
	}
	return ToSeries(obs)
}

// ListSeriesIDs returns every series with at least one stored observation.
func (s *Store) ListSeriesIDs(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listSeriesIDsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list series ids: %w", queryErr)
	}
	ids, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("list series ids: %w", collectErr)
	}
	return ids, nil
}

// CountObservations counts stored samples of a series.
func (s *Store) CountObservations(ctx context.Context, seriesID string) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL, seriesID).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// DeleteObservationsBefore prunes samples older than the retention horizon.
func (s *Store) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteObservationsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete observations before: %w", execErr)
	}
	return nil
}

// ReplaceBand swaps the stored band of a series inside one transaction, so readers see
// either the previous band or the new one.
func (s *Store) ReplaceBand(ctx context.Context, seriesID string, rows []BandRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteBandSQL, seriesID); err != nil {
			return fmt.Errorf("delete band: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, r := range rows {
			batch.Queue(insertBandSQL,
				seriesID,
				r.Timestamp,
				r.Center.String(),
				r.Lower.String(),
				r.Upper.String(),
				r.Anomalous,
				r.Confidence.String(),
				r.ComputedAt,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert band: %w", err)
		}
		return nil
	})
}

// ListBand loads the stored band of a series within [from, to).
func (s *Store) ListBand(ctx context.Context, seriesID string, from, to time.Time) ([]BandRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBandSQL, seriesID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list band: %w", queryErr)
	}
	defer rows.Close()

	out := make([]BandRow, 0)
	for rows.Next() {
		var (
			r                                      BandRow
			centerStr, lowerStr, upperStr, confStr string
		)
		if err := rows.Scan(&r.SeriesID, &r.Timestamp, &centerStr, &lowerStr, &upperStr, &r.Anomalous, &confStr, &r.ComputedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decimalField{"center", centerStr, &r.Center},
			decimalField{"lower bound", lowerStr, &r.Lower},
			decimalField{"upper bound", upperStr, &r.Upper},
			decimalField{"confidence", confStr, &r.Confidence},
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// InsertAnomaly records a flagged point. A point already on record is left untouched and
// reported with inserted=false.
func (s *Store) InsertAnomaly(ctx context.Context, rec AnomalyRecord) (AnomalyRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AnomalyRecord{}, false, err
	}

	row := pool.QueryRow(ctx, insertAnomalySQL,
		rec.SeriesID,
		rec.Timestamp,
		rec.Value.String(),
		rec.Lower.String(),
		rec.Upper.String(),
		rec.Deviation.String(),
		rec.Confidence.String(),
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return rec, false, nil
		}
		return AnomalyRecord{}, false, fmt.Errorf("insert anomaly: %w", scanErr)
	}
	return rec, true, nil
}

// ListRecentAnomalies lists the most recently recorded anomalies across all series.
func (s *Store) ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	return collectAnomalies(rows)
}

// ListAnomalies lists anomalies of one series within [from, to).
func (s *Store) ListAnomalies(ctx context.Context, seriesID string, from, to time.Time) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listAnomaliesBetweenSQL, seriesID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list anomalies: %w", queryErr)
	}
	return collectAnomalies(rows)
}

// DeleteAnomaliesBefore deletes historical anomalies.
func (s *Store) DeleteAnomaliesBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAnomaliesBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete anomalies before: %w", execErr)
	}
	return nil
}

func collectAnomalies(rows pgx.Rows) ([]AnomalyRecord, error) {
	defer rows.Close()

	out := make([]AnomalyRecord, 0)
	for rows.Next() {
		var (
			rec                                           AnomalyRecord
			valueStr, lowerStr, upperStr, devStr, confStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.SeriesID,
			&rec.Timestamp,
			&valueStr,
			&lowerStr,
			&upperStr,
			&devStr,
			&confStr,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			decimalField{"value", valueStr, &rec.Value},
			decimalField{"lower bound", lowerStr, &rec.Lower},
			decimalField{"upper bound", upperStr, &rec.Upper},
			decimalField{"deviation", devStr, &rec.Deviation},
			decimalField{"confidence", confStr, &rec.Confidence},
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type decimalField struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return nil
}
