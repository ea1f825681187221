package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/SpasticPalate/market-charts-sub001/internal/market"
)

// IndexRecordRepository handles database operations for canonical index
// records. The store holds exactly one row per (index_name, record_date);
// re-fetches overwrite in place.
type IndexRecordRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewIndexRecordRepository creates a new index record repository
func NewIndexRecordRepository(db *sqlx.DB, logger *zap.Logger) *IndexRecordRepository {
	return &IndexRecordRepository{
		db:     db,
		logger: logger,
	}
}

const upsertRecordQuery = `
	INSERT INTO index_records
		(index_name, record_date, open, high, low, close, volume, fetched_at, is_interpolated)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (index_name, record_date)
	DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		fetched_at = EXCLUDED.fetched_at,
		is_interpolated = EXCLUDED.is_interpolated
`

// EnsureSchema creates the backing table when it does not exist yet.
func (r *IndexRecordRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS index_records (
			index_name      TEXT NOT NULL,
			record_date     DATE NOT NULL,
			open            DOUBLE PRECISION NOT NULL DEFAULT 0,
			high            DOUBLE PRECISION NOT NULL DEFAULT 0,
			low             DOUBLE PRECISION NOT NULL DEFAULT 0,
			close           DOUBLE PRECISION NOT NULL DEFAULT 0,
			volume          BIGINT NOT NULL DEFAULT 0,
			fetched_at      TIMESTAMPTZ NOT NULL,
			is_interpolated BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (index_name, record_date)
		)
	`)
	if err != nil {
		r.logger.Error("Failed to ensure index_records schema", zap.Error(err))
		return err
	}
	return nil
}

// SaveOne inserts or overwrites a single record.
func (r *IndexRecordRepository) SaveOne(ctx context.Context, record market.IndexRecord) error {
	_, err := r.db.ExecContext(
		ctx,
		upsertRecordQuery,
		record.Index,
		record.Date,
		record.Open,
		record.High,
		record.Low,
		record.Close,
		record.Volume,
		record.FetchedAt,
		record.IsInterpolated,
	)
	if err != nil {
		r.logger.Error("Failed to save index record",
			zap.Error(err),
			zap.String("index", string(record.Index)),
			zap.Time("date", record.Date))
		return err
	}
	return nil
}

// SaveBatch inserts or overwrites a batch of records inside one transaction
// and returns how many were written.
func (r *IndexRecordRepository) SaveBatch(ctx context.Context, records []market.IndexRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		r.logger.Error("Failed to begin transaction", zap.Error(err))
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertRecordQuery)
	if err != nil {
		r.logger.Error("Failed to prepare statement", zap.Error(err))
		return 0, err
	}
	defer stmt.Close()

	for _, record := range records {
		_, err = stmt.ExecContext(
			ctx,
			record.Index,
			record.Date,
			record.Open,
			record.High,
			record.Low,
			record.Close,
			record.Volume,
			record.FetchedAt,
			record.IsInterpolated,
		)
		if err != nil {
			r.logger.Error("Failed to save index record in batch",
				zap.Error(err),
				zap.String("index", string(record.Index)),
				zap.Time("date", record.Date))
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error("Failed to commit transaction", zap.Error(err))
		return 0, err
	}

	return len(records), nil
}

// GetByDateRange retrieves records within [start, end] ordered ascending by
// date. With no indices given, all indices are returned.
func (r *IndexRecordRepository) GetByDateRange(ctx context.Context, start, end time.Time, indices ...market.IndexName) ([]market.IndexRecord, error) {
	query := `
		SELECT index_name, record_date, open, high, low, close, volume, fetched_at, is_interpolated
		FROM index_records
		WHERE record_date >= $1 AND record_date <= $2
	`
	args := []interface{}{start, end}

	if len(indices) > 0 {
		names := make([]string, len(indices))
		for i, idx := range indices {
			names[i] = string(idx)
		}
		query += " AND index_name = ANY($3)"
		args = append(args, pq.Array(names))
	}

	query += " ORDER BY index_name, record_date"

	var records []market.IndexRecord
	err := r.db.SelectContext(ctx, &records, query, args...)
	if err != nil {
		r.logger.Error("Failed to get index records",
			zap.Error(err),
			zap.Time("start", start),
			zap.Time("end", end))
		return nil, err
	}

	return records, nil
}

// GetLatest retrieves the most recent record for an index, or nil when
// the store has none.
func (r *IndexRecordRepository) GetLatest(ctx context.Context, index market.IndexName) (*market.IndexRecord, error) {
	query := `
		SELECT index_name, record_date, open, high, low, close, volume, fetched_at, is_interpolated
		FROM index_records
		WHERE index_name = $1
		ORDER BY record_date DESC
		LIMIT 1
	`

	var record market.IndexRecord
	err := r.db.GetContext(ctx, &record, query, string(index))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.Error("Failed to get latest index record",
			zap.Error(err),
			zap.String("index", string(index)))
		return nil, err
	}

	return &record, nil
}

// CountRecords reports how many records the store holds for an index.
func (r *IndexRecordRepository) CountRecords(ctx context.Context, index market.IndexName) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM index_records WHERE index_name = $1`, string(index))
	if err != nil {
		r.logger.Error("Failed to count index records",
			zap.Error(err),
			zap.String("index", string(index)))
		return 0, err
	}
	return count, nil
}

// DeleteOlderThan removes records before the cutoff date. It exists for the
// host's maintenance policy; the reconciliation core never calls it.
func (r *IndexRecordRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM index_records WHERE record_date < $1`, cutoff)
	if err != nil {
		r.logger.Error("Failed to delete old index records",
			zap.Error(err),
			zap.Time("cutoff", cutoff))
		return 0, err
	}
	return result.RowsAffected()
}
