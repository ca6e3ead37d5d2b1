package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// InsertCvdRecords upserts computed CVD points, latest write wins per
// (aggregator, timestamp).
func (s *Store) InsertCvdRecords(ctx context.Context, records []market.CvdRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO cvd_records
				(aggregator_id, timestamp, cvd_value, z_score, delta, delta_z_score)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range records {
			if _, err := stmt.ExecContext(ctx,
				r.AggregatorID, r.Timestamp, r.CvdValue, r.ZScore, r.Delta, r.DeltaZScore); err != nil {
				return fmt.Errorf("insert cvd record %s@%d: %w", r.AggregatorID, r.Timestamp, err)
			}
		}
		return nil
	})
}

// ListCvdRecordsSince returns an aggregator's series from a cutoff onward,
// oldest first. Used to rebuild the rolling window on restart.
func (s *Store) ListCvdRecordsSince(ctx context.Context, aggregatorID string, since int64) ([]market.CvdRecord, error) {
	rows, err := s.query(ctx, `
		SELECT aggregator_id, timestamp, cvd_value, z_score, delta, delta_z_score
		FROM cvd_records
		WHERE aggregator_id = ? AND timestamp >= ?
		ORDER BY timestamp ASC`, aggregatorID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.CvdRecord
	for rows.Next() {
		var r market.CvdRecord
		if err := rows.Scan(&r.AggregatorID, &r.Timestamp, &r.CvdValue, &r.ZScore, &r.Delta, &r.DeltaZScore); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ProcessingState is a consumer checkpoint.
type ProcessingState struct {
	ProcessName   string
	Key           string
	LastRowID     int64
	LastTimestamp int64
	UpdatedAt     int64
}

// GetProcessingState reads a checkpoint; nil when the consumer never ran.
func (s *Store) GetProcessingState(ctx context.Context, process, key string) (*ProcessingState, error) {
	row := s.queryRow(ctx, `
		SELECT process_name, key, last_row_id, last_timestamp, updated_at
		FROM processing_state WHERE process_name = ? AND key = ?`, process, key)
	var st ProcessingState
	if err := row.Scan(&st.ProcessName, &st.Key, &st.LastRowID, &st.LastTimestamp, &st.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// SaveProcessingState advances a checkpoint. last_row_id never moves
// backwards.
func (s *Store) SaveProcessingState(ctx context.Context, process, key string, lastRowID, lastTimestamp int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processing_state (process_name, key, last_row_id, last_timestamp, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (process_name, key) DO UPDATE SET
				last_row_id = MAX(processing_state.last_row_id, excluded.last_row_id),
				last_timestamp = excluded.last_timestamp,
				updated_at = excluded.updated_at`,
			process, key, lastRowID, lastTimestamp, time.Now().UnixMilli())
		return err
	})
}
