package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// RatioKind selects one of the two top-trader ratio series.
type RatioKind string

const (
	RatioPositions RatioKind = "positions"
	RatioAccounts  RatioKind = "accounts"
)

func ratioTable(kind RatioKind) (string, error) {
	switch kind {
	case RatioPositions:
		return "top_trader_positions", nil
	case RatioAccounts:
		return "top_trader_accounts", nil
	default:
		return "", fmt.Errorf("storage: unknown ratio kind %q", kind)
	}
}

// InsertRatioSamples upserts ratio observations, latest write wins per
// (symbol, timestamp).
func (s *Store) InsertRatioSamples(ctx context.Context, kind RatioKind, samples []market.RatioSample) error {
	if len(samples) == 0 {
		return nil
	}
	table, err := ratioTable(kind)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO `+table+`
				(symbol, timestamp, long_short_ratio, long_ratio, short_ratio)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range samples {
			if _, err := stmt.ExecContext(ctx,
				r.Symbol, r.Timestamp, r.LongShortRatio, r.LongRatio, r.ShortRatio); err != nil {
				return fmt.Errorf("insert ratio %s@%d: %w", r.Symbol, r.Timestamp, err)
			}
		}
		return nil
	})
}

// ListRatioSamples returns a symbol's series in timestamp order.
func (s *Store) ListRatioSamples(ctx context.Context, kind RatioKind, symbol string) ([]market.RatioSample, error) {
	table, err := ratioTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `
		SELECT symbol, timestamp, long_short_ratio, long_ratio, short_ratio
		FROM `+table+` WHERE symbol = ? ORDER BY timestamp ASC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.RatioSample
	for rows.Next() {
		var r market.RatioSample
		if err := rows.Scan(&r.Symbol, &r.Timestamp, &r.LongShortRatio, &r.LongRatio, &r.ShortRatio); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneRatioSamples drops observations older than the retention cutoff from
// both series.
func (s *Store) PruneRatioSamples(ctx context.Context, olderThan int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, kind := range []RatioKind{RatioPositions, RatioAccounts} {
			table, err := ratioTable(kind)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE timestamp < ?`, olderThan); err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
		}
		return nil
	})
}
