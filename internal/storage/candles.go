package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/senni000/crypto-data-binance/internal/market"
)

func candleTable(interval market.CandleInterval) (string, error) {
	switch interval {
	case market.Interval1m:
		return "candles_1m", nil
	case market.Interval30m:
		return "candles_30m", nil
	case market.Interval1d:
		return "candles_1d", nil
	default:
		return "", fmt.Errorf("storage: unsupported candle interval %q", interval)
	}
}

// InsertCandles bulk-inserts bars into the per-interval table. Repeated
// (symbol, open_time) keys are no-ops.
func (s *Store) InsertCandles(ctx context.Context, interval market.CandleInterval, candles []market.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	table, err := candleTable(interval)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO `+table+`
				(symbol, open_time, close_time, open, high, low, close, volume, quote_volume, trade_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range candles {
			if _, err := stmt.ExecContext(ctx,
				c.Symbol, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close,
				c.Volume, c.QuoteVolume, c.TradeCount); err != nil {
				return fmt.Errorf("insert candle %s@%d: %w", c.Symbol, c.OpenTime, err)
			}
		}
		return nil
	})
}

// GetLastCandleOpenTime returns the newest stored open time for a symbol,
// or 0 when the table has none.
func (s *Store) GetLastCandleOpenTime(ctx context.Context, interval market.CandleInterval, symbol string) (int64, error) {
	table, err := candleTable(interval)
	if err != nil {
		return 0, err
	}
	var openTime sql.NullInt64
	err = s.queryRow(ctx, `SELECT MAX(open_time) FROM `+table+` WHERE symbol = ?`, symbol).Scan(&openTime)
	if err != nil {
		return 0, err
	}
	return openTime.Int64, nil
}

// CountCandles reports the stored bar count for an interval.
func (s *Store) CountCandles(ctx context.Context, interval market.CandleInterval) (int64, error) {
	table, err := candleTable(interval)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.queryRow(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	return n, err
}

// PruneCandles deletes bars older than the cutoff from every interval table.
func (s *Store) PruneCandles(ctx context.Context, olderThan int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, interval := range []market.CandleInterval{market.Interval1m, market.Interval30m, market.Interval1d} {
			table, err := candleTable(interval)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE open_time < ?`, olderThan); err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
		}
		return nil
	})
}
