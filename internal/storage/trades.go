package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// TradeRow pairs a stored trade with its monotone row id.
type TradeRow struct {
	RowID int64
	market.Trade
}

// InsertTrades appends real-time trades. Duplicate (symbol, venue, trade_id)
// keys are silently ignored so push replays stay idempotent.
func (s *Store) InsertTrades(ctx context.Context, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO trade_data
				(symbol, venue, trade_id, timestamp, price, amount, direction, stream_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range trades {
			if _, err := stmt.ExecContext(ctx,
				t.Symbol, string(t.Venue), t.TradeID, t.Timestamp, t.Price, t.Amount,
				string(t.Direction), string(t.StreamType)); err != nil {
				return fmt.Errorf("insert trade %s/%d: %w", t.Symbol, t.TradeID, err)
			}
		}
		return nil
	})
}

// GetTradeDataSinceRowID returns up to limit trades with row id above
// lastRowID matching any of the stream filters, in row id order.
func (s *Store) GetTradeDataSinceRowID(ctx context.Context, filters []market.StreamSpec, lastRowID int64, limit int) ([]TradeRow, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 500
	}
	var (
		preds []string
		args  []any
	)
	args = append(args, lastRowID)
	for _, f := range filters {
		preds = append(preds, "(symbol = ? AND venue = ? AND stream_type = ?)")
		args = append(args, f.Symbol, string(f.Venue), string(f.StreamType))
	}
	args = append(args, limit)
	query := `SELECT id, symbol, venue, trade_id, timestamp, price, amount, direction, stream_type
		FROM trade_data
		WHERE id > ? AND (` + strings.Join(preds, " OR ") + `)
		ORDER BY id ASC LIMIT ?`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TradeRow
	for rows.Next() {
		var (
			r                 TradeRow
			venue, dir, st    string
		)
		if err := rows.Scan(&r.RowID, &r.Symbol, &venue, &r.TradeID, &r.Timestamp, &r.Price, &r.Amount, &dir, &st); err != nil {
			return nil, err
		}
		r.Venue = market.Venue(venue)
		r.Direction = market.Direction(dir)
		r.StreamType = market.StreamType(st)
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertAggTrades bulk-upserts exchange-aggregated trades. Returns the
// number of newly inserted rows.
func (s *Store) InsertAggTrades(ctx context.Context, trades []market.AggTrade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO agg_trades
				(symbol, venue, trade_id, price, quantity, first_trade_id, last_trade_id,
				 trade_time, is_buyer_maker, is_best_match, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, t := range trades {
			res, err := stmt.ExecContext(ctx,
				t.Symbol, string(t.Venue), t.TradeID, t.Price, t.Quantity,
				t.FirstTradeID, t.LastTradeID, t.TradeTime,
				boolToInt(t.IsBuyerMaker), boolToInt(t.IsBestMatch), string(t.Source))
			if err != nil {
				return fmt.Errorf("insert agg trade %s/%d: %w", t.Symbol, t.TradeID, err)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return nil
	})
	return inserted, err
}

// AggTradeCheckpoint is the latest stored agg trade of a (symbol, venue).
type AggTradeCheckpoint struct {
	TradeID   int64
	TradeTime int64
}

// GetLastAggTradeCheckpoint returns the newest stored agg trade key, or nil
// when none exists.
func (s *Store) GetLastAggTradeCheckpoint(ctx context.Context, symbol string, venue market.Venue) (*AggTradeCheckpoint, error) {
	row := s.queryRow(ctx, `
		SELECT trade_id, trade_time FROM agg_trades
		WHERE symbol = ? AND venue = ?
		ORDER BY trade_time DESC, trade_id DESC LIMIT 1`, symbol, string(venue))
	var cp AggTradeCheckpoint
	if err := row.Scan(&cp.TradeID, &cp.TradeTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// CountAggTrades reports stored rows for a (symbol, venue).
func (s *Store) CountAggTrades(ctx context.Context, symbol string, venue market.Venue) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM agg_trades WHERE symbol = ? AND venue = ?`, symbol, string(venue)).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
