package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// InsertLiquidations appends liquidation events. Duplicate event ids are
// silently ignored, first write wins.
func (s *Store) InsertLiquidations(ctx context.Context, events []market.LiquidationEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO liquidation_events
				(event_id, venue, symbol, order_id, side, price, orig_qty, filled_qty,
				 order_status, event_time, trade_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range events {
			if _, err := stmt.ExecContext(ctx,
				e.EventID(), string(e.Venue), e.Symbol, nullIfZeroInt(e.OrderID), e.Side,
				e.Price, e.OrigQty, e.FilledQty, nullIfEmpty(e.OrderStatus),
				e.EventTime, e.TradeTime); err != nil {
				return fmt.Errorf("insert liquidation %s: %w", e.EventID(), err)
			}
		}
		return nil
	})
}

// GetLiquidation reads a single event by id; nil when absent.
func (s *Store) GetLiquidation(ctx context.Context, eventID string) (*market.LiquidationEvent, error) {
	row := s.queryRow(ctx, `
		SELECT venue, symbol, COALESCE(order_id, 0), side, price, orig_qty, filled_qty,
		       COALESCE(order_status, ''), event_time, trade_time
		FROM liquidation_events WHERE event_id = ?`, eventID)
	var (
		e     market.LiquidationEvent
		venue string
	)
	if err := row.Scan(&venue, &e.Symbol, &e.OrderID, &e.Side, &e.Price, &e.OrigQty,
		&e.FilledQty, &e.OrderStatus, &e.EventTime, &e.TradeTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	e.Venue = market.Venue(venue)
	return &e, nil
}

// CountLiquidations reports the number of stored events.
func (s *Store) CountLiquidations(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM liquidation_events`).Scan(&n)
	return n, err
}
