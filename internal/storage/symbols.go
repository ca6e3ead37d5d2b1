package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// UpsertSymbols writes a symbol catalog batch keyed on (symbol, venue).
func (s *Store) UpsertSymbols(ctx context.Context, symbols []market.Symbol) error {
	if len(symbols) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO symbols
				(symbol, venue, base_asset, quote_asset, status, contract_type,
				 delivery_date, onboard_date, tick_size, step_size, min_notional, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, venue) DO UPDATE SET
				base_asset = excluded.base_asset,
				quote_asset = excluded.quote_asset,
				status = excluded.status,
				contract_type = excluded.contract_type,
				delivery_date = excluded.delivery_date,
				onboard_date = excluded.onboard_date,
				tick_size = excluded.tick_size,
				step_size = excluded.step_size,
				min_notional = excluded.min_notional,
				updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		now := time.Now().UnixMilli()
		for _, sym := range symbols {
			updated := sym.UpdatedAt
			if updated == 0 {
				updated = now
			}
			if _, err := stmt.ExecContext(ctx,
				sym.Symbol, string(sym.Venue), sym.BaseAsset, sym.QuoteAsset, string(sym.Status),
				nullIfEmpty(sym.ContractType), nullIfZeroInt(sym.DeliveryDate), nullIfZeroInt(sym.OnboardDate),
				sym.TickSize, sym.StepSize, sym.MinNotional, updated); err != nil {
				return fmt.Errorf("upsert symbol %s/%s: %w", sym.Symbol, sym.Venue, err)
			}
		}
		return nil
	})
}

// DeactivateMissing flips to INACTIVE every ACTIVE symbol of the venue that
// is absent from the latest catalog. Returns the number of transitions.
func (s *Store) DeactivateMissing(ctx context.Context, venue market.Venue, present []string) (int64, error) {
	set := make(map[string]bool, len(present))
	for _, sym := range present {
		set[sym] = true
	}
	active, err := s.ListActiveSymbols(ctx, venue)
	if err != nil {
		return 0, err
	}
	var missing []string
	for _, sym := range active {
		if !set[sym.Symbol] {
			missing = append(missing, sym.Symbol)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}
	var count int64
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, sym := range missing {
			res, err := tx.ExecContext(ctx,
				`UPDATE symbols SET status = ?, updated_at = ? WHERE symbol = ? AND venue = ?`,
				string(market.SymbolInactive), now, sym, string(venue))
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			count += n
		}
		return nil
	})
	return count, err
}

// ListActiveSymbols returns the ACTIVE symbols of a venue ordered by name.
func (s *Store) ListActiveSymbols(ctx context.Context, venue market.Venue) ([]market.Symbol, error) {
	return s.listSymbols(ctx,
		`SELECT symbol, venue, base_asset, quote_asset, status, contract_type,
		        delivery_date, onboard_date, tick_size, step_size, min_notional, updated_at
		 FROM symbols WHERE venue = ? AND status = ? ORDER BY symbol`,
		string(venue), string(market.SymbolActive))
}

// ListAllSymbols returns every stored symbol.
func (s *Store) ListAllSymbols(ctx context.Context) ([]market.Symbol, error) {
	return s.listSymbols(ctx,
		`SELECT symbol, venue, base_asset, quote_asset, status, contract_type,
		        delivery_date, onboard_date, tick_size, step_size, min_notional, updated_at
		 FROM symbols ORDER BY venue, symbol`)
}

func (s *Store) listSymbols(ctx context.Context, query string, args ...any) ([]market.Symbol, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []market.Symbol
	for rows.Next() {
		var (
			sym                    market.Symbol
			venue, status          string
			contractType           sql.NullString
			deliveryDate, onboard  sql.NullInt64
			tickSize, stepSize     sql.NullFloat64
			minNotional            sql.NullFloat64
		)
		if err := rows.Scan(&sym.Symbol, &venue, &sym.BaseAsset, &sym.QuoteAsset, &status,
			&contractType, &deliveryDate, &onboard, &tickSize, &stepSize, &minNotional, &sym.UpdatedAt); err != nil {
			return nil, err
		}
		sym.Venue = market.Venue(venue)
		sym.Status = market.SymbolStatus(status)
		sym.ContractType = contractType.String
		sym.DeliveryDate = deliveryDate.Int64
		sym.OnboardDate = onboard.Int64
		sym.TickSize = tickSize.Float64
		sym.StepSize = stepSize.Float64
		sym.MinNotional = minNotional.Float64
		out = append(out, sym)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullIfZeroInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
