package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type migration struct {
	ID         int
	Name       string
	Statements []string
}

// migrations is totally ordered and append-only. Shipped ids never change.
var migrations = []migration{
	{
		ID:   1,
		Name: "symbols and candles",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS symbols (
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				base_asset TEXT NOT NULL DEFAULT '',
				quote_asset TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'ACTIVE',
				contract_type TEXT,
				delivery_date INTEGER,
				onboard_date INTEGER,
				tick_size REAL,
				step_size REAL,
				updated_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, venue)
			)`,
			`CREATE TABLE IF NOT EXISTS candles_1m (
				symbol TEXT NOT NULL,
				open_time INTEGER NOT NULL,
				close_time INTEGER NOT NULL,
				open REAL NOT NULL, high REAL NOT NULL, low REAL NOT NULL, close REAL NOT NULL,
				volume REAL NOT NULL DEFAULT 0,
				quote_volume REAL NOT NULL DEFAULT 0,
				trade_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, open_time)
			)`,
			`CREATE TABLE IF NOT EXISTS candles_30m (
				symbol TEXT NOT NULL,
				open_time INTEGER NOT NULL,
				close_time INTEGER NOT NULL,
				open REAL NOT NULL, high REAL NOT NULL, low REAL NOT NULL, close REAL NOT NULL,
				volume REAL NOT NULL DEFAULT 0,
				quote_volume REAL NOT NULL DEFAULT 0,
				trade_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, open_time)
			)`,
			`CREATE TABLE IF NOT EXISTS candles_1d (
				symbol TEXT NOT NULL,
				open_time INTEGER NOT NULL,
				close_time INTEGER NOT NULL,
				open REAL NOT NULL, high REAL NOT NULL, low REAL NOT NULL, close REAL NOT NULL,
				volume REAL NOT NULL DEFAULT 0,
				quote_volume REAL NOT NULL DEFAULT 0,
				trade_count INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, open_time)
			)`,
		},
	},
	{
		ID:   2,
		Name: "trade capture",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS agg_trades (
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				trade_id INTEGER NOT NULL,
				price REAL NOT NULL,
				quantity REAL NOT NULL,
				first_trade_id INTEGER NOT NULL DEFAULT 0,
				last_trade_id INTEGER NOT NULL DEFAULT 0,
				trade_time INTEGER NOT NULL,
				is_buyer_maker INTEGER NOT NULL DEFAULT 0,
				is_best_match INTEGER NOT NULL DEFAULT 0,
				source TEXT NOT NULL DEFAULT 'rest',
				PRIMARY KEY (symbol, venue, trade_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agg_trades_time ON agg_trades(symbol, venue, trade_time)`,
			`CREATE TABLE IF NOT EXISTS trade_data (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol TEXT NOT NULL,
				venue TEXT NOT NULL,
				trade_id INTEGER NOT NULL,
				timestamp INTEGER NOT NULL,
				price REAL NOT NULL,
				amount REAL NOT NULL,
				direction TEXT NOT NULL,
				stream_type TEXT NOT NULL DEFAULT 'aggTrade',
				UNIQUE (symbol, venue, trade_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trade_data_cursor ON trade_data(symbol, venue, stream_type, id)`,
			`CREATE TABLE IF NOT EXISTS liquidation_events (
				event_id TEXT PRIMARY KEY,
				venue TEXT NOT NULL,
				symbol TEXT NOT NULL,
				order_id INTEGER,
				side TEXT NOT NULL,
				price REAL NOT NULL DEFAULT 0,
				orig_qty REAL NOT NULL DEFAULT 0,
				filled_qty REAL NOT NULL DEFAULT 0,
				event_time INTEGER NOT NULL,
				trade_time INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_liquidations_time ON liquidation_events(symbol, event_time)`,
		},
	},
	{
		ID:   3,
		Name: "top trader ratios",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS top_trader_positions (
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				long_short_ratio REAL NOT NULL DEFAULT 0,
				long_ratio REAL NOT NULL DEFAULT 0,
				short_ratio REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, timestamp)
			)`,
			`CREATE TABLE IF NOT EXISTS top_trader_accounts (
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				long_short_ratio REAL NOT NULL DEFAULT 0,
				long_ratio REAL NOT NULL DEFAULT 0,
				short_ratio REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (symbol, timestamp)
			)`,
		},
	},
	{
		ID:   4,
		Name: "cvd aggregation",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS cvd_records (
				aggregator_id TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				cvd_value REAL NOT NULL,
				z_score REAL NOT NULL DEFAULT 0,
				delta REAL NOT NULL DEFAULT 0,
				delta_z_score REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (aggregator_id, timestamp)
			)`,
			`CREATE TABLE IF NOT EXISTS processing_state (
				process_name TEXT NOT NULL,
				key TEXT NOT NULL,
				last_row_id INTEGER NOT NULL DEFAULT 0,
				last_timestamp INTEGER NOT NULL DEFAULT 0,
				updated_at INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (process_name, key)
			)`,
		},
	},
	{
		ID:   5,
		Name: "alert queue",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS alert_queue (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				trigger_source TEXT NOT NULL DEFAULT 'cumulative',
				trigger_z_score REAL NOT NULL DEFAULT 0,
				z_score REAL NOT NULL DEFAULT 0,
				delta REAL NOT NULL DEFAULT 0,
				delta_z_score REAL NOT NULL DEFAULT 0,
				threshold REAL NOT NULL DEFAULT 0,
				cumulative_value REAL NOT NULL DEFAULT 0,
				payload TEXT NOT NULL DEFAULT '{}',
				attempt_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				processed_at INTEGER,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alert_queue_pending ON alert_queue(processed_at, timestamp, id)`,
			`CREATE TABLE IF NOT EXISTS alert_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				alert_type TEXT NOT NULL,
				symbol TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				trigger_source TEXT NOT NULL DEFAULT 'cumulative',
				trigger_z_score REAL NOT NULL DEFAULT 0,
				payload TEXT NOT NULL DEFAULT '{}',
				sent_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alert_history_lookup ON alert_history(alert_type, symbol, timestamp)`,
		},
	},
}

// ensureColumns runs after the ordered list; additive only, errors from
// already-existing columns are ignored.
var ensureColumns = []string{
	`ALTER TABLE symbols ADD COLUMN min_notional REAL`,
	`ALTER TABLE liquidation_events ADD COLUMN order_status TEXT`,
}

// Migrate applies every unapplied migration inside a single transaction,
// then the additive ensure-column steps. Running it twice is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range migrations {
			if applied[m.ID] {
				continue
			}
			for _, stmt := range m.Statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s): %w", m.ID, m.Name, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
				m.ID, m.Name, time.Now().UnixMilli()); err != nil {
				return fmt.Errorf("record migration %d: %w", m.ID, err)
			}
			s.logger.Info().Int("id", m.ID).Str("name", m.Name).Msg("migration applied")
		}
		return nil
	})
	if err != nil {
		return err
	}

	// 忽略已存在错误
	for _, stmt := range ensureColumns {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			continue
		}
	}
	return nil
}
