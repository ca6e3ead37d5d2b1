package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// AssetStore is one per-asset historical trade database. Assets get their
// own files so cross-asset inserts never contend on a writer lock.
type AssetStore struct {
	db    *sql.DB
	asset string
	path  string

	writeMu sync.Mutex
}

const assetSchema = `CREATE TABLE IF NOT EXISTS agg_trades (
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
);
CREATE INDEX IF NOT EXISTS idx_asset_trades_time ON agg_trades(symbol, venue, trade_time);`

// OpenAssetStore opens (creating if needed) the store for one asset.
func OpenAssetStore(dir, asset string) (*AssetStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create asset store directory: %w", err)
	}
	path := filepath.Join(dir, strings.ToLower(asset)+".sqlite")
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open asset store %s: %w", asset, err)
	}
	if _, err := db.Exec(assetSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate asset store %s: %w", asset, err)
	}
	return &AssetStore{db: db, asset: asset, path: path}, nil
}

// Asset returns the asset symbol this store belongs to.
func (a *AssetStore) Asset() string { return a.asset }

// Path returns the database file location.
func (a *AssetStore) Path() string { return a.path }

// Close releases the underlying pool.
func (a *AssetStore) Close() error { return a.db.Close() }

// InsertAggTrades bulk-upserts a fetched page. Returns newly inserted rows.
func (a *AssetStore) InsertAggTrades(ctx context.Context, trades []market.AggTrade) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO agg_trades
			(symbol, venue, trade_id, price, quantity, first_trade_id, last_trade_id,
			 trade_time, is_buyer_maker, is_best_match, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	var inserted int64
	for _, t := range trades {
		res, err := stmt.ExecContext(ctx,
			t.Symbol, string(t.Venue), t.TradeID, t.Price, t.Quantity,
			t.FirstTradeID, t.LastTradeID, t.TradeTime,
			boolToInt(t.IsBuyerMaker), boolToInt(t.IsBestMatch), string(t.Source))
		if err != nil {
			stmt.Close()
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert agg trade %s/%d: %w", t.Symbol, t.TradeID, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetLastAggTradeCheckpoint returns the newest stored trade for the pair,
// or nil when the store is empty for it.
func (a *AssetStore) GetLastAggTradeCheckpoint(ctx context.Context, symbol string, venue market.Venue) (*AggTradeCheckpoint, error) {
	row := a.db.QueryRowContext(ctx, `
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

// CountAggTrades reports rows stored for a (symbol, venue).
func (a *AssetStore) CountAggTrades(ctx context.Context, symbol string, venue market.Venue) (int64, error) {
	var n int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agg_trades WHERE symbol = ? AND venue = ?`,
		symbol, string(venue)).Scan(&n)
	return n, err
}

// AssetStores lazily opens and caches per-asset stores under one directory.
type AssetStores struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	open  map[string]*AssetStore
}

// NewAssetStores constructs the cache rooted at dir.
func NewAssetStores(dir string, logger zerolog.Logger) *AssetStores {
	return &AssetStores{
		dir:    dir,
		logger: logger.With().Str("component", "asset_stores").Logger(),
		open:   make(map[string]*AssetStore),
	}
}

// Get returns the store for an asset, opening it on first use.
func (m *AssetStores) Get(asset string) (*AssetStore, error) {
	key := strings.ToUpper(asset)
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.open[key]; ok {
		return st, nil
	}
	st, err := OpenAssetStore(m.dir, key)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("asset", key).Str("path", st.Path()).Msg("asset store opened")
	m.open[key] = st
	return st, nil
}

// Close closes every opened store.
func (m *AssetStores) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for key, st := range m.open {
		if err := st.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, key)
	}
	return firstErr
}
