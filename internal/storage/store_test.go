package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrateTwiceIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.queryRow(context.Background(), `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != len(migrations) {
		t.Fatalf("applied %d migrations, want %d", n, len(migrations))
	}
}

func TestSymbolDeactivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []market.Symbol{
		{Symbol: "LTCUSDT", Venue: market.VenueSpot, BaseAsset: "LTC", QuoteAsset: "USDT", Status: market.SymbolActive},
	}
	if err := s.UpsertSymbols(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	catalog := []market.Symbol{
		{Symbol: "BTCUSDT", Venue: market.VenueSpot, BaseAsset: "BTC", QuoteAsset: "USDT", Status: market.SymbolActive},
	}
	if err := s.UpsertSymbols(ctx, catalog); err != nil {
		t.Fatalf("upsert catalog: %v", err)
	}
	if _, err := s.DeactivateMissing(ctx, market.VenueSpot, []string{"BTCUSDT"}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	active, err := s.ListActiveSymbols(ctx, market.VenueSpot)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Symbol != "BTCUSDT" {
		t.Fatalf("active = %+v, want only BTCUSDT", active)
	}

	all, err := s.ListAllSymbols(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	var ltc *market.Symbol
	for i := range all {
		if all[i].Symbol == "LTCUSDT" {
			ltc = &all[i]
		}
	}
	if ltc == nil {
		t.Fatal("LTCUSDT should never be deleted")
	}
	if ltc.Status != market.SymbolInactive {
		t.Fatalf("LTCUSDT status = %s, want INACTIVE", ltc.Status)
	}
}

func TestAggTradeCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1, t2 := int64(1700000000000), int64(1700000001000)
	batch := []market.AggTrade{
		{Symbol: "ETHUSDT", Venue: market.VenueSpot, TradeID: 101, Price: 2000, Quantity: 1, TradeTime: t1, Source: market.SourceRest},
		{Symbol: "ETHUSDT", Venue: market.VenueSpot, TradeID: 102, Price: 2001, Quantity: 2, TradeTime: t2, Source: market.SourceRest},
	}
	if _, err := s.InsertAggTrades(ctx, batch); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// re-insert 102
	if _, err := s.InsertAggTrades(ctx, batch[1:]); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	cp, err := s.GetLastAggTradeCheckpoint(ctx, "ETHUSDT", market.VenueSpot)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp == nil || cp.TradeID != 102 || cp.TradeTime != t2 {
		t.Fatalf("checkpoint = %+v, want {102 %d}", cp, t2)
	}
	n, err := s.CountAggTrades(ctx, "ETHUSDT", market.VenueSpot)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("row count = %d, want 2", n)
	}
}

func TestLiquidationDeduplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := market.LiquidationEvent{
		Venue: market.VenueUSDM, Symbol: "BTCUSDT", OrderID: 0, Side: "SELL",
		Price: 25000, OrigQty: 1, FilledQty: 1, EventTime: 10, TradeTime: 11,
	}
	second := first
	second.Price = 26000

	if err := s.InsertLiquidations(ctx, []market.LiquidationEvent{first}); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if err := s.InsertLiquidations(ctx, []market.LiquidationEvent{second}); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	n, err := s.CountLiquidations(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("liquidation count = %d, want 1", n)
	}
	got, err := s.GetLiquidation(ctx, first.EventID())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Price != 25000 {
		t.Fatalf("price = %+v, want first write to win (25000)", got)
	}
}

func TestTradeCursorOrderAndDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spec := market.StreamSpec{Symbol: "BTCUSDT", Venue: market.VenueSpot, StreamType: market.StreamAggTrade}
	trades := []market.Trade{
		{Symbol: "BTCUSDT", Venue: market.VenueSpot, TradeID: 1, Timestamp: 100, Price: 1, Amount: 1, Direction: market.DirectionBuy, StreamType: market.StreamAggTrade},
		{Symbol: "BTCUSDT", Venue: market.VenueSpot, TradeID: 2, Timestamp: 101, Price: 1, Amount: 2, Direction: market.DirectionSell, StreamType: market.StreamAggTrade},
		{Symbol: "ETHUSDT", Venue: market.VenueSpot, TradeID: 3, Timestamp: 102, Price: 1, Amount: 3, Direction: market.DirectionBuy, StreamType: market.StreamAggTrade},
	}
	if err := s.InsertTrades(ctx, trades); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// duplicate insert is a no-op
	if err := s.InsertTrades(ctx, trades[:1]); err != nil {
		t.Fatalf("re-insert: %v", err)
	}

	rows, err := s.GetTradeDataSinceRowID(ctx, []market.StreamSpec{spec}, 0, 100)
	if err != nil {
		t.Fatalf("cursor read: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (filtered, deduped)", len(rows))
	}
	if rows[0].TradeID != 1 || rows[1].TradeID != 2 {
		t.Fatalf("unexpected order: %+v", rows)
	}
	if rows[0].RowID >= rows[1].RowID {
		t.Fatalf("row ids not monotone: %d, %d", rows[0].RowID, rows[1].RowID)
	}

	// resume past the first row
	rows, err = s.GetTradeDataSinceRowID(ctx, []market.StreamSpec{spec}, rows[0].RowID, 100)
	if err != nil {
		t.Fatalf("resume read: %v", err)
	}
	if len(rows) != 1 || rows[0].TradeID != 2 {
		t.Fatalf("resume rows = %+v, want only trade 2", rows)
	}
}

func TestProcessingStateMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveProcessingState(ctx, "cvd_aggregator", "BTC", 10, 100); err != nil {
		t.Fatalf("save: %v", err)
	}
	// a stale writer cannot move the cursor backwards
	if err := s.SaveProcessingState(ctx, "cvd_aggregator", "BTC", 5, 200); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	st, err := s.GetProcessingState(ctx, "cvd_aggregator", "BTC")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if st == nil || st.LastRowID != 10 {
		t.Fatalf("state = %+v, want last_row_id 10", st)
	}
}

func TestAlertQueueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueAlert(ctx, AlertEnqueueParams{
		AlertType: "cvd_zscore", Symbol: "BTC", Timestamp: 1000,
		TriggerSource: "cumulative", TriggerZScore: 10, ZScore: 10, Threshold: 2,
		Payload: []byte(`{"symbol":"BTC"}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	pending, err := s.GetPendingAlerts(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].AttemptCount != 0 {
		t.Fatalf("pending = %+v", pending)
	}

	if err := s.MarkAlertAttempt(ctx, id); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if err := s.MarkAlertFailure(ctx, id, "boom"); err != nil {
		t.Fatalf("failure: %v", err)
	}

	rec, err := s.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.AttemptCount != 1 || rec.LastError != "boom" || rec.ProcessedAt != nil {
		t.Fatalf("record = %+v", rec)
	}

	// still pending after a failed attempt (I5)
	pending, _ = s.GetPendingAlerts(ctx, 10)
	if len(pending) != 1 {
		t.Fatalf("failed entry should stay pending, got %d", len(pending))
	}

	if err := s.MarkAlertProcessed(ctx, id, true); err != nil {
		t.Fatalf("processed: %v", err)
	}
	rec, _ = s.GetAlert(ctx, id)
	if rec.ProcessedAt == nil || rec.LastError != "" {
		t.Fatalf("record after success = %+v", rec)
	}
	pending, _ = s.GetPendingAlerts(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("processed entry must not be pending")
	}
}

func TestAlertFailureTruncated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.EnqueueAlert(ctx, AlertEnqueueParams{AlertType: "cvd_zscore", Symbol: "ETH", Timestamp: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	if err := s.MarkAlertFailure(ctx, id, string(long)); err != nil {
		t.Fatalf("failure: %v", err)
	}
	rec, _ := s.GetAlert(ctx, id)
	if len(rec.LastError) != maxErrorLen {
		t.Fatalf("error length = %d, want %d", len(rec.LastError), maxErrorLen)
	}
}

func TestHasRecentAlertOrPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasRecentAlertOrPending(ctx, "cvd_zscore", "BTC", 0)
	if err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	id, _ := s.EnqueueAlert(ctx, AlertEnqueueParams{AlertType: "cvd_zscore", Symbol: "BTC", Timestamp: 500})
	ok, _ = s.HasRecentAlertOrPending(ctx, "cvd_zscore", "BTC", 1000)
	if !ok {
		t.Fatal("pending entry must suppress regardless of timestamp")
	}

	_ = s.MarkAlertProcessed(ctx, id, true)
	ok, _ = s.HasRecentAlertOrPending(ctx, "cvd_zscore", "BTC", 1000)
	if ok {
		t.Fatal("processed entry with no history must not suppress")
	}

	_ = s.InsertAlertHistory(ctx, AlertHistoryParams{AlertType: "cvd_zscore", Symbol: "BTC", Timestamp: 1500})
	ok, _ = s.HasRecentAlertOrPending(ctx, "cvd_zscore", "BTC", 1000)
	if !ok {
		t.Fatal("recent history must suppress")
	}
	ok, _ = s.HasRecentAlertOrPending(ctx, "cvd_zscore", "BTC", 2000)
	if ok {
		t.Fatal("old history must not suppress")
	}
}

func TestAssetStoreCheckpoint(t *testing.T) {
	dir := t.TempDir()
	stores := NewAssetStores(dir, zerolog.Nop())
	defer stores.Close()

	st, err := stores.Get("eth")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if filepath.Base(st.Path()) != "eth.sqlite" {
		t.Fatalf("path = %s, want lowercase basename", st.Path())
	}

	ctx := context.Background()
	_, err = st.InsertAggTrades(ctx, []market.AggTrade{
		{Symbol: "ETHUSDT", Venue: market.VenueSpot, TradeID: 1, Price: 1, Quantity: 1, TradeTime: 10, Source: market.SourceRest},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	cp, err := st.GetLastAggTradeCheckpoint(ctx, "ETHUSDT", market.VenueSpot)
	if err != nil || cp == nil || cp.TradeTime != 10 {
		t.Fatalf("checkpoint = %+v err=%v", cp, err)
	}

	// same handle on repeat lookups
	again, _ := stores.Get("ETH")
	if again != st {
		t.Fatal("expected cached store handle")
	}
}
