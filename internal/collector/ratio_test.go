package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/storage"
)

type fakeRatioClient struct {
	mu        sync.Mutex
	positions map[string][]market.RatioSample
	accounts  map[string][]market.RatioSample
	posCalls  []string
	accCalls  []string
	fails     int
}

func (f *fakeRatioClient) FetchTopTraderPositions(ctx context.Context, symbol string) ([]market.RatioSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("transient")
	}
	f.posCalls = append(f.posCalls, symbol)
	return f.positions[symbol], nil
}

func (f *fakeRatioClient) FetchTopTraderAccounts(ctx context.Context, symbol string) ([]market.RatioSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accCalls = append(f.accCalls, symbol)
	return f.accounts[symbol], nil
}

type fakeRatioStore struct {
	mu      sync.Mutex
	symbols []market.Symbol
	saved   map[storage.RatioKind][]market.RatioSample
}

func (f *fakeRatioStore) InsertRatioSamples(ctx context.Context, kind storage.RatioKind, samples []market.RatioSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[storage.RatioKind][]market.RatioSample)
	}
	f.saved[kind] = append(f.saved[kind], samples...)
	return nil
}

func (f *fakeRatioStore) ListActiveSymbols(ctx context.Context, venue market.Venue) ([]market.Symbol, error) {
	return f.symbols, nil
}

func TestRatioCycleOrderAndFiltering(t *testing.T) {
	now := time.Now()
	fresh := market.RatioSample{Symbol: "BTCUSDT", Timestamp: now.Add(-time.Hour).UnixMilli(), LongShortRatio: 1.2}
	stale := market.RatioSample{Symbol: "BTCUSDT", Timestamp: now.Add(-30 * time.Hour).UnixMilli(), LongShortRatio: 0.8}

	client := &fakeRatioClient{
		positions: map[string][]market.RatioSample{"BTCUSDT": {stale, fresh}},
		accounts:  map[string][]market.RatioSample{"BTCUSDT": {fresh}},
	}
	store := &fakeRatioStore{symbols: []market.Symbol{
		{Symbol: "BTCUSDT", Venue: market.VenueUSDM, ContractType: "PERPETUAL", Status: market.SymbolActive},
		{Symbol: "BTCUSDT_240927", Venue: market.VenueUSDM, ContractType: "CURRENT_QUARTER", Status: market.SymbolActive},
	}}
	r := NewRatioCollector(client, store, RatioOptions{RequestDelay: time.Millisecond, RetryDelay: time.Millisecond}, zerolog.Nop())
	r.now = func() time.Time { return now }

	r.runCycle(context.Background())

	client.mu.Lock()
	if len(client.posCalls) != 1 || client.posCalls[0] != "BTCUSDT" {
		t.Fatalf("position calls = %v, dated contracts must be skipped", client.posCalls)
	}
	if len(client.accCalls) != 1 {
		t.Fatalf("account calls = %v", client.accCalls)
	}
	client.mu.Unlock()

	store.mu.Lock()
	defer store.mu.Unlock()
	pos := store.saved[storage.RatioPositions]
	if len(pos) != 1 || pos[0].Timestamp != fresh.Timestamp {
		t.Fatalf("stale samples must be filtered: %+v", pos)
	}
	if len(store.saved[storage.RatioAccounts]) != 1 {
		t.Fatalf("accounts = %+v", store.saved[storage.RatioAccounts])
	}
}

func TestRatioRetriesTransientFailure(t *testing.T) {
	now := time.Now()
	fresh := market.RatioSample{Symbol: "ETHUSDT", Timestamp: now.UnixMilli()}
	client := &fakeRatioClient{
		fails:     1,
		positions: map[string][]market.RatioSample{"ETHUSDT": {fresh}},
		accounts:  map[string][]market.RatioSample{},
	}
	store := &fakeRatioStore{symbols: []market.Symbol{
		{Symbol: "ETHUSDT", Venue: market.VenueUSDM, Status: market.SymbolActive},
	}}
	r := NewRatioCollector(client, store, RatioOptions{RequestDelay: time.Millisecond, MaxRetries: 3, RetryDelay: time.Millisecond}, zerolog.Nop())
	r.now = func() time.Time { return now }

	r.runCycle(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saved[storage.RatioPositions]) != 1 {
		t.Fatalf("positions = %+v, want retry to succeed", store.saved[storage.RatioPositions])
	}
}
