package binance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/ratelimit"
)

func newTestRest(t *testing.T, handler http.Handler) (*RestClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	limiter := ratelimit.New(zerolog.Nop(), ratelimit.Options{Rand: func() float64 { return 0 }})
	venues := Venues{SpotRESTURL: srv.URL, USDMRESTURL: srv.URL, CoinMRESTURL: srv.URL}
	return NewRestClient(venues, limiter, 0.1, zerolog.Nop()), srv
}

func TestFetchCandles(t *testing.T) {
	c, _ := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "30m" {
			t.Errorf("interval = %s", got)
		}
		rows := [][]any{
			{int64(2000), "101", "102", "100", "101.5", "10", int64(2059), "1015", 7},
			{int64(1000), "100", "101", "99", "100.5", "12", int64(1059), "1200", 9},
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))

	candles, err := c.FetchCandles(context.Background(), "btcusdt", market.Interval30m, market.VenueSpot, 0)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("candles = %d", len(candles))
	}
	if candles[0].OpenTime != 1000 || candles[1].OpenTime != 2000 {
		t.Fatalf("candles not sorted ascending: %+v", candles)
	}
	if candles[0].Open != 100 || candles[0].QuoteVolume != 1200 || candles[0].TradeCount != 9 {
		t.Fatalf("string numerics not converted: %+v", candles[0])
	}
}

func TestFetchAggTrades(t *testing.T) {
	c, _ := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/aggTrades" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("startTime"); got != "5000" {
			t.Errorf("startTime = %s", got)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"a": 2, "p": "100.5", "q": "3", "f": 2, "l": 2, "T": 6000, "m": true},
			{"a": 1, "p": "100.0", "q": "2", "f": 1, "l": 1, "T": 5500, "m": false},
		})
	}))

	trades, err := c.FetchAggTrades(context.Background(), "ETHUSDT", market.VenueUSDM, AggTradeQuery{StartTime: 5000})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(trades) != 2 || trades[0].TradeID != 1 || trades[1].TradeID != 2 {
		t.Fatalf("trades not ordered by time: %+v", trades)
	}
	if trades[0].Source != market.SourceRest {
		t.Fatalf("source = %s", trades[0].Source)
	}
}

func TestFetchAggTradesRejectsCoinM(t *testing.T) {
	c, _ := newTestRest(t, http.NotFoundHandler())
	if _, err := c.FetchAggTrades(context.Background(), "BTCUSD_PERP", market.VenueCoinM, AggTradeQuery{}); !errors.Is(err, ErrUnknownVenue) {
		t.Fatalf("expected ErrUnknownVenue, got %v", err)
	}
}

func TestFetchTopTraderPositions(t *testing.T) {
	c, _ := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/futures/data/topLongShortPositionRatio" {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("period") != "5m" || q.Get("limit") != "12" {
			t.Errorf("query = %v", q)
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"symbol": "BTCUSDT", "longShortRatio": "1.25", "longAccount": "0.5556", "shortAccount": "0.4444", "timestamp": 1000},
		})
	}))

	samples, err := c.FetchTopTraderPositions(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(samples) != 1 || samples[0].LongShortRatio != 1.25 || samples[0].LongRatio != 0.5556 {
		t.Fatalf("samples = %+v", samples)
	}
}

func TestAPIErrorSurfaced(t *testing.T) {
	c, _ := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": -1121, "msg": "Invalid symbol."})
	}))

	_, err := c.FetchCandles(context.Background(), "NOPE", market.Interval1m, market.VenueSpot, 0)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != -1121 || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if apiErr.RateLimited() {
		t.Fatal("400 must not classify as rate limited")
	}
}

func TestRateLimitedRetries(t *testing.T) {
	calls := 0
	c, _ := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": -1003, "msg": "Too many requests."})
			return
		}
		_ = json.NewEncoder(w).Encode([][]any{})
	}))

	start := time.Now()
	_, err := c.FetchCandles(context.Background(), "BTCUSDT", market.Interval1m, market.VenueSpot, 0)
	if err != nil {
		t.Fatalf("fetch after retry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Fatal("expected ~1s backoff before the retry")
	}
}

func TestFetchExchangeInfoSpotEligibility(t *testing.T) {
	c, _ := newTestRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbols": []map[string]any{
				{
					"symbol": "BTCUSDT", "status": "TRADING", "baseAsset": "BTC", "quoteAsset": "USDT",
					"permissions": []string{"SPOT", "MARGIN"},
					"filters": []map[string]any{
						{"filterType": "PRICE_FILTER", "tickSize": "0.01"},
						{"filterType": "LOT_SIZE", "stepSize": "0.0001"},
						{"filterType": "NOTIONAL", "notional": "5"},
					},
				},
				{
					"symbol": "OLDUSDT", "status": "BREAK", "baseAsset": "OLD", "quoteAsset": "USDT",
					"permissionSets": [][]string{{"SPOT"}},
				},
				{
					"symbol": "LEGACY", "status": "TRADING", "baseAsset": "LEG", "quoteAsset": "USDT",
					"isSpotTradingAllowed": true,
				},
				{
					"symbol": "ETFONLY", "status": "TRADING", "baseAsset": "ETF", "quoteAsset": "USDT",
					"permissions": []string{"MARGIN"},
				},
			},
		})
	}))

	symbols, err := c.FetchExchangeInfo(context.Background(), market.VenueSpot)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(symbols) != 4 {
		t.Fatalf("symbols = %d", len(symbols))
	}
	eligible := map[string]bool{}
	for _, s := range symbols {
		eligible[s.Symbol] = s.SpotEligible()
	}
	if !eligible["BTCUSDT"] || !eligible["OLDUSDT"] || !eligible["LEGACY"] {
		t.Fatalf("eligibility = %v", eligible)
	}
	if eligible["ETFONLY"] {
		t.Fatal("MARGIN-only symbol must not be spot eligible")
	}

	btc := symbols[0].ToSymbol(market.VenueSpot)
	if btc.Status != market.SymbolActive || btc.TickSize != 0.01 || btc.StepSize != 0.0001 || btc.MinNotional != 5 {
		t.Fatalf("mapped symbol = %+v", btc)
	}
	old := symbols[1].ToSymbol(market.VenueSpot)
	if old.Status != market.SymbolInactive {
		t.Fatalf("BREAK must map to INACTIVE, got %s", old.Status)
	}
}
