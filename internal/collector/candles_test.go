package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

type fakeCandleClient struct {
	mu     sync.Mutex
	calls  []int64
	bars   []market.Candle
	fails  int
}

func (f *fakeCandleClient) FetchCandles(ctx context.Context, symbol string, interval market.CandleInterval, venue market.Venue, startTime int64) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, context.DeadlineExceeded
	}
	f.calls = append(f.calls, startTime)
	return f.bars, nil
}

type fakeCandleSink struct {
	mu       sync.Mutex
	last     map[string]int64
	inserted map[market.CandleInterval][]market.Candle
}

func newFakeCandleSink() *fakeCandleSink {
	return &fakeCandleSink{last: make(map[string]int64), inserted: make(map[market.CandleInterval][]market.Candle)}
}

func (f *fakeCandleSink) InsertCandles(ctx context.Context, interval market.CandleInterval, candles []market.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted[interval] = append(f.inserted[interval], candles...)
	if len(candles) > 0 {
		f.last[string(interval)+candles[0].Symbol] = candles[len(candles)-1].OpenTime
	}
	return nil
}

func (f *fakeCandleSink) GetLastCandleOpenTime(ctx context.Context, interval market.CandleInterval, symbol string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[string(interval)+symbol], nil
}

func TestCandleCyclePollsAllIntervals(t *testing.T) {
	client := &fakeCandleClient{bars: []market.Candle{{Symbol: "BTCUSDT", OpenTime: 1000, Close: 1}}}
	sink := newFakeCandleSink()
	c := NewCandleCollector(client, sink,
		[]CandleTarget{{Symbol: "BTCUSDT", Venue: market.VenueSpot}},
		CandleOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	c.runCycle(context.Background())

	client.mu.Lock()
	calls := len(client.calls)
	client.mu.Unlock()
	if calls != 3 {
		t.Fatalf("calls = %d, want one per interval", calls)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, interval := range []market.CandleInterval{market.Interval1m, market.Interval30m, market.Interval1d} {
		if len(sink.inserted[interval]) != 1 {
			t.Fatalf("interval %s not persisted", interval)
		}
	}
}

func TestCandleCadenceSkipsUntilDue(t *testing.T) {
	client := &fakeCandleClient{bars: []market.Candle{{Symbol: "BTCUSDT", OpenTime: 1000}}}
	sink := newFakeCandleSink()
	c := NewCandleCollector(client, sink,
		[]CandleTarget{{Symbol: "BTCUSDT", Venue: market.VenueSpot}},
		CandleOptions{RetryDelay: time.Millisecond}, zerolog.Nop())
	base := time.Now()
	c.now = func() time.Time { return base }

	c.runCycle(context.Background())
	// one minute later only the 1m interval is due again
	c.now = func() time.Time { return base.Add(time.Minute) }
	c.runCycle(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.calls) != 4 {
		t.Fatalf("calls = %d, want 3 + 1", len(client.calls))
	}
}

func TestCandleCursorResumesFromLastBar(t *testing.T) {
	client := &fakeCandleClient{bars: []market.Candle{{Symbol: "BTCUSDT", OpenTime: 7000}}}
	sink := newFakeCandleSink()
	sink.last[string(market.Interval1m)+"BTCUSDT"] = 5000
	c := NewCandleCollector(client, sink,
		[]CandleTarget{{Symbol: "BTCUSDT", Venue: market.VenueSpot}},
		CandleOptions{RetryDelay: time.Millisecond}, zerolog.Nop())

	if err := c.pull(context.Background(), CandleTarget{Symbol: "BTCUSDT", Venue: market.VenueSpot}, market.Interval1m); err != nil {
		t.Fatalf("pull: %v", err)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.calls) != 1 || client.calls[0] != 5000 {
		t.Fatalf("startTime = %v, want cursor at last stored bar", client.calls)
	}
}

func TestCandlePullRetries(t *testing.T) {
	client := &fakeCandleClient{fails: 2, bars: []market.Candle{{Symbol: "BTCUSDT", OpenTime: 1}}}
	sink := newFakeCandleSink()
	c := NewCandleCollector(client, sink,
		[]CandleTarget{{Symbol: "BTCUSDT", Venue: market.VenueSpot}},
		CandleOptions{MaxRetries: 3, RetryDelay: time.Millisecond}, zerolog.Nop())

	if err := c.pull(context.Background(), CandleTarget{Symbol: "BTCUSDT", Venue: market.VenueSpot}, market.Interval1m); err != nil {
		t.Fatalf("pull after retries: %v", err)
	}
}
