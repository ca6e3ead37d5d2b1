package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

type fakeTradeFeed struct {
	events chan market.Trade
	errs   chan error
	closed bool
}

func newFakeTradeFeed() *fakeTradeFeed {
	return &fakeTradeFeed{events: make(chan market.Trade, 64), errs: make(chan error, 4)}
}

func (f *fakeTradeFeed) Events() <-chan market.Trade { return f.events }
func (f *fakeTradeFeed) Errors() <-chan error        { return f.errs }
func (f *fakeTradeFeed) Close()                      { f.closed = true }

type fakeTradeSink struct {
	mu      sync.Mutex
	batches [][]market.Trade
	failN   int
}

func (f *fakeTradeSink) InsertTrades(ctx context.Context, trades []market.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return errors.New("store unavailable")
	}
	batch := make([]market.Trade, len(trades))
	copy(batch, trades)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeTradeSink) all() []market.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []market.Trade
	for _, b := range f.batches {
		out = append(out, b...)
	}
	return out
}

func trade(id int64) market.Trade {
	return market.Trade{
		Symbol: "BTCUSDT", Venue: market.VenueSpot, TradeID: id, Timestamp: id,
		Price: 1, Amount: 1, Direction: market.DirectionBuy, StreamType: market.StreamAggTrade,
	}
}

func TestTradeCollectorThresholdFlush(t *testing.T) {
	feed := newFakeTradeFeed()
	sink := &fakeTradeSink{}
	c := NewTradeCollector(feed, sink, TradeCollectorOptions{FlushInterval: time.Hour, MaxBufferSize: 3}, zerolog.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	for i := int64(1); i <= 3; i++ {
		feed.events <- trade(i)
	}

	select {
	case n := <-c.Saved():
		if n != 3 {
			t.Fatalf("saved = %d, want 3", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected threshold flush")
	}
	got := sink.all()
	if len(got) != 3 || got[0].TradeID != 1 || got[2].TradeID != 3 {
		t.Fatalf("persisted = %+v", got)
	}
}

func TestTradeCollectorPeriodicFlush(t *testing.T) {
	feed := newFakeTradeFeed()
	sink := &fakeTradeSink{}
	c := NewTradeCollector(feed, sink, TradeCollectorOptions{FlushInterval: 50 * time.Millisecond, MaxBufferSize: 1000}, zerolog.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	feed.events <- trade(1)

	select {
	case <-c.Saved():
	case <-time.After(time.Second):
		t.Fatal("expected periodic flush")
	}
}

func TestTradeCollectorRequeuesOnFailure(t *testing.T) {
	feed := newFakeTradeFeed()
	sink := &fakeTradeSink{failN: 1}
	c := NewTradeCollector(feed, sink, TradeCollectorOptions{FlushInterval: 40 * time.Millisecond, MaxBufferSize: 1000}, zerolog.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	feed.events <- trade(1)
	feed.events <- trade(2)

	select {
	case err := <-c.Errs():
		if err == nil {
			t.Fatal("expected flush error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected error emission")
	}

	// next periodic flush retries the same batch in order
	select {
	case n := <-c.Saved():
		if n != 2 {
			t.Fatalf("retried flush = %d rows, want 2", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected retry flush")
	}
	got := sink.all()
	if len(got) != 2 || got[0].TradeID != 1 || got[1].TradeID != 2 {
		t.Fatalf("order not preserved: %+v", got)
	}
}

func TestTradeCollectorFinalFlushOnStop(t *testing.T) {
	feed := newFakeTradeFeed()
	sink := &fakeTradeSink{}
	c := NewTradeCollector(feed, sink, TradeCollectorOptions{FlushInterval: time.Hour, MaxBufferSize: 1000}, zerolog.Nop())
	c.Start(context.Background())

	feed.events <- trade(7)
	time.Sleep(50 * time.Millisecond)
	c.Stop(context.Background())

	if !feed.closed {
		t.Fatal("stop must disconnect the push client")
	}
	got := sink.all()
	if len(got) != 1 || got[0].TradeID != 7 {
		t.Fatalf("final flush missing: %+v", got)
	}
}

type fakeLiqFeed struct {
	events chan market.LiquidationEvent
	errs   chan error
	closed bool
}

func (f *fakeLiqFeed) Events() <-chan market.LiquidationEvent { return f.events }
func (f *fakeLiqFeed) Errors() <-chan error                   { return f.errs }
func (f *fakeLiqFeed) Close()                                 { f.closed = true }

type fakeLiqSink struct {
	mu     sync.Mutex
	events []market.LiquidationEvent
}

func (f *fakeLiqSink) InsertLiquidations(ctx context.Context, events []market.LiquidationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func TestLiquidationCollectorFlush(t *testing.T) {
	feed := &fakeLiqFeed{events: make(chan market.LiquidationEvent, 8), errs: make(chan error, 1)}
	sink := &fakeLiqSink{}
	c := NewLiquidationCollector(feed, sink, TradeCollectorOptions{FlushInterval: 40 * time.Millisecond}, zerolog.Nop())
	c.Start(context.Background())
	defer c.Stop(context.Background())

	feed.events <- market.LiquidationEvent{Venue: market.VenueUSDM, Symbol: "BTCUSDT", Side: "SELL", FilledQty: 1, EventTime: 1}

	select {
	case n := <-c.Saved():
		if n != 1 {
			t.Fatalf("saved = %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected flush")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || sink.events[0].Symbol != "BTCUSDT" {
		t.Fatalf("events = %+v", sink.events)
	}
}
