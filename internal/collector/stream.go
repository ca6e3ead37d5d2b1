package collector

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

const (
	defaultFlushInterval      = 5 * time.Second
	defaultTradeBufferSize    = 1000
	defaultLiquidationBuffer  = 500
)

// TradeFeed is the push-client side of the trade collector.
type TradeFeed interface {
	Events() <-chan market.Trade
	Errors() <-chan error
	Close()
}

// TradeSink persists trade batches.
type TradeSink interface {
	InsertTrades(ctx context.Context, trades []market.Trade) error
}

// TradeCollectorOptions tune buffering.
type TradeCollectorOptions struct {
	FlushInterval time.Duration
	MaxBufferSize int
}

// TradeCollector buffers push trades and flushes them to the store on a
// timer or when the buffer fills.
type TradeCollector struct {
	feed   TradeFeed
	sink   TradeSink
	opts   TradeCollectorOptions
	logger zerolog.Logger

	saved chan int
	errs  chan error

	bufMu sync.Mutex
	buf   []market.Trade

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewTradeCollector wires a feed to a sink.
func NewTradeCollector(feed TradeFeed, sink TradeSink, opts TradeCollectorOptions, logger zerolog.Logger) *TradeCollector {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = defaultTradeBufferSize
	}
	return &TradeCollector{
		feed:   feed,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "trade_collector").Logger(),
		saved:  make(chan int, 16),
		errs:   make(chan error, 16),
		stop:   make(chan struct{}),
	}
}

// Saved reports flush sizes after successful persistence.
func (c *TradeCollector) Saved() <-chan int { return c.saved }

// Errs surfaces flush and transport errors.
func (c *TradeCollector) Errs() <-chan error { return c.errs }

// Start launches the collection loop.
func (c *TradeCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case trade := <-c.feed.Events():
				if c.append(trade) >= c.opts.MaxBufferSize {
					c.flush(ctx)
				}
			case err := <-c.feed.Errors():
				c.emitError(err)
			case <-ticker.C:
				c.flush(ctx)
			}
		}
	}()
}

// Stop disables the timer, disconnects the push client and flushes what is
// left in the buffer.
func (c *TradeCollector) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.feed.Close()
		c.flush(ctx)
	})
}

func (c *TradeCollector) append(t market.Trade) int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.buf = append(c.buf, t)
	return len(c.buf)
}

// flush swaps the buffer out, writes it, and on failure re-prepends the
// batch so arrival order survives the retry.
func (c *TradeCollector) flush(ctx context.Context) {
	c.bufMu.Lock()
	batch := c.buf
	c.buf = nil
	c.bufMu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := c.sink.InsertTrades(ctx, batch); err != nil {
		c.bufMu.Lock()
		c.buf = append(batch, c.buf...)
		c.bufMu.Unlock()
		c.emitError(err)
		return
	}
	select {
	case c.saved <- len(batch):
	default:
	}
	c.logger.Debug().Int("count", len(batch)).Msg("trades flushed")
}

func (c *TradeCollector) emitError(err error) {
	c.logger.Warn().Err(err).Msg("trade collector error")
	select {
	case c.errs <- err:
	default:
	}
}

// LiquidationFeed is the push-client side of the liquidation collector.
type LiquidationFeed interface {
	Events() <-chan market.LiquidationEvent
	Errors() <-chan error
	Close()
}

// LiquidationSink persists liquidation batches.
type LiquidationSink interface {
	InsertLiquidations(ctx context.Context, events []market.LiquidationEvent) error
}

// LiquidationCollector mirrors TradeCollector for forced orders.
type LiquidationCollector struct {
	feed   LiquidationFeed
	sink   LiquidationSink
	opts   TradeCollectorOptions
	logger zerolog.Logger

	saved chan int
	errs  chan error

	bufMu sync.Mutex
	buf   []market.LiquidationEvent

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewLiquidationCollector wires a feed to a sink.
func NewLiquidationCollector(feed LiquidationFeed, sink LiquidationSink, opts TradeCollectorOptions, logger zerolog.Logger) *LiquidationCollector {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = defaultLiquidationBuffer
	}
	return &LiquidationCollector{
		feed:   feed,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "liquidation_collector").Logger(),
		saved:  make(chan int, 16),
		errs:   make(chan error, 16),
		stop:   make(chan struct{}),
	}
}

// Saved reports flush sizes after successful persistence.
func (c *LiquidationCollector) Saved() <-chan int { return c.saved }

// Errs surfaces flush and transport errors.
func (c *LiquidationCollector) Errs() <-chan error { return c.errs }

// Start launches the collection loop.
func (c *LiquidationCollector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			case event := <-c.feed.Events():
				if c.append(event) >= c.opts.MaxBufferSize {
					c.flush(ctx)
				}
			case err := <-c.feed.Errors():
				c.emitError(err)
			case <-ticker.C:
				c.flush(ctx)
			}
		}
	}()
}

// Stop disables the timer, disconnects the push client and flushes what is
// left in the buffer.
func (c *LiquidationCollector) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.feed.Close()
		c.flush(ctx)
	})
}

func (c *LiquidationCollector) append(e market.LiquidationEvent) int {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	c.buf = append(c.buf, e)
	return len(c.buf)
}

func (c *LiquidationCollector) flush(ctx context.Context) {
	c.bufMu.Lock()
	batch := c.buf
	c.buf = nil
	c.bufMu.Unlock()
	if len(batch) == 0 {
		return
	}
	if err := c.sink.InsertLiquidations(ctx, batch); err != nil {
		c.bufMu.Lock()
		c.buf = append(batch, c.buf...)
		c.bufMu.Unlock()
		c.emitError(err)
		return
	}
	select {
	case c.saved <- len(batch):
	default:
	}
	c.logger.Debug().Int("count", len(batch)).Msg("liquidations flushed")
}

func (c *LiquidationCollector) emitError(err error) {
	c.logger.Warn().Err(err).Msg("liquidation collector error")
	select {
	case c.errs <- err:
	default:
	}
}
