package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
)

// intervalWidth maps a candle interval onto its bar width, which doubles as
// the polling cadence.
var intervalWidth = map[market.CandleInterval]time.Duration{
	market.Interval1m:  time.Minute,
	market.Interval30m: 30 * time.Minute,
	market.Interval1d:  24 * time.Hour,
}

// CandleFetcher pulls klines.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol string, interval market.CandleInterval, venue market.Venue, startTime int64) ([]market.Candle, error)
}

// CandleSink persists bars and exposes the per-symbol cursor.
type CandleSink interface {
	InsertCandles(ctx context.Context, interval market.CandleInterval, candles []market.Candle) error
	GetLastCandleOpenTime(ctx context.Context, interval market.CandleInterval, symbol string) (int64, error)
}

// CandleTarget is one symbol to poll on one venue.
type CandleTarget struct {
	Symbol string
	Venue  market.Venue
}

// CandleOptions tune the poller.
type CandleOptions struct {
	PollInterval    time.Duration // default 1m
	InitialLookback time.Duration // default 24h
	MaxRetries      int           // default 3
	RetryDelay      time.Duration // default 5s
}

func (o CandleOptions) withDefaults() CandleOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.InitialLookback <= 0 {
		o.InitialLookback = 24 * time.Hour
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

// CandleCollector polls REST klines for a fixed target set across the three
// persisted intervals. Each interval is refreshed on its own bar cadence.
type CandleCollector struct {
	client  CandleFetcher
	sink    CandleSink
	targets []CandleTarget
	opts    CandleOptions
	logger  zerolog.Logger
	now     func() time.Time

	nextDue map[string]time.Time
}

// NewCandleCollector constructs the poller.
func NewCandleCollector(client CandleFetcher, sink CandleSink, targets []CandleTarget, opts CandleOptions, logger zerolog.Logger) *CandleCollector {
	return &CandleCollector{
		client:  client,
		sink:    sink,
		targets: targets,
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "candle_collector").Logger(),
		now:     time.Now,
		nextDue: make(map[string]time.Time),
	}
}

// Run executes one cycle immediately and then on every poll interval until
// ctx is cancelled.
func (c *CandleCollector) Run(ctx context.Context) {
	c.runCycle(ctx)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

func (c *CandleCollector) runCycle(ctx context.Context) {
	now := c.now()
	for _, target := range c.targets {
		for interval, width := range intervalWidth {
			if ctx.Err() != nil {
				return
			}
			key := target.Symbol + "/" + string(target.Venue) + "@" + string(interval)
			if due, ok := c.nextDue[key]; ok && now.Before(due) {
				continue
			}
			if err := c.pull(ctx, target, interval); err != nil {
				c.logger.Warn().Err(err).Str("symbol", target.Symbol).Str("interval", string(interval)).Msg("candle pull failed")
				continue
			}
			c.nextDue[key] = now.Add(width)
		}
	}
}

func (c *CandleCollector) pull(ctx context.Context, target CandleTarget, interval market.CandleInterval) error {
	last, err := c.sink.GetLastCandleOpenTime(ctx, interval, target.Symbol)
	if err != nil {
		return err
	}
	start := last
	if start == 0 {
		start = c.now().Add(-c.opts.InitialLookback).UnixMilli()
	}
	var candles []market.Candle
	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		candles, lastErr = c.client.FetchCandles(ctx, target.Symbol, interval, target.Venue, start)
		if lastErr == nil {
			break
		}
		if attempt == c.opts.MaxRetries {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.RetryDelay):
		}
	}
	if len(candles) == 0 {
		return nil
	}
	return c.sink.InsertCandles(ctx, interval, candles)
}
