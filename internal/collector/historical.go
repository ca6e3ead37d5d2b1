package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/binance"
	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/storage"
)

const (
	maxRestIterations = 50
	requestCooldown   = 500 * time.Millisecond
)

// Target is one (asset, venue symbol, venue) pull target.
type Target struct {
	Asset  string
	Symbol string
	Venue  market.Venue
}

// AggTradeFetcher pulls aggregated trade pages.
type AggTradeFetcher interface {
	FetchAggTrades(ctx context.Context, symbol string, venue market.Venue, query binance.AggTradeQuery) ([]market.AggTrade, error)
}

// AssetTradeStore is the per-asset persistence surface.
type AssetTradeStore interface {
	InsertAggTrades(ctx context.Context, trades []market.AggTrade) (int64, error)
	GetLastAggTradeCheckpoint(ctx context.Context, symbol string, venue market.Venue) (*storage.AggTradeCheckpoint, error)
}

// HistoricalOptions tune cycle cadence and retries.
type HistoricalOptions struct {
	FetchInterval   time.Duration // default 1h
	InitialLookback time.Duration // default 12h
	RestLimit       int           // default 1000
	MaxRetries      int           // default 3
	RetryDelay      time.Duration // default 5s
}

func (o HistoricalOptions) withDefaults() HistoricalOptions {
	if o.FetchInterval <= 0 {
		o.FetchInterval = time.Hour
	}
	if o.InitialLookback <= 0 {
		o.InitialLookback = 12 * time.Hour
	}
	if o.RestLimit <= 0 || o.RestLimit > 1000 {
		o.RestLimit = 1000
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	return o
}

// HistoricalCollector runs resumable per-asset aggregated-trade pulls.
type HistoricalCollector struct {
	client   AggTradeFetcher
	storeFor func(asset string) (AssetTradeStore, error)
	targets  func(ctx context.Context) ([]Target, error)
	opts     HistoricalOptions
	logger   zerolog.Logger
	now      func() time.Time
	cooldown time.Duration
}

// NewHistoricalCollector constructs the collector. storeFor opens (or
// returns) the per-asset store; targets resolves the cycle's target list.
func NewHistoricalCollector(
	client AggTradeFetcher,
	storeFor func(asset string) (AssetTradeStore, error),
	targets func(ctx context.Context) ([]Target, error),
	opts HistoricalOptions,
	logger zerolog.Logger,
) *HistoricalCollector {
	return &HistoricalCollector{
		client:   client,
		storeFor: storeFor,
		targets:  targets,
		opts:     opts.withDefaults(),
		logger:   logger.With().Str("component", "historical_collector").Logger(),
		now:      time.Now,
		cooldown: requestCooldown,
	}
}

// Run executes one cycle immediately and then on every fetch interval until
// ctx is cancelled.
func (h *HistoricalCollector) Run(ctx context.Context) {
	h.runCycle(ctx, false)
	ticker := time.NewTicker(h.opts.FetchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.runCycle(ctx, true)
		}
	}
}

// runCycle iterates the target list. scheduled runs floor the cursor so a
// long-stopped process does not re-scan ancient history.
func (h *HistoricalCollector) runCycle(ctx context.Context, scheduled bool) {
	targets, err := h.targets(ctx)
	if err != nil {
		h.logger.Error().Err(err).Msg("target resolution failed")
		return
	}
	h.logger.Info().Int("targets", len(targets)).Bool("scheduled", scheduled).Msg("historical cycle started")
	for _, target := range targets {
		if ctx.Err() != nil {
			return
		}
		if err := h.processTarget(ctx, target, scheduled); err != nil {
			h.logger.Error().Err(err).Str("asset", target.Asset).Str("symbol", target.Symbol).
				Str("venue", string(target.Venue)).Msg("target pull failed")
		}
	}
}

func (h *HistoricalCollector) processTarget(ctx context.Context, target Target, scheduled bool) error {
	store, err := h.storeFor(target.Asset)
	if err != nil {
		return fmt.Errorf("open asset store: %w", err)
	}
	cp, err := store.GetLastAggTradeCheckpoint(ctx, target.Symbol, target.Venue)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	now := h.now().UnixMilli()
	cursor := now - h.opts.InitialLookback.Milliseconds()
	if cp != nil {
		cursor = cp.TradeTime + 1
	}
	if scheduled {
		if floor := now - h.opts.FetchInterval.Milliseconds(); cursor < floor {
			cursor = floor
		}
	}

	var total int64
	for page := 0; page < maxRestIterations; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		trades, err := h.fetchPage(ctx, target, cursor)
		if err != nil {
			return err
		}
		if len(trades) == 0 {
			break
		}
		inserted, err := store.InsertAggTrades(ctx, trades)
		if err != nil {
			return fmt.Errorf("insert page: %w", err)
		}
		total += inserted
		cursor = trades[len(trades)-1].TradeTime + 1
		if len(trades) < h.opts.RestLimit {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cooldown):
		}
	}
	if total > 0 {
		h.logger.Info().Str("asset", target.Asset).Str("symbol", target.Symbol).
			Str("venue", string(target.Venue)).Int64("inserted", total).Msg("target pulled")
	}
	return nil
}

// fetchPage retries transient failures before giving up on the target.
func (h *HistoricalCollector) fetchPage(ctx context.Context, target Target, cursor int64) ([]market.AggTrade, error) {
	var lastErr error
	for attempt := 1; attempt <= h.opts.MaxRetries; attempt++ {
		trades, err := h.client.FetchAggTrades(ctx, target.Symbol, target.Venue, binance.AggTradeQuery{
			StartTime: cursor,
			Limit:     h.opts.RestLimit,
		})
		if err == nil {
			return trades, nil
		}
		lastErr = err
		if attempt == h.opts.MaxRetries {
			break
		}
		h.logger.Warn().Err(err).Str("symbol", target.Symbol).Int("attempt", attempt).Msg("page fetch failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.opts.RetryDelay):
		}
	}
	return nil, fmt.Errorf("fetch page after %d attempts: %w", h.opts.MaxRetries, lastErr)
}
