package collector

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/storage"
)

// ratioRetention drops samples older than a day before persistence.
const ratioRetention = 24 * time.Hour

// RatioFetcher pulls the two top-trader ratio series.
type RatioFetcher interface {
	FetchTopTraderPositions(ctx context.Context, symbol string) ([]market.RatioSample, error)
	FetchTopTraderAccounts(ctx context.Context, symbol string) ([]market.RatioSample, error)
}

// RatioStore persists samples and lists the symbols to poll.
type RatioStore interface {
	InsertRatioSamples(ctx context.Context, kind storage.RatioKind, samples []market.RatioSample) error
	ListActiveSymbols(ctx context.Context, venue market.Venue) ([]market.Symbol, error)
}

// RatioOptions tune polling cadence and retries.
type RatioOptions struct {
	Interval     time.Duration // default 5m
	RequestDelay time.Duration // default 3s
	MaxRetries   int           // default 3
	RetryDelay   time.Duration // default 2s
}

func (o RatioOptions) withDefaults() RatioOptions {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.RequestDelay <= 0 {
		o.RequestDelay = 3 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	return o
}

// RatioCollector polls top-trader long/short ratios for the active
// USDT-margined perpetuals.
type RatioCollector struct {
	client RatioFetcher
	store  RatioStore
	opts   RatioOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewRatioCollector constructs the collector.
func NewRatioCollector(client RatioFetcher, store RatioStore, opts RatioOptions, logger zerolog.Logger) *RatioCollector {
	return &RatioCollector{
		client: client,
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "ratio_collector").Logger(),
		now:    time.Now,
	}
}

// Run executes one cycle immediately and then on every interval until ctx
// is cancelled.
func (r *RatioCollector) Run(ctx context.Context) {
	r.runCycle(ctx)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

func (r *RatioCollector) runCycle(ctx context.Context) {
	symbols, err := r.store.ListActiveSymbols(ctx, market.VenueUSDM)
	if err != nil {
		r.logger.Error().Err(err).Msg("list symbols failed")
		return
	}
	for _, sym := range symbols {
		if ctx.Err() != nil {
			return
		}
		// dated futures have no meaningful top-trader series
		if sym.ContractType != "" && sym.ContractType != "PERPETUAL" {
			continue
		}
		r.pollSymbol(ctx, sym.Symbol)
	}
}

func (r *RatioCollector) pollSymbol(ctx context.Context, symbol string) {
	if samples, err := r.fetchWithRetry(ctx, symbol, r.client.FetchTopTraderPositions); err != nil {
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("position ratio fetch failed")
	} else if err := r.store.InsertRatioSamples(ctx, storage.RatioPositions, r.filterFresh(samples)); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("position ratio insert failed")
	}
	if !r.pause(ctx) {
		return
	}
	if samples, err := r.fetchWithRetry(ctx, symbol, r.client.FetchTopTraderAccounts); err != nil {
		r.logger.Warn().Err(err).Str("symbol", symbol).Msg("account ratio fetch failed")
	} else if err := r.store.InsertRatioSamples(ctx, storage.RatioAccounts, r.filterFresh(samples)); err != nil {
		r.logger.Error().Err(err).Str("symbol", symbol).Msg("account ratio insert failed")
	}
	r.pause(ctx)
}

func (r *RatioCollector) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.opts.RequestDelay):
		return true
	}
}

func (r *RatioCollector) fetchWithRetry(ctx context.Context, symbol string, fetch func(context.Context, string) ([]market.RatioSample, error)) ([]market.RatioSample, error) {
	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxRetries; attempt++ {
		samples, err := fetch(ctx, symbol)
		if err == nil {
			return samples, nil
		}
		lastErr = err
		if attempt == r.opts.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.RetryDelay):
		}
	}
	return nil, lastErr
}

// filterFresh drops samples past the retention horizon.
func (r *RatioCollector) filterFresh(samples []market.RatioSample) []market.RatioSample {
	cutoff := r.now().Add(-ratioRetention).UnixMilli()
	out := samples[:0]
	for _, s := range samples {
		if s.Timestamp >= cutoff {
			out = append(out, s)
		}
	}
	return out
}
