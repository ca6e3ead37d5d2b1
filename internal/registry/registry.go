package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/senni000/crypto-data-binance/internal/binance"
	"github.com/senni000/crypto-data-binance/internal/market"
)

// failureRetryDelay re-schedules a failed refresh ahead of the next daily run.
const failureRetryDelay = 6 * time.Hour

// CatalogClient loads venue symbol catalogs.
type CatalogClient interface {
	FetchExchangeInfo(ctx context.Context, venue market.Venue) ([]binance.ExchangeSymbol, error)
}

// SymbolStore persists catalog state.
type SymbolStore interface {
	UpsertSymbols(ctx context.Context, symbols []market.Symbol) error
	DeactivateMissing(ctx context.Context, venue market.Venue, present []string) (int64, error)
}

// Registry refreshes the three venue catalogs once a day and notifies
// downstream consumers after a successful run.
type Registry struct {
	client CatalogClient
	store  SymbolStore
	hour   int
	logger zerolog.Logger

	updated chan struct{}

	mu    sync.Mutex
	cron  *cron.Cron
	retry *time.Timer
}

// New constructs a Registry refreshing daily at hour UTC (0-23).
func New(client CatalogClient, store SymbolStore, hour int, logger zerolog.Logger) (*Registry, error) {
	if hour < 0 || hour > 23 {
		return nil, fmt.Errorf("registry: update hour %d out of range", hour)
	}
	return &Registry{
		client:  client,
		store:   store,
		hour:    hour,
		logger:  logger.With().Str("component", "symbol_registry").Logger(),
		updated: make(chan struct{}, 1),
	}, nil
}

// Updated signals after each successful refresh so subscriptions can be
// recomputed. The channel carries at most one pending notification.
func (r *Registry) Updated() <-chan struct{} { return r.updated }

// Start schedules the daily refresh. It does not run one immediately;
// callers refresh once during bootstrap.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	spec := fmt.Sprintf("0 %d * * *", r.hour)
	if _, err := c.AddFunc(spec, func() { r.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("registry: schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.logger.Info().Int("hour_utc", r.hour).Msg("daily catalog refresh scheduled")
	return nil
}

// Stop cancels the schedule and any pending failure retry.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		r.cron.Stop()
		r.cron = nil
	}
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}

func (r *Registry) runScheduled(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		r.logger.Error().Err(err).Dur("retry_in", failureRetryDelay).Msg("catalog refresh failed")
		r.mu.Lock()
		if r.retry != nil {
			r.retry.Stop()
		}
		r.retry = time.AfterFunc(failureRetryDelay, func() { r.runScheduled(ctx) })
		r.mu.Unlock()
		return
	}
	// next run comes from the daily cron entry
}

// Refresh loads all three venue catalogs concurrently, upserts them and
// deactivates actives missing from the latest catalogs.
func (r *Registry) Refresh(ctx context.Context) error {
	venues := []market.Venue{market.VenueSpot, market.VenueUSDM, market.VenueCoinM}
	catalogs := make([][]binance.ExchangeSymbol, len(venues))

	g, gctx := errgroup.WithContext(ctx)
	for i, venue := range venues {
		i, venue := i, venue
		g.Go(func() error {
			symbols, err := r.client.FetchExchangeInfo(gctx, venue)
			if err != nil {
				return fmt.Errorf("fetch %s catalog: %w", venue, err)
			}
			catalogs[i] = symbols
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, venue := range venues {
		batch, present := r.mapCatalog(venue, catalogs[i])
		if err := r.store.UpsertSymbols(ctx, batch); err != nil {
			return fmt.Errorf("upsert %s symbols: %w", venue, err)
		}
		deactivated, err := r.store.DeactivateMissing(ctx, venue, present)
		if err != nil {
			return fmt.Errorf("deactivate %s symbols: %w", venue, err)
		}
		r.logger.Info().Str("venue", string(venue)).Int("symbols", len(batch)).
			Int64("deactivated", deactivated).Msg("catalog refreshed")
	}

	select {
	case r.updated <- struct{}{}:
	default:
	}
	return nil
}

// mapCatalog converts raw entries to the stored model and collects the live
// set used for deactivation. Spot keeps only spot-eligible instruments.
func (r *Registry) mapCatalog(venue market.Venue, raw []binance.ExchangeSymbol) ([]market.Symbol, []string) {
	batch := make([]market.Symbol, 0, len(raw))
	present := make([]string, 0, len(raw))
	for _, e := range raw {
		if venue == market.VenueSpot && !e.SpotEligible() {
			continue
		}
		sym := e.ToSymbol(venue)
		batch = append(batch, sym)
		if sym.Status == market.SymbolActive {
			present = append(present, sym.Symbol)
		}
	}
	return batch, present
}
