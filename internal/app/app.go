package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/senni000/crypto-data-binance/internal/alert"
	"github.com/senni000/crypto-data-binance/internal/backup"
	"github.com/senni000/crypto-data-binance/internal/binance"
	"github.com/senni000/crypto-data-binance/internal/collector"
	"github.com/senni000/crypto-data-binance/internal/config"
	"github.com/senni000/crypto-data-binance/internal/cvd"
	"github.com/senni000/crypto-data-binance/internal/market"
	"github.com/senni000/crypto-data-binance/internal/ratelimit"
	"github.com/senni000/crypto-data-binance/internal/registry"
	"github.com/senni000/crypto-data-binance/internal/storage"
)

// App aggregates configuration and shared dependencies for one process
// role.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// New constructs an application handle.
func New(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) venues() binance.Venues {
	b := a.Config.Binance
	return binance.Venues{
		SpotRESTURL:  b.SpotRESTURL,
		USDMRESTURL:  b.USDMRESTURL,
		CoinMRESTURL: b.CoinMRESTURL,
		SpotWSURL:    b.SpotWSURL,
		USDMWSURL:    b.USDMWSURL,
		CoinMWSURL:   b.CoinMWSURL,
	}
}

// Run opens the store and drives the configured role until a termination
// signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(a.Config.Database.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	a.Logger.Info().Str("role", string(a.Config.Role)).Str("database", a.Config.Database.Path).Msg("starting")

	switch a.Config.Role {
	case config.RoleIngest:
		err = a.runIngest(ctx, store)
	case config.RoleAggregate:
		err = a.runAggregate(ctx, store)
	case config.RoleAlert:
		err = a.runAlert(ctx, store)
	default:
		err = fmt.Errorf("unknown role %q", a.Config.Role)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("stopped")
	return nil
}

// runIngest wires the push collectors, the symbol registry, the historical
// and ratio collectors, and the backup scheduler.
func (a *App) runIngest(ctx context.Context, store *storage.Store) error {
	limiter := ratelimit.New(a.Logger, ratelimit.Options{})
	rest := binance.NewRestClient(a.venues(), limiter, a.Config.Binance.RateLimitBuffer, a.Logger)

	reg, err := registry.New(rest, store, a.Config.Symbols.UpdateHourUTC, a.Logger)
	if err != nil {
		return err
	}
	if err := reg.Refresh(ctx); err != nil {
		// stale catalog is workable; the daily schedule retries
		a.Logger.Warn().Err(err).Msg("initial catalog refresh failed")
	}
	if err := reg.Start(ctx); err != nil {
		return err
	}
	defer reg.Stop()

	specs := a.streamSpecs()
	tradeStream := binance.NewTradeStream(a.venues(), a.Logger)
	if err := tradeStream.Subscribe(specs); err != nil {
		return fmt.Errorf("subscribe trade streams: %w", err)
	}
	tradeCollector := collector.NewTradeCollector(tradeStream, store, collector.TradeCollectorOptions{}, a.Logger)
	tradeCollector.Start(ctx)

	var liqCollector *collector.LiquidationCollector
	if futures := a.futuresSymbols(specs); len(futures) > 0 {
		liqStream := binance.NewLiquidationStream(a.venues(), a.Logger)
		if err := liqStream.Subscribe(futures); err != nil {
			return fmt.Errorf("subscribe liquidation streams: %w", err)
		}
		liqCollector = collector.NewLiquidationCollector(liqStream, store, collector.TradeCollectorOptions{}, a.Logger)
		liqCollector.Start(ctx)
	}

	if a.Config.Assets.ListPath != "" {
		assetStores := storage.NewAssetStores(a.Config.Database.AssetDir, a.Logger)
		defer assetStores.Close()
		resolver := collector.NewTargetResolver(store, a.Config.Assets.ListPath, nil, a.Logger)
		historical := collector.NewHistoricalCollector(
			rest,
			func(asset string) (collector.AssetTradeStore, error) { return assetStores.Get(asset) },
			resolver.Resolve,
			collector.HistoricalOptions{},
			a.Logger,
		)
		go historical.Run(ctx)
	} else {
		a.Logger.Info().Msg("no asset list configured, historical collector disabled")
	}

	ratio := collector.NewRatioCollector(rest, store, collector.RatioOptions{}, a.Logger)
	go ratio.Run(ctx)

	candles := collector.NewCandleCollector(rest, store, a.candleTargets(specs), collector.CandleOptions{}, a.Logger)
	go candles.Run(ctx)

	var backupScheduler *backup.Scheduler
	if a.Config.Backup.Enabled {
		daily, weekly := a.Config.Retention()
		backupScheduler = backup.New(store, backup.Options{
			Interval:   a.Config.Backup.Interval,
			TargetDir:  a.Config.Backup.Path,
			SingleFile: a.Config.Backup.SingleFile,
			Retention:  backup.RetentionPolicy{DailyDays: daily, WeeklyWeeks: weekly},
		}, a.Logger)
		if err := backupScheduler.Start(ctx); err != nil {
			return err
		}
	}

	go a.logEvents(ctx, tradeCollector, liqCollector, reg)

	<-ctx.Done()

	// drain in dependency order: collectors flush, schedules stop, store
	// closes last (deferred)
	stopCtx := context.Background()
	tradeCollector.Stop(stopCtx)
	if liqCollector != nil {
		liqCollector.Stop(stopCtx)
	}
	if backupScheduler != nil {
		backupScheduler.Stop()
	}
	return ctx.Err()
}

func (a *App) runAggregate(ctx context.Context, store *storage.Store) error {
	worker := cvd.NewWorker(store, a.Config.CVD.Groups, cvd.WorkerOptions{
		BatchSize:         a.Config.CVD.BatchSize,
		PollInterval:      a.Config.CVD.PollInterval,
		LogThreshold:      a.Config.CVD.Threshold,
		SuppressionWindow: a.Config.CVD.SuppressionWindow,
		AlertsEnabled:     a.Config.Alerts.Enabled,
	}, a.Logger)
	worker.Run(ctx)
	return ctx.Err()
}

func (a *App) runAlert(ctx context.Context, store *storage.Store) error {
	sink := alert.NewDiscordService(a.Config.Alerts.WebhookURL, store, alert.DiscordOptions{}, a.Logger)
	dispatcher := alert.NewDispatcher(store, sink, alert.DispatcherOptions{
		PollInterval: a.Config.Queue.PollInterval,
		BatchSize:    a.Config.Queue.BatchSize,
		MaxAttempts:  a.Config.Queue.MaxAttempts,
	}, a.Logger)
	dispatcher.Run(ctx)
	return ctx.Err()
}

// streamSpecs flattens and dedups the push subscriptions declared by the
// aggregator groups.
func (a *App) streamSpecs() []market.StreamSpec {
	seen := make(map[market.StreamSpec]bool)
	var specs []market.StreamSpec
	for _, g := range a.Config.CVD.Groups {
		for _, s := range g.Streams {
			if seen[s] {
				continue
			}
			seen[s] = true
			specs = append(specs, s)
		}
	}
	return specs
}

// candleTargets dedups the (symbol, venue) pairs the candle poller covers.
func (a *App) candleTargets(specs []market.StreamSpec) []collector.CandleTarget {
	seen := make(map[collector.CandleTarget]bool)
	var out []collector.CandleTarget
	for _, s := range specs {
		t := collector.CandleTarget{Symbol: s.Symbol, Venue: s.Venue}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > a.Config.Binance.MaxSymbolsPerStream {
		out = out[:a.Config.Binance.MaxSymbolsPerStream]
	}
	return out
}

// futuresSymbols groups the futures-venue symbols for liquidation
// subscriptions.
func (a *App) futuresSymbols(specs []market.StreamSpec) map[market.Venue][]string {
	seen := make(map[string]bool)
	out := make(map[market.Venue][]string)
	for _, s := range specs {
		if s.Venue == market.VenueSpot {
			continue
		}
		key := string(s.Venue) + ":" + s.Symbol
		if seen[key] {
			continue
		}
		seen[key] = true
		out[s.Venue] = append(out[s.Venue], s.Symbol)
	}
	return out
}

// logEvents surfaces collector and registry notifications into the log.
func (a *App) logEvents(ctx context.Context, trades *collector.TradeCollector, liqs *collector.LiquidationCollector, reg *registry.Registry) {
	// nil channels block forever in select
	var liqSaved <-chan int
	var liqErrs <-chan error
	if liqs != nil {
		liqSaved = liqs.Saved()
		liqErrs = liqs.Errs()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-trades.Saved():
			a.Logger.Debug().Int("count", n).Msg("trades saved")
		case err := <-trades.Errs():
			a.Logger.Warn().Err(err).Msg("trade collector error")
		case n := <-liqSaved:
			a.Logger.Debug().Int("count", n).Msg("liquidations saved")
		case err := <-liqErrs:
			a.Logger.Warn().Err(err).Msg("liquidation collector error")
		case <-reg.Updated():
			a.Logger.Info().Msg("symbol catalog updated")
		}
	}
}
