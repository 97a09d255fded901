// Package bootstrap assembles the keeper from its configuration: venue
// adapters, market state, funding scan, scheduler, liquidation monitor,
// journal, and the telemetry surface. Construction and starting are
// separate so a wiring mistake surfaces before anything touches a venue.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/config"
	"funding_keeper/internal/core"
	"funding_keeper/internal/diag"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/funding"
	"funding_keeper/internal/infrastructure/health"
	"funding_keeper/internal/infrastructure/metrics"
	"funding_keeper/internal/journal"
	"funding_keeper/internal/market"
	"funding_keeper/internal/risk"
	"funding_keeper/internal/scheduler"
	"funding_keeper/internal/symbols"
	"funding_keeper/internal/venue/hyperliquid"
	"funding_keeper/internal/venue/paper"
	"funding_keeper/pkg/concurrency"
	"funding_keeper/pkg/ratelimit"
)

const shutdownTimeout = 5 * time.Second

// VenueInitError marks a venue adapter that failed to initialize. The
// binary exits with a dedicated code when startup fails on one.
type VenueInitError struct {
	Venue core.Venue
	Err   error
}

func (e *VenueInitError) Error() string {
	return fmt.Sprintf("venue %s failed to initialize: %v", e.Venue, e.Err)
}

func (e *VenueInitError) Unwrap() error { return e.Err }

// App owns every long-lived component of the keeper.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	alerts    *alert.Manager
	diag      *diag.Hub
	tracker   *health.Tracker
	limiters  *ratelimit.Registry
	pool      *concurrency.WorkerPool
	venues    map[core.Venue]core.IVenueAdapter
	symbols   *symbols.Registry
	cache     *market.Cache
	store     journal.Store
	collector *journal.Collector
	scheduler *scheduler.Scheduler
	monitor   *risk.Monitor
	metrics   *metrics.Server
}

// NewApp wires the keeper's components without starting any of them.
// The config must already be validated.
func NewApp(cfg *config.Config, logger core.ILogger) (*App, error) {
	alerts := buildAlerts(cfg, logger)
	diagHub := diag.NewHub(logger, alerts)
	tracker := health.NewTracker(logger)

	limiterConfigs := make(map[core.Venue]ratelimit.Config, len(cfg.Venues))
	for _, venue := range cfg.ActiveVenues() {
		limiterConfigs[venue] = cfg.LimitFor(venue)
	}
	limiters := ratelimit.NewRegistry(limiterConfigs, cfg.RateLimiter.Default)

	venues, err := buildVenues(cfg, logger, tracker)
	if err != nil {
		limiters.Close()
		return nil, err
	}

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "KeeperScanPool",
		MaxWorkers:  8,
		MaxCapacity: 256,
	}, logger)

	registry := symbols.NewRegistry(venues, cfg.SymbolCachePath, logger)

	cache := market.NewCache(venues, registry, limiters, logger, diagHub, market.Config{
		RefreshInterval: cfg.Engine.RefreshInterval(),
		HardInterval:    cfg.Engine.HardRefreshInterval(),
		FundingInterval: cfg.Engine.FundingRefreshInterval(),
	})

	store, err := openJournal(cfg.Journal, logger)
	if err != nil {
		pool.Stop()
		limiters.Close()
		return nil, err
	}
	collector := journal.NewCollector(store, venues, limiters, pool, logger, diagHub, journal.CollectorConfig{
		Interval: cfg.Journal.CollectInterval(),
	})
	cache.SetOrderObserver(collector)

	aggregator := funding.NewAggregator(cache, registry, diagHub, cfg.Engine.RequireOpenInterest)
	finder := funding.NewFinder(aggregator, pool, diagHub, funding.FinderConfig{
		MinSpread: decimal.NewFromFloat(cfg.Engine.OpenThreshold),
	})

	locks := execution.NewSymbolLocks(diagHub)
	orders := execution.NewOrderRegistry(diagHub)
	closer := execution.NewCloser(venues, locks, cache, limiters, diagHub, execution.CloserConfig{
		MaxCloseRetries: cfg.Engine.MaxCloseRetries,
	})

	monitor := risk.NewMonitor(cache, venues, closer, diagHub, risk.MonitorConfig{
		CheckInterval:        cfg.Engine.LiqCheckInterval(),
		WarningThreshold:     decimal.NewFromFloat(cfg.Engine.WarningThreshold),
		EmergencyThreshold:   decimal.NewFromFloat(cfg.Engine.EmergencyCloseThreshold),
		EnableEmergencyClose: cfg.Engine.EnableEmergencyClose,
	})

	sched := scheduler.New(scheduler.Deps{
		Adapters:      venues,
		Cache:         cache,
		Locks:         locks,
		Registry:      orders,
		Limiters:      limiters,
		Symbols:       registry,
		Finder:        finder,
		Diag:          diagHub,
		Notifications: cache.Notifications(),
	}, scheduler.Config{
		Interval:            cfg.Engine.SchedulerInterval(),
		MaxSingleLegRetries: cfg.Engine.MaxSingleLegRetries,
		SingleLegBackoff:    cfg.Engine.SingleLegBackoff(),
		FillWait:            cfg.Engine.SingleLegFillWait(),
		PollInterval:        cfg.Engine.SingleLegPoll(),
		PreferredVenues:     cfg.Engine.PreferredVenues(),
		AutoOpen:            cfg.Engine.AutoOpen,
		OrderNotionalUSD:    decimal.NewFromFloat(cfg.Engine.OrderNotionalUSD),
	})

	var metricsSrv *metrics.Server
	if cfg.Telemetry.Enabled {
		metricsSrv = metrics.NewServer(cfg.Telemetry.MetricsAddr, tracker, logger)
	}

	registerCacheChecks(tracker, cache, venues, 2*cfg.Engine.HardRefreshInterval())

	return &App{
		cfg:       cfg,
		logger:    logger.WithField("component", "bootstrap"),
		alerts:    alerts,
		diag:      diagHub,
		tracker:   tracker,
		limiters:  limiters,
		pool:      pool,
		venues:    venues,
		symbols:   registry,
		cache:     cache,
		store:     store,
		collector: collector,
		scheduler: sched,
		monitor:   monitor,
		metrics:   metricsSrv,
	}, nil
}

// Start initializes the venues and brings every component up. A venue
// that fails Initialize aborts startup with a VenueInitError.
func (a *App) Start(ctx context.Context) error {
	if err := a.initVenues(ctx); err != nil {
		return err
	}
	a.discoverSymbols(ctx)

	if err := a.cache.Start(ctx); err != nil {
		return err
	}
	if err := a.collector.Start(ctx); err != nil {
		return err
	}
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.Start()
	}
	return nil
}

// Stop shuts the components down in reverse dependency order. The cache
// stops before the journal closes because fill observations flow from the
// cache's stream readers into the store.
func (a *App) Stop() {
	a.scheduler.Stop()
	a.monitor.Stop()
	a.collector.Stop()
	a.cache.Stop()

	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Warn("Telemetry server shutdown failed", "error", err)
		}
		cancel()
	}

	for venue, adapter := range a.venues {
		if err := adapter.Close(); err != nil {
			a.logger.Warn("Venue close failed", "venue", string(venue), "error", err)
		}
	}

	a.pool.Stop()
	a.limiters.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Warn("Journal close failed", "error", err)
	}

	a.alerts.Flush()
	a.logger.Info("Keeper components stopped")
}

func (a *App) initVenues(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for venue, adapter := range a.venues {
		venue, adapter := venue, adapter
		g.Go(func() error {
			if err := adapter.Initialize(gctx); err != nil {
				a.alerts.Notify(ctx, alert.Critical, "Venue initialization failed", err.Error(),
					map[string]string{"venue": string(venue)})
				return &VenueInitError{Venue: venue, Err: err}
			}
			a.logger.Info("Venue initialized", "venue", string(venue))
			return nil
		})
	}
	return g.Wait()
}

// discoverSymbols loads the persisted snapshot and refreshes it from the
// live catalogs. Discovery failing is survivable: reconciliation protects
// existing positions from the cache alone, so the keeper starts anyway.
func (a *App) discoverSymbols(ctx context.Context) {
	if err := a.symbols.Load(); err != nil {
		a.logger.Warn("Symbol snapshot unusable, starting empty", "error", err)
	}
	tradable, err := a.symbols.DiscoverCommonAssets(ctx)
	if err != nil {
		a.logger.Warn("Symbol discovery failed, keeping loaded snapshot",
			"error", err, "tradable", len(a.symbols.TradableSymbols()))
		return
	}
	if tradable == 0 {
		a.logger.Warn("No symbol trades on two or more venues; nothing to pair")
	}
}

func registerCacheChecks(tracker *health.Tracker, cache *market.Cache, venues map[core.Venue]core.IVenueAdapter, staleAfter time.Duration) {
	for venue := range venues {
		name := "cache:" + string(venue)
		tracker.Register(name, func() error {
			last := cache.LastRefresh(venue)
			if last.IsZero() {
				return fmt.Errorf("no position refresh yet")
			}
			if age := time.Since(last); age > staleAfter {
				return fmt.Errorf("positions stale for %s", age.Truncate(time.Second))
			}
			return nil
		})
	}
}

func buildVenues(cfg *config.Config, logger core.ILogger, tracker *health.Tracker) (map[core.Venue]core.IVenueAdapter, error) {
	venues := make(map[core.Venue]core.IVenueAdapter, len(cfg.Venues))
	for _, venue := range cfg.ActiveVenues() {
		vc, err := cfg.VenueConfigFor(venue)
		if err != nil {
			return nil, err
		}
		adapter, err := newAdapter(venue, vc, logger)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", venue, err)
		}
		venues[venue] = health.WrapVenue(adapter, tracker)
	}
	return venues, nil
}

func newAdapter(venue core.Venue, vc *config.VenueConfig, logger core.ILogger) (core.IVenueAdapter, error) {
	if vc.Mode == config.ModePaper {
		return paper.New(venue), nil
	}
	switch venue {
	case core.VenueHyperliquid:
		return hyperliquid.New(hyperliquid.Config{
			BaseURL:       vc.BaseURL,
			WSURL:         vc.WSURL,
			WalletAddress: vc.WalletAddress,
			PrivateKey:    string(vc.PrivateKey),
			VaultAddress:  vc.VaultAddress,
			Testnet:       vc.Testnet,
		}, logger)
	default:
		return nil, fmt.Errorf("no live adapter for %s; run it in paper mode", venue)
	}
}

func buildAlerts(cfg *config.Config, logger core.ILogger) *alert.Manager {
	manager := alert.NewManager(logger, alert.Level(strings.ToUpper(cfg.Alerts.MinLevel)))
	if cfg.Alerts.SlackWebhookURL != "" {
		manager.AddChannel(alert.NewSlackChannel(string(cfg.Alerts.SlackWebhookURL)))
	}
	if cfg.Alerts.TelegramBotToken != "" && cfg.Alerts.TelegramChatID != "" {
		manager.AddChannel(alert.NewTelegramChannel(string(cfg.Alerts.TelegramBotToken), cfg.Alerts.TelegramChatID))
	}
	return manager
}

func openJournal(cfg config.JournalConfig, logger core.ILogger) (journal.Store, error) {
	if cfg.Path == "" {
		logger.Info("Journal running in memory")
		return journal.NewMemoryStore(), nil
	}
	store, err := journal.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	logger.Info("Journal opened", "path", cfg.Path)
	return store, nil
}
