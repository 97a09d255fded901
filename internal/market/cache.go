// Package market maintains the unified market state the keeper acts on:
// positions, mark prices, and funding rates keyed by normalized symbol
// and venue. One writer goroutine per venue consumes that venue's event
// stream and refresh requests; readers always receive copies.
package market

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// Config carries the cache refresh cadence. Zero values fall back to the
// production defaults.
type Config struct {
	// RefreshInterval is the periodic position re-read cadence.
	RefreshInterval time.Duration
	// StaleAfter skips the periodic re-read for venues refreshed more
	// recently than this.
	StaleAfter time.Duration
	// HardInterval forces a re-read regardless of staleness, covering
	// missed stream events.
	HardInterval time.Duration
	// FundingInterval is the funding-rate re-read cadence.
	FundingInterval time.Duration
	// CallTimeout bounds each adapter call made by the refreshers.
	CallTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 60 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.HardInterval <= 0 {
		c.HardInterval = 5 * time.Minute
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
}

type posKey struct {
	venue  core.Venue
	symbol string
	side   core.PositionSide
}

type venueKey struct {
	symbol string
	venue  core.Venue
}

// Cache is the market state store. It implements core.IMarketCache for
// readers; writes happen only in the per-venue loops and the funding
// refresher started by Start.
type Cache struct {
	adapters map[core.Venue]core.IVenueAdapter
	symbols  core.ISymbolRegistry
	limiters core.ILimiterRegistry
	logger   core.ILogger
	diag     core.IDiagnostics
	cfg      Config
	observer core.IOrderObserver

	mu          sync.RWMutex
	positions   map[posKey]core.Position
	marks       map[venueKey]decimal.Decimal
	fundings    map[venueKey]core.FundingRate
	lastRefresh map[core.Venue]time.Time

	refreshReq map[core.Venue]chan struct{}
	inFlight   map[core.Venue]*atomic.Bool

	notifyCh chan struct{}

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCache builds the cache over the given adapters. symbols may be nil,
// which disables the funding refresher; limiters and diag fall back to
// no-op collaborators.
func NewCache(adapters map[core.Venue]core.IVenueAdapter, symbols core.ISymbolRegistry, limiters core.ILimiterRegistry, logger core.ILogger, diag core.IDiagnostics, cfg Config) *Cache {
	cfg.applyDefaults()
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	c := &Cache{
		adapters:    adapters,
		symbols:     symbols,
		limiters:    limiters,
		logger:      logger.WithField("component", "market_cache"),
		diag:        diag,
		cfg:         cfg,
		positions:   make(map[posKey]core.Position),
		marks:       make(map[venueKey]decimal.Decimal),
		fundings:    make(map[venueKey]core.FundingRate),
		lastRefresh: make(map[core.Venue]time.Time),
		refreshReq:  make(map[core.Venue]chan struct{}, len(adapters)),
		inFlight:    make(map[core.Venue]*atomic.Bool, len(adapters)),
		notifyCh:    make(chan struct{}, 1),
	}
	for venue := range adapters {
		c.refreshReq[venue] = make(chan struct{}, 1)
		c.inFlight[venue] = &atomic.Bool{}
	}
	return c
}

// SetOrderObserver registers the sink for order updates seen on the
// event streams. The cache is each stream's sole consumer, so anything
// else that wants fills taps in here. Must be called before Start.
func (c *Cache) SetOrderObserver(obs core.IOrderObserver) {
	c.observer = obs
}

// Start subscribes to every venue's event stream and launches the
// per-venue writers and the funding refresher. Each writer performs an
// initial position read before entering its loop.
func (c *Cache) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return fmt.Errorf("market cache already running")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	for venue, adapter := range c.adapters {
		events, err := adapter.SubscribeEvents(ctx)
		if err != nil {
			// Periodic refresh still covers the venue.
			c.logger.Warn("event subscription failed, relying on periodic refresh",
				"venue", venue, "error", err)
			events = nil
		}
		c.wg.Add(1)
		go c.venueLoop(ctx, venue, events)
	}

	c.wg.Add(1)
	go c.fundingLoop(ctx)

	c.logger.Info("market cache started", "venues", len(c.adapters))
	return nil
}

// Stop halts all writers and waits for them to exit.
func (c *Cache) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("market cache stopped")
}

func (c *Cache) venueLoop(ctx context.Context, venue core.Venue, events <-chan core.VenueEvent) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()
	hard := time.NewTicker(c.cfg.HardInterval)
	defer hard.Stop()

	c.refreshPositions(ctx, venue)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Stream ended; the periodic path keeps the venue fresh.
				events = nil
				c.diag.Count("cache_stream_closed", 1, "venue", string(venue))
				continue
			}
			if upd, isOrder := ev.(core.OrderUpdate); isOrder && c.observer != nil {
				c.observer.ObserveOrder(venue, upd.Order)
			}
			// Order and position updates both invalidate the venue's
			// slice; the fresh read is authoritative, not the payload.
			c.refreshPositions(ctx, venue)
		case <-c.refreshReq[venue]:
			c.refreshPositions(ctx, venue)
		case <-ticker.C:
			if time.Since(c.LastRefresh(venue)) > c.cfg.StaleAfter {
				c.refreshPositions(ctx, venue)
			}
		case <-hard.C:
			c.refreshPositions(ctx, venue)
		}
	}
}

// refreshPositions re-reads one venue's positions and replaces its whole
// slice. The per-venue guard drops the call when a refresh is already in
// flight, so a stream burst cannot stack adapter reads. A failed read
// keeps the previous slice.
func (c *Cache) refreshPositions(ctx context.Context, venue core.Venue) error {
	guard := c.inFlight[venue]
	if guard == nil || !guard.CompareAndSwap(false, true) {
		c.diag.Count("cache_refresh_skipped", 1, "venue", string(venue))
		return nil
	}
	defer guard.Store(false)

	adapter := c.adapters[venue]
	callCtx, cancelFn := context.WithTimeout(ctx, c.cfg.CallTimeout)
	fresh, err := adapter.GetPositions(callCtx)
	cancelFn()
	if err != nil {
		c.logger.Warn("position refresh failed", "venue", venue, "error", err)
		c.diag.Count("cache_refresh_failed", 1, "venue", string(venue))
		return err
	}

	if c.replacePositions(venue, fresh) {
		c.notify()
	}
	c.diag.Count("cache_refresh", 1, "venue", string(venue))
	return nil
}

// replacePositions swaps one venue's slice wholesale and reports whether
// the position set differs from the previous read, comparing keys and
// sizes. Mark-only moves do not count as a change.
func (c *Cache) replacePositions(venue core.Venue, fresh []core.Position) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := make(map[posKey]decimal.Decimal)
	for k, p := range c.positions {
		if k.venue == venue {
			prev[k] = p.Size
			delete(c.positions, k)
		}
	}

	changed := false
	kept := 0
	for _, p := range fresh {
		if p.Size.Abs().LessThan(core.PositionEpsilon) {
			continue
		}
		p.Venue = venue
		p.LastUpdated = now
		k := posKey{venue: venue, symbol: p.Symbol, side: p.Side}
		if prevSize, had := prev[k]; !had || !prevSize.Equal(p.Size) {
			changed = true
		}
		delete(prev, k)
		c.positions[k] = p
		if p.MarkPrice.IsPositive() {
			c.marks[venueKey{symbol: p.Symbol, venue: venue}] = p.MarkPrice
		}
		kept++
	}
	if len(prev) > 0 {
		changed = true
	}
	c.lastRefresh[venue] = now
	c.diag.Gauge("cache_positions", float64(kept), "venue", string(venue))
	return changed
}

// ForceRefresh re-reads one venue synchronously. When the venue's writer
// already has a refresh in flight the call returns immediately and the
// concurrent read stands in for this one.
func (c *Cache) ForceRefresh(ctx context.Context, venue core.Venue) error {
	if _, ok := c.adapters[venue]; !ok {
		return fmt.Errorf("unknown venue %s", venue)
	}
	return c.refreshPositions(ctx, venue)
}

// RequestRefresh nudges the venue's writer without blocking; a request
// already pending coalesces with this one.
func (c *Cache) RequestRefresh(venue core.Venue) {
	ch, ok := c.refreshReq[venue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Notifications exposes the coalesced change signal. A receive means at
// least one venue's position set changed since the previous receive.
func (c *Cache) Notifications() <-chan struct{} {
	return c.notifyCh
}

func (c *Cache) notify() {
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

func (c *Cache) fundingLoop(ctx context.Context) {
	defer c.wg.Done()
	if c.symbols == nil {
		return
	}

	ticker := time.NewTicker(c.cfg.FundingInterval)
	defer ticker.Stop()

	c.refreshAllFundings(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshAllFundings(ctx)
		}
	}
}

func (c *Cache) refreshAllFundings(ctx context.Context) {
	for _, symbol := range c.symbols.TradableSymbols() {
		if ctx.Err() != nil {
			return
		}
		if err := c.RefreshFunding(ctx, symbol); err != nil {
			c.logger.Warn("funding refresh failed", "symbol", symbol, "error", err)
		}
	}
}

// RefreshFunding fetches the funding rate for every mapped venue of
// symbol and stores what succeeds. It fails only when no venue produced
// a rate.
func (c *Cache) RefreshFunding(ctx context.Context, symbol string) error {
	if c.symbols == nil {
		return fmt.Errorf("no symbol registry wired")
	}
	venues := c.symbols.VenuesFor(symbol)
	if len(venues) == 0 {
		return fmt.Errorf("symbol %s not mapped", symbol)
	}

	var lastErr error
	stored := 0
	for _, venue := range venues {
		rate, err := c.fetchFunding(ctx, symbol, venue)
		if err != nil {
			lastErr = err
			c.diag.Count("funding_fetch_failed", 1, "venue", string(venue))
			continue
		}
		c.storeFunding(*rate)
		stored++
	}
	if stored == 0 {
		return fmt.Errorf("funding refresh for %s: %w", symbol, lastErr)
	}
	return nil
}

func (c *Cache) fetchFunding(ctx context.Context, symbol string, venue core.Venue) (*core.FundingRate, error) {
	adapter, ok := c.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("no adapter for venue %s", venue)
	}
	rawID, ok := c.symbols.RawID(venue, symbol)
	if !ok {
		return nil, fmt.Errorf("symbol %s not mapped on %s", symbol, venue)
	}
	if c.limiters != nil {
		if err := c.limiters.For(venue).Acquire(ctx, 1, core.PriorityLow); err != nil {
			return nil, err
		}
	}
	callCtx, cancelFn := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancelFn()
	return adapter.GetFundingData(callCtx, symbol, rawID)
}

func (c *Cache) storeFunding(rate core.FundingRate) {
	if rate.ObservedAt.IsZero() {
		rate.ObservedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fundings[venueKey{symbol: rate.Symbol, venue: rate.Venue}] = rate
	if rate.MarkPrice.IsPositive() {
		c.marks[venueKey{symbol: rate.Symbol, venue: rate.Venue}] = rate.MarkPrice
	}
}

// Position returns one leg by its full key.
func (c *Cache) Position(venue core.Venue, symbol string, side core.PositionSide) (core.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[posKey{venue: venue, symbol: symbol, side: side}]
	return p, ok
}

// PositionsForSymbol returns every venue's legs for one symbol in stable
// venue order, LONG before SHORT.
func (c *Cache) PositionsForSymbol(symbol string) []core.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []core.Position
	for _, venue := range core.AllVenues {
		for _, side := range []core.PositionSide{core.SideLong, core.SideShort} {
			if p, ok := c.positions[posKey{venue: venue, symbol: symbol, side: side}]; ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// AllPositions returns every cached leg sorted by venue, symbol, side.
func (c *Cache) AllPositions() []core.Position {
	c.mu.RLock()
	out := make([]core.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	c.mu.RUnlock()

	order := make(map[core.Venue]int, len(core.AllVenues))
	for i, v := range core.AllVenues {
		order[v] = i
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return order[out[i].Venue] < order[out[j].Venue]
		}
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// MarkPrice returns the latest observed mark for (symbol, venue).
func (c *Cache) MarkPrice(symbol string, venue core.Venue) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mark, ok := c.marks[venueKey{symbol: symbol, venue: venue}]
	return mark, ok
}

// FundingRate returns the latest funding observation for (symbol, venue).
func (c *Cache) FundingRate(symbol string, venue core.Venue) (core.FundingRate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rate, ok := c.fundings[venueKey{symbol: symbol, venue: venue}]
	return rate, ok
}

// FundingRates returns every venue's funding observation for symbol in
// stable venue order.
func (c *Cache) FundingRates(symbol string) []core.FundingRate {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []core.FundingRate
	for _, venue := range core.AllVenues {
		if rate, ok := c.fundings[venueKey{symbol: symbol, venue: venue}]; ok {
			out = append(out, rate)
		}
	}
	return out
}

// LastRefresh returns when the venue's position slice was last replaced.
func (c *Cache) LastRefresh(venue core.Venue) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh[venue]
}

var _ core.IMarketCache = (*Cache)(nil)
