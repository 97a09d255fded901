package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	"funding_keeper/internal/funding"
	"funding_keeper/internal/symbols"
)

const (
	schedulerHolder    = "scheduler"
	defaultCallTimeout = 30 * time.Second
)

// Config tunes the pairing scheduler. Zero values fall back to the
// production defaults.
type Config struct {
	// Interval is the tick cadence; event wake-ups from the cache run
	// extra passes between ticks.
	Interval time.Duration
	// MaxSingleLegRetries bounds recovery attempts before the exposed
	// leg is unwound.
	MaxSingleLegRetries int
	// SingleLegBackoff is the linear backoff unit between recovery
	// attempts (attempt n waits n units).
	SingleLegBackoff time.Duration
	// FillWait bounds how long a recovery order may rest unfilled.
	FillWait time.Duration
	// PollInterval is the status polling cadence during FillWait.
	PollInterval time.Duration
	// PreferredVenues orders the venues considered for the missing leg
	// when no retry record pins the assignment.
	PreferredVenues []core.Venue
	// AutoOpen lets the tick open the best opportunity per idle symbol.
	AutoOpen bool
	// OrderNotionalUSD is the flat per-leg notional used by auto-open.
	OrderNotionalUSD decimal.Decimal
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.MaxSingleLegRetries <= 0 {
		c.MaxSingleLegRetries = 3
	}
	if c.SingleLegBackoff <= 0 {
		c.SingleLegBackoff = time.Minute
	}
	if c.FillWait <= 0 {
		c.FillWait = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if len(c.PreferredVenues) == 0 {
		c.PreferredVenues = []core.Venue{core.VenueHyperliquid}
	}
}

// Deps collects the scheduler's collaborators. Finder is only needed
// when auto-open is enabled; Retries and Diag fall back to fresh/no-op
// instances.
type Deps struct {
	Adapters      map[core.Venue]core.IVenueAdapter
	Cache         core.IMarketCache
	Locks         core.ISymbolLocks
	Registry      core.IOrderRegistry
	Limiters      core.ILimiterRegistry
	Symbols       core.ISymbolRegistry
	Finder        *funding.Finder
	Retries       *RetryStore
	Diag          core.IDiagnostics
	Notifications <-chan struct{}
}

// Scheduler is the pairing and single-leg recovery engine. Each tick it
// snapshots positions, classifies every symbol, sweeps zombie orders,
// runs the recovery state machine, garbage-collects retry records, and
// optionally opens new pairs. Ticks never overlap; a tick arriving while
// one runs is dropped with a counter.
type Scheduler struct {
	adapters      map[core.Venue]core.IVenueAdapter
	cache         core.IMarketCache
	locks         core.ISymbolLocks
	registry      core.IOrderRegistry
	limiters      core.ILimiterRegistry
	symbolReg     core.ISymbolRegistry
	finder        *funding.Finder
	retries       *RetryStore
	diag          core.IDiagnostics
	notifications <-chan struct{}
	cfg           Config

	running int32
	ticking int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(deps Deps, cfg Config) *Scheduler {
	cfg.applyDefaults()
	if deps.Retries == nil {
		deps.Retries = NewRetryStore()
	}
	if deps.Diag == nil {
		deps.Diag = core.NopDiagnostics{}
	}
	if deps.Limiters == nil {
		deps.Limiters = nopLimiterProvider{}
	}
	return &Scheduler{
		adapters:      deps.Adapters,
		cache:         deps.Cache,
		locks:         deps.Locks,
		registry:      deps.Registry,
		limiters:      deps.Limiters,
		symbolReg:     deps.Symbols,
		finder:        deps.Finder,
		retries:       deps.Retries,
		diag:          deps.Diag,
		notifications: deps.Notifications,
		cfg:           cfg,
	}
}

type nopLimiter struct{}

func (nopLimiter) Acquire(context.Context, int, core.Priority) error { return nil }

type nopLimiterProvider struct{}

func (nopLimiterProvider) For(core.Venue) core.IRateLimiter { return nopLimiter{} }

// Retries exposes the retry store so the keeper can gauge it and tests
// can seed pinned assignments.
func (s *Scheduler) Retries() *RetryStore {
	return s.retries
}

func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.runLoop(ctx)

	s.diag.Event(core.DiagInfo, "scheduler_started",
		"interval", s.cfg.Interval.String(),
		"autoOpen", s.cfg.AutoOpen)
	return nil
}

func (s *Scheduler) Stop() {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case _, ok := <-s.notifications:
			if !ok {
				// A nil channel blocks forever, silencing this arm.
				s.notifications = nil
				continue
			}
			s.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass: snapshot, classify, sweep zombies,
// recover single legs, collect retry records, and (when enabled) open
// new pairs. Per-item failures are diagnostics, never returned; the pass
// is skipped entirely when the previous one is still running.
func (s *Scheduler) Tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.ticking, 0, 1) {
		s.diag.Count("ticks_dropped", 1)
		return
	}
	defer atomic.StoreInt32(&s.ticking, 0)

	states := classify(s.cache.AllPositions())
	orders := s.openOrdersByVenue(ctx)

	s.sweepZombies(ctx, states, orders)
	s.recoverSingleLegs(ctx, states)

	if removed := s.retries.GC(func(symbol string) bool {
		st, ok := states[symbol]
		return ok && st.Kind == StateSingleLeg
	}); removed > 0 {
		s.diag.Count("retry_info_gc", int64(removed))
	}

	if s.cfg.AutoOpen && s.finder != nil {
		s.autoOpen(ctx, states)
	}

	for symbol, st := range states {
		val := 0.0
		if st.Kind == StateSingleLeg {
			val = 1.0
		}
		s.diag.Gauge("single_leg", val, "symbol", symbol)
	}
}

// StateKind grades one symbol's position layout.
type StateKind int

const (
	StateEmpty StateKind = iota
	StateValid
	StateSingleLeg
)

func (k StateKind) String() string {
	switch k {
	case StateValid:
		return "VALID"
	case StateSingleLeg:
		return "SINGLE_LEG"
	default:
		return "EMPTY"
	}
}

// SymbolState is one symbol's classification with its legs partitioned
// by side. The symbol is normalized; legs keep their venue-raw symbols.
type SymbolState struct {
	Symbol string
	Kind   StateKind
	Longs  []core.Position
	Shorts []core.Position
}

// Positions returns both sides in one slice.
func (st *SymbolState) Positions() []core.Position {
	out := make([]core.Position, 0, len(st.Longs)+len(st.Shorts))
	out = append(out, st.Longs...)
	out = append(out, st.Shorts...)
	return out
}

// Exposed returns the leg recovery should hedge: exactly one position on
// exactly one side. Ambiguous layouts (both sides on one venue, several
// legs on one side) return nil and are left to the operator.
func (st *SymbolState) Exposed() *core.Position {
	if len(st.Longs) == 1 && len(st.Shorts) == 0 {
		return &st.Longs[0]
	}
	if len(st.Shorts) == 1 && len(st.Longs) == 0 {
		return &st.Shorts[0]
	}
	return nil
}

// classify partitions live positions by normalized symbol and grades
// each layout. Dust positions are dropped.
func classify(positions []core.Position) map[string]*SymbolState {
	states := make(map[string]*SymbolState)
	for _, p := range positions {
		if p.IsClosed() {
			continue
		}
		key := symbols.Normalize(p.Symbol)
		st, ok := states[key]
		if !ok {
			st = &SymbolState{Symbol: key}
			states[key] = st
		}
		if p.Side == core.SideLong {
			st.Longs = append(st.Longs, p)
		} else {
			st.Shorts = append(st.Shorts, p)
		}
	}
	for _, st := range states {
		st.Kind = grade(st)
	}
	return states
}

func grade(st *SymbolState) StateKind {
	switch {
	case len(st.Longs) == 0 && len(st.Shorts) == 0:
		return StateEmpty
	case len(st.Longs) == 1 && len(st.Shorts) == 1 && st.Longs[0].Venue != st.Shorts[0].Venue:
		return StateValid
	default:
		return StateSingleLeg
	}
}

// availableVenues lists the wired venues in stable order.
func (s *Scheduler) availableVenues() []core.Venue {
	out := make([]core.Venue, 0, len(s.adapters))
	for v := range s.adapters {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// markPrice prefers the cache and falls back to the adapter.
func (s *Scheduler) markPrice(ctx context.Context, adapter core.IVenueAdapter, venue core.Venue, symbol string) (decimal.Decimal, bool) {
	if s.cache != nil {
		if mark, ok := s.cache.MarkPrice(symbol, venue); ok && mark.IsPositive() {
			return mark, true
		}
	}
	if err := s.limiters.For(venue).Acquire(ctx, 1, core.PriorityNormal); err != nil {
		return decimal.Zero, false
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	mark, err := adapter.GetMarkPrice(callCtx, symbol)
	if err != nil || !mark.IsPositive() {
		s.diag.Count("mark_price_unavailable", 1, "venue", string(venue), "symbol", symbol)
		return decimal.Zero, false
	}
	return mark, true
}
