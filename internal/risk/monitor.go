package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_keeper/internal/core"
	"funding_keeper/internal/symbols"
)

// MonitorConfig tunes the liquidation scan. Zero thresholds and interval
// fall back to the production defaults; EnableEmergencyClose is taken as
// given.
type MonitorConfig struct {
	CheckInterval        time.Duration
	WarningThreshold     decimal.Decimal
	EmergencyThreshold   decimal.Decimal
	EnableEmergencyClose bool
}

func (c *MonitorConfig) applyDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.WarningThreshold.IsZero() {
		c.WarningThreshold = decimal.NewFromFloat(0.4)
	}
	if c.EmergencyThreshold.IsZero() {
		c.EmergencyThreshold = decimal.NewFromFloat(0.9)
	}
}

// Monitor scans every held leg on a fixed cadence, grades proximity via
// the valuator, and hands breaching pairs to the closer. It reads the
// market cache when wired and falls back to pulling the adapters in
// parallel, one venue's failure never hiding the others.
type Monitor struct {
	cache    core.IMarketCache
	adapters map[core.Venue]core.IVenueAdapter
	valuator *Valuator
	closer   core.IPairCloser
	diag     core.IDiagnostics
	cfg      MonitorConfig

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor builds the monitor. cache may be nil; diag falls back to the
// no-op sink.
func NewMonitor(cache core.IMarketCache, adapters map[core.Venue]core.IVenueAdapter, closer core.IPairCloser, diag core.IDiagnostics, cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	return &Monitor{
		cache:    cache,
		adapters: adapters,
		valuator: NewValuator(),
		closer:   closer,
		diag:     diag,
		cfg:      cfg,
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return fmt.Errorf("liquidation monitor already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go m.runLoop(ctx)

	m.diag.Event(core.DiagInfo, "liquidation_monitor_started",
		"interval", m.cfg.CheckInterval.String(),
		"emergencyThreshold", m.cfg.EmergencyThreshold.String())
	return nil
}

func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) runLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan runs one full pass: read, pair, grade, act. Exposed so callers can
// force a pass outside the cadence.
func (m *Monitor) Scan(ctx context.Context) {
	positions := m.readPositions(ctx)
	if len(positions) == 0 {
		return
	}
	for symbol, pair := range pairBySymbol(positions) {
		m.assess(ctx, symbol, pair)
	}
}

func (m *Monitor) readPositions(ctx context.Context) []core.Position {
	if m.cache != nil {
		return m.cache.AllPositions()
	}

	var (
		mu  sync.Mutex
		out []core.Position
	)
	g, gctx := errgroup.WithContext(ctx)
	for venue, adapter := range m.adapters {
		venue, adapter := venue, adapter
		g.Go(func() error {
			positions, err := adapter.GetPositions(gctx)
			if err != nil {
				m.diag.Count("risk_scan_venue_failed", 1, "venue", string(venue))
				return nil
			}
			mu.Lock()
			out = append(out, positions...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Monitor) assess(ctx context.Context, symbol string, pair *core.PairedPosition) {
	worst := decimal.Zero
	graded := false

	for _, leg := range pair.Legs() {
		if !leg.MarkPrice.IsPositive() {
			m.diag.Event(core.DiagWarning, "risk_data_missing",
				"venue", string(leg.Venue), "symbol", symbol)
			continue
		}
		risk := m.valuator.Evaluate(*leg)
		m.diag.Gauge("liquidation_proximity", risk.ProximityToLiquidation.InexactFloat64(),
			"venue", string(leg.Venue), "symbol", symbol, "side", string(leg.Side))
		if !graded || risk.ProximityToLiquidation.GreaterThan(worst) {
			worst = risk.ProximityToLiquidation
			graded = true
		}
	}
	if !graded {
		return
	}

	switch {
	case worst.GreaterThanOrEqual(m.cfg.EmergencyThreshold):
		if !m.cfg.EnableEmergencyClose {
			m.diag.Event(core.DiagCritical, "emergency_close_disabled",
				"symbol", symbol, "proximity", worst.String())
			return
		}
		m.emergencyClose(ctx, symbol, pair, worst)
	case worst.GreaterThanOrEqual(m.cfg.WarningThreshold):
		m.diag.Event(core.DiagWarning, "liquidation_warning",
			"symbol", symbol, "proximity", worst.String())
	}
}

func (m *Monitor) emergencyClose(ctx context.Context, symbol string, pair *core.PairedPosition, proximity decimal.Decimal) {
	m.diag.Event(core.DiagCritical, "emergency_close_triggered",
		"symbol", symbol, "proximity", proximity.String())
	m.diag.Count("emergency_closes", 1, "symbol", symbol)

	result := m.closer.ClosePair(ctx, *pair, one, core.CloseOptions{Emergency: true})
	if result.Success() {
		m.diag.Event(core.DiagInfo, "emergency_close_completed",
			"symbol", symbol,
			"longClosed", result.LongClosed.String(),
			"shortClosed", result.ShortClosed.String())
		return
	}
	m.diag.Event(core.DiagError, "emergency_close_failed",
		"symbol", symbol, "errors", len(result.Errors()))
}

// pairBySymbol groups legs into at most one LONG and one SHORT per
// normalized symbol; extra legs on the same side are the scheduler's
// problem, not the monitor's.
func pairBySymbol(positions []core.Position) map[string]*core.PairedPosition {
	pairs := make(map[string]*core.PairedPosition)
	for i := range positions {
		p := positions[i]
		key := symbols.Normalize(p.Symbol)
		pair, ok := pairs[key]
		if !ok {
			pair = &core.PairedPosition{Symbol: key}
			pairs[key] = pair
		}
		if p.Side == core.SideLong {
			if pair.Long == nil {
				pair.Long = &p
			}
		} else if pair.Short == nil {
			pair.Short = &p
		}
	}
	return pairs
}
