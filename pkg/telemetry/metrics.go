package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal        = "funding_keeper_orders_placed_total"
	MetricOrdersFailedTotal        = "funding_keeper_orders_failed_total"
	MetricZombiesCancelledTotal    = "funding_keeper_zombie_orders_cancelled_total"
	MetricSingleLegRecoveriesTotal = "funding_keeper_single_leg_recoveries_total"
	MetricSingleLegUnwindsTotal    = "funding_keeper_single_leg_unwinds_total"
	MetricEmergencyClosesTotal     = "funding_keeper_emergency_closes_total"
	MetricOpportunitiesTotal       = "funding_keeper_opportunities_found_total"
	MetricCacheRefreshesTotal      = "funding_keeper_cache_refreshes_total"
	MetricTicksDroppedTotal        = "funding_keeper_scheduler_ticks_dropped_total"
	MetricRateLimitTimeoutsTotal   = "funding_keeper_rate_limit_timeouts_total"
	MetricLatencyVenue             = "funding_keeper_venue_call_latency_ms"
	MetricRateLimitWait            = "funding_keeper_rate_limit_wait_ms"
	MetricFundingSpread            = "funding_keeper_funding_spread_hourly"
	MetricLiquidationProximity     = "funding_keeper_liquidation_proximity"
	MetricPositionSize             = "funding_keeper_position_size"
	MetricActiveOrders             = "funding_keeper_orders_active"
	MetricSingleLegs               = "funding_keeper_single_legs"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal        metric.Int64Counter
	OrdersFailedTotal        metric.Int64Counter
	ZombiesCancelledTotal    metric.Int64Counter
	SingleLegRecoveriesTotal metric.Int64Counter
	SingleLegUnwindsTotal    metric.Int64Counter
	EmergencyClosesTotal     metric.Int64Counter
	OpportunitiesTotal       metric.Int64Counter
	CacheRefreshesTotal      metric.Int64Counter
	TicksDroppedTotal        metric.Int64Counter
	RateLimitTimeoutsTotal   metric.Int64Counter
	LatencyVenue             metric.Float64Histogram
	RateLimitWait            metric.Float64Histogram
	FundingSpread            metric.Float64ObservableGauge
	LiquidationProximity     metric.Float64ObservableGauge
	PositionSize             metric.Float64ObservableGauge
	ActiveOrders             metric.Int64ObservableGauge
	SingleLegs               metric.Int64ObservableGauge

	// State for observable gauges; keys are "symbol" or "venue:symbol".
	mu              sync.RWMutex
	spreadMap       map[string]float64
	proximityMap    map[string]float64
	positionSizeMap map[string]float64
	activeOrdersMap map[string]int64
	singleLegMap    map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			spreadMap:       make(map[string]float64),
			proximityMap:    make(map[string]float64),
			positionSizeMap: make(map[string]float64),
			activeOrdersMap: make(map[string]int64),
			singleLegMap:    make(map[string]int64),
		}
		// Instruments start against the ambient meter provider (a no-op
		// until Setup installs the real one); Setup re-initializes them.
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("funding_keeper_core"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.OrdersPlacedTotal, MetricOrdersPlacedTotal, "Total orders submitted to venues"},
		{&m.OrdersFailedTotal, MetricOrdersFailedTotal, "Total order submissions that failed"},
		{&m.ZombiesCancelledTotal, MetricZombiesCancelledTotal, "Total zombie orders cancelled by the sweep"},
		{&m.SingleLegRecoveriesTotal, MetricSingleLegRecoveriesTotal, "Total single-leg recovery attempts"},
		{&m.SingleLegUnwindsTotal, MetricSingleLegUnwindsTotal, "Total single-leg positions unwound after exhausting retries"},
		{&m.EmergencyClosesTotal, MetricEmergencyClosesTotal, "Total emergency pair closes triggered"},
		{&m.OpportunitiesTotal, MetricOpportunitiesTotal, "Total opportunities emitted above threshold"},
		{&m.CacheRefreshesTotal, MetricCacheRefreshesTotal, "Total per-venue position refreshes"},
		{&m.TicksDroppedTotal, MetricTicksDroppedTotal, "Scheduler ticks dropped because the previous tick was still running"},
		{&m.RateLimitTimeoutsTotal, MetricRateLimitTimeoutsTotal, "Rate-limiter acquisitions that hit their deadline"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
	}

	m.LatencyVenue, err = meter.Float64Histogram(MetricLatencyVenue, metric.WithDescription("Latency of venue adapter calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.RateLimitWait, err = meter.Float64Histogram(MetricRateLimitWait, metric.WithDescription("Time spent waiting for rate-limit tokens"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.FundingSpread, err = meter.Float64ObservableGauge(MetricFundingSpread, metric.WithDescription("Best hourly funding spread per symbol"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.spreadMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.LiquidationProximity, err = meter.Float64ObservableGauge(MetricLiquidationProximity, metric.WithDescription("Fraction of the initial liquidation buffer consumed per leg"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.proximityMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("leg", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize, metric.WithDescription("Current position size per leg"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("leg", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ActiveOrders, err = meter.Int64ObservableGauge(MetricActiveOrders, metric.WithDescription("Orders currently registered active per venue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for venue, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("venue", venue)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SingleLegs, err = meter.Int64ObservableGauge(MetricSingleLegs, metric.WithDescription("Symbols currently in single-leg state (1=single-leg)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.singleLegMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetFundingSpread(symbol string, spread float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spreadMap[symbol] = spread
}

func (m *MetricsHolder) SetLiquidationProximity(venue, symbol string, proximity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proximityMap[venue+":"+symbol] = proximity
}

func (m *MetricsHolder) SetPositionSize(venue, symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[venue+":"+symbol] = size
}

func (m *MetricsHolder) SetActiveOrders(venue string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[venue] = count
}

func (m *MetricsHolder) SetSingleLeg(symbol string, singleLeg bool) {
	val := int64(0)
	if singleLeg {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singleLegMap[symbol] = val
}

func (m *MetricsHolder) GetLiquidationProximity() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.proximityMap))
	for k, v := range m.proximityMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetSingleLegs() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.singleLegMap))
	for k, v := range m.singleLegMap {
		res[k] = v
	}
	return res
}
