package diag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"funding_keeper/internal/alert"
	"funding_keeper/internal/core"
	"funding_keeper/pkg/telemetry"
)

const metricPrefix = "funding_keeper_"

// Hub is the concrete core.IDiagnostics. Counters and gauges become OTel
// instruments; events are logged at their level; CRITICAL events also fan
// out to the alert manager. Decision-path components only ever see the
// core.IDiagnostics interface.
type Hub struct {
	logger core.ILogger
	meter  metric.Meter
	alerts *alert.Manager
	events metric.Int64Counter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	gauges   map[string]metric.Float64Gauge
}

// NewHub wires a hub against the ambient meter provider; construct it
// after telemetry.Setup so instruments bind to the real provider. alerts
// may be nil.
func NewHub(logger core.ILogger, alerts *alert.Manager) *Hub {
	h := &Hub{
		logger:   logger.WithField("component", "diagnostics"),
		meter:    telemetry.GetMeter("funding_keeper_diag"),
		alerts:   alerts,
		counters: make(map[string]metric.Int64Counter),
		gauges:   make(map[string]metric.Float64Gauge),
	}
	events, err := h.meter.Int64Counter(metricPrefix+"events_total",
		metric.WithDescription("Diagnostics events by name and level"))
	if err != nil {
		events = nopCounter()
	}
	h.events = events
	return h
}

func (h *Hub) Count(name string, delta int64, kv ...interface{}) {
	h.counterFor(name).Add(context.Background(), delta, metric.WithAttributes(attrs(kv)...))
}

func (h *Hub) Gauge(name string, value float64, kv ...interface{}) {
	// Well-known gauges feed the pre-registered observables so dashboards
	// keep stable metric names.
	holder := telemetry.GetGlobalMetrics()
	switch name {
	case "liquidation_proximity":
		holder.SetLiquidationProximity(kvString(kv, "venue"), kvString(kv, "symbol"), value)
		return
	case "position_size":
		holder.SetPositionSize(kvString(kv, "venue"), kvString(kv, "symbol"), value)
		return
	case "active_orders":
		holder.SetActiveOrders(kvString(kv, "venue"), int64(value))
		return
	case "single_leg":
		holder.SetSingleLeg(kvString(kv, "symbol"), value > 0)
		return
	case "funding_spread":
		holder.SetFundingSpread(kvString(kv, "symbol"), value)
		return
	}
	h.gaugeFor(name).Record(context.Background(), value, metric.WithAttributes(attrs(kv)...))
}

func (h *Hub) Event(level core.EventLevel, name string, kv ...interface{}) {
	switch level {
	case core.DiagCritical, core.DiagError:
		h.logger.Error(name, kv...)
	case core.DiagWarning:
		h.logger.Warn(name, kv...)
	default:
		h.logger.Info(name, kv...)
	}
	h.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("event", name),
		attribute.String("level", string(level)),
	))
	if level == core.DiagCritical && h.alerts != nil {
		h.alerts.Notify(context.Background(), alert.Critical, eventTitle(name), fieldsLine(kv), fieldMap(kv))
	}
}

// counterFor resolves well-known counter names to the pre-registered
// instruments and lazily creates the rest.
func (h *Hub) counterFor(name string) metric.Int64Counter {
	holder := telemetry.GetGlobalMetrics()
	switch name {
	case "orders_placed":
		return holder.OrdersPlacedTotal
	case "orders_failed":
		return holder.OrdersFailedTotal
	case "zombies_cancelled":
		return holder.ZombiesCancelledTotal
	case "single_leg_recoveries":
		return holder.SingleLegRecoveriesTotal
	case "single_leg_unwinds":
		return holder.SingleLegUnwindsTotal
	case "emergency_closes":
		return holder.EmergencyClosesTotal
	case "opportunities_found":
		return holder.OpportunitiesTotal
	case "cache_refresh":
		return holder.CacheRefreshesTotal
	case "ticks_dropped":
		return holder.TicksDroppedTotal
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.counters[name]; ok {
		return c
	}
	c, err := h.meter.Int64Counter(counterName(name))
	if err != nil {
		h.logger.Warn("Failed to create counter", "name", name, "error", err)
		c = nopCounter()
	}
	h.counters[name] = c
	return c
}

func (h *Hub) gaugeFor(name string) metric.Float64Gauge {
	h.mu.Lock()
	defer h.mu.Unlock()
	if g, ok := h.gauges[name]; ok {
		return g
	}
	g, err := h.meter.Float64Gauge(metricPrefix + name)
	if err != nil {
		h.logger.Warn("Failed to create gauge", "name", name, "error", err)
		g = nopGauge()
	}
	h.gauges[name] = g
	return g
}

func counterName(name string) string {
	if strings.HasSuffix(name, "_total") {
		return metricPrefix + name
	}
	return metricPrefix + name + "_total"
}

func nopCounter() metric.Int64Counter {
	c, _ := noop.NewMeterProvider().Meter("nop").Int64Counter("nop")
	return c
}

func nopGauge() metric.Float64Gauge {
	g, _ := noop.NewMeterProvider().Meter("nop").Float64Gauge("nop")
	return g
}

// attrs converts alternating key/value pairs to OTel attributes. A
// trailing key without a value is kept with an empty value.
func attrs(kv []interface{}) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		val := ""
		if i+1 < len(kv) {
			val = fmt.Sprint(kv[i+1])
		}
		out = append(out, attribute.String(key, val))
	}
	return out
}

func kvString(kv []interface{}, key string) string {
	for i := 0; i+1 < len(kv); i += 2 {
		if fmt.Sprint(kv[i]) == key {
			return fmt.Sprint(kv[i+1])
		}
	}
	return ""
}

func fieldMap(kv []interface{}) map[string]string {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]string, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		val := ""
		if i+1 < len(kv) {
			val = fmt.Sprint(kv[i+1])
		}
		out[key] = val
	}
	return out
}

func fieldsLine(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

// eventTitle turns an event name like "emergency_close_triggered" into a
// human title for alert channels.
func eventTitle(name string) string {
	if name == "" {
		return name
	}
	s := strings.ReplaceAll(name, "_", " ")
	return strings.ToUpper(s[:1]) + s[1:]
}
