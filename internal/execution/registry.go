package execution

import (
	"sync"
	"time"

	"funding_keeper/internal/core"

	"github.com/shopspring/decimal"
)

type slotKey struct {
	venue  core.Venue
	symbol string
	side   core.OrderSide
}

// OrderRegistry is the authoritative record of in-flight orders: at most
// one active entry per (venue, symbol, side). Terminal status updates
// remove the slot.
type OrderRegistry struct {
	mu      sync.Mutex
	active  map[slotKey]core.ActiveOrder
	perSlot map[core.Venue]int

	diag core.IDiagnostics
}

// NewOrderRegistry creates the registry. diag may be nil.
func NewOrderRegistry(diag core.IDiagnostics) *OrderRegistry {
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	return &OrderRegistry{
		active:  make(map[slotKey]core.ActiveOrder),
		perSlot: make(map[core.Venue]int),
		diag:    diag,
	}
}

// Register claims the (venue, symbol, side) slot. It fails iff an active
// entry already occupies it.
func (r *OrderRegistry) Register(key, symbol string, venue core.Venue, side core.OrderSide, holder string, size, price decimal.Decimal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := slotKey{venue: venue, symbol: symbol, side: side}
	if _, exists := r.active[slot]; exists {
		r.diag.Count("order_register_rejected", 1,
			"venue", string(venue), "symbol", symbol, "side", string(side))
		return false
	}

	r.active[slot] = core.ActiveOrder{
		Key:          key,
		Symbol:       symbol,
		Venue:        venue,
		Side:         side,
		Holder:       holder,
		Size:         size,
		Price:        price,
		Status:       core.OrderSubmitted,
		RegisteredAt: time.Now(),
	}
	r.perSlot[venue]++
	r.gaugeLocked(venue)
	return true
}

// UpdateStatus transitions the slot's entry. Terminal statuses free the
// slot; updates against an empty slot are ignored.
func (r *OrderRegistry) UpdateStatus(venue core.Venue, symbol string, side core.OrderSide, status core.OrderStatus, orderID string, fillPrice decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := slotKey{venue: venue, symbol: symbol, side: side}
	entry, exists := r.active[slot]
	if !exists {
		return
	}

	entry.Status = status
	if orderID != "" {
		entry.OrderID = orderID
	}
	if fillPrice.IsPositive() {
		entry.FillPrice = fillPrice
	}

	if status.IsTerminal() {
		delete(r.active, slot)
		r.perSlot[venue]--
		r.gaugeLocked(venue)
		return
	}
	r.active[slot] = entry
}

// HasActive reports whether the slot is occupied.
func (r *OrderRegistry) HasActive(venue core.Venue, symbol string, side core.OrderSide) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.active[slotKey{venue: venue, symbol: symbol, side: side}]
	return exists
}

// ActiveOrders returns a snapshot of every active entry.
func (r *OrderRegistry) ActiveOrders() []core.ActiveOrder {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]core.ActiveOrder, 0, len(r.active))
	for _, entry := range r.active {
		out = append(out, entry)
	}
	return out
}

func (r *OrderRegistry) gaugeLocked(venue core.Venue) {
	r.diag.Gauge("active_orders", float64(r.perSlot[venue]), "venue", string(venue))
}
