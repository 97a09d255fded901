package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IVenueAdapter is the uniform contract every venue implementation
// satisfies. Symbols passed in are normalized; adapters resolve their own
// raw market identifiers. Errors carry the apperrors kind taxonomy.
type IVenueAdapter interface {
	Name() Venue

	// Initialize validates connectivity and loads the venue's market
	// catalog. A failure here is fatal for the venue.
	Initialize(ctx context.Context) error

	// Order operations
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	GetOrderStatus(ctx context.Context, orderID, symbol string) (*Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)

	// Account operations
	GetPositions(ctx context.Context) ([]Position, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetEquity(ctx context.Context) (decimal.Decimal, error)
	GetAvailableMargin(ctx context.Context) (decimal.Decimal, error)

	// Market data
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetBestBidAsk(ctx context.Context, symbol string) (bid, ask decimal.Decimal, err error)
	ListSymbols(ctx context.Context) ([]string, error)
	GetFundingData(ctx context.Context, symbol, rawID string) (*FundingRate, error)
	GetFundingPayments(ctx context.Context, start, end time.Time) ([]FundingPayment, error)

	// SubscribeEvents starts the venue's order/position stream. The
	// returned channel closes when ctx is cancelled or the stream ends.
	SubscribeEvents(ctx context.Context) (<-chan VenueEvent, error)

	Close() error
}

// Priority orders rate-limiter acquisitions. Higher values preempt
// waiting lower classes; within a class requests are FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityEmergency:
		return "EMERGENCY"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	default:
		return "LOW"
	}
}

// IRateLimiter grants weighted tokens from a per-venue bucket. Acquire
// blocks until granted or ctx expires; expiry fails with KindRateLimited.
type IRateLimiter interface {
	Acquire(ctx context.Context, weight int, priority Priority) error
}

// ILimiterRegistry resolves the rate limiter for a venue.
type ILimiterRegistry interface {
	For(venue Venue) IRateLimiter
}

// ISymbolLocks is the symbol-level mutual exclusion service. Locks are
// per normalized symbol and venue-independent; TryAcquire never blocks.
type ISymbolLocks interface {
	TryAcquire(symbol, holder, purpose string) bool
	Release(symbol, holder string)
	Holder(symbol string) (holder, purpose string, held bool)
}

// ActiveOrder is one registry entry; at most one exists per
// (venue, symbol, side).
type ActiveOrder struct {
	Key          string
	Symbol       string
	Venue        Venue
	Side         OrderSide
	Holder       string
	Size         decimal.Decimal
	Price        decimal.Decimal
	Status       OrderStatus
	OrderID      string
	FillPrice    decimal.Decimal
	RegisteredAt time.Time
}

// IOrderRegistry is the authoritative record of in-flight orders.
// Register fails when an active entry already exists for the slot;
// terminal status updates remove the entry.
type IOrderRegistry interface {
	Register(key, symbol string, venue Venue, side OrderSide, holder string, size, price decimal.Decimal) bool
	UpdateStatus(venue Venue, symbol string, side OrderSide, status OrderStatus, orderID string, fillPrice decimal.Decimal)
	HasActive(venue Venue, symbol string, side OrderSide) bool
	ActiveOrders() []ActiveOrder
}

// IMarketCache is the read interface over the unified market state.
// Returned values are copies; mutation happens only inside the cache's
// own per-venue writers.
type IMarketCache interface {
	Position(venue Venue, symbol string, side PositionSide) (Position, bool)
	PositionsForSymbol(symbol string) []Position
	AllPositions() []Position
	MarkPrice(symbol string, venue Venue) (decimal.Decimal, bool)
	FundingRate(symbol string, venue Venue) (FundingRate, bool)
	FundingRates(symbol string) []FundingRate
	LastRefresh(venue Venue) time.Time
	// RequestRefresh nudges the venue's writer to re-read positions; it
	// never blocks.
	RequestRefresh(venue Venue)
}

// IOrderObserver receives every order update the market cache sees on a
// venue's event stream. Implementations must not block; the cache calls
// from its per-venue reader goroutines.
type IOrderObserver interface {
	ObserveOrder(venue Venue, order Order)
}

// ISymbolRegistry resolves normalized symbols to per-venue identifiers.
type ISymbolRegistry interface {
	Mapping(symbol string) (SymbolMapping, bool)
	TradableSymbols() []string
	RawID(venue Venue, symbol string) (string, bool)
	VenuesFor(symbol string) []Venue
}

// IPairCloser closes both legs of a pair in parallel with independent
// outcomes.
type IPairCloser interface {
	ClosePair(ctx context.Context, pair PairedPosition, fraction decimal.Decimal, opts CloseOptions) CloseResult
}

// EventLevel grades diagnostics events.
type EventLevel string

const (
	DiagInfo     EventLevel = "INFO"
	DiagWarning  EventLevel = "WARNING"
	DiagError    EventLevel = "ERROR"
	DiagCritical EventLevel = "CRITICAL"
)

// IDiagnostics is the only operator-visibility dependency decision-path
// components take: counters, gauges, and structured events. No logger
// reaches business logic.
type IDiagnostics interface {
	Count(name string, delta int64, kv ...interface{})
	Gauge(name string, value float64, kv ...interface{})
	Event(level EventLevel, name string, kv ...interface{})
}

// NopDiagnostics is the null collaborator constructors fall back to when
// no diagnostics sink is wired.
type NopDiagnostics struct{}

func (NopDiagnostics) Count(string, int64, ...interface{})      {}
func (NopDiagnostics) Gauge(string, float64, ...interface{})    {}
func (NopDiagnostics) Event(EventLevel, string, ...interface{}) {}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
