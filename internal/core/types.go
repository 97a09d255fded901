// Package core defines the shared types and interfaces of the funding
// keeper: venue identities, positions, orders, funding rates, and the
// contracts between the engine subsystems.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies a perpetual-futures venue.
type Venue string

const (
	VenueHyperliquid Venue = "HYPERLIQUID"
	VenueLighter     Venue = "LIGHTER"
	VenueAster       Venue = "ASTER"
	VenueExtended    Venue = "EXTENDED"
)

// AllVenues lists every venue the keeper knows about, in preference order.
var AllVenues = []Venue{VenueHyperliquid, VenueLighter, VenueAster, VenueExtended}

func (v Venue) String() string { return string(v) }

// ParseVenue resolves a case-insensitive venue name.
func ParseVenue(s string) (Venue, error) {
	u := Venue(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range AllVenues {
		if u == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown venue: %q", s)
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Opposite returns the other position side.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderBuy  OrderSide = "BUY"
	OrderSell OrderSide = "SELL"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderBuy {
		return OrderSell
	}
	return OrderBuy
}

// OpeningOrderSide returns the order side that opens the given position
// side; CloseOrderSide returns the reduce-only side that closes it.
func OpeningOrderSide(side PositionSide) OrderSide {
	if side == SideLong {
		return OrderBuy
	}
	return OrderSell
}

func CloseOrderSide(side PositionSide) OrderSide {
	return OpeningOrderSide(side).Opposite()
}

// OrderType and TimeInForce mirror the venue adapter contract.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type TimeInForce string

const (
	TifGTC TimeInForce = "GTC"
	TifIOC TimeInForce = "IOC"
	TifFOK TimeInForce = "FOK"
)

// OrderStatus follows SUBMITTED → (FILLED | PARTIALLY_FILLED → FILLED |
// CANCELLED | FAILED | EXPIRED).
type OrderStatus string

const (
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderFailed          OrderStatus = "FAILED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed, OrderExpired:
		return true
	default:
		return false
	}
}

// PositionEpsilon is the size below which a position counts as closed.
var PositionEpsilon = decimal.NewFromFloat(0.0001)

// Position is a held leg on one venue, keyed by normalized symbol.
// Size is always positive; Side carries the direction. Leverage zero
// means the venue did not report it; LiquidationPrice zero means missing.
type Position struct {
	Venue             Venue
	Symbol            string
	Side              PositionSide
	Size              decimal.Decimal
	EntryPrice        decimal.Decimal
	MarkPrice         decimal.Decimal
	UnrealizedPnl     decimal.Decimal
	Leverage          decimal.Decimal
	LiquidationPrice  decimal.Decimal
	LiqPriceEstimated bool
	MarginUsed        decimal.Decimal
	OpenedAt          time.Time
	LastUpdated       time.Time
}

// IsClosed reports whether the position is below the closed threshold.
func (p *Position) IsClosed() bool {
	return p.Size.Abs().LessThan(PositionEpsilon)
}

// FundingRate is one venue's funding observation for a normalized symbol.
// CurrentRate and PredictedRate are per funding interval;
// FundingPeriodHours declares that interval (1 for hourly venues).
type FundingRate struct {
	Venue              Venue
	Symbol             string
	CurrentRate        decimal.Decimal
	PredictedRate      decimal.Decimal
	MarkPrice          decimal.Decimal
	OpenInterest       decimal.Decimal
	Volume24h          decimal.Decimal
	FundingPeriodHours int
	ObservedAt         time.Time
}

// HourlyRate normalizes the current rate to a per-hour figure.
func (f *FundingRate) HourlyRate() decimal.Decimal {
	if f.FundingPeriodHours > 1 {
		return f.CurrentRate.Div(decimal.NewFromInt(int64(f.FundingPeriodHours)))
	}
	return f.CurrentRate
}

// Order is an order as reported by a venue.
type Order struct {
	OrderID       string
	ClientOrderID string
	Venue         Venue
	Symbol        string
	Side          OrderSide
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Price         decimal.Decimal
	Type          OrderType
	ReduceOnly    bool
	TimeInForce   TimeInForce
	Status        OrderStatus
	PlacedAt      time.Time
}

// OrderRequest is the adapter-facing order submission. Symbol is the
// normalized symbol; adapters resolve their raw market identifier.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	TimeInForce   TimeInForce
	ClientOrderID string
}

// OrderResult is the adapter's response to a placement.
type OrderResult struct {
	OrderID      string
	Status       OrderStatus
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// FundingPayment is a settled funding transfer. Amount is signed in
// collateral terms: positive means the account received funding.
type FundingPayment struct {
	Venue        Venue
	Symbol       string
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	PositionSize decimal.Decimal
	PaidAt       time.Time
}

// SymbolMapping binds a normalized symbol to its per-venue raw market
// identifiers. Integer market indexes are carried as decimal strings.
type SymbolMapping struct {
	Normalized string           `json:"normalized"`
	PerVenueID map[Venue]string `json:"perVenueId"`
}

// IsTradable reports whether the symbol exists on at least two venues.
func (m *SymbolMapping) IsTradable() bool {
	return len(m.PerVenueID) >= 2
}

// Opportunity is a transient cross-venue funding spread. Spread is the
// harvested hourly rate (short-venue rate minus long-venue rate, positive
// when favorable); ExpectedReturn annualizes it.
type Opportunity struct {
	Symbol            string
	LongVenue         Venue
	ShortVenue        Venue
	LongRate          decimal.Decimal
	ShortRate         decimal.Decimal
	Spread            decimal.Decimal
	ExpectedReturn    decimal.Decimal
	LongMarkPrice     decimal.Decimal
	ShortMarkPrice    decimal.Decimal
	LongOpenInterest  decimal.Decimal
	ShortOpenInterest decimal.Decimal
	ObservedAt        time.Time
}

// HoursPerYear converts an hourly rate into an annualized return.
var HoursPerYear = decimal.NewFromInt(24 * 365)

// SingleLegRetryInfo pins the venue assignments chosen when a pair was
// opened so that recovery never re-derives them from fresher market data.
type SingleLegRetryInfo struct {
	Symbol        string
	LongVenue     Venue
	ShortVenue    Venue
	RetryCount    int
	LastRetryTime time.Time
}

// RetryKey builds the canonical retry-info key.
func RetryKey(symbol string, longVenue, shortVenue Venue) string {
	return symbol + "|" + string(longVenue) + "|" + string(shortVenue)
}

// Key returns the record's own canonical key.
func (r *SingleLegRetryInfo) Key() string {
	return RetryKey(r.Symbol, r.LongVenue, r.ShortVenue)
}

// Mentions reports whether the record pins the given venue on either leg.
func (r *SingleLegRetryInfo) Mentions(v Venue) bool {
	return r.LongVenue == v || r.ShortVenue == v
}

// PairedPosition groups at most one LONG and one SHORT leg for a symbol.
type PairedPosition struct {
	Symbol string
	Long   *Position
	Short  *Position
}

// IsValid reports a complete pair with legs on different venues.
func (p *PairedPosition) IsValid() bool {
	return p.Long != nil && p.Short != nil && p.Long.Venue != p.Short.Venue
}

// IsSingleLeg reports exactly one leg, or both legs stuck on one venue.
func (p *PairedPosition) IsSingleLeg() bool {
	if p.Long != nil && p.Short != nil {
		return p.Long.Venue == p.Short.Venue
	}
	return (p.Long != nil) != (p.Short != nil)
}

// Legs returns the non-nil legs.
func (p *PairedPosition) Legs() []*Position {
	legs := make([]*Position, 0, 2)
	if p.Long != nil {
		legs = append(legs, p.Long)
	}
	if p.Short != nil {
		legs = append(legs, p.Short)
	}
	return legs
}

// RiskLevel buckets liquidation proximity.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskWarning  RiskLevel = "WARNING"
	RiskDanger   RiskLevel = "DANGER"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a proximity in [0,1] onto a risk level.
func RiskLevelFor(proximity decimal.Decimal) RiskLevel {
	switch {
	case proximity.GreaterThanOrEqual(decimal.NewFromFloat(0.9)):
		return RiskCritical
	case proximity.GreaterThanOrEqual(decimal.NewFromFloat(0.7)):
		return RiskDanger
	case proximity.GreaterThanOrEqual(decimal.NewFromFloat(0.4)):
		return RiskWarning
	default:
		return RiskSafe
	}
}

// LiquidationRisk is the valuator's verdict for one leg.
type LiquidationRisk struct {
	Venue                  Venue
	Symbol                 string
	Side                   PositionSide
	MarkPrice              decimal.Decimal
	LiquidationPrice       decimal.Decimal
	EntryPrice             decimal.Decimal
	Leverage               decimal.Decimal
	LiqPriceEstimated      bool
	DistanceToLiquidation  decimal.Decimal
	ProximityToLiquidation decimal.Decimal
	RiskLevel              RiskLevel
}

// CloseOptions steers a hedged pair close.
type CloseOptions struct {
	// Emergency switches both legs to MARKET orders and EMERGENCY
	// rate-limit priority.
	Emergency bool
	// SkipLocking is set by callers that already hold the symbol lock.
	SkipLocking bool
}

// CloseResult reports both leg outcomes of a hedged close. A nil leg
// error with a zero closed size means the leg was absent.
type CloseResult struct {
	Symbol      string
	LongClosed  decimal.Decimal
	ShortClosed decimal.Decimal
	LongErr     error
	ShortErr    error
}

// Success reports both legs closed without error.
func (r *CloseResult) Success() bool {
	return r.LongErr == nil && r.ShortErr == nil
}

// Errors collects the non-nil leg errors.
func (r *CloseResult) Errors() []error {
	var errs []error
	if r.LongErr != nil {
		errs = append(errs, r.LongErr)
	}
	if r.ShortErr != nil {
		errs = append(errs, r.ShortErr)
	}
	return errs
}
