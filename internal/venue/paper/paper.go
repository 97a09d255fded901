// Package paper implements a venue adapter that simulates an exchange in
// memory. It backs paper-mode venues in production config and doubles as
// the scriptable venue fake in tests.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const eventBuffer = 256

// book is the simulated per-symbol state. Net size is signed: positive
// long, negative short. EntryPrice tracks the volume-weighted average of
// the increasing fills.
type book struct {
	net        decimal.Decimal
	entryPrice decimal.Decimal
	openedAt   time.Time
	liqPrice   decimal.Decimal
}

// Venue is an in-memory exchange simulation.
type Venue struct {
	name core.Venue

	mu        sync.Mutex
	orders    map[string]*core.Order
	books     map[string]*book
	balance   decimal.Decimal
	leverage  decimal.Decimal
	marks     map[string]decimal.Decimal
	fundings  map[string]core.FundingRate
	payments  []core.FundingPayment
	symbols   []string
	autoFill  bool
	failures  map[string][]error
	events    chan core.VenueEvent
	dropped   int
	closed    bool
	initCalls int
}

// New creates a paper venue with a 10k balance and a small default catalog.
func New(name core.Venue) *Venue {
	return &Venue{
		name:     name,
		orders:   make(map[string]*core.Order),
		books:    make(map[string]*book),
		balance:  decimal.NewFromInt(10000),
		leverage: decimal.NewFromInt(10),
		marks:    make(map[string]decimal.Decimal),
		fundings: make(map[string]core.FundingRate),
		symbols:  []string{"BTC", "ETH"},
		failures: make(map[string][]error),
	}
}

func (v *Venue) Name() core.Venue { return v.name }

func (v *Venue) Initialize(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.initCalls++
	return v.popFailure("Initialize")
}

// SetSymbols replaces the raw symbol catalog.
func (v *Venue) SetSymbols(symbols ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.symbols = symbols
}

// SetMarkPrice scripts the mark price for a symbol.
func (v *Venue) SetMarkPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marks[symbol] = price
}

// SetFundingRate scripts the funding observation returned by GetFundingData.
func (v *Venue) SetFundingRate(rate core.FundingRate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rate.Venue = v.name
	v.fundings[rate.Symbol] = rate
}

// SetBalance scripts the wallet balance.
func (v *Venue) SetBalance(balance decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = balance
}

// SetLeverage scripts the venue-wide leverage reported on positions.
// Zero means the venue stops reporting leverage at all.
func (v *Venue) SetLeverage(leverage decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage = leverage
}

// SetLiquidationPrice scripts a reported liquidation price for a symbol.
func (v *Venue) SetLiquidationPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.books[symbol]; ok {
		b.liqPrice = price
	}
}

// SeedPosition installs a position directly, bypassing order flow.
func (v *Venue) SeedPosition(symbol string, side core.PositionSide, size, entryPrice decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	net := size
	if side == core.SideShort {
		net = size.Neg()
	}
	v.books[symbol] = &book{net: net, entryPrice: entryPrice, openedAt: time.Now()}
}

// AddFundingPayment scripts a settled funding transfer.
func (v *Venue) AddFundingPayment(p core.FundingPayment) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p.Venue = v.name
	v.payments = append(v.payments, p)
}

// SetAutoFill makes resting limit orders fill immediately at their price.
func (v *Venue) SetAutoFill(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.autoFill = on
}

// FailWith queues an error for the next call of the named operation
// (PlaceOrder, CancelOrder, GetPositions, ListSymbols, ...).
func (v *Venue) FailWith(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = append(v.failures[op], err)
}

// DroppedEvents reports events discarded because the subscriber lagged.
func (v *Venue) DroppedEvents() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dropped
}

func (v *Venue) popFailure(op string) error {
	queue := v.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	v.failures[op] = queue[1:]
	return err
}

func (v *Venue) markPriceLocked(symbol string) decimal.Decimal {
	if p, ok := v.marks[symbol]; ok {
		return p
	}
	switch symbol {
	case "BTC":
		return decimal.NewFromInt(45000)
	case "ETH":
		return decimal.NewFromInt(3000)
	default:
		return decimal.NewFromInt(100)
	}
}

// emitLocked publishes an event without blocking; a lagging subscriber
// loses events rather than stalling the simulation.
func (v *Venue) emitLocked(ev core.VenueEvent) {
	if v.events == nil || v.closed {
		return
	}
	select {
	case v.events <- ev:
	default:
		v.dropped++
	}
}

// PlaceOrder simulates a placement. Market orders fill immediately at the
// mark price; limit orders rest until FillOrder or auto-fill.
func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("PlaceOrder"); err != nil {
		return nil, err
	}
	if req.Size.LessThanOrEqual(decimal.Zero) {
		return nil, apperrors.NewVenueError(string(v.name), apperrors.KindValidation, "PlaceOrder",
			fmt.Sprintf("non-positive size %s", req.Size), nil)
	}

	if req.ReduceOnly {
		b := v.books[req.Symbol]
		if b == nil || b.net.IsZero() || sameDirection(b.net, req.Side) {
			return nil, apperrors.NewVenueError(string(v.name), apperrors.KindValidation, "PlaceOrder",
				"reduce-only order has nothing to reduce", apperrors.ErrOrderRejected)
		}
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	order := &core.Order{
		OrderID:       strconv.FormatInt(time.Now().UnixNano(), 10),
		ClientOrderID: clientID,
		Venue:         v.name,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Size:          req.Size,
		Price:         req.Price,
		Type:          req.Type,
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		Status:        core.OrderSubmitted,
		PlacedAt:      time.Now(),
	}
	v.orders[order.OrderID] = order

	fillNow := req.Type == core.OrderTypeMarket || v.autoFill
	if fillNow {
		price := req.Price
		if req.Type == core.OrderTypeMarket || price.IsZero() {
			price = v.markPriceLocked(req.Symbol)
		}
		v.fillLocked(order, price)
	} else {
		v.emitLocked(core.OrderUpdate{Venue: v.name, Order: *order})
	}

	return &core.OrderResult{
		OrderID:      order.OrderID,
		Status:       order.Status,
		FilledSize:   order.FilledSize,
		AvgFillPrice: order.Price,
	}, nil
}

// FillOrder fills a resting order at the given price (or its limit price
// when zero). Used by tests to script fills.
func (v *Venue) FillOrder(orderID string, price decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[orderID]
	if !ok {
		return apperrors.NewVenueError(string(v.name), apperrors.KindNotFound, "FillOrder",
			fmt.Sprintf("order %s", orderID), apperrors.ErrOrderNotFound)
	}
	if order.Status.IsTerminal() {
		return fmt.Errorf("order %s already %s", orderID, order.Status)
	}
	if price.IsZero() {
		price = order.Price
	}
	if price.IsZero() {
		price = v.markPriceLocked(order.Symbol)
	}
	v.fillLocked(order, price)
	return nil
}

// fillLocked applies the fill to the book and emits both event kinds.
func (v *Venue) fillLocked(order *core.Order, price decimal.Decimal) {
	delta := order.Size
	if order.Side == core.OrderSell {
		delta = delta.Neg()
	}

	b := v.books[order.Symbol]
	if b == nil {
		b = &book{openedAt: time.Now()}
		v.books[order.Symbol] = b
	}

	if order.ReduceOnly {
		// Clamp so a reduce can never flip the direction.
		if delta.Abs().GreaterThan(b.net.Abs()) {
			delta = b.net.Neg()
		}
	}

	newNet := b.net.Add(delta)
	switch {
	case b.net.IsZero() || sameSign(b.net, newNet) && newNet.Abs().GreaterThan(b.net.Abs()):
		// Opening or increasing: weighted-average entry.
		total := b.net.Abs().Mul(b.entryPrice).Add(delta.Abs().Mul(price))
		if !newNet.IsZero() {
			b.entryPrice = total.Div(newNet.Abs())
		}
	case !sameSign(b.net, newNet) && !newNet.IsZero():
		// Flipped through zero: remainder entered at the fill price.
		b.entryPrice = price
		b.openedAt = time.Now()
	}
	b.net = newNet
	if b.net.IsZero() {
		delete(v.books, order.Symbol)
	}

	order.Status = core.OrderFilled
	order.FilledSize = order.Size
	order.Price = price

	v.emitLocked(core.OrderUpdate{Venue: v.name, Order: *order})
	v.emitLocked(core.PositionsUpdate{Venue: v.name})
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() == b.Sign()
}

// sameDirection reports whether the order side pushes the net further from
// zero.
func sameDirection(net decimal.Decimal, side core.OrderSide) bool {
	if side == core.OrderBuy {
		return net.Sign() > 0
	}
	return net.Sign() < 0
}

func (v *Venue) CancelOrder(ctx context.Context, orderID, symbol string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("CancelOrder"); err != nil {
		return err
	}
	order, ok := v.orders[orderID]
	if !ok {
		return apperrors.NewVenueError(string(v.name), apperrors.KindNotFound, "CancelOrder",
			fmt.Sprintf("order %s", orderID), apperrors.ErrOrderNotFound)
	}
	if order.Status.IsTerminal() {
		return apperrors.NewVenueError(string(v.name), apperrors.KindValidation, "CancelOrder",
			fmt.Sprintf("order %s already %s", orderID, order.Status), nil)
	}
	order.Status = core.OrderCancelled
	v.emitLocked(core.OrderUpdate{Venue: v.name, Order: *order})
	return nil
}

func (v *Venue) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("CancelAllOrders"); err != nil {
		return 0, err
	}
	cancelled := 0
	for _, order := range v.orders {
		if order.Status.IsTerminal() {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		order.Status = core.OrderCancelled
		v.emitLocked(core.OrderUpdate{Venue: v.name, Order: *order})
		cancelled++
	}
	return cancelled, nil
}

func (v *Venue) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("GetOrderStatus"); err != nil {
		return nil, err
	}
	order, ok := v.orders[orderID]
	if !ok {
		return nil, apperrors.NewVenueError(string(v.name), apperrors.KindNotFound, "GetOrderStatus",
			fmt.Sprintf("order %s", orderID), apperrors.ErrOrderNotFound)
	}
	copied := *order
	return &copied, nil
}

func (v *Venue) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("GetOpenOrders"); err != nil {
		return nil, err
	}
	var out []core.Order
	for _, order := range v.orders {
		if !order.Status.IsTerminal() {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]core.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("GetPositions"); err != nil {
		return nil, err
	}
	out := make([]core.Position, 0, len(v.books))
	for symbol, b := range v.books {
		if p := v.positionLocked(symbol, b); p != nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (v *Venue) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.popFailure("GetPosition"); err != nil {
		return nil, err
	}
	b, ok := v.books[symbol]
	if !ok {
		return nil, nil
	}
	return v.positionLocked(symbol, b), nil
}

func (v *Venue) positionLocked(symbol string, b *book) *core.Position {
	if b.net.Abs().LessThan(core.PositionEpsilon) {
		return nil
	}
	side := core.SideLong
	if b.net.Sign() < 0 {
		side = core.SideShort
	}
	mark := v.markPriceLocked(symbol)
	size := b.net.Abs()
	pnl := mark.Sub(b.entryPrice).Mul(b.net)

	margin := decimal.Zero
	if v.leverage.IsPositive() {
		margin = size.Mul(b.entryPrice).Div(v.leverage)
	}
	return &core.Position{
		Venue:            v.name,
		Symbol:           symbol,
		Side:             side,
		Size:             size,
		EntryPrice:       b.entryPrice,
		MarkPrice:        mark,
		UnrealizedPnl:    pnl,
		Leverage:         v.leverage,
		LiquidationPrice: b.liqPrice,
		MarginUsed:       margin,
		OpenedAt:         b.openedAt,
		LastUpdated:      time.Now(),
	}
}

func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("GetBalance"); err != nil {
		return decimal.Zero, err
	}
	return v.balance, nil
}

func (v *Venue) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("GetEquity"); err != nil {
		return decimal.Zero, err
	}
	equity := v.balance
	for symbol, b := range v.books {
		mark := v.markPriceLocked(symbol)
		equity = equity.Add(mark.Sub(b.entryPrice).Mul(b.net))
	}
	return equity, nil
}

func (v *Venue) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	equity, err := v.GetEquity(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	used := decimal.Zero
	if v.leverage.IsPositive() {
		for _, b := range v.books {
			used = used.Add(b.net.Abs().Mul(b.entryPrice).Div(v.leverage))
		}
	}
	return equity.Sub(used), nil
}

func (v *Venue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("GetMarkPrice"); err != nil {
		return decimal.Zero, err
	}
	return v.markPriceLocked(symbol), nil
}

func (v *Venue) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("GetBestBidAsk"); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	mark := v.markPriceLocked(symbol)
	half := mark.Mul(decimal.NewFromFloat(0.0005))
	return mark.Sub(half), mark.Add(half), nil
}

func (v *Venue) ListSymbols(ctx context.Context) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("ListSymbols"); err != nil {
		return nil, err
	}
	out := make([]string, len(v.symbols))
	copy(out, v.symbols)
	return out, nil
}

func (v *Venue) GetFundingData(ctx context.Context, symbol, rawID string) (*core.FundingRate, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("GetFundingData"); err != nil {
		return nil, err
	}
	if rate, ok := v.fundings[symbol]; ok {
		rate.ObservedAt = time.Now()
		return &rate, nil
	}
	return &core.FundingRate{
		Venue:              v.name,
		Symbol:             symbol,
		CurrentRate:        decimal.NewFromFloat(0.0001),
		PredictedRate:      decimal.NewFromFloat(0.0001),
		MarkPrice:          v.markPriceLocked(symbol),
		OpenInterest:       decimal.NewFromInt(10000000),
		Volume24h:          decimal.NewFromInt(50000000),
		FundingPeriodHours: 1,
		ObservedAt:         time.Now(),
	}, nil
}

func (v *Venue) GetFundingPayments(ctx context.Context, start, end time.Time) ([]core.FundingPayment, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("GetFundingPayments"); err != nil {
		return nil, err
	}
	var out []core.FundingPayment
	for _, p := range v.payments {
		if p.PaidAt.Before(start) || !p.PaidAt.Before(end) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (v *Venue) SubscribeEvents(ctx context.Context) (<-chan core.VenueEvent, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.popFailure("SubscribeEvents"); err != nil {
		return nil, err
	}
	if v.events == nil {
		v.events = make(chan core.VenueEvent, eventBuffer)
	}
	return v.events, nil
}

func (v *Venue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	if v.events != nil {
		close(v.events)
	}
	return nil
}
