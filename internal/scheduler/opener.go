package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// OpenResult reports per-leg outcomes of a pair open. One leg failing
// never rolls the other back; the recovery loop owns the imbalance.
type OpenResult struct {
	Symbol   string
	LongOK   bool
	ShortOK  bool
	LongErr  error
	ShortErr error
}

// Success reports both legs placed.
func (r *OpenResult) Success() bool { return r.LongOK && r.ShortOK }

// SingleLeg reports exactly one leg placed.
func (r *OpenResult) SingleLeg() bool { return r.LongOK != r.ShortOK }

// OpenPair opens both legs of a funding pair in parallel: LONG on the
// opportunity's long venue, SHORT on its short venue, limit at mark GTC.
// When exactly one leg lands, the venue assignment is pinned in a retry
// record so recovery hedges on the venue chosen here, not on whatever
// later market data suggests.
func (s *Scheduler) OpenPair(ctx context.Context, opp *core.Opportunity, longSize, shortSize decimal.Decimal) *OpenResult {
	result := &OpenResult{Symbol: opp.Symbol}

	if !longSize.IsPositive() || !shortSize.IsPositive() {
		err := fmt.Errorf("pair open sizes must be positive, got long=%s short=%s", longSize, shortSize)
		result.LongErr, result.ShortErr = err, err
		return result
	}
	if opp.LongVenue == opp.ShortVenue {
		err := fmt.Errorf("pair open needs two venues, got %s twice", opp.LongVenue)
		result.LongErr, result.ShortErr = err, err
		return result
	}

	if !s.locks.TryAcquire(opp.Symbol, schedulerHolder, "open-pair") {
		result.LongErr = apperrors.ErrLockHeld
		result.ShortErr = apperrors.ErrLockHeld
		return result
	}
	defer s.locks.Release(opp.Symbol, schedulerHolder)

	type legOutcome struct {
		side core.PositionSide
		err  error
	}
	outcomes := make(chan legOutcome, 2)
	go func() {
		outcomes <- legOutcome{core.SideLong,
			s.openLeg(ctx, opp.LongVenue, opp.Symbol, core.SideLong, longSize, opp.LongMarkPrice)}
	}()
	go func() {
		outcomes <- legOutcome{core.SideShort,
			s.openLeg(ctx, opp.ShortVenue, opp.Symbol, core.SideShort, shortSize, opp.ShortMarkPrice)}
	}()
	for i := 0; i < 2; i++ {
		out := <-outcomes
		if out.side == core.SideLong {
			result.LongOK, result.LongErr = out.err == nil, out.err
		} else {
			result.ShortOK, result.ShortErr = out.err == nil, out.err
		}
	}

	switch {
	case result.Success():
		s.diag.Count("pairs_opened", 1, "symbol", opp.Symbol)
		s.diag.Event(core.DiagInfo, "pair_opened",
			"symbol", opp.Symbol,
			"long_venue", string(opp.LongVenue), "short_venue", string(opp.ShortVenue),
			"spread", opp.Spread.String())
	case result.SingleLeg():
		// The surviving leg may fill at any moment; pin the venue
		// assignment now so recovery cannot re-derive it.
		s.retries.Put(core.SingleLegRetryInfo{
			Symbol:     opp.Symbol,
			LongVenue:  opp.LongVenue,
			ShortVenue: opp.ShortVenue,
		})
		s.diag.Event(core.DiagError, "pair_open_single_leg",
			"symbol", opp.Symbol,
			"long_ok", result.LongOK, "short_ok", result.ShortOK,
			"error", firstError(result.LongErr, result.ShortErr).Error())
	default:
		s.diag.Event(core.DiagWarning, "pair_open_failed",
			"symbol", opp.Symbol,
			"long_error", result.LongErr.Error(), "short_error", result.ShortErr.Error())
	}
	return result
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// openLeg registers the slot and submits one limit-at-mark GTC order.
func (s *Scheduler) openLeg(ctx context.Context, venue core.Venue, symbol string, side core.PositionSide, size, price decimal.Decimal) error {
	adapter, ok := s.adapters[venue]
	if !ok {
		return fmt.Errorf("no adapter for venue %s", venue)
	}
	if !price.IsPositive() {
		mark, ok := s.markPrice(ctx, adapter, venue, symbol)
		if !ok {
			return fmt.Errorf("open %s %s on %s: %w", side, symbol, venue, apperrors.ErrDataMissing)
		}
		price = mark
	}

	orderSide := core.OpeningOrderSide(side)
	key := uuid.NewString()
	if !s.registry.Register(key, symbol, venue, orderSide, schedulerHolder, size, price) {
		return apperrors.ErrOrderAlreadyActive
	}

	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide,
		Type:          core.OrderTypeLimit,
		Size:          size,
		Price:         price,
		TimeInForce:   core.TifGTC,
		ClientOrderID: key,
	}
	if err := s.limiters.For(venue).Acquire(ctx, 1, core.PriorityNormal); err != nil {
		s.registry.UpdateStatus(venue, symbol, orderSide, core.OrderFailed, "", decimal.Zero)
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	res, err := adapter.PlaceOrder(callCtx, req)
	cancel()
	if err != nil {
		s.registry.UpdateStatus(venue, symbol, orderSide, core.OrderFailed, "", decimal.Zero)
		s.diag.Count("orders_failed", 1, "venue", string(venue), "symbol", symbol)
		return err
	}
	s.registry.UpdateStatus(venue, symbol, orderSide, res.Status, res.OrderID, res.AvgFillPrice)
	s.diag.Count("orders_placed", 1, "venue", string(venue), "symbol", symbol)
	return nil
}

// autoOpen scans symbols with no open exposure and opens the best
// opportunity per symbol at a flat notional.
func (s *Scheduler) autoOpen(ctx context.Context, states map[string]*SymbolState) {
	if s.symbolReg == nil || !s.cfg.OrderNotionalUSD.IsPositive() {
		return
	}

	tradable := make([]string, 0)
	for _, sym := range s.symbolReg.TradableSymbols() {
		if st, ok := states[sym]; ok && st.Kind != StateEmpty {
			continue
		}
		if s.retries.HasSymbol(sym) {
			continue
		}
		tradable = append(tradable, sym)
	}
	if len(tradable) == 0 {
		return
	}

	opps := s.finder.FindOpportunities(ctx, tradable)
	if len(opps) == 0 {
		return
	}
	s.diag.Count("opportunities_found", int64(len(opps)))

	opened := make(map[string]bool, len(opps))
	for i := range opps {
		if ctx.Err() != nil {
			return
		}
		opp := &opps[i]
		if opened[opp.Symbol] {
			continue
		}
		opened[opp.Symbol] = true
		if !opp.LongMarkPrice.IsPositive() || !opp.ShortMarkPrice.IsPositive() {
			s.diag.Count("auto_open_skipped", 1, "symbol", opp.Symbol)
			continue
		}
		longSize := s.cfg.OrderNotionalUSD.Div(opp.LongMarkPrice)
		shortSize := s.cfg.OrderNotionalUSD.Div(opp.ShortMarkPrice)
		s.OpenPair(ctx, opp, longSize, shortSize)
	}
}
