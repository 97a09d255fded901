package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// DetermineMissingSide resolves where the hedge for an exposed leg goes.
// A retry record that mentions the position's venue freezes the
// assignment made at opening; only without one is the first preferred
// venue among the remaining ones picked. The returned venue is never the
// position's own venue.
func DetermineMissingSide(pos *core.Position, info *core.SingleLegRetryInfo, available, preferred []core.Venue) (core.Venue, core.PositionSide, error) {
	var longVenue, shortVenue core.Venue

	if info != nil && info.Mentions(pos.Venue) {
		longVenue, shortVenue = info.LongVenue, info.ShortVenue
	} else {
		others := make([]core.Venue, 0, len(available))
		for _, v := range available {
			if v != pos.Venue {
				others = append(others, v)
			}
		}
		if len(others) == 0 {
			return "", "", apperrors.ErrNoCounterparty
		}
		pick := others[0]
		for _, p := range preferred {
			if containsVenue(others, p) {
				pick = p
				break
			}
		}
		if pos.Side == core.SideLong {
			longVenue, shortVenue = pos.Venue, pick
		} else {
			longVenue, shortVenue = pick, pos.Venue
		}
	}

	missingVenue, missingSide := shortVenue, core.SideShort
	if pos.Side == core.SideShort {
		missingVenue, missingSide = longVenue, core.SideLong
	}
	if missingVenue == pos.Venue {
		return "", "", fmt.Errorf("missing leg resolved to the exposed venue %s: %w",
			pos.Venue, apperrors.ErrNoCounterparty)
	}
	return missingVenue, missingSide, nil
}

func containsVenue(vs []core.Venue, v core.Venue) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// recoverSingleLegs walks every SINGLE_LEG symbol and runs at most one
// recovery step for each.
func (s *Scheduler) recoverSingleLegs(ctx context.Context, states map[string]*SymbolState) {
	for symbol, st := range states {
		if ctx.Err() != nil {
			return
		}
		if st.Kind != StateSingleLeg {
			continue
		}
		pos := st.Exposed()
		if pos == nil {
			s.diag.Event(core.DiagWarning, "single_leg_ambiguous",
				"symbol", symbol, "longs", len(st.Longs), "shorts", len(st.Shorts))
			continue
		}
		s.recoverOne(ctx, symbol, pos)
	}
}

// recoverOne runs one step of the recovery state machine for an exposed
// leg: re-hedge while budget remains, unwind once it is spent.
func (s *Scheduler) recoverOne(ctx context.Context, symbol string, pos *core.Position) {
	info := s.retries.Find(symbol, pos.Venue)

	missingVenue, missingSide, err := DetermineMissingSide(pos, info, s.availableVenues(), s.cfg.PreferredVenues)
	if err != nil {
		s.diag.Event(core.DiagError, "single_leg_unrecoverable",
			"symbol", symbol, "venue", string(pos.Venue), "error", err.Error())
		return
	}

	if info != nil && info.RetryCount >= s.cfg.MaxSingleLegRetries {
		s.unwind(ctx, symbol, pos, info)
		return
	}
	if info != nil && info.RetryCount > 0 {
		wait := time.Duration(info.RetryCount) * s.cfg.SingleLegBackoff
		if time.Since(info.LastRetryTime) < wait {
			s.diag.Count("single_leg_backoff", 1, "symbol", symbol)
			return
		}
	}

	if !s.locks.TryAcquire(symbol, schedulerHolder, "single-leg-recovery") {
		s.diag.Count("symbol_lock_busy", 1, "symbol", symbol)
		return
	}
	defer s.locks.Release(symbol, schedulerHolder)

	longVenue, shortVenue := pos.Venue, missingVenue
	if missingSide == core.SideLong {
		longVenue, shortVenue = missingVenue, pos.Venue
	}

	s.diag.Count("single_leg_recoveries", 1, "symbol", symbol, "venue", string(missingVenue))
	if s.placeMissingLeg(ctx, symbol, pos, missingVenue, missingSide) {
		s.retries.Delete(core.RetryKey(symbol, longVenue, shortVenue))
		s.diag.Event(core.DiagInfo, "single_leg_recovered",
			"symbol", symbol, "venue", string(missingVenue), "side", string(missingSide))
		s.cache.RequestRefresh(missingVenue)
		return
	}

	updated := s.retries.Bump(symbol, longVenue, shortVenue, time.Now())
	s.diag.Event(core.DiagWarning, "single_leg_retry_recorded",
		"symbol", symbol, "retryCount", updated.RetryCount, "max", s.cfg.MaxSingleLegRetries)
}

// placeMissingLeg submits the hedge on the missing venue and waits for
// the fill. Any resting order on that venue for this symbol is cancelled
// first so the fresh hedge cannot double up with a stale first-leg order.
// Returns true only when the hedge filled inside the fill window.
func (s *Scheduler) placeMissingLeg(ctx context.Context, symbol string, pos *core.Position, venue core.Venue, side core.PositionSide) bool {
	adapter, ok := s.adapters[venue]
	if !ok {
		s.diag.Event(core.DiagError, "recovery_adapter_missing", "venue", string(venue), "symbol", symbol)
		return false
	}

	if err := s.limiters.For(venue).Acquire(ctx, 1, core.PriorityNormal); err == nil {
		callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		if n, cErr := adapter.CancelAllOrders(callCtx, symbol); cErr == nil && n > 0 {
			s.diag.Count("recovery_stale_orders_cancelled", int64(n),
				"venue", string(venue), "symbol", symbol)
			// Free any registry slot a swept order was holding; updates
			// against empty slots are ignored.
			s.registry.UpdateStatus(venue, symbol, core.OrderBuy, core.OrderCancelled, "", decimal.Zero)
			s.registry.UpdateStatus(venue, symbol, core.OrderSell, core.OrderCancelled, "", decimal.Zero)
		}
		cancel()
	}

	mark, ok := s.markPrice(ctx, adapter, venue, symbol)
	if !ok {
		return false
	}

	orderSide := core.OpeningOrderSide(side)
	key := uuid.NewString()
	if !s.registry.Register(key, symbol, venue, orderSide, schedulerHolder, pos.Size, mark) {
		s.diag.Count("recovery_order_conflict", 1, "venue", string(venue), "symbol", symbol)
		return false
	}

	req := &core.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide,
		Type:          core.OrderTypeLimit,
		Size:          pos.Size,
		Price:         mark,
		TimeInForce:   core.TifGTC,
		ClientOrderID: key,
	}
	if err := s.limiters.For(venue).Acquire(ctx, 1, core.PriorityNormal); err != nil {
		s.registry.UpdateStatus(venue, symbol, orderSide, core.OrderFailed, "", decimal.Zero)
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	res, err := adapter.PlaceOrder(callCtx, req)
	cancel()
	if err != nil {
		s.registry.UpdateStatus(venue, symbol, orderSide, core.OrderFailed, "", decimal.Zero)
		s.diag.Count("orders_failed", 1, "venue", string(venue), "symbol", symbol)
		return false
	}
	s.diag.Count("orders_placed", 1, "venue", string(venue), "symbol", symbol)
	s.registry.UpdateStatus(venue, symbol, orderSide, res.Status, res.OrderID, res.AvgFillPrice)

	if res.Status == core.OrderFilled {
		return true
	}
	if res.Status.IsTerminal() {
		return false
	}
	if s.waitForFill(ctx, adapter, venue, symbol, orderSide, res.OrderID) {
		return true
	}

	// The unfilled hedge must be off the book before anything else
	// happens to this symbol.
	s.cancelRecoveryOrder(ctx, adapter, venue, symbol, orderSide, res.OrderID)
	return false
}

// waitForFill polls the order until it fills, dies, or the fill window
// closes.
func (s *Scheduler) waitForFill(ctx context.Context, adapter core.IVenueAdapter, venue core.Venue, symbol string, side core.OrderSide, orderID string) bool {
	polls := int(s.cfg.FillWait / s.cfg.PollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(s.cfg.PollInterval):
		}
		if err := s.limiters.For(venue).Acquire(ctx, 1, core.PriorityNormal); err != nil {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		order, err := adapter.GetOrderStatus(callCtx, orderID, symbol)
		cancel()
		if err != nil || order == nil {
			continue
		}
		s.registry.UpdateStatus(venue, symbol, side, order.Status, orderID, order.Price)
		if order.Status == core.OrderFilled {
			return true
		}
		if order.Status.IsTerminal() {
			return false
		}
	}
	return false
}

func (s *Scheduler) cancelRecoveryOrder(ctx context.Context, adapter core.IVenueAdapter, venue core.Venue, symbol string, side core.OrderSide, orderID string) {
	if err := s.limiters.For(venue).Acquire(ctx, 1, core.PriorityHigh); err != nil {
		s.diag.Count("recovery_cancel_failed", 1, "venue", string(venue), "symbol", symbol)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	if err := adapter.CancelOrder(callCtx, orderID, symbol); err != nil {
		s.diag.Count("recovery_cancel_failed", 1, "venue", string(venue), "symbol", symbol)
		return
	}
	s.registry.UpdateStatus(venue, symbol, side, core.OrderCancelled, orderID, decimal.Zero)
}

// unwind flattens the exposed leg with a reduce-only market order after
// the retry budget is spent. The pinned counterparty venue is swept for
// resting orders first; a failed sweep aborts the unwind so a late fill
// cannot coexist with the close.
func (s *Scheduler) unwind(ctx context.Context, symbol string, pos *core.Position, info *core.SingleLegRetryInfo) {
	if !s.locks.TryAcquire(symbol, schedulerHolder, "single-leg-unwind") {
		s.diag.Count("symbol_lock_busy", 1, "symbol", symbol)
		return
	}
	defer s.locks.Release(symbol, schedulerHolder)

	counterparty := info.LongVenue
	if counterparty == pos.Venue {
		counterparty = info.ShortVenue
	}
	if adapter, ok := s.adapters[counterparty]; ok && counterparty != pos.Venue {
		if err := s.limiters.For(counterparty).Acquire(ctx, 1, core.PriorityHigh); err != nil {
			s.diag.Event(core.DiagError, "single_leg_unwind_blocked",
				"symbol", symbol, "venue", string(counterparty), "error", err.Error())
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		_, err := adapter.CancelAllOrders(callCtx, symbol)
		cancel()
		if err != nil {
			s.diag.Event(core.DiagError, "single_leg_unwind_blocked",
				"symbol", symbol, "venue", string(counterparty), "error", err.Error())
			return
		}
	}

	adapter, ok := s.adapters[pos.Venue]
	if !ok {
		s.diag.Event(core.DiagError, "recovery_adapter_missing",
			"venue", string(pos.Venue), "symbol", symbol)
		return
	}
	req := &core.OrderRequest{
		Symbol:     symbol,
		Side:       core.CloseOrderSide(pos.Side),
		Type:       core.OrderTypeMarket,
		Size:       pos.Size,
		ReduceOnly: true,
	}
	if err := s.limiters.For(pos.Venue).Acquire(ctx, 1, core.PriorityHigh); err != nil {
		s.diag.Event(core.DiagError, "single_leg_unwind_failed",
			"symbol", symbol, "venue", string(pos.Venue), "error", err.Error())
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	_, err := adapter.PlaceOrder(callCtx, req)
	cancel()
	if err != nil {
		s.diag.Event(core.DiagError, "single_leg_unwind_failed",
			"symbol", symbol, "venue", string(pos.Venue), "error", err.Error())
		return
	}

	s.diag.Count("single_leg_unwinds", 1, "symbol", symbol, "venue", string(pos.Venue))
	s.diag.Event(core.DiagWarning, "single_leg_unwound",
		"symbol", symbol, "venue", string(pos.Venue), "size", pos.Size.String())
	s.retries.Delete(info.Key())
	s.cache.RequestRefresh(pos.Venue)
}
