package scheduler

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"funding_keeper/internal/core"
	"funding_keeper/internal/symbols"
)

// openOrdersByVenue pulls open orders from every venue in parallel with
// per-venue isolation: one venue failing never hides the others. Orders
// are stamped with their venue.
func (s *Scheduler) openOrdersByVenue(ctx context.Context) []core.Order {
	var (
		mu  sync.Mutex
		all []core.Order
	)
	g, gctx := errgroup.WithContext(ctx)
	for venue, adapter := range s.adapters {
		v, a := venue, adapter
		g.Go(func() error {
			if err := s.limiters.For(v).Acquire(gctx, 1, core.PriorityLow); err != nil {
				s.diag.Count("zombie_sweep_venue_failed", 1, "venue", string(v))
				return nil
			}
			callCtx, cancel := context.WithTimeout(gctx, defaultCallTimeout)
			defer cancel()
			orders, err := a.GetOpenOrders(callCtx)
			if err != nil {
				s.diag.Count("zombie_sweep_venue_failed", 1, "venue", string(v))
				return nil
			}
			mu.Lock()
			for i := range orders {
				orders[i].Venue = v
			}
			all = append(all, orders...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return all
}

// sweepZombies cancels every open order that has no counterpart for its
// normalized symbol on a different venue.
func (s *Scheduler) sweepZombies(ctx context.Context, states map[string]*SymbolState, orders []core.Order) {
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		if !isZombie(o, states, orders) {
			continue
		}
		s.cancelZombie(ctx, o)
	}
}

// isZombie applies the pairing rule to one order: an order is a zombie
// iff no position or other order for the same normalized symbol exists
// on a different venue. A reduce-only order next to a same-venue
// position it actually closes is a legitimate close, never a zombie.
func isZombie(o core.Order, states map[string]*SymbolState, orders []core.Order) bool {
	symbol := symbols.Normalize(o.Symbol)

	if st, ok := states[symbol]; ok {
		for _, p := range st.Positions() {
			if p.Venue != o.Venue {
				return false
			}
			if o.ReduceOnly && o.Side == core.CloseOrderSide(p.Side) {
				return false
			}
		}
	}

	for i := range orders {
		if orders[i].Venue != o.Venue && symbols.Normalize(orders[i].Symbol) == symbol {
			return false
		}
	}
	return true
}

func (s *Scheduler) cancelZombie(ctx context.Context, o core.Order) {
	adapter, ok := s.adapters[o.Venue]
	if !ok {
		return
	}
	s.diag.Event(core.DiagWarning, "zombie_order_detected",
		"venue", string(o.Venue), "symbol", o.Symbol, "orderID", o.OrderID, "side", string(o.Side))

	if err := s.limiters.For(o.Venue).Acquire(ctx, 1, core.PriorityNormal); err != nil {
		s.diag.Count("zombie_cancel_failed", 1, "venue", string(o.Venue), "symbol", o.Symbol)
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()
	if err := adapter.CancelOrder(callCtx, o.OrderID, o.Symbol); err != nil {
		s.diag.Count("zombie_cancel_failed", 1, "venue", string(o.Venue), "symbol", o.Symbol)
		return
	}
	s.registry.UpdateStatus(o.Venue, symbols.Normalize(o.Symbol), o.Side, core.OrderCancelled, o.OrderID, decimal.Zero)
	s.diag.Count("zombies_cancelled", 1, "venue", string(o.Venue), "symbol", o.Symbol)
}
