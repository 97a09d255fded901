package execution

import (
	"context"
	"fmt"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/retry"

	"github.com/shopspring/decimal"
)

type nopLimiter struct{}

func (nopLimiter) Acquire(context.Context, int, core.Priority) error { return nil }

type nopLimiterProvider struct{}

func (nopLimiterProvider) For(core.Venue) core.IRateLimiter { return nopLimiter{} }

// CloserConfig bounds the emergency per-leg retries. RetryBackoff
// overrides the first backoff step (doubling still applies); zero keeps
// the 1s/2s/4s default.
type CloserConfig struct {
	MaxCloseRetries int
	RetryBackoff    time.Duration
}

// Closer closes both legs of a pair in parallel with independent
// outcomes. One leg failing never aborts the other; delta imbalance is
// reported and left to the next scheduler tick.
type Closer struct {
	adapters repo
	locks    core.ISymbolLocks
	cache    core.IMarketCache
	limiters core.ILimiterRegistry
	diag     core.IDiagnostics
	policy   retry.RetryPolicy
}

type repo map[core.Venue]core.IVenueAdapter

// NewCloser wires the closer. locks is required; cache, limiters and diag
// fall back to null collaborators.
func NewCloser(adapters map[core.Venue]core.IVenueAdapter, locks core.ISymbolLocks, cache core.IMarketCache, limiters core.ILimiterRegistry, diag core.IDiagnostics, cfg CloserConfig) *Closer {
	if locks == nil {
		locks = NewSymbolLocks(nil)
	}
	if limiters == nil {
		limiters = nopLimiterProvider{}
	}
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	policy := retry.ClosePolicy
	if cfg.MaxCloseRetries > 0 {
		policy.MaxAttempts = cfg.MaxCloseRetries
	}
	if cfg.RetryBackoff > 0 {
		policy.InitialBackoff = cfg.RetryBackoff
		policy.MaxBackoff = 4 * cfg.RetryBackoff
	}
	return &Closer{
		adapters: adapters,
		locks:    locks,
		cache:    cache,
		limiters: limiters,
		diag:     diag,
		policy:   policy,
	}
}

const closerHolder = "pair-closer"

// ClosePair closes fraction f of each leg with reduce-only orders placed
// in parallel. Emergency closes use MARKET orders, EMERGENCY tokens and
// per-leg retries; regular closes use LIMIT at mark, GTC, HIGH tokens.
func (c *Closer) ClosePair(ctx context.Context, pair core.PairedPosition, fraction decimal.Decimal, opts core.CloseOptions) core.CloseResult {
	result := core.CloseResult{Symbol: pair.Symbol}

	if fraction.LessThanOrEqual(decimal.Zero) || fraction.GreaterThan(decimal.NewFromInt(1)) {
		err := fmt.Errorf("close fraction %s outside (0,1]", fraction)
		result.LongErr, result.ShortErr = err, err
		return result
	}

	if !opts.SkipLocking {
		if !c.locks.TryAcquire(pair.Symbol, closerHolder, "close-pair") {
			result.LongErr = apperrors.ErrLockHeld
			result.ShortErr = apperrors.ErrLockHeld
			return result
		}
		defer c.locks.Release(pair.Symbol, closerHolder)
	}

	type legOutcome struct {
		side   core.PositionSide
		closed decimal.Decimal
		err    error
	}
	outcomes := make(chan legOutcome, 2)
	legs := 0
	for _, leg := range pair.Legs() {
		legs++
		go func(leg *core.Position) {
			closed, err := c.closeLeg(ctx, leg, fraction, opts)
			outcomes <- legOutcome{side: leg.Side, closed: closed, err: err}
		}(leg)
	}

	for i := 0; i < legs; i++ {
		out := <-outcomes
		if out.side == core.SideLong {
			result.LongClosed, result.LongErr = out.closed, out.err
		} else {
			result.ShortClosed, result.ShortErr = out.closed, out.err
		}
	}

	c.diag.Count("pair_close_attempted", 1,
		"symbol", pair.Symbol, "emergency", opts.Emergency)
	if !result.Success() {
		c.diag.Event(core.DiagError, "pair_close_partial_failure",
			"symbol", pair.Symbol,
			"long_closed", result.LongClosed.String(),
			"short_closed", result.ShortClosed.String(),
			"errors", len(result.Errors()))
	}
	return result
}

// closeLeg submits one reduce-only close. The returned size is the amount
// submitted for close; a resting limit close is reconciled by later ticks.
func (c *Closer) closeLeg(ctx context.Context, leg *core.Position, fraction decimal.Decimal, opts core.CloseOptions) (decimal.Decimal, error) {
	size := leg.Size.Mul(fraction)
	if size.LessThan(core.PositionEpsilon) {
		return decimal.Zero, nil
	}

	adapter, ok := c.adapters[leg.Venue]
	if !ok {
		return decimal.Zero, fmt.Errorf("no adapter for venue %s", leg.Venue)
	}

	req := &core.OrderRequest{
		Symbol:     leg.Symbol,
		Side:       core.CloseOrderSide(leg.Side),
		Size:       size,
		ReduceOnly: true,
	}
	priority := core.PriorityHigh
	if opts.Emergency {
		req.Type = core.OrderTypeMarket
		priority = core.PriorityEmergency
	} else {
		mark, err := c.markPrice(ctx, adapter, leg)
		if err != nil {
			return decimal.Zero, err
		}
		req.Type = core.OrderTypeLimit
		req.Price = mark
		req.TimeInForce = core.TifGTC
	}

	limiter := c.limiters.For(leg.Venue)
	attempt := func() error {
		if err := limiter.Acquire(ctx, 1, priority); err != nil {
			return err
		}
		_, err := adapter.PlaceOrder(ctx, req)
		return err
	}

	var err error
	if opts.Emergency {
		err = retry.Do(ctx, c.policy, apperrors.IsTransient, attempt)
	} else {
		err = attempt()
	}
	if err != nil {
		c.diag.Count("close_leg_failed", 1,
			"venue", string(leg.Venue), "symbol", leg.Symbol, "side", string(leg.Side))
		return decimal.Zero, err
	}
	return size, nil
}

// markPrice prefers the cache and falls back to the adapter.
func (c *Closer) markPrice(ctx context.Context, adapter core.IVenueAdapter, leg *core.Position) (decimal.Decimal, error) {
	if c.cache != nil {
		if mark, ok := c.cache.MarkPrice(leg.Symbol, leg.Venue); ok && mark.IsPositive() {
			return mark, nil
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	mark, err := adapter.GetMarkPrice(callCtx, leg.Symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("mark price for %s close: %w", leg.Symbol, err)
	}
	if !mark.IsPositive() {
		return decimal.Zero, fmt.Errorf("mark price for %s close: %w", leg.Symbol, apperrors.ErrDataMissing)
	}
	return mark, nil
}
