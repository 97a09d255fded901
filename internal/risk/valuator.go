// Package risk grades liquidation exposure per leg and force-closes
// pairs whose buffer consumption breaches the emergency threshold.
package risk

import (
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

var (
	one = decimal.NewFromInt(1)

	// unknownLeverageBuffer stands in for 1/leverage when the venue does
	// not report leverage.
	unknownLeverageBuffer = decimal.NewFromFloat(0.1)
	// maintenanceMargin is the assumed maintenance requirement used when
	// estimating a missing liquidation price.
	maintenanceMargin = decimal.NewFromFloat(0.015)
	// minLiquidationGap floors the estimated entry-to-liquidation gap.
	minLiquidationGap = decimal.NewFromFloat(0.01)
	// fallbackLiquidationGap is the mark-based estimate when leverage is
	// unknown too.
	fallbackLiquidationGap = decimal.NewFromFloat(0.05)
)

// Valuator computes liquidation distance and buffer consumption for one
// leg. It is pure; all inputs come from the position itself.
type Valuator struct{}

func NewValuator() *Valuator { return &Valuator{} }

// Evaluate grades one leg. A missing liquidation price is estimated from
// entry and leverage and the result is flagged so callers can gate on it.
// The caller guarantees a positive mark price.
func (v *Valuator) Evaluate(p core.Position) core.LiquidationRisk {
	liq := p.LiquidationPrice
	estimated := p.LiqPriceEstimated
	if !liq.IsPositive() {
		liq = v.EstimateLiquidationPrice(p)
		estimated = true
	}

	distance := distanceToLiquidation(p.Side, p.MarkPrice, liq)
	buffer := initialBuffer(p.Leverage)
	proximity := proximityToLiquidation(buffer, distance)

	return core.LiquidationRisk{
		Venue:                  p.Venue,
		Symbol:                 p.Symbol,
		Side:                   p.Side,
		MarkPrice:              p.MarkPrice,
		LiquidationPrice:       liq,
		EntryPrice:             p.EntryPrice,
		Leverage:               p.Leverage,
		LiqPriceEstimated:      estimated,
		DistanceToLiquidation:  distance,
		ProximityToLiquidation: proximity,
		RiskLevel:              core.RiskLevelFor(proximity),
	}
}

// EstimateLiquidationPrice approximates the liquidation level from entry
// and leverage assuming a 1.5% maintenance margin, or ±5% of mark when
// leverage is unknown.
func (v *Valuator) EstimateLiquidationPrice(p core.Position) decimal.Decimal {
	if p.Leverage.IsPositive() && p.EntryPrice.IsPositive() {
		gap := decimal.Max(minLiquidationGap, one.Div(p.Leverage).Sub(maintenanceMargin))
		if p.Side == core.SideLong {
			return p.EntryPrice.Mul(one.Sub(gap))
		}
		return p.EntryPrice.Mul(one.Add(gap))
	}
	if p.Side == core.SideLong {
		return p.MarkPrice.Mul(one.Sub(fallbackLiquidationGap))
	}
	return p.MarkPrice.Mul(one.Add(fallbackLiquidationGap))
}

// distanceToLiquidation is the adverse move, as a fraction of mark, that
// liquidates the leg. Zero when the mark is already at or past the
// liquidation level.
func distanceToLiquidation(side core.PositionSide, mark, liq decimal.Decimal) decimal.Decimal {
	if !mark.IsPositive() {
		return decimal.Zero
	}
	var raw decimal.Decimal
	if side == core.SideLong {
		raw = mark.Sub(liq).Div(mark)
	} else {
		raw = liq.Sub(mark).Div(mark)
	}
	if raw.IsNegative() {
		return decimal.Zero
	}
	return raw
}

func initialBuffer(leverage decimal.Decimal) decimal.Decimal {
	if leverage.IsPositive() {
		return one.Div(leverage)
	}
	return unknownLeverageBuffer
}

// proximityToLiquidation is the consumed fraction of the initial buffer,
// clamped to [0, 1]. Zero means the leg sits at or beyond its opening
// distance; one means liquidation is imminent.
func proximityToLiquidation(buffer, distance decimal.Decimal) decimal.Decimal {
	if !buffer.IsPositive() {
		return decimal.Zero
	}
	raw := buffer.Sub(distance).Div(buffer)
	if raw.IsNegative() {
		return decimal.Zero
	}
	if raw.GreaterThan(one) {
		return one
	}
	return raw
}
