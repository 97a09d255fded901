package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"funding_keeper/internal/core"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestEvaluateProximityFromVenueLiquidationPrice(t *testing.T) {
	v := NewValuator()

	// 10x leverage opens a 10% buffer; a mark 1% above the liquidation
	// level has consumed 90% of it.
	risk := v.Evaluate(core.Position{
		Venue:            core.VenueHyperliquid,
		Symbol:           "BTC",
		Side:             core.SideLong,
		MarkPrice:        d("100"),
		EntryPrice:       d("100"),
		Leverage:         d("10"),
		LiquidationPrice: d("99"),
	})

	assert.False(t, risk.LiqPriceEstimated)
	assert.True(t, risk.DistanceToLiquidation.Equal(d("0.01")), "distance %s", risk.DistanceToLiquidation)
	assert.True(t, risk.ProximityToLiquidation.Equal(d("0.9")), "proximity %s", risk.ProximityToLiquidation)
	assert.Equal(t, core.RiskCritical, risk.RiskLevel)
}

func TestEvaluateShortSideDistance(t *testing.T) {
	v := NewValuator()

	risk := v.Evaluate(core.Position{
		Side:             core.SideShort,
		MarkPrice:        d("100"),
		EntryPrice:       d("100"),
		Leverage:         d("10"),
		LiquidationPrice: d("101"),
	})

	assert.True(t, risk.DistanceToLiquidation.Equal(d("0.01")))
	assert.True(t, risk.ProximityToLiquidation.Equal(d("0.9")))
}

func TestEvaluateEstimatesMissingLiquidationPrice(t *testing.T) {
	v := NewValuator()

	// 20x → raw gap 5% − 1.5% maintenance = 3.5%.
	risk := v.Evaluate(core.Position{
		Side:       core.SideLong,
		MarkPrice:  d("100"),
		EntryPrice: d("100"),
		Leverage:   d("20"),
	})

	assert.True(t, risk.LiqPriceEstimated)
	assert.True(t, risk.LiquidationPrice.Equal(d("96.5")), "estimated liq %s", risk.LiquidationPrice)
}

func TestEvaluateEstimateFloorsTheGap(t *testing.T) {
	v := NewValuator()

	// 100x would put liquidation 0.5% under maintenance; the 1% floor wins.
	liq := v.EstimateLiquidationPrice(core.Position{
		Side:       core.SideShort,
		EntryPrice: d("200"),
		Leverage:   d("100"),
	})
	assert.True(t, liq.Equal(d("202")), "liq %s", liq)
}

func TestEvaluateUnknownLeverageFallback(t *testing.T) {
	v := NewValuator()

	risk := v.Evaluate(core.Position{
		Side:      core.SideLong,
		MarkPrice: d("100"),
	})

	assert.True(t, risk.LiqPriceEstimated)
	assert.True(t, risk.LiquidationPrice.Equal(d("95")), "fallback liq %s", risk.LiquidationPrice)
	// 5% distance against the assumed 10% buffer.
	assert.True(t, risk.ProximityToLiquidation.Equal(d("0.5")), "proximity %s", risk.ProximityToLiquidation)
}

func TestEvaluateMarkPastLiquidationIsImminent(t *testing.T) {
	v := NewValuator()

	risk := v.Evaluate(core.Position{
		Side:             core.SideLong,
		MarkPrice:        d("98"),
		EntryPrice:       d("100"),
		Leverage:         d("10"),
		LiquidationPrice: d("99"),
	})

	assert.True(t, risk.DistanceToLiquidation.IsZero())
	assert.True(t, risk.ProximityToLiquidation.Equal(d("1")))
	assert.Equal(t, core.RiskCritical, risk.RiskLevel)
}

func TestEvaluateHealthyLegClampsToZero(t *testing.T) {
	v := NewValuator()

	// Distance beyond the opening buffer cannot report negative proximity.
	risk := v.Evaluate(core.Position{
		Side:             core.SideLong,
		MarkPrice:        d("100"),
		EntryPrice:       d("100"),
		Leverage:         d("10"),
		LiquidationPrice: d("80"),
	})

	assert.True(t, risk.ProximityToLiquidation.IsZero(), "proximity %s", risk.ProximityToLiquidation)
	assert.Equal(t, core.RiskSafe, risk.RiskLevel)
}
