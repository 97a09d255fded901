// Package funding turns per-venue funding observations into cross-venue
// comparisons and tradable opportunities.
package funding

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// RateSource is the slice of the market cache the aggregator reads.
// RefreshFunding fills gaps on demand.
type RateSource interface {
	FundingRates(symbol string) []core.FundingRate
	RefreshFunding(ctx context.Context, symbol string) error
}

// RateComparison is the spread between the extreme venues for one symbol.
// Rates are hourly.
type RateComparison struct {
	Symbol  string
	Highest core.FundingRate
	Lowest  core.FundingRate
	Spread  decimal.Decimal
}

// Aggregator resolves the tradable funding-rate set per symbol: rates are
// normalized to hourly, and rates missing their gating data are dropped
// rather than guessed.
type Aggregator struct {
	source    RateSource
	symbols   core.ISymbolRegistry
	diag      core.IDiagnostics
	requireOI bool
}

func NewAggregator(source RateSource, symbols core.ISymbolRegistry, diag core.IDiagnostics, requireOpenInterest bool) *Aggregator {
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	return &Aggregator{
		source:    source,
		symbols:   symbols,
		diag:      diag,
		requireOI: requireOpenInterest,
	}
}

// GetFundingRates returns the hourly funding rates for every mapped venue
// of symbol, fetching on demand when the cache has gaps. A rate without a
// mark price is always dropped; a rate without open interest is dropped
// when open interest is required.
func (a *Aggregator) GetFundingRates(ctx context.Context, symbol string) ([]core.FundingRate, error) {
	venues := a.symbols.VenuesFor(symbol)
	if len(venues) == 0 {
		return nil, fmt.Errorf("symbol %s not mapped on any venue", symbol)
	}

	rates := a.source.FundingRates(symbol)
	if len(rates) < len(venues) {
		if err := a.source.RefreshFunding(ctx, symbol); err != nil && len(rates) == 0 {
			return nil, fmt.Errorf("no funding rates for %s: %w", symbol, err)
		}
		rates = a.source.FundingRates(symbol)
	}

	out := make([]core.FundingRate, 0, len(rates))
	for _, rate := range rates {
		if !rate.MarkPrice.IsPositive() {
			a.diag.Count("funding_rate_gated", 1, "venue", string(rate.Venue), "reason", "mark_missing")
			continue
		}
		if a.requireOI && !rate.OpenInterest.IsPositive() {
			a.diag.Count("funding_rate_gated", 1, "venue", string(rate.Venue), "reason", "oi_missing")
			continue
		}
		out = append(out, toHourly(rate))
	}
	return out, nil
}

// toHourly rescales a rate quoted per multi-hour interval. Venues
// reporting daily rates declare FundingPeriodHours=24.
func toHourly(rate core.FundingRate) core.FundingRate {
	if rate.FundingPeriodHours <= 1 {
		return rate
	}
	period := decimal.NewFromInt(int64(rate.FundingPeriodHours))
	rate.CurrentRate = rate.CurrentRate.Div(period)
	rate.PredictedRate = rate.PredictedRate.Div(period)
	rate.FundingPeriodHours = 1
	return rate
}

// CompareFundingRates returns the extreme rates and their spread for one
// symbol. It needs observations from at least two venues.
func (a *Aggregator) CompareFundingRates(ctx context.Context, symbol string) (*RateComparison, error) {
	rates, err := a.GetFundingRates(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(rates) < 2 {
		return nil, fmt.Errorf("comparing %s: %w", symbol, apperrors.ErrDataMissing)
	}

	sort.Slice(rates, func(i, j int) bool {
		return rates[i].CurrentRate.GreaterThan(rates[j].CurrentRate)
	})
	highest := rates[0]
	lowest := rates[len(rates)-1]
	return &RateComparison{
		Symbol:  symbol,
		Highest: highest,
		Lowest:  lowest,
		Spread:  highest.CurrentRate.Sub(lowest.CurrentRate),
	}, nil
}
