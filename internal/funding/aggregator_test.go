package funding_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
	"funding_keeper/internal/funding"
	"funding_keeper/internal/market"
	"funding_keeper/internal/symbols"
	"funding_keeper/internal/venue/paper"
	apperrors "funding_keeper/pkg/errors"
)

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, fields ...interface{})               {}
func (l *nopLogger) Info(msg string, fields ...interface{})                {}
func (l *nopLogger) Warn(msg string, fields ...interface{})                {}
func (l *nopLogger) Error(msg string, fields ...interface{})               {}
func (l *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *nopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func rate(symbol string, hourly float64) core.FundingRate {
	return core.FundingRate{
		Symbol:             symbol,
		CurrentRate:        d(hourly),
		PredictedRate:      d(hourly),
		MarkPrice:          d(3000),
		OpenInterest:       d(10000000),
		FundingPeriodHours: 1,
	}
}

// scanFixture wires three paper venues behind a discovered registry and a
// cold cache. ETH/BTC/SOL trade everywhere except SOL on ASTER; AVAX is
// single-venue and therefore not comparable.
type scanFixture struct {
	hl, lt, as *paper.Venue
	reg        *symbols.Registry
	cache      *market.Cache
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	hl := paper.New(core.VenueHyperliquid)
	hl.SetSymbols("ETH", "BTC", "SOL", "AVAX")
	lt := paper.New(core.VenueLighter)
	lt.SetSymbols("ETHUSDT", "BTCUSDT", "SOLUSDT")
	as := paper.New(core.VenueAster)
	as.SetSymbols("ETH-PERP", "BTC-PERP")

	adapters := map[core.Venue]core.IVenueAdapter{
		core.VenueHyperliquid: hl,
		core.VenueLighter:     lt,
		core.VenueAster:       as,
	}
	reg := symbols.NewRegistry(adapters, "", &nopLogger{})
	_, err := reg.DiscoverCommonAssets(context.Background())
	require.NoError(t, err)

	cache := market.NewCache(adapters, reg, nil, &nopLogger{}, nil, market.Config{
		RefreshInterval: time.Hour,
		StaleAfter:      time.Millisecond,
		HardInterval:    time.Hour,
		FundingInterval: time.Hour,
		CallTimeout:     time.Second,
	})
	return &scanFixture{hl: hl, lt: lt, as: as, reg: reg, cache: cache}
}

func (f *scanFixture) aggregator(requireOI bool) *funding.Aggregator {
	return funding.NewAggregator(f.cache, f.reg, nil, requireOI)
}

func TestGetFundingRates_FillsGapsOnDemand(t *testing.T) {
	f := newScanFixture(t)
	f.hl.SetFundingRate(rate("ETH", -0.0001))
	f.lt.SetFundingRate(rate("ETH", 0.0003))
	f.as.SetFundingRate(rate("ETH", 0.0001))

	rates, err := f.aggregator(false).GetFundingRates(context.Background(), "ETH")
	require.NoError(t, err)
	require.Len(t, rates, 3, "cold cache must be filled from the venues")

	byVenue := map[core.Venue]core.FundingRate{}
	for _, r := range rates {
		byVenue[r.Venue] = r
	}
	assert.True(t, byVenue[core.VenueHyperliquid].CurrentRate.Equal(d(-0.0001)))
	assert.True(t, byVenue[core.VenueLighter].CurrentRate.Equal(d(0.0003)))
}

func TestGetFundingRates_UnmappedSymbol(t *testing.T) {
	f := newScanFixture(t)
	_, err := f.aggregator(false).GetFundingRates(context.Background(), "DOGE")
	require.Error(t, err)
}

func TestGetFundingRates_DailyRateRescaledToHourly(t *testing.T) {
	f := newScanFixture(t)
	daily := rate("ETH", 0.0024)
	daily.FundingPeriodHours = 24
	f.lt.SetFundingRate(daily)

	rates, err := f.aggregator(false).GetFundingRates(context.Background(), "ETH")
	require.NoError(t, err)

	for _, r := range rates {
		if r.Venue != core.VenueLighter {
			continue
		}
		assert.True(t, r.CurrentRate.Equal(d(0.0001)), "hourly rate %s", r.CurrentRate)
		assert.Equal(t, 1, r.FundingPeriodHours)
		return
	}
	t.Fatal("no LIGHTER rate returned")
}

func TestGetFundingRates_MarkMissingDropsRate(t *testing.T) {
	f := newScanFixture(t)
	blind := rate("ETH", 0.0003)
	blind.MarkPrice = decimal.Zero
	f.lt.SetFundingRate(blind)

	rates, err := f.aggregator(false).GetFundingRates(context.Background(), "ETH")
	require.NoError(t, err)
	for _, r := range rates {
		assert.NotEqual(t, core.VenueLighter, r.Venue, "rate without a mark must be dropped")
	}
	assert.Len(t, rates, 2)
}

func TestGetFundingRates_OpenInterestGating(t *testing.T) {
	f := newScanFixture(t)
	thin := rate("ETH", 0.0003)
	thin.OpenInterest = decimal.Zero
	f.lt.SetFundingRate(thin)

	gated, err := f.aggregator(true).GetFundingRates(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Len(t, gated, 2)

	open, err := f.aggregator(false).GetFundingRates(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Len(t, open, 3, "gating off keeps the OI-less rate")
}

func TestCompareFundingRates_Extremes(t *testing.T) {
	f := newScanFixture(t)
	f.hl.SetFundingRate(rate("ETH", -0.0001))
	f.lt.SetFundingRate(rate("ETH", 0.0003))
	f.as.SetFundingRate(rate("ETH", 0.0001))

	cmp, err := f.aggregator(false).CompareFundingRates(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, core.VenueLighter, cmp.Highest.Venue)
	assert.Equal(t, core.VenueHyperliquid, cmp.Lowest.Venue)
	assert.True(t, cmp.Spread.Equal(d(0.0004)), "spread %s", cmp.Spread)
}

func TestCompareFundingRates_NeedsTwoVenues(t *testing.T) {
	f := newScanFixture(t)
	_, err := f.aggregator(false).CompareFundingRates(context.Background(), "AVAX")
	require.ErrorIs(t, err, apperrors.ErrDataMissing)
}
