package paper_test

import (
	"context"
	"testing"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/internal/venue/paper"
	apperrors "funding_keeper/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func TestMarketOrderOpensPosition(t *testing.T) {
	v := paper.New(core.VenueLighter)
	v.SetMarkPrice("BTC", d(50000))

	res, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTC",
		Side:   core.OrderBuy,
		Type:   core.OrderTypeMarket,
		Size:   d(0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, res.Status)
	assert.True(t, res.FilledSize.Equal(d(0.5)))

	pos, err := v.GetPosition(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, core.SideLong, pos.Side)
	assert.True(t, pos.Size.Equal(d(0.5)))
	assert.True(t, pos.EntryPrice.Equal(d(50000)))
}

func TestFlatSymbolReturnsNilPosition(t *testing.T) {
	v := paper.New(core.VenueLighter)
	pos, err := v.GetPosition(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestReduceOnlyRejectsWithoutPosition(t *testing.T) {
	v := paper.New(core.VenueAster)

	_, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:     "ETH",
		Side:       core.OrderSell,
		Type:       core.OrderTypeMarket,
		Size:       d(1),
		ReduceOnly: true,
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestReduceOnlyClampsToPositionSize(t *testing.T) {
	v := paper.New(core.VenueAster)
	v.SeedPosition("ETH", core.SideLong, d(2), d(3000))

	_, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:     "ETH",
		Side:       core.OrderSell,
		Type:       core.OrderTypeMarket,
		Size:       d(5),
		ReduceOnly: true,
	})
	require.NoError(t, err)

	pos, err := v.GetPosition(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Nil(t, pos, "reduce-only overshoot must flatten, never flip")
}

func TestPartialCloseLeavesRemainder(t *testing.T) {
	v := paper.New(core.VenueHyperliquid)
	v.SeedPosition("BTC", core.SideShort, d(1), d(40000))

	_, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:     "BTC",
		Side:       core.OrderBuy,
		Type:       core.OrderTypeMarket,
		Size:       d(0.4),
		ReduceOnly: true,
	})
	require.NoError(t, err)

	pos, err := v.GetPosition(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, core.SideShort, pos.Side)
	assert.True(t, pos.Size.Sub(d(0.6)).Abs().LessThan(core.PositionEpsilon))
	assert.True(t, pos.EntryPrice.Equal(d(40000)), "reducing must not reprice the entry")
}

func TestLimitOrderRestsUntilFilled(t *testing.T) {
	v := paper.New(core.VenueExtended)

	res, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol:      "BTC",
		Side:        core.OrderBuy,
		Type:        core.OrderTypeLimit,
		Size:        d(1),
		Price:       d(44000),
		TimeInForce: core.TifGTC,
	})
	require.NoError(t, err)
	assert.Equal(t, core.OrderSubmitted, res.Status)

	open, err := v.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, v.FillOrder(res.OrderID, decimal.Zero))

	order, err := v.GetOrderStatus(context.Background(), res.OrderID, "BTC")
	require.NoError(t, err)
	assert.Equal(t, core.OrderFilled, order.Status)

	pos, err := v.GetPosition(context.Background(), "BTC")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.EntryPrice.Equal(d(44000)))
}

func TestCancelAllOrdersCountsSymbolMatches(t *testing.T) {
	v := paper.New(core.VenueExtended)
	for _, sym := range []string{"BTC", "BTC", "ETH"} {
		_, err := v.PlaceOrder(context.Background(), &core.OrderRequest{
			Symbol: sym,
			Side:   core.OrderBuy,
			Type:   core.OrderTypeLimit,
			Size:   d(1),
			Price:  d(10),
		})
		require.NoError(t, err)
	}

	n, err := v.CancelAllOrders(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := v.GetOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestCancelUnknownOrderIsNotFound(t *testing.T) {
	v := paper.New(core.VenueLighter)
	err := v.CancelOrder(context.Background(), "missing", "BTC")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestEventsOnFill(t *testing.T) {
	v := paper.New(core.VenueLighter)
	events, err := v.SubscribeEvents(context.Background())
	require.NoError(t, err)

	_, err = v.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTC",
		Side:   core.OrderBuy,
		Type:   core.OrderTypeMarket,
		Size:   d(1),
	})
	require.NoError(t, err)

	var kinds []string
	timeout := time.After(time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			switch ev.(type) {
			case core.OrderUpdate:
				kinds = append(kinds, "order")
			case core.PositionsUpdate:
				kinds = append(kinds, "positions")
			}
		case <-timeout:
			t.Fatalf("expected order and positions events, got %v", kinds)
		}
	}
	assert.Equal(t, []string{"order", "positions"}, kinds)
}

func TestScriptedFailureFiresOnce(t *testing.T) {
	v := paper.New(core.VenueAster)
	v.FailWith("PlaceOrder", apperrors.NewVenueError("ASTER", apperrors.KindRateLimited, "PlaceOrder", "429", nil))

	req := &core.OrderRequest{Symbol: "BTC", Side: core.OrderBuy, Type: core.OrderTypeMarket, Size: d(1)}

	_, err := v.PlaceOrder(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
	assert.True(t, apperrors.IsTransient(err))

	_, err = v.PlaceOrder(context.Background(), req)
	assert.NoError(t, err)
}

func TestOpenThenFullCloseLeavesFlat(t *testing.T) {
	v := paper.New(core.VenueHyperliquid)
	v.SetMarkPrice("SOL", d(150))

	open := &core.OrderRequest{Symbol: "SOL", Side: core.OrderSell, Type: core.OrderTypeMarket, Size: d(10)}
	_, err := v.PlaceOrder(context.Background(), open)
	require.NoError(t, err)

	closeReq := &core.OrderRequest{Symbol: "SOL", Side: core.OrderBuy, Type: core.OrderTypeMarket, Size: d(10), ReduceOnly: true}
	_, err = v.PlaceOrder(context.Background(), closeReq)
	require.NoError(t, err)

	pos, err := v.GetPosition(context.Background(), "SOL")
	require.NoError(t, err)
	assert.Nil(t, pos)
}
