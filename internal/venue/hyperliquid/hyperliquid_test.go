package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"funding_keeper/internal/core"
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

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// capturedExchange mirrors the exchange request shape so tests can
// assert exactly what went on the wire.
type capturedExchange struct {
	Action       json.RawMessage `json:"action"`
	Nonce        int64           `json:"nonce"`
	Signature    rsvSignature    `json:"signature"`
	VaultAddress string          `json:"vaultAddress"`
}

type venueFixture struct {
	mu            sync.Mutex
	info          map[string]interface{}
	infoStatus    map[string]int
	exchangeResp  interface{}
	infoCalls     []infoRequest
	exchangeCalls []capturedExchange
}

func newFixture() *venueFixture {
	return &venueFixture{
		info: map[string]interface{}{
			"metaAndAssetCtxs":   defaultMeta(),
			"clearinghouseState": flatAccount(),
		},
		infoStatus: map[string]int{},
	}
}

// defaultMeta lists BTC at asset index 0, ETH at 1, and one delisted
// asset at 2.
func defaultMeta() []interface{} {
	return []interface{}{
		metaUniverse{Universe: []assetMeta{
			{Name: "BTC", SzDecimals: 5, MaxLeverage: 40},
			{Name: "ETH", SzDecimals: 4, MaxLeverage: 25},
			{Name: "OLD", SzDecimals: 2, MaxLeverage: 3, IsDelisted: true},
		}},
		[]assetCtx{
			{Funding: "0.0000125", OpenInterest: "1200", MarkPx: "45000", MidPx: "45001", OraclePx: "44999", DayNtlVlm: "900000000"},
			{Funding: "-0.0000375", OpenInterest: "30000", MarkPx: "2500", MidPx: "2500.5", OraclePx: "2499.8", DayNtlVlm: "400000000"},
			{Funding: "0", OpenInterest: "0", MarkPx: "1", DayNtlVlm: "0"},
		},
	}
}

func flatAccount() clearinghouseState {
	return clearinghouseState{
		MarginSummary: marginSummary{AccountValue: "12500.5", TotalRawUsd: "9800", TotalNtlPos: "0", TotalMarginUsed: "0"},
		Withdrawable:  "8100.25",
	}
}

func (f *venueFixture) setInfo(reqType string, resp interface{}) {
	f.mu.Lock()
	f.info[reqType] = resp
	f.mu.Unlock()
}

func (f *venueFixture) failInfo(reqType string, status int) {
	f.mu.Lock()
	f.infoStatus[reqType] = status
	f.mu.Unlock()
}

func (f *venueFixture) setExchange(resp interface{}) {
	f.mu.Lock()
	f.exchangeResp = resp
	f.mu.Unlock()
}

func (f *venueFixture) lastExchange(t *testing.T) capturedExchange {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.exchangeCalls, "no exchange call captured")
	return f.exchangeCalls[len(f.exchangeCalls)-1]
}

func (f *venueFixture) lastInfo(t *testing.T, reqType string) infoRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.infoCalls) - 1; i >= 0; i-- {
		if f.infoCalls[i].Type == reqType {
			return f.infoCalls[i]
		}
	}
	t.Fatalf("no %s info call captured", reqType)
	return infoRequest{}
}

func (f *venueFixture) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(infoPath, func(w http.ResponseWriter, r *http.Request) {
		var req infoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("malformed info request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.infoCalls = append(f.infoCalls, req)
		status := f.infoStatus[req.Type]
		resp, ok := f.info[req.Type]
		f.mu.Unlock()
		if status != 0 {
			http.Error(w, "fixture failure", status)
			return
		}
		if !ok {
			http.Error(w, "no fixture for "+req.Type, http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc(exchangePath, func(w http.ResponseWriter, r *http.Request) {
		var req capturedExchange
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("malformed exchange request: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.exchangeCalls = append(f.exchangeCalls, req)
		resp := f.exchangeResp
		f.mu.Unlock()
		if resp == nil {
			http.Error(w, "no exchange fixture", http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func newTestAdapter(t *testing.T, fx *venueFixture) *Adapter {
	t.Helper()
	srv := httptest.NewServer(fx.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Config{
		BaseURL:    srv.URL,
		WSURL:      "ws://127.0.0.1:0/ws",
		PrivateKey: testKey,
	}, &nopLogger{})
	require.NoError(t, err)
	return a
}

func orderOK(statuses ...interface{}) map[string]interface{} {
	return map[string]interface{}{
		"status": "ok",
		"response": map[string]interface{}{
			"type": "order",
			"data": map[string]interface{}{"statuses": statuses},
		},
	}
}

func cancelOK(statuses ...interface{}) map[string]interface{} {
	return map[string]interface{}{
		"status": "ok",
		"response": map[string]interface{}{
			"type": "cancel",
			"data": map[string]interface{}{"statuses": statuses},
		},
	}
}

func TestAdapter_InitializeLoadsDirectory(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)
	ctx := context.Background()

	require.NoError(t, a.Initialize(ctx))

	symbols, err := a.ListSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, symbols, "delisted assets must not be offered")

	// The wallet derived from the signing key is the queried account.
	assert.Equal(t, testWallet, fx.lastInfo(t, "clearinghouseState").User)
}

func TestAdapter_PlaceLimitOrderShapesPayload(t *testing.T) {
	fx := newFixture()
	fx.setExchange(orderOK(map[string]interface{}{"resting": map[string]interface{}{"oid": 777}}))
	a := newTestAdapter(t, fx)
	ctx := context.Background()

	const clientID = "1b4e28ba-2fa1-11d2-883f-b9a761bde3fb"
	res, err := a.PlaceOrder(ctx, &core.OrderRequest{
		Symbol:        "BTC",
		Side:          core.OrderBuy,
		Type:          core.OrderTypeLimit,
		Size:          d("0.5"),
		Price:         d("45000"),
		TimeInForce:   core.TifGTC,
		ClientOrderID: clientID,
	})
	require.NoError(t, err)
	assert.Equal(t, "777", res.OrderID)
	assert.Equal(t, core.OrderSubmitted, res.Status)

	captured := fx.lastExchange(t)
	var action orderAction
	require.NoError(t, json.Unmarshal(captured.Action, &action))
	assert.Equal(t, "order", action.Type)
	assert.Equal(t, "na", action.Grouping)
	require.Len(t, action.Orders, 1)
	wire := action.Orders[0]
	assert.Equal(t, 0, wire.Asset)
	assert.True(t, wire.IsBuy)
	assert.Equal(t, "45000", wire.Price)
	assert.Equal(t, "0.5", wire.Size)
	assert.False(t, wire.ReduceOnly)
	require.NotNil(t, wire.Type.Limit)
	assert.Equal(t, "Gtc", wire.Type.Limit.Tif)
	assert.Equal(t, "0x1b4e28ba2fa111d2883fb9a761bde3fb", wire.Cloid)

	assert.Positive(t, captured.Nonce)
	assert.Contains(t, captured.Signature.R, "0x")
	assert.Contains(t, captured.Signature.S, "0x")
	assert.Contains(t, []byte{27, 28}, captured.Signature.V)
	assert.Empty(t, captured.VaultAddress)
}

func TestAdapter_MarketOrderBecomesPaddedIOC(t *testing.T) {
	fx := newFixture()
	fx.setExchange(orderOK(map[string]interface{}{"resting": map[string]interface{}{"oid": 1}}))
	a := newTestAdapter(t, fx)
	ctx := context.Background()

	_, err := a.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "BTC",
		Side:   core.OrderBuy,
		Type:   core.OrderTypeMarket,
		Size:   d("0.1"),
	})
	require.NoError(t, err)

	var action orderAction
	require.NoError(t, json.Unmarshal(fx.lastExchange(t).Action, &action))
	require.Len(t, action.Orders, 1)
	assert.Equal(t, "45225", action.Orders[0].Price, "buy pads the mark up by the slippage allowance")
	assert.Equal(t, "Ioc", action.Orders[0].Type.Limit.Tif)

	_, err = a.PlaceOrder(ctx, &core.OrderRequest{
		Symbol: "ETH",
		Side:   core.OrderSell,
		Type:   core.OrderTypeMarket,
		Size:   d("2"),
	})
	require.NoError(t, err)

	require.NoError(t, json.Unmarshal(fx.lastExchange(t).Action, &action))
	assert.Equal(t, "2487.5", action.Orders[0].Price, "sell pads the mark down")
	assert.False(t, action.Orders[0].IsBuy)
}

func TestAdapter_PlaceOrderImmediateFill(t *testing.T) {
	fx := newFixture()
	fx.setExchange(orderOK(map[string]interface{}{
		"filled": map[string]interface{}{"totalSz": "0.5", "avgPx": "44998", "oid": 778},
	}))
	a := newTestAdapter(t, fx)

	res, err := a.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTC",
		Side:   core.OrderBuy,
		Type:   core.OrderTypeLimit,
		Size:   d("0.5"),
		Price:  d("45100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "778", res.OrderID)
	assert.Equal(t, core.OrderFilled, res.Status)
	assert.True(t, res.FilledSize.Equal(d("0.5")))
	assert.True(t, res.AvgFillPrice.Equal(d("44998")))
}

func TestAdapter_PlaceOrderRejectionMapsKind(t *testing.T) {
	fx := newFixture()
	fx.setExchange(orderOK(map[string]interface{}{
		"error": "Insufficient margin to place order. asset=0",
	}))
	a := newTestAdapter(t, fx)

	_, err := a.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTC",
		Side:   core.OrderBuy,
		Type:   core.OrderTypeLimit,
		Size:   d("100"),
		Price:  d("45000"),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInsufficientMargin, apperrors.KindOf(err))
}

func TestAdapter_PlaceOrderWithoutKeyIsReadOnly(t *testing.T) {
	fx := newFixture()
	srv := httptest.NewServer(fx.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Config{BaseURL: srv.URL, WalletAddress: testWallet}, &nopLogger{})
	require.NoError(t, err)

	// Reads work without a key.
	_, err = a.GetEquity(context.Background())
	require.NoError(t, err)

	_, err = a.PlaceOrder(context.Background(), &core.OrderRequest{
		Symbol: "BTC",
		Side:   core.OrderBuy,
		Type:   core.OrderTypeLimit,
		Size:   d("0.1"),
		Price:  d("45000"),
	})
	require.Error(t, err)
	assert.Equal(t, apperrors.KindSignatureFailure, apperrors.KindOf(err))
}

func TestAdapter_CancelOrderSendsAssetAndOid(t *testing.T) {
	fx := newFixture()
	fx.setExchange(cancelOK("success"))
	a := newTestAdapter(t, fx)

	require.NoError(t, a.CancelOrder(context.Background(), "777", "BTC"))

	var action cancelAction
	require.NoError(t, json.Unmarshal(fx.lastExchange(t).Action, &action))
	assert.Equal(t, "cancel", action.Type)
	require.Len(t, action.Cancels, 1)
	assert.Equal(t, 0, action.Cancels[0].Asset)
	assert.Equal(t, int64(777), action.Cancels[0].Oid)
}

func TestAdapter_CancelGoneOrderMapsNotFound(t *testing.T) {
	fx := newFixture()
	fx.setExchange(cancelOK(map[string]interface{}{
		"error": "Order was never placed, already canceled, or filled.",
	}))
	a := newTestAdapter(t, fx)

	err := a.CancelOrder(context.Background(), "404", "BTC")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func openOrdersFixture() []restingOrder {
	return []restingOrder{
		{Coin: "BTC", Side: "B", LimitPx: "45000", Sz: "0.4", Oid: 11, Timestamp: 1724572800000, OrigSz: "0.4", OrderType: "Limit", Tif: "Gtc"},
		{Coin: "ETH", Side: "A", LimitPx: "2600", Sz: "2", Oid: 22, Timestamp: 1724572800000, OrigSz: "2",
			Cloid: "0x1b4e28ba2fa111d2883fb9a761bde3fb", OrderType: "Limit", Tif: "Gtc"},
	}
}

func TestAdapter_CancelAllFiltersBySymbol(t *testing.T) {
	fx := newFixture()
	fx.setInfo("frontendOpenOrders", openOrdersFixture())
	fx.setExchange(cancelOK("success"))
	a := newTestAdapter(t, fx)

	cancelled, err := a.CancelAllOrders(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	var action cancelAction
	require.NoError(t, json.Unmarshal(fx.lastExchange(t).Action, &action))
	require.Len(t, action.Cancels, 1)
	assert.Equal(t, int64(11), action.Cancels[0].Oid)
}

func TestAdapter_CancelAllSweepsEverySymbol(t *testing.T) {
	fx := newFixture()
	fx.setInfo("frontendOpenOrders", openOrdersFixture())
	fx.setExchange(cancelOK("success", "success"))
	a := newTestAdapter(t, fx)

	cancelled, err := a.CancelAllOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	var action cancelAction
	require.NoError(t, json.Unmarshal(fx.lastExchange(t).Action, &action))
	assert.Len(t, action.Cancels, 2)
}

func TestAdapter_CancelAllWithNothingOpenSkipsTheWire(t *testing.T) {
	fx := newFixture()
	fx.setInfo("frontendOpenOrders", []restingOrder{})
	a := newTestAdapter(t, fx)

	cancelled, err := a.CancelAllOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, cancelled)
	assert.Empty(t, fx.exchangeCalls)
}

func accountWithPositions() clearinghouseState {
	state := flatAccount()
	state.AssetPositions = []assetPosition{
		{Type: "oneWay", Position: perpPosition{
			Coin: "BTC", Szi: "0.5", EntryPx: "44000", PositionValue: "22500",
			UnrealizedPnl: "500", LiquidationPx: "40000", MarginUsed: "1125",
			Leverage: leverageInfo{Type: "cross", Value: 20},
		}},
		{Type: "oneWay", Position: perpPosition{
			Coin: "ETH", Szi: "-10", EntryPx: "2600", PositionValue: "25000",
			UnrealizedPnl: "1000", MarginUsed: "1250",
			Leverage: leverageInfo{Type: "cross", Value: 20},
		}},
		{Type: "oneWay", Position: perpPosition{Coin: "SOL", Szi: "0"}},
	}
	return state
}

func TestAdapter_GetPositionsMapsAccountState(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)
	ctx := context.Background()
	require.NoError(t, a.Initialize(ctx))
	fx.setInfo("clearinghouseState", accountWithPositions())

	positions, err := a.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 2, "flat entries must be dropped")

	long := positions[0]
	assert.Equal(t, core.VenueHyperliquid, long.Venue)
	assert.Equal(t, "BTC", long.Symbol)
	assert.Equal(t, core.SideLong, long.Side)
	assert.True(t, long.Size.Equal(d("0.5")))
	assert.True(t, long.EntryPrice.Equal(d("44000")))
	assert.True(t, long.LiquidationPrice.Equal(d("40000")))
	assert.True(t, long.MarginUsed.Equal(d("1125")))
	assert.True(t, long.Leverage.Equal(d("20")))
	assert.True(t, long.MarkPrice.Equal(d("45000")), "mark comes from the asset directory")

	short := positions[1]
	assert.Equal(t, core.SideShort, short.Side)
	assert.True(t, short.Size.Equal(d("10")), "size is reported unsigned")
	assert.True(t, short.LiquidationPrice.IsZero(), "missing liquidation price maps to zero")
}

func TestAdapter_GetPositionBySymbol(t *testing.T) {
	fx := newFixture()
	fx.setInfo("clearinghouseState", accountWithPositions())
	a := newTestAdapter(t, fx)
	ctx := context.Background()

	pos, err := a.GetPosition(ctx, "ETH")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, core.SideShort, pos.Side)

	missing, err := a.GetPosition(ctx, "SOL")
	require.NoError(t, err)
	assert.Nil(t, missing, "flat symbols read as no position")
}

func TestAdapter_AccountBalances(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)
	ctx := context.Background()

	equity, err := a.GetEquity(ctx)
	require.NoError(t, err)
	assert.True(t, equity.Equal(d("12500.5")))

	balance, err := a.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, balance.Equal(d("9800")))

	margin, err := a.GetAvailableMargin(ctx)
	require.NoError(t, err)
	assert.True(t, margin.Equal(d("8100.25")))
}

func TestAdapter_GetOrderStatusComputesFill(t *testing.T) {
	fx := newFixture()
	fx.setInfo("orderStatus", orderStatusResponse{
		Status: "order",
		Order: &orderStatusData{
			Order: restingOrder{
				Coin: "BTC", Side: "B", LimitPx: "45000", Sz: "0.25",
				Oid: 313, Timestamp: 1724572800000, OrigSz: "1",
				OrderType: "Limit", Tif: "Gtc",
			},
			Status:          "open",
			StatusTimestamp: 1724572805000,
		},
	})
	a := newTestAdapter(t, fx)

	order, err := a.GetOrderStatus(context.Background(), "313", "BTC")
	require.NoError(t, err)
	assert.Equal(t, core.OrderPartiallyFilled, order.Status)
	assert.True(t, order.Size.Equal(d("1")))
	assert.True(t, order.FilledSize.Equal(d("0.75")), "filled is original minus remaining")
	assert.Equal(t, core.OrderBuy, order.Side)
	assert.Equal(t, time.UnixMilli(1724572800000), order.PlacedAt)
	assert.Equal(t, int64(313), fx.lastInfo(t, "orderStatus").Oid)
}

func TestAdapter_GetOrderStatusUnknownOid(t *testing.T) {
	fx := newFixture()
	fx.setInfo("orderStatus", orderStatusResponse{Status: "unknownOid"})
	a := newTestAdapter(t, fx)

	_, err := a.GetOrderStatus(context.Background(), "999", "BTC")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestAdapter_GetOpenOrdersMapsFields(t *testing.T) {
	fx := newFixture()
	fx.setInfo("frontendOpenOrders", openOrdersFixture())
	a := newTestAdapter(t, fx)

	orders, err := a.GetOpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)

	assert.Equal(t, "11", orders[0].OrderID)
	assert.Equal(t, core.OrderBuy, orders[0].Side)
	assert.Equal(t, core.OrderSubmitted, orders[0].Status)
	assert.True(t, orders[0].FilledSize.IsZero())

	assert.Equal(t, core.OrderSell, orders[1].Side)
	assert.Equal(t, "1b4e28ba-2fa1-11d2-883f-b9a761bde3fb", orders[1].ClientOrderID,
		"cloid recovers the original client order id")
}

func TestAdapter_FundingDataNormalizesOpenInterest(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)

	rate, err := a.GetFundingData(context.Background(), "BTC", "BTC")
	require.NoError(t, err)
	assert.Equal(t, core.VenueHyperliquid, rate.Venue)
	assert.Equal(t, "BTC", rate.Symbol)
	assert.True(t, rate.CurrentRate.Equal(d("0.0000125")))
	assert.True(t, rate.PredictedRate.Equal(rate.CurrentRate), "the venue publishes the upcoming rate")
	assert.Equal(t, 1, rate.FundingPeriodHours)
	assert.True(t, rate.MarkPrice.Equal(d("45000")))
	assert.True(t, rate.OpenInterest.Equal(d("54000000")), "base-unit open interest converts to notional")
	assert.True(t, rate.Volume24h.Equal(d("900000000")))
}

func TestAdapter_FundingPaymentsFilterAndWindow(t *testing.T) {
	fx := newFixture()
	fx.setInfo("userFunding", []fundingEvent{
		{Delta: fundingDelta{Type: "funding", Coin: "BTC", Usdc: "-0.75", Szi: "0.5", FundingRate: "0.0000125"}, Time: 1724570000000},
		{Delta: fundingDelta{Type: "deposit", Usdc: "100"}, Time: 1724570001000},
	})
	a := newTestAdapter(t, fx)

	start := time.UnixMilli(1724500000000)
	end := time.UnixMilli(1724580000000)
	payments, err := a.GetFundingPayments(context.Background(), start, end)
	require.NoError(t, err)
	require.Len(t, payments, 1, "non-funding ledger deltas must be dropped")

	p := payments[0]
	assert.Equal(t, "BTC", p.Symbol)
	assert.True(t, p.Amount.Equal(d("-0.75")))
	assert.True(t, p.Rate.Equal(d("0.0000125")))
	assert.True(t, p.PositionSize.Equal(d("0.5")))
	assert.Equal(t, time.UnixMilli(1724570000000), p.PaidAt)

	window := fx.lastInfo(t, "userFunding")
	assert.Equal(t, start.UnixMilli(), window.StartTime)
	assert.Equal(t, end.UnixMilli(), window.EndTime)
	assert.Equal(t, testWallet, window.User)
}

func TestAdapter_GetBestBidAsk(t *testing.T) {
	fx := newFixture()
	fx.setInfo("l2Book", l2Book{
		Coin: "BTC",
		Levels: [][]l2Level{
			{{Px: "44999.5", Sz: "1.2", N: 3}},
			{{Px: "45000.5", Sz: "0.8", N: 2}},
		},
	})
	a := newTestAdapter(t, fx)

	bid, ask, err := a.GetBestBidAsk(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, bid.Equal(d("44999.5")))
	assert.True(t, ask.Equal(d("45000.5")))
}

func TestAdapter_RateLimitSurfacesInTaxonomy(t *testing.T) {
	fx := newFixture()
	fx.failInfo("clearinghouseState", http.StatusTooManyRequests)
	a := newTestAdapter(t, fx)

	_, err := a.GetEquity(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
}

func TestAdapter_UnknownSymbolRejected(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)

	_, err := a.GetMarkPrice(context.Background(), "DOGE")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestAdapter_NonceStrictlyIncreases(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)

	prev := a.nonce()
	for i := 0; i < 1000; i++ {
		next := a.nonce()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestMapOrderStatus(t *testing.T) {
	cases := map[string]core.OrderStatus{
		"open":               core.OrderSubmitted,
		"triggered":          core.OrderSubmitted,
		"filled":             core.OrderFilled,
		"canceled":           core.OrderCancelled,
		"marginCanceled":     core.OrderCancelled,
		"reduceOnlyCanceled": core.OrderCancelled,
		"rejected":           core.OrderFailed,
		"somethingNew":       core.OrderSubmitted,
	}
	for raw, want := range cases {
		assert.Equal(t, want, mapOrderStatus(raw), "status %q", raw)
	}
}

func TestFormatPriceTickRule(t *testing.T) {
	cases := []struct {
		px         string
		szDecimals int
		want       string
	}{
		{"45123.456", 5, "45123"},
		{"2487.5", 4, "2487.5"},
		{"123456", 2, "123460"},
		{"0.00123456", 0, "0.001235"},
		{"1.23456789", 1, "1.2346"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatPrice(d(tc.px), tc.szDecimals), "price %s szDecimals %d", tc.px, tc.szDecimals)
	}
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0.12346", formatSize(d("0.123456"), 5))
	assert.Equal(t, "1", formatSize(d("1.0000"), 3))
	assert.Equal(t, "3", formatSize(d("2.5"), 0))
}

func TestCloidRoundtrip(t *testing.T) {
	const id = "1b4e28ba-2fa1-11d2-883f-b9a761bde3fb"
	cloid := toCloid(id)
	assert.Equal(t, "0x1b4e28ba2fa111d2883fb9a761bde3fb", cloid)
	assert.Equal(t, id, fromCloid(cloid))

	assert.Empty(t, toCloid(""), "no client id means no cloid")
	assert.Empty(t, toCloid("not-a-uuid"), "non-uuid ids are dropped rather than rejected venue-side")
	assert.Equal(t, "0xzz", fromCloid("0xzz"), "foreign cloids pass through")
}

func TestStreamHandlerRoutesOrderUpdates(t *testing.T) {
	fx := newFixture()
	a := newTestAdapter(t, fx)
	sink := newEventSink()
	handle := a.streamHandler(sink)

	handle([]byte(`{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`))
	handle([]byte(`{"channel":"pong"}`))
	select {
	case ev := <-sink.ch:
		t.Fatalf("unexpected event %T before any order update", ev)
	default:
	}

	frame := []byte(`{"channel":"orderUpdates","data":[{"order":{"coin":"BTC","side":"B","limitPx":"45000","sz":"0","oid":901,"timestamp":1724572800000,"origSz":"0.5"},"status":"filled","statusTimestamp":1724572801000}]}`)
	handle(frame)

	ev := <-sink.ch
	upd, ok := ev.(core.OrderUpdate)
	require.True(t, ok, "first event must be the order update")
	assert.Equal(t, core.VenueHyperliquid, upd.Venue)
	assert.Equal(t, "901", upd.Order.OrderID)
	assert.Equal(t, core.OrderFilled, upd.Order.Status)
	assert.True(t, upd.Order.FilledSize.Equal(d("0.5")))

	nudge := <-sink.ch
	_, ok = nudge.(core.PositionsUpdate)
	assert.True(t, ok, "fills are followed by a positions nudge")

	sink.close()
	assert.False(t, sink.emit(core.PositionsUpdate{Venue: core.VenueHyperliquid}))
	handle(frame)
}
