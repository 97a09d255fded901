package hyperliquid

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// nonce returns a strictly increasing millisecond nonce. The venue
// rejects reused nonces, and two actions can land in the same
// millisecond.
func (a *Adapter) nonce() int64 {
	for {
		now := time.Now().UnixMilli()
		last := atomic.LoadInt64(&a.lastNonce)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&a.lastNonce, last, now) {
			return now
		}
	}
}

// exchangeCall signs and posts one action. Per-order outcomes live in
// the returned statuses; top-level rejections (bad nonce, bad
// signature) come back as status "err" with a bare string response.
func (a *Adapter) exchangeCall(ctx context.Context, op string, action interface{}, out *exchangeData) error {
	if a.signer == nil {
		return apperrors.NewVenueError(string(a.Name()), apperrors.KindSignatureFailure, op,
			"no signing key configured", nil)
	}
	ctx, cancel := a.CallCtx(ctx)
	defer cancel()

	nonce := a.nonce()
	sig, err := a.signer.SignAction(action, a.cfg.VaultAddress, nonce)
	if err != nil {
		return apperrors.NewVenueError(string(a.Name()), apperrors.KindSignatureFailure, op,
			err.Error(), err)
	}
	payload, err := json.Marshal(exchangeRequest{
		Action:       action,
		Nonce:        nonce,
		Signature:    sig,
		VaultAddress: a.cfg.VaultAddress,
	})
	if err != nil {
		return a.WrapErr(op, fmt.Errorf("encode exchange request: %w", err))
	}
	body, err := a.http.PostRaw(ctx, exchangePath, "application/json", payload)
	if err != nil {
		return a.WrapErr(op, err)
	}
	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return a.WrapErr(op, fmt.Errorf("decode exchange response: %w", err))
	}
	if resp.Status != "ok" {
		var msg string
		if json.Unmarshal(resp.Response, &msg) != nil {
			msg = string(resp.Response)
		}
		return a.actionError(op, msg)
	}
	if err := json.Unmarshal(resp.Response, out); err != nil {
		return a.WrapErr(op, fmt.Errorf("decode exchange payload: %w", err))
	}
	return nil
}

// actionError maps the venue's error strings onto the error taxonomy.
// The venue has no error codes, only prose.
func (a *Adapter) actionError(op, message string) error {
	kind := apperrors.KindValidation
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "insufficient margin"):
		kind = apperrors.KindInsufficientMargin
	case strings.Contains(lower, "nonce"):
		kind = apperrors.KindNonceFailure
	case strings.Contains(lower, "signature"), strings.Contains(lower, "does not exist"):
		kind = apperrors.KindSignatureFailure
	case strings.Contains(lower, "too many"):
		kind = apperrors.KindRateLimited
	case strings.Contains(lower, "never placed"), strings.Contains(lower, "already canceled"):
		kind = apperrors.KindNotFound
	}
	return apperrors.NewVenueError(string(a.Name()), kind, op, message, nil)
}

func (a *Adapter) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	entry, err := a.asset(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	order, err := a.buildWireOrder(entry, req)
	if err != nil {
		return nil, err
	}
	action := orderAction{Type: "order", Orders: []wireOrder{order}, Grouping: "na"}
	var resp exchangeData
	if err := a.exchangeCall(ctx, "place_order", action, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data.Statuses) == 0 {
		return nil, apperrors.NewVenueError(string(a.Name()), apperrors.KindInternal,
			"place_order", "order response carries no statuses", nil)
	}
	var status placementStatus
	if err := json.Unmarshal(resp.Data.Statuses[0], &status); err != nil {
		return nil, a.WrapErr("place_order", fmt.Errorf("decode placement status: %w", err))
	}
	switch {
	case status.Error != "":
		return nil, a.actionError("place_order", status.Error)
	case status.Filled != nil:
		return &core.OrderResult{
			OrderID:      strconv.FormatInt(status.Filled.Oid, 10),
			Status:       core.OrderFilled,
			FilledSize:   a.ParseDecimal(status.Filled.TotalSz),
			AvgFillPrice: a.ParseDecimal(status.Filled.AvgPx),
		}, nil
	case status.Resting != nil:
		return &core.OrderResult{
			OrderID: strconv.FormatInt(status.Resting.Oid, 10),
			Status:  core.OrderSubmitted,
		}, nil
	default:
		return nil, apperrors.NewVenueError(string(a.Name()), apperrors.KindInternal,
			"place_order", "placement status neither resting nor filled", nil)
	}
}

// buildWireOrder renders one request into the venue's order shape.
// Market orders become IOC limits padded past the mark; the venue has
// no native market order type.
func (a *Adapter) buildWireOrder(entry assetEntry, req *core.OrderRequest) (wireOrder, error) {
	if !req.Size.IsPositive() {
		return wireOrder{}, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
			"place_order", "order size must be positive", nil)
	}
	isBuy := req.Side == core.OrderBuy

	var limitPx decimal.Decimal
	var tif string
	switch req.Type {
	case core.OrderTypeMarket:
		mark := a.ParseDecimal(entry.ctx.MarkPx)
		if mark.IsZero() {
			return wireOrder{}, apperrors.NewVenueError(string(a.Name()), apperrors.KindInternal,
				"place_order", fmt.Sprintf("no mark price for %s", entry.name), nil)
		}
		pad := decimal.NewFromFloat(marketSlippage)
		if isBuy {
			limitPx = mark.Mul(decimal.NewFromInt(1).Add(pad))
		} else {
			limitPx = mark.Mul(decimal.NewFromInt(1).Sub(pad))
		}
		tif = "Ioc"
	case core.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return wireOrder{}, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
				"place_order", "limit order needs a positive price", nil)
		}
		limitPx = req.Price
		switch req.TimeInForce {
		case core.TifGTC, "":
			tif = "Gtc"
		case core.TifIOC:
			tif = "Ioc"
		default:
			return wireOrder{}, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
				"place_order", fmt.Sprintf("unsupported time in force %s", req.TimeInForce), nil)
		}
	default:
		return wireOrder{}, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
			"place_order", fmt.Sprintf("unsupported order type %s", req.Type), nil)
	}

	return wireOrder{
		Asset:      entry.index,
		IsBuy:      isBuy,
		Price:      formatPrice(limitPx, entry.szDecimals),
		Size:       formatSize(req.Size, entry.szDecimals),
		ReduceOnly: req.ReduceOnly,
		Type:       wireOrderType{Limit: &wireLimit{Tif: tif}},
		Cloid:      toCloid(req.ClientOrderID),
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, orderID, symbol string) error {
	entry, err := a.asset(ctx, symbol)
	if err != nil {
		return err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
			"cancel_order", fmt.Sprintf("malformed order id %q", orderID), nil)
	}
	action := cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: entry.index, Oid: oid}}}
	var resp exchangeData
	if err := a.exchangeCall(ctx, "cancel_order", action, &resp); err != nil {
		return err
	}
	for _, raw := range resp.Data.Statuses {
		if msg, failed := cancelFailure(raw); failed {
			return a.actionError("cancel_order", msg)
		}
	}
	return nil
}

// CancelAllOrders cancels every open order, or only one symbol's when
// given. Returns how many cancels the venue accepted; entries it
// rejected are logged and show up again on the next sweep.
func (a *Adapter) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	orders, err := a.GetOpenOrders(ctx)
	if err != nil {
		return 0, err
	}
	cancels := make([]wireCancel, 0, len(orders))
	for _, o := range orders {
		if symbol != "" && !strings.EqualFold(o.Symbol, symbol) {
			continue
		}
		entry, err := a.asset(ctx, o.Symbol)
		if err != nil {
			return 0, err
		}
		oid, err := strconv.ParseInt(o.OrderID, 10, 64)
		if err != nil {
			a.Logger().Warn("skipping cancel of non-numeric order id", "orderId", o.OrderID)
			continue
		}
		cancels = append(cancels, wireCancel{Asset: entry.index, Oid: oid})
	}
	if len(cancels) == 0 {
		return 0, nil
	}
	action := cancelAction{Type: "cancel", Cancels: cancels}
	var resp exchangeData
	if err := a.exchangeCall(ctx, "cancel_all", action, &resp); err != nil {
		return 0, err
	}
	cancelled := 0
	for _, raw := range resp.Data.Statuses {
		if msg, failed := cancelFailure(raw); failed {
			a.Logger().Warn("cancel rejected", "error", msg)
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// cancelFailure inspects one cancel status, which is either the string
// "success" or an object carrying an error.
func cancelFailure(raw json.RawMessage) (string, bool) {
	var ok string
	if json.Unmarshal(raw, &ok) == nil {
		return "", false
	}
	var status placementStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return err.Error(), true
	}
	if status.Error != "" {
		return status.Error, true
	}
	return "", false
}

func (a *Adapter) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	user, err := a.requireUser("get_open_orders")
	if err != nil {
		return nil, err
	}
	var raw []restingOrder
	if err := a.infoCall(ctx, "get_open_orders", infoRequest{Type: "frontendOpenOrders", User: user}, &raw); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, a.mapOrder(r, "open"))
	}
	return orders, nil
}

func (a *Adapter) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	user, err := a.requireUser("get_order_status")
	if err != nil {
		return nil, err
	}
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return nil, apperrors.NewVenueError(string(a.Name()), apperrors.KindValidation,
			"get_order_status", fmt.Sprintf("malformed order id %q", orderID), nil)
	}
	var resp orderStatusResponse
	if err := a.infoCall(ctx, "get_order_status", infoRequest{Type: "orderStatus", User: user, Oid: oid}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "order" || resp.Order == nil {
		return nil, apperrors.NewVenueError(string(a.Name()), apperrors.KindNotFound,
			"get_order_status", fmt.Sprintf("unknown order %s", orderID), nil)
	}
	order := a.mapOrder(resp.Order.Order, resp.Order.Status)
	return &order, nil
}

// mapOrder converts the venue order shape. The venue reports remaining
// size in sz, so filled is origSz minus sz.
func (a *Adapter) mapOrder(raw restingOrder, status string) core.Order {
	orig := a.ParseDecimal(raw.OrigSz)
	filled := orig.Sub(a.ParseDecimal(raw.Sz))
	if filled.IsNegative() {
		filled = decimal.Zero
	}

	side := core.OrderSell
	if raw.Side == "B" {
		side = core.OrderBuy
	}

	st := mapOrderStatus(status)
	if st == core.OrderSubmitted && filled.IsPositive() {
		st = core.OrderPartiallyFilled
	}

	typ := core.OrderTypeLimit
	if strings.EqualFold(raw.OrderType, "market") {
		typ = core.OrderTypeMarket
	}

	var tif core.TimeInForce
	switch raw.Tif {
	case "Gtc", "Alo":
		tif = core.TifGTC
	case "Ioc":
		tif = core.TifIOC
	}

	return core.Order{
		OrderID:       strconv.FormatInt(raw.Oid, 10),
		ClientOrderID: fromCloid(raw.Cloid),
		Venue:         a.Name(),
		Symbol:        strings.ToUpper(raw.Coin),
		Side:          side,
		Size:          orig,
		FilledSize:    filled,
		Price:         a.ParseDecimal(raw.LimitPx),
		Type:          typ,
		ReduceOnly:    raw.ReduceOnly,
		TimeInForce:   tif,
		Status:        st,
		PlacedAt:      a.ParseTimestamp(raw.Timestamp),
	}
}

// mapOrderStatus folds the venue's order states onto the keeper's. The
// venue spells cancellations by cause (marginCanceled,
// reduceOnlyCanceled, ...), all terminal.
func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "open", "triggered":
		return core.OrderSubmitted
	case "filled":
		return core.OrderFilled
	case "canceled":
		return core.OrderCancelled
	case "rejected":
		return core.OrderFailed
	}
	switch {
	case strings.HasSuffix(raw, "Canceled"):
		return core.OrderCancelled
	case strings.HasSuffix(raw, "Rejected"):
		return core.OrderFailed
	}
	return core.OrderSubmitted
}

// toCloid renders a client order id as the venue's 128-bit hex cloid.
// The keeper's ids are UUIDs, which map losslessly; anything else is
// dropped rather than rejected venue-side.
func toCloid(clientOrderID string) string {
	if clientOrderID == "" {
		return ""
	}
	u, err := uuid.Parse(clientOrderID)
	if err != nil {
		return ""
	}
	return "0x" + hex.EncodeToString(u[:])
}

// fromCloid recovers the UUID form of a cloid. Foreign cloids (orders
// placed outside the keeper) pass through raw.
func fromCloid(cloid string) string {
	if cloid == "" {
		return ""
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(cloid, "0x"))
	if err != nil || len(raw) != 16 {
		return cloid
	}
	u, err := uuid.FromBytes(raw)
	if err != nil {
		return cloid
	}
	return u.String()
}
