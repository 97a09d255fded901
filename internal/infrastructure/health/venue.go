package health

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
)

// WrapVenue decorates a venue adapter so every round-trip feeds the
// tracker's marks for that venue. NOT_FOUND and VALIDATION outcomes are
// the caller's problem, not the venue's, and leave the marks untouched.
func WrapVenue(adapter core.IVenueAdapter, tracker *Tracker) core.IVenueAdapter {
	return &reportedVenue{
		inner:     adapter,
		tracker:   tracker,
		component: string(adapter.Name()),
	}
}

type reportedVenue struct {
	inner     core.IVenueAdapter
	tracker   *Tracker
	component string
}

func (v *reportedVenue) report(err error) {
	if err == nil {
		v.tracker.ReportOK(v.component)
		return
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound, apperrors.KindValidation:
		return
	}
	v.tracker.ReportError(v.component, err)
}

func (v *reportedVenue) Name() core.Venue { return v.inner.Name() }

func (v *reportedVenue) Initialize(ctx context.Context) error {
	err := v.inner.Initialize(ctx)
	v.report(err)
	return err
}

func (v *reportedVenue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.OrderResult, error) {
	res, err := v.inner.PlaceOrder(ctx, req)
	v.report(err)
	return res, err
}

func (v *reportedVenue) CancelOrder(ctx context.Context, orderID, symbol string) error {
	err := v.inner.CancelOrder(ctx, orderID, symbol)
	v.report(err)
	return err
}

func (v *reportedVenue) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	n, err := v.inner.CancelAllOrders(ctx, symbol)
	v.report(err)
	return n, err
}

func (v *reportedVenue) GetOrderStatus(ctx context.Context, orderID, symbol string) (*core.Order, error) {
	order, err := v.inner.GetOrderStatus(ctx, orderID, symbol)
	v.report(err)
	return order, err
}

func (v *reportedVenue) GetOpenOrders(ctx context.Context) ([]core.Order, error) {
	orders, err := v.inner.GetOpenOrders(ctx)
	v.report(err)
	return orders, err
}

func (v *reportedVenue) GetPositions(ctx context.Context) ([]core.Position, error) {
	positions, err := v.inner.GetPositions(ctx)
	v.report(err)
	return positions, err
}

func (v *reportedVenue) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	position, err := v.inner.GetPosition(ctx, symbol)
	v.report(err)
	return position, err
}

func (v *reportedVenue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	d, err := v.inner.GetBalance(ctx)
	v.report(err)
	return d, err
}

func (v *reportedVenue) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	d, err := v.inner.GetEquity(ctx)
	v.report(err)
	return d, err
}

func (v *reportedVenue) GetAvailableMargin(ctx context.Context) (decimal.Decimal, error) {
	d, err := v.inner.GetAvailableMargin(ctx)
	v.report(err)
	return d, err
}

func (v *reportedVenue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	d, err := v.inner.GetMarkPrice(ctx, symbol)
	v.report(err)
	return d, err
}

func (v *reportedVenue) GetBestBidAsk(ctx context.Context, symbol string) (decimal.Decimal, decimal.Decimal, error) {
	bid, ask, err := v.inner.GetBestBidAsk(ctx, symbol)
	v.report(err)
	return bid, ask, err
}

func (v *reportedVenue) ListSymbols(ctx context.Context) ([]string, error) {
	symbols, err := v.inner.ListSymbols(ctx)
	v.report(err)
	return symbols, err
}

func (v *reportedVenue) GetFundingData(ctx context.Context, symbol, rawID string) (*core.FundingRate, error) {
	rate, err := v.inner.GetFundingData(ctx, symbol, rawID)
	v.report(err)
	return rate, err
}

func (v *reportedVenue) GetFundingPayments(ctx context.Context, start, end time.Time) ([]core.FundingPayment, error) {
	payments, err := v.inner.GetFundingPayments(ctx, start, end)
	v.report(err)
	return payments, err
}

func (v *reportedVenue) SubscribeEvents(ctx context.Context) (<-chan core.VenueEvent, error) {
	events, err := v.inner.SubscribeEvents(ctx)
	v.report(err)
	return events, err
}

func (v *reportedVenue) Close() error {
	return v.inner.Close()
}
