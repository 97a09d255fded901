// Package journal keeps an append-only accounting log of settled funding
// payments and executed order fills. It is bookkeeping output only: the
// trading loop never reads it back.
package journal

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
)

// Fill is one terminal execution: the order reached a final status with
// a positive executed size. The size carried is the cumulative executed
// size, so there is exactly one row per order.
type Fill struct {
	Venue         core.Venue
	Symbol        string
	OrderID       string
	ClientOrderID string
	Side          core.OrderSide
	Size          decimal.Decimal
	Price         decimal.Decimal
	ReduceOnly    bool
	ObservedAt    time.Time
}

// FundingSummary aggregates settled funding for one venue and symbol.
type FundingSummary struct {
	Venue      core.Venue
	Symbol     string
	Total      decimal.Decimal
	Payments   int
	LastPaidAt time.Time
}

// FillSummary aggregates executed order flow for one venue and symbol.
type FillSummary struct {
	Venue  core.Venue
	Symbol string
	Bought decimal.Decimal
	Sold   decimal.Decimal
	Fills  int
}

// Store is the journal's persistence contract. Writes deduplicate:
// funding payments on (venue, symbol, paidAt), fills on (venue, orderID),
// so overlapping pull windows and replayed stream events are harmless.
type Store interface {
	// RecordFundingPayments appends payments and returns how many were new.
	RecordFundingPayments(ctx context.Context, payments []core.FundingPayment) (int, error)
	// RecordFill appends one terminal fill.
	RecordFill(ctx context.Context, fill Fill) error
	// FundingSummary aggregates payments settled at or after since,
	// sorted by venue then symbol.
	FundingSummary(ctx context.Context, since time.Time) ([]FundingSummary, error)
	// FillSummary aggregates fills observed at or after since, sorted by
	// venue then symbol.
	FillSummary(ctx context.Context, since time.Time) ([]FillSummary, error)
	Close() error
}

type summaryKey struct {
	venue  core.Venue
	symbol string
}

// Aggregation folds in Go rather than in SQL so decimal amounts are
// summed exactly; both store implementations share these helpers.

func foldPayment(byKey map[summaryKey]*FundingSummary, venue core.Venue, symbol string, amount decimal.Decimal, paidAt time.Time) {
	key := summaryKey{venue, symbol}
	sum, ok := byKey[key]
	if !ok {
		sum = &FundingSummary{Venue: venue, Symbol: symbol}
		byKey[key] = sum
	}
	sum.Total = sum.Total.Add(amount)
	sum.Payments++
	if paidAt.After(sum.LastPaidAt) {
		sum.LastPaidAt = paidAt
	}
}

func foldFill(byKey map[summaryKey]*FillSummary, venue core.Venue, symbol string, side core.OrderSide, size decimal.Decimal) {
	key := summaryKey{venue, symbol}
	sum, ok := byKey[key]
	if !ok {
		sum = &FillSummary{Venue: venue, Symbol: symbol}
		byKey[key] = sum
	}
	if side == core.OrderBuy {
		sum.Bought = sum.Bought.Add(size)
	} else {
		sum.Sold = sum.Sold.Add(size)
	}
	sum.Fills++
}

func sortedFundingSummaries(byKey map[summaryKey]*FundingSummary) []FundingSummary {
	out := make([]FundingSummary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

func sortedFillSummaries(byKey map[summaryKey]*FillSummary) []FillSummary {
	out := make([]FillSummary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
