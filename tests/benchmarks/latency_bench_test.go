package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	"funding_keeper/internal/execution"
	"funding_keeper/internal/risk"
	"funding_keeper/internal/venue/paper"
)

// Symbol lock churn: every scheduler tick, recovery step and pair close
// goes through TryAcquire/Release.
func BenchmarkSymbolLocks_AcquireRelease(b *testing.B) {
	locks := execution.NewSymbolLocks(nil)

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			symbol := fmt.Sprintf("SYM%d", i%64)
			if locks.TryAcquire(symbol, "bench", "tick") {
				locks.Release(symbol, "bench")
			}
			i++
		}
	})
}

// One order slot round trip: claim, then free via a terminal status.
func BenchmarkOrderRegistry_SlotRoundTrip(b *testing.B) {
	registry := execution.NewOrderRegistry(nil)
	size := decimal.NewFromInt(1)
	price := decimal.NewFromInt(45000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		registry.Register("key", "BTC", core.VenueHyperliquid, core.OrderBuy, "bench", size, price)
		registry.UpdateStatus(core.VenueHyperliquid, "BTC", core.OrderBuy, core.OrderFilled, "1", price)
	}
}

// Proximity math runs for every held leg on every liquidation scan.
func BenchmarkValuator_Evaluate(b *testing.B) {
	v := risk.NewValuator()
	leg := core.Position{
		Venue:            core.VenueHyperliquid,
		Symbol:           "BTC",
		Side:             core.SideLong,
		Size:             decimal.NewFromInt(1),
		EntryPrice:       decimal.NewFromInt(45000),
		MarkPrice:        decimal.NewFromInt(44800),
		Leverage:         decimal.NewFromInt(10),
		LiquidationPrice: decimal.NewFromInt(40950),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = v.Evaluate(leg)
	}
}

// Order placement throughput against the in-memory venue; the simulation
// bounds what any adapter-level optimization could gain.
func BenchmarkPaperVenue_PlaceOrder(b *testing.B) {
	venue := paper.New(core.VenueHyperliquid)
	ctx := context.Background()

	b.RunParallel(func(pb *testing.PB) {
		req := &core.OrderRequest{
			Symbol: "BTC",
			Side:   core.OrderBuy,
			Type:   core.OrderTypeMarket,
			Size:   decimal.NewFromInt(1),
		}
		for pb.Next() {
			if _, err := venue.PlaceOrder(ctx, req); err != nil {
				b.Fatalf("place failed: %v", err)
			}
		}
	})
}
