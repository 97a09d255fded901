package funding

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"funding_keeper/internal/core"
	"funding_keeper/pkg/concurrency"
)

// FinderConfig tunes the opportunity scan. Zero values fall back to the
// production defaults.
type FinderConfig struct {
	// MinSpread is the smallest hourly spread worth opening.
	MinSpread decimal.Decimal
	// BatchSize bounds how many symbols are evaluated concurrently.
	BatchSize int
	// BatchPause separates batches so catalog-wide scans stay inside
	// venue rate limits.
	BatchPause time.Duration
}

func (c *FinderConfig) applyDefaults() {
	if c.MinSpread.IsZero() {
		c.MinSpread = decimal.NewFromFloat(0.0001)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.BatchPause <= 0 {
		c.BatchPause = time.Second
	}
}

// Finder scans symbols for cross-venue funding spreads. A nil pool
// evaluates batches sequentially.
type Finder struct {
	agg  *Aggregator
	pool *concurrency.WorkerPool
	diag core.IDiagnostics
	cfg  FinderConfig
}

func NewFinder(agg *Aggregator, pool *concurrency.WorkerPool, diag core.IDiagnostics, cfg FinderConfig) *Finder {
	cfg.applyDefaults()
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	return &Finder{agg: agg, pool: pool, diag: diag, cfg: cfg}
}

// FindOpportunities evaluates the given symbols in paced batches and
// returns every opportunity clearing MinSpread, best first: highest
// expected return, then higher combined open interest, then symbol.
func (f *Finder) FindOpportunities(ctx context.Context, symbols []string) []core.Opportunity {
	var (
		mu  sync.Mutex
		out []core.Opportunity
	)

	for start := 0; start < len(symbols); start += f.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + f.cfg.BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}

		batch := symbols[start:end]
		tasks := make([]func(), 0, len(batch))
		for _, symbol := range batch {
			symbol := symbol
			tasks = append(tasks, func() {
				if opp := f.evaluate(ctx, symbol); opp != nil {
					mu.Lock()
					out = append(out, *opp)
					mu.Unlock()
				}
			})
		}

		if f.pool != nil {
			f.pool.SubmitBatch(tasks)
		} else {
			for _, task := range tasks {
				task()
			}
		}

		if end < len(symbols) {
			select {
			case <-ctx.Done():
				return sortOpportunities(out)
			case <-time.After(f.cfg.BatchPause):
			}
		}
	}

	f.diag.Gauge("opportunities_found", float64(len(out)))
	return sortOpportunities(out)
}

// evaluate shorts the highest-rate venue against a long on the lowest.
// When the extreme rates straddle zero this is the directional cross
// (the long leg is paid for holding); otherwise it is the plain
// extremes pairing. Both reduce to the same venue pair, so one
// opportunity per symbol suffices.
func (f *Finder) evaluate(ctx context.Context, symbol string) *core.Opportunity {
	cmp, err := f.agg.CompareFundingRates(ctx, symbol)
	if err != nil {
		f.diag.Count("opportunity_scan_skipped", 1, "symbol", symbol)
		return nil
	}

	f.diag.Gauge("funding_spread", cmp.Spread.InexactFloat64(), "symbol", symbol)
	if cmp.Spread.LessThan(f.cfg.MinSpread) {
		return nil
	}

	return &core.Opportunity{
		Symbol:            symbol,
		LongVenue:         cmp.Lowest.Venue,
		ShortVenue:        cmp.Highest.Venue,
		LongRate:          cmp.Lowest.CurrentRate,
		ShortRate:         cmp.Highest.CurrentRate,
		Spread:            cmp.Spread,
		ExpectedReturn:    cmp.Spread.Abs().Mul(core.HoursPerYear),
		LongMarkPrice:     cmp.Lowest.MarkPrice,
		ShortMarkPrice:    cmp.Highest.MarkPrice,
		LongOpenInterest:  cmp.Lowest.OpenInterest,
		ShortOpenInterest: cmp.Highest.OpenInterest,
		ObservedAt:        time.Now(),
	}
}

func sortOpportunities(opps []core.Opportunity) []core.Opportunity {
	sort.Slice(opps, func(i, j int) bool {
		if !opps[i].ExpectedReturn.Equal(opps[j].ExpectedReturn) {
			return opps[i].ExpectedReturn.GreaterThan(opps[j].ExpectedReturn)
		}
		oi := opps[i].LongOpenInterest.Add(opps[i].ShortOpenInterest)
		oj := opps[j].LongOpenInterest.Add(opps[j].ShortOpenInterest)
		if !oi.Equal(oj) {
			return oi.GreaterThan(oj)
		}
		return opps[i].Symbol < opps[j].Symbol
	})
	return opps
}
