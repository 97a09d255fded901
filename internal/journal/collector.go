package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"funding_keeper/internal/core"
	"funding_keeper/pkg/concurrency"
)

// CollectorConfig tunes the journal collector. Zero values fall back to
// the production defaults.
type CollectorConfig struct {
	// Interval is the funding-payment pull cadence.
	Interval time.Duration
	// Lookback is the history window for a venue's first pull.
	Lookback time.Duration
}

func (c *CollectorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
}

const collectCallTimeout = 30 * time.Second

// Collector feeds the journal: it periodically pulls settled funding
// payments from every venue, and records terminal fills forwarded from
// the market cache's event streams via ObserveOrder.
type Collector struct {
	store    Store
	adapters map[core.Venue]core.IVenueAdapter
	limiters core.ILimiterRegistry
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	diag     core.IDiagnostics
	cfg      CollectorConfig

	mu       sync.Mutex
	lastPull map[core.Venue]time.Time

	running int32
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewCollector builds the collector. pool may be nil, which runs pulls
// sequentially and fill writes inline; limiters and diag may be nil.
func NewCollector(store Store, adapters map[core.Venue]core.IVenueAdapter, limiters core.ILimiterRegistry, pool *concurrency.WorkerPool, logger core.ILogger, diag core.IDiagnostics, cfg CollectorConfig) *Collector {
	cfg.applyDefaults()
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	return &Collector{
		store:    store,
		adapters: adapters,
		limiters: limiters,
		pool:     pool,
		logger:   logger.WithField("component", "journal"),
		diag:     diag,
		cfg:      cfg,
		lastPull: make(map[core.Venue]time.Time),
	}
}

// Start launches the pull loop with an immediate first collection.
func (c *Collector) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return fmt.Errorf("journal collector already running")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.runLoop(ctx)

	c.logger.Info("journal collector started", "interval", c.cfg.Interval)
	return nil
}

// Stop halts the pull loop and waits for it to exit.
func (c *Collector) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	c.cancel()
	c.wg.Wait()
}

func (c *Collector) runLoop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect pulls settled funding payments from every venue once and
// returns when all pulls have finished.
func (c *Collector) Collect(ctx context.Context) {
	tasks := make([]func(), 0, len(c.adapters))
	for venue, adapter := range c.adapters {
		v, a := venue, adapter
		tasks = append(tasks, func() { c.pull(ctx, v, a) })
	}

	if c.pool != nil {
		c.pool.SubmitBatch(tasks)
		return
	}
	for _, task := range tasks {
		task()
	}
}

// pull reads one venue's payments since the venue's last successful pull
// and appends them. The window only advances on success, so a failed pull
// is retried over the same range; the store deduplicates the overlap.
func (c *Collector) pull(ctx context.Context, venue core.Venue, adapter core.IVenueAdapter) {
	now := time.Now()

	c.mu.Lock()
	since, ok := c.lastPull[venue]
	c.mu.Unlock()
	if !ok {
		since = now.Add(-c.cfg.Lookback)
	}

	if c.limiters != nil {
		if err := c.limiters.For(venue).Acquire(ctx, 1, core.PriorityLow); err != nil {
			c.logger.Warn("funding payment pull throttled", "venue", venue, "error", err)
			return
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, collectCallTimeout)
	defer cancel()

	payments, err := adapter.GetFundingPayments(callCtx, since, now)
	if err != nil {
		c.logger.Warn("funding payment pull failed", "venue", venue, "error", err)
		return
	}

	inserted, err := c.store.RecordFundingPayments(ctx, payments)
	if err != nil {
		c.logger.Error("journal write failed", "venue", venue, "error", err)
		return
	}

	c.mu.Lock()
	c.lastPull[venue] = now
	c.mu.Unlock()

	if inserted > 0 {
		c.diag.Count("funding_payments_recorded", int64(inserted), "venue", string(venue))
	}
}

// ObserveOrder receives order updates from the market cache's event
// streams and journals terminal executions. Safe to call concurrently.
func (c *Collector) ObserveOrder(venue core.Venue, order core.Order) {
	if !order.Status.IsTerminal() || !order.FilledSize.IsPositive() || order.OrderID == "" {
		return
	}

	fill := Fill{
		Venue:         venue,
		Symbol:        order.Symbol,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		Size:          order.FilledSize,
		Price:         order.Price,
		ReduceOnly:    order.ReduceOnly,
		ObservedAt:    time.Now(),
	}

	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), collectCallTimeout)
		defer cancel()
		if err := c.store.RecordFill(ctx, fill); err != nil {
			c.logger.Error("fill journal write failed",
				"venue", venue, "orderId", fill.OrderID, "error", err)
			return
		}
		c.diag.Count("fills_recorded", 1, "venue", string(venue))
	}

	// Keep the cache's event loop off the disk.
	if c.pool != nil {
		_ = c.pool.Submit(write)
		return
	}
	write()
}
