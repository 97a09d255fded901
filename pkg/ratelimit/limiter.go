// Package ratelimit provides per-venue token buckets with priority
// classes. Acquisitions carry a weight (token cost) and a priority;
// waiting higher-priority requests are served before lower ones, FIFO
// within a class. Tokens are consumed, never returned.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	"funding_keeper/pkg/telemetry"

	"golang.org/x/time/rate"
)

// Config sizes one venue's bucket.
type Config struct {
	BucketSize   int     `yaml:"bucketSize"`
	RefillPerSec float64 `yaml:"refillPerSec"`
}

// DefaultConfig is used for venues without explicit limits.
func DefaultConfig() Config {
	return Config{BucketSize: 20, RefillPerSec: 10}
}

type waiter struct {
	weight    int
	priority  core.Priority
	grant     chan struct{}
	done      chan struct{}
	abandoned atomic.Bool
	enqueued  time.Time
}

// VenueLimiter is a single venue's bucket plus its waiter queues. A
// dedicated dispatcher goroutine grants tokens strictly in priority
// order; a reservation in progress for a lower class is cancelled when
// a higher-class waiter arrives.
type VenueLimiter struct {
	venue  core.Venue
	burst  int
	rl     *rate.Limiter
	mu     sync.Mutex
	queues [4][]*waiter
	wake   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

// NewVenueLimiter builds and starts a limiter for one venue.
func NewVenueLimiter(venue core.Venue, cfg Config) *VenueLimiter {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = DefaultConfig().BucketSize
	}
	if cfg.RefillPerSec <= 0 {
		cfg.RefillPerSec = DefaultConfig().RefillPerSec
	}
	l := &VenueLimiter{
		venue: venue,
		burst: cfg.BucketSize,
		rl:    rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.BucketSize),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Acquire blocks until weight tokens are granted or ctx expires. Expiry
// while queued fails with KindRateLimited.
func (l *VenueLimiter) Acquire(ctx context.Context, weight int, priority core.Priority) error {
	if weight <= 0 {
		weight = 1
	}
	if weight > l.burst {
		return apperrors.NewVenueError(string(l.venue), apperrors.KindValidation, "rate_limit",
			"requested weight exceeds bucket capacity", nil)
	}
	if priority < core.PriorityLow || priority > core.PriorityEmergency {
		priority = core.PriorityNormal
	}

	w := &waiter{
		weight:   weight,
		priority: priority,
		grant:    make(chan struct{}),
		done:     make(chan struct{}),
		enqueued: time.Now(),
	}
	l.enqueue(w)

	select {
	case <-w.grant:
		telemetry.GetGlobalMetrics().RateLimitWait.Record(ctx,
			float64(time.Since(w.enqueued).Milliseconds()))
		return nil
	case <-ctx.Done():
		// The grant may have raced the deadline; prefer the grant.
		select {
		case <-w.grant:
			return nil
		default:
		}
		w.abandoned.Store(true)
		close(w.done)
		telemetry.GetGlobalMetrics().RateLimitTimeoutsTotal.Add(context.Background(), 1)
		return apperrors.NewVenueError(string(l.venue), apperrors.KindRateLimited, "rate_limit",
			"deadline expired waiting for tokens", ctx.Err())
	}
}

// Close stops the dispatcher. Pending waiters are left to their
// deadlines.
func (l *VenueLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *VenueLimiter) enqueue(w *waiter) {
	l.mu.Lock()
	l.queues[w.priority] = append(l.queues[w.priority], w)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops the first live waiter of the highest non-empty class.
func (l *VenueLimiter) next() *waiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	for p := int(core.PriorityEmergency); p >= int(core.PriorityLow); p-- {
		for len(l.queues[p]) > 0 {
			w := l.queues[p][0]
			l.queues[p] = l.queues[p][1:]
			if w.abandoned.Load() {
				continue
			}
			return w
		}
	}
	return nil
}

// requeueFront puts a preempted waiter back at the head of its class so
// it keeps its FIFO slot.
func (l *VenueLimiter) requeueFront(w *waiter) {
	l.mu.Lock()
	l.queues[w.priority] = append([]*waiter{w}, l.queues[w.priority]...)
	l.mu.Unlock()
}

// higherWaiting reports whether a live waiter above the given class is
// queued.
func (l *VenueLimiter) higherWaiting(p core.Priority) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for q := int(core.PriorityEmergency); q > int(p); q-- {
		for _, w := range l.queues[q] {
			if !w.abandoned.Load() {
				return true
			}
		}
	}
	return false
}

func (l *VenueLimiter) dispatch() {
	for {
		w := l.next()
		if w == nil {
			select {
			case <-l.wake:
				continue
			case <-l.stop:
				return
			}
		}

		res := l.rl.ReserveN(time.Now(), w.weight)
		if !res.OK() {
			close(w.grant)
			continue
		}

		delay := res.Delay()
		if delay > 0 && !l.sleepOrPreempt(w, res, delay) {
			continue
		}
		close(w.grant)
	}
}

// sleepOrPreempt waits out the reservation delay. It returns false when
// the grant should not happen: the waiter abandoned, a higher class
// arrived (waiter is requeued, reservation cancelled), or the limiter
// stopped.
func (l *VenueLimiter) sleepOrPreempt(w *waiter, res *rate.Reservation, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return true
		case <-w.done:
			res.Cancel()
			return false
		case <-l.stop:
			res.Cancel()
			return false
		case <-l.wake:
			if l.higherWaiting(w.priority) {
				res.Cancel()
				l.requeueFront(w)
				return false
			}
		}
	}
}

// NopLimiter grants every acquisition immediately. It is the null
// object wired in when a venue has no configured limits.
type NopLimiter struct{}

func (NopLimiter) Acquire(context.Context, int, core.Priority) error { return nil }
