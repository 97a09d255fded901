package journal

import (
	"context"
	"sync"
	"time"

	"funding_keeper/internal/core"
)

type paymentKey struct {
	venue  core.Venue
	symbol string
	paidAt int64
}

type fillKey struct {
	venue   core.Venue
	orderID string
}

// MemoryStore implements Store in memory. Used when no journal path is
// configured, and by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[paymentKey]core.FundingPayment
	fills    map[fillKey]Fill
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments: make(map[paymentKey]core.FundingPayment),
		fills:    make(map[fillKey]Fill),
	}
}

func (s *MemoryStore) RecordFundingPayments(ctx context.Context, payments []core.FundingPayment) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, p := range payments {
		key := paymentKey{p.Venue, p.Symbol, p.PaidAt.UnixNano()}
		if _, dup := s.payments[key]; dup {
			continue
		}
		s.payments[key] = p
		inserted++
	}
	return inserted, nil
}

func (s *MemoryStore) RecordFill(ctx context.Context, fill Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fillKey{fill.Venue, fill.OrderID}
	if _, dup := s.fills[key]; dup {
		return nil
	}
	s.fills[key] = fill
	return nil
}

func (s *MemoryStore) FundingSummary(ctx context.Context, since time.Time) ([]FundingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := make(map[summaryKey]*FundingSummary)
	for _, p := range s.payments {
		if p.PaidAt.Before(since) {
			continue
		}
		foldPayment(byKey, p.Venue, p.Symbol, p.Amount, p.PaidAt)
	}
	return sortedFundingSummaries(byKey), nil
}

func (s *MemoryStore) FillSummary(ctx context.Context, since time.Time) ([]FillSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byKey := make(map[summaryKey]*FillSummary)
	for _, f := range s.fills {
		if f.ObservedAt.Before(since) {
			continue
		}
		foldFill(byKey, f.Venue, f.Symbol, f.Side, f.Size)
	}
	return sortedFillSummaries(byKey), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
