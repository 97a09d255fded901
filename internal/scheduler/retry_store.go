package scheduler

import (
	"sync"
	"time"

	"funding_keeper/internal/core"
)

// RetryStore holds single-leg retry records in memory, keyed by
// core.RetryKey. A record pins the venue assignment decided at opening;
// recovery reads it back instead of re-deriving venues from market data.
// Callers get copies; mutation goes through Bump.
type RetryStore struct {
	mu      sync.RWMutex
	records map[string]*core.SingleLegRetryInfo
}

func NewRetryStore() *RetryStore {
	return &RetryStore{records: make(map[string]*core.SingleLegRetryInfo)}
}

// Find returns a copy of the record for symbol that mentions venue, or
// nil when no such record exists.
func (s *RetryStore) Find(symbol string, venue core.Venue) *core.SingleLegRetryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Symbol == symbol && r.Mentions(venue) {
			cp := *r
			return &cp
		}
	}
	return nil
}

// HasSymbol reports whether any record exists for the symbol.
func (s *RetryStore) HasSymbol(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r.Symbol == symbol {
			return true
		}
	}
	return false
}

// Put stores or replaces a record under its canonical key.
func (s *RetryStore) Put(info core.SingleLegRetryInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	s.records[cp.Key()] = &cp
}

// Bump increments the retry counter for the pinned assignment, creating
// the record when absent, and stamps the attempt time. Returns a copy of
// the updated record.
func (s *RetryStore) Bump(symbol string, longVenue, shortVenue core.Venue, at time.Time) core.SingleLegRetryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.RetryKey(symbol, longVenue, shortVenue)
	r, ok := s.records[key]
	if !ok {
		r = &core.SingleLegRetryInfo{Symbol: symbol, LongVenue: longVenue, ShortVenue: shortVenue}
		s.records[key] = r
	}
	r.RetryCount++
	r.LastRetryTime = at
	return *r
}

// Delete removes one record by canonical key.
func (s *RetryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
}

// GC drops records whose symbol is no longer single-leg (the pair became
// valid or both legs closed). Returns the number removed.
func (s *RetryStore) GC(stillSingleLeg func(symbol string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, r := range s.records {
		if !stillSingleLeg(r.Symbol) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// All returns copies of every record, for gauges and tests.
func (s *RetryStore) All() []core.SingleLegRetryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.SingleLegRetryInfo, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}

// Len reports the number of live records.
func (s *RetryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
