// Package execution holds the keeper's order-path primitives: symbol
// locks, the active-order registry, and the hedged pair closer.
package execution

import (
	"sync"
	"time"

	"funding_keeper/internal/core"
)

// lockEntry records who holds a symbol lock and why.
type lockEntry struct {
	holder     string
	purpose    string
	acquiredAt time.Time
}

// SymbolLocks is the per-normalized-symbol mutual exclusion service.
// Locks are venue-independent; TryAcquire never blocks. A global holder
// label is kept for diagnostics only and serializes nothing.
type SymbolLocks struct {
	mu    sync.Mutex
	locks map[string]lockEntry

	globalMu     sync.Mutex
	globalHolder string

	diag core.IDiagnostics
}

// NewSymbolLocks creates the lock service. diag may be nil.
func NewSymbolLocks(diag core.IDiagnostics) *SymbolLocks {
	if diag == nil {
		diag = core.NopDiagnostics{}
	}
	return &SymbolLocks{
		locks: make(map[string]lockEntry),
		diag:  diag,
	}
}

// TryAcquire takes the lock iff nobody holds it. Re-acquiring by the same
// holder succeeds and refreshes the purpose.
func (s *SymbolLocks) TryAcquire(symbol, holder, purpose string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, held := s.locks[symbol]; held && existing.holder != holder {
		s.diag.Count("symbol_lock_contention", 1,
			"symbol", symbol, "holder", existing.holder, "wanted_by", holder)
		return false
	}
	s.locks[symbol] = lockEntry{holder: holder, purpose: purpose, acquiredAt: time.Now()}
	return true
}

// Release frees the lock only when the caller is the holder; releasing an
// unheld or foreign lock is a no-op.
func (s *SymbolLocks) Release(symbol, holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, held := s.locks[symbol]; held && existing.holder == holder {
		delete(s.locks, symbol)
	}
}

// Holder reports the current holder and purpose.
func (s *SymbolLocks) Holder(symbol string) (string, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, held := s.locks[symbol]
	if !held {
		return "", "", false
	}
	return entry.holder, entry.purpose, true
}

// SetGlobalHolder records a label describing what the engine is busy with.
// Diagnostics only.
func (s *SymbolLocks) SetGlobalHolder(label string) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	s.globalHolder = label
}

// GlobalHolder returns the diagnostics label.
func (s *SymbolLocks) GlobalHolder() string {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	return s.globalHolder
}
