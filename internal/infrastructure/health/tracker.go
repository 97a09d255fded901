// Package health aggregates component liveness for the /healthz probe.
// Components either register a pull check, evaluated at read time, or
// push success/error marks as they work; venue adapters use the marks.
package health

import (
	"sync"
	"time"

	"funding_keeper/internal/core"
)

// Status is one component's view in the health snapshot.
type Status struct {
	Healthy     bool      `json:"healthy"`
	Detail      string    `json:"detail,omitempty"`
	LastOK      time.Time `json:"lastOk,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastErrorAt time.Time `json:"lastErrorAt,omitempty"`
}

// mark records a component's push signals. The most recent signal wins.
type mark struct {
	ok          bool
	lastOK      time.Time
	lastError   string
	lastErrorAt time.Time
}

// Tracker aggregates health across components.
type Tracker struct {
	logger core.ILogger
	now    func() time.Time

	mu     sync.RWMutex
	checks map[string]func() error
	marks  map[string]*mark
}

func NewTracker(logger core.ILogger) *Tracker {
	return &Tracker{
		logger: logger.WithField("component", "health"),
		now:    time.Now,
		checks: make(map[string]func() error),
		marks:  make(map[string]*mark),
	}
}

// Register adds a pull check for a component. The check runs on every
// snapshot, so it must be cheap and must not block.
func (t *Tracker) Register(component string, check func() error) {
	t.mu.Lock()
	t.checks[component] = check
	t.mu.Unlock()
}

// ReportOK marks a component's most recent operation as successful.
func (t *Tracker) ReportOK(component string) {
	t.mu.Lock()
	m := t.markFor(component)
	m.ok = true
	m.lastOK = t.now()
	t.mu.Unlock()
}

// ReportError marks a component as failing until the next ReportOK.
func (t *Tracker) ReportError(component string, err error) {
	if err == nil {
		t.ReportOK(component)
		return
	}
	t.mu.Lock()
	m := t.markFor(component)
	m.ok = false
	m.lastError = err.Error()
	m.lastErrorAt = t.now()
	t.mu.Unlock()
	t.logger.Warn("component unhealthy", "component", component, "error", err)
}

func (t *Tracker) markFor(component string) *mark {
	m, ok := t.marks[component]
	if !ok {
		m = &mark{}
		t.marks[component] = m
	}
	return m
}

// Snapshot evaluates every check and mark.
func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	checks := make(map[string]func() error, len(t.checks))
	for name, check := range t.checks {
		checks[name] = check
	}
	statuses := make(map[string]Status, len(t.checks)+len(t.marks))
	for name, m := range t.marks {
		statuses[name] = Status{
			Healthy:     m.ok,
			LastOK:      m.lastOK,
			LastError:   m.lastError,
			LastErrorAt: m.lastErrorAt,
		}
	}
	t.mu.RUnlock()

	for name, check := range checks {
		st := Status{Healthy: true}
		if err := check(); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
		}
		statuses[name] = st
	}
	return statuses
}

// Healthy reports whether every component is healthy. A tracker with
// nothing registered is healthy.
func (t *Tracker) Healthy() bool {
	for _, st := range t.Snapshot() {
		if !st.Healthy {
			return false
		}
	}
	return true
}
