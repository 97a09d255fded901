package ratelimit

import (
	"sync"

	"funding_keeper/internal/core"
)

// Registry hands out one limiter per venue, creating them lazily with
// the default config when a venue has no explicit entry.
type Registry struct {
	mu       sync.Mutex
	limiters map[core.Venue]*VenueLimiter
	configs  map[core.Venue]Config
	fallback Config
}

// NewRegistry builds a registry from per-venue configs.
func NewRegistry(configs map[core.Venue]Config, fallback Config) *Registry {
	if fallback.BucketSize <= 0 {
		fallback = DefaultConfig()
	}
	if configs == nil {
		configs = make(map[core.Venue]Config)
	}
	return &Registry{
		limiters: make(map[core.Venue]*VenueLimiter),
		configs:  configs,
		fallback: fallback,
	}
}

// For returns the venue's limiter.
func (r *Registry) For(venue core.Venue) core.IRateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[venue]; ok {
		return l
	}
	cfg, ok := r.configs[venue]
	if !ok {
		cfg = r.fallback
	}
	l := NewVenueLimiter(venue, cfg)
	r.limiters[venue] = l
	return l
}

// Close stops every limiter.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.limiters {
		l.Close()
	}
}
