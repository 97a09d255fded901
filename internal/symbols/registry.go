package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"funding_keeper/internal/core"

	"golang.org/x/sync/errgroup"
)

const snapshotVersion = 1

// snapshot is the on-disk form of the discovered mapping table.
type snapshot struct {
	Version     int                  `json:"version"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Mappings    []core.SymbolMapping `json:"mappings"`
}

// Registry holds the normalized-symbol mapping table. Discovery queries
// every adapter's catalog; the table is replaced wholesale on each run and
// optionally persisted so the keeper can start without re-discovering.
type Registry struct {
	adapters  map[core.Venue]core.IVenueAdapter
	cachePath string
	logger    core.ILogger

	mu       sync.RWMutex
	mappings map[string]core.SymbolMapping
}

// NewRegistry creates a registry over the given adapters. cachePath may be
// empty to disable snapshot persistence.
func NewRegistry(adapters map[core.Venue]core.IVenueAdapter, cachePath string, logger core.ILogger) *Registry {
	return &Registry{
		adapters:  adapters,
		cachePath: cachePath,
		logger:    logger.WithField("component", "symbol_registry"),
		mappings:  make(map[string]core.SymbolMapping),
	}
}

// DiscoverCommonAssets queries every venue's symbol catalog in parallel and
// rebuilds the mapping table. A venue that fails to list is skipped so one
// flaky catalog cannot hide the assets the remaining venues agree on.
// Returns the number of tradable (≥ 2 venues) symbols discovered.
func (r *Registry) DiscoverCommonAssets(ctx context.Context) (int, error) {
	type listing struct {
		venue core.Venue
		raws  []string
	}

	var mu sync.Mutex
	listings := make([]listing, 0, len(r.adapters))

	g, gctx := errgroup.WithContext(ctx)
	for venue, adapter := range r.adapters {
		v, a := venue, adapter
		g.Go(func() error {
			raws, err := a.ListSymbols(gctx)
			if err != nil {
				r.logger.Warn("Symbol catalog listing failed, venue skipped for discovery",
					"venue", string(v), "error", err)
				return nil
			}
			mu.Lock()
			listings = append(listings, listing{venue: v, raws: raws})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if len(listings) == 0 {
		return 0, fmt.Errorf("symbol discovery: no venue returned a catalog")
	}

	merged := make(map[string]map[core.Venue]string)
	for _, l := range listings {
		for _, raw := range l.raws {
			normalized := Normalize(raw)
			if normalized == "" {
				continue
			}
			perVenue, ok := merged[normalized]
			if !ok {
				perVenue = make(map[core.Venue]string)
				merged[normalized] = perVenue
			}
			perVenue[l.venue] = raw
		}
	}

	mappings := make(map[string]core.SymbolMapping, len(merged))
	tradable := 0
	for normalized, perVenue := range merged {
		m := core.SymbolMapping{Normalized: normalized, PerVenueID: perVenue}
		mappings[normalized] = m
		if m.IsTradable() {
			tradable++
		}
	}

	r.mu.Lock()
	r.mappings = mappings
	r.mu.Unlock()

	r.logger.Info("Symbol discovery completed",
		"venues", len(listings), "symbols", len(mappings), "tradable", tradable)

	if r.cachePath != "" {
		if err := r.Save(); err != nil {
			r.logger.Warn("Failed to persist symbol snapshot", "path", r.cachePath, "error", err)
		}
	}
	return tradable, nil
}

// Mapping returns the mapping for a normalized symbol.
func (r *Registry) Mapping(normalized string) (core.SymbolMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[normalized]
	if !ok {
		return core.SymbolMapping{}, false
	}
	return copyMapping(m), true
}

// TradableSymbols returns the sorted normalized symbols present on >= 2 venues.
func (r *Registry) TradableSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.mappings))
	for normalized, m := range r.mappings {
		if m.IsTradable() {
			out = append(out, normalized)
		}
	}
	sort.Strings(out)
	return out
}

// RawID resolves the venue-specific identifier for a normalized symbol.
func (r *Registry) RawID(venue core.Venue, normalized string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[normalized]
	if !ok {
		return "", false
	}
	raw, ok := m.PerVenueID[venue]
	return raw, ok
}

// VenuesFor returns the venues listing a normalized symbol, in AllVenues order.
func (r *Registry) VenuesFor(normalized string) []core.Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappings[normalized]
	if !ok {
		return nil
	}
	out := make([]core.Venue, 0, len(m.PerVenueID))
	for _, v := range core.AllVenues {
		if _, ok := m.PerVenueID[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Save writes the mapping table atomically (temp file + rename).
func (r *Registry) Save() error {
	r.mu.RLock()
	mappings := make([]core.SymbolMapping, 0, len(r.mappings))
	for _, m := range r.mappings {
		mappings = append(mappings, copyMapping(m))
	}
	r.mu.RUnlock()

	sort.Slice(mappings, func(i, j int) bool { return mappings[i].Normalized < mappings[j].Normalized })

	data, err := json.MarshalIndent(snapshot{
		Version:     snapshotVersion,
		GeneratedAt: time.Now().UTC(),
		Mappings:    mappings,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal symbol snapshot: %w", err)
	}

	dir := filepath.Dir(r.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".symbols-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.cachePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// Load restores the mapping table from the snapshot file. A missing file is
// not an error; the registry just stays empty until discovery runs.
func (r *Registry) Load() error {
	if r.cachePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read symbol snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse symbol snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported symbol snapshot version %d", snap.Version)
	}

	mappings := make(map[string]core.SymbolMapping, len(snap.Mappings))
	for _, m := range snap.Mappings {
		mappings[m.Normalized] = m
	}

	r.mu.Lock()
	r.mappings = mappings
	r.mu.Unlock()

	r.logger.Info("Symbol snapshot loaded", "path", r.cachePath, "symbols", len(mappings))
	return nil
}

func copyMapping(m core.SymbolMapping) core.SymbolMapping {
	perVenue := make(map[core.Venue]string, len(m.PerVenueID))
	for v, raw := range m.PerVenueID {
		perVenue[v] = raw
	}
	return core.SymbolMapping{Normalized: m.Normalized, PerVenueID: perVenue}
}
