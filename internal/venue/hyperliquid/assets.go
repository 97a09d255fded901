package hyperliquid

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Perp prices are limited to 5 significant figures and 6-szDecimals
// decimal places.
const (
	priceSigFigs     = 5
	maxPriceDecimals = 6
)

// assetEntry joins an asset's static metadata with the live context
// from the most recent directory refresh. Order payloads address
// assets by index, which is the asset's position in the universe.
type assetEntry struct {
	index       int
	name        string
	szDecimals  int
	maxLeverage int
	delisted    bool
	ctx         assetCtx
}

// assetDirectory caches the perp universe between refreshes. Reads are
// frequent (every placement resolves an index); refreshes replace the
// whole map.
type assetDirectory struct {
	mu        sync.RWMutex
	byCoin    map[string]assetEntry
	fetchedAt time.Time
}

func newAssetDirectory() *assetDirectory {
	return &assetDirectory{byCoin: make(map[string]assetEntry)}
}

func (d *assetDirectory) replace(universe []assetMeta, ctxs []assetCtx) {
	byCoin := make(map[string]assetEntry, len(universe))
	for i, meta := range universe {
		entry := assetEntry{
			index:       i,
			name:        meta.Name,
			szDecimals:  meta.SzDecimals,
			maxLeverage: meta.MaxLeverage,
			delisted:    meta.IsDelisted,
		}
		if i < len(ctxs) {
			entry.ctx = ctxs[i]
		}
		byCoin[strings.ToUpper(meta.Name)] = entry
	}
	d.mu.Lock()
	d.byCoin = byCoin
	d.fetchedAt = time.Now()
	d.mu.Unlock()
}

func (d *assetDirectory) lookup(coin string) (assetEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.byCoin[strings.ToUpper(coin)]
	return entry, ok
}

// age reports how long ago the directory was refreshed. A directory
// that was never loaded reports a very large age.
func (d *assetDirectory) age() time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.fetchedAt.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(d.fetchedAt)
}

func (d *assetDirectory) size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byCoin)
}

// tradableNames lists non-delisted asset names, sorted.
func (d *assetDirectory) tradableNames() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.byCoin))
	for _, entry := range d.byCoin {
		if entry.delisted {
			continue
		}
		names = append(names, entry.name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

// roundToSigFigs rounds half-up to the given number of significant
// figures.
func roundToSigFigs(d decimal.Decimal, figs int32) decimal.Decimal {
	if d.IsZero() {
		return d
	}
	magnitude := int32(d.NumDigits()) + d.Exponent()
	return d.Round(figs - magnitude)
}

// formatPrice renders a price under the venue's tick rule: at most 5
// significant figures and 6-szDecimals decimal places.
func formatPrice(px decimal.Decimal, szDecimals int) string {
	rounded := roundToSigFigs(px, priceSigFigs)
	maxDecimals := int32(maxPriceDecimals - szDecimals)
	if rounded.Exponent() < -maxDecimals {
		rounded = rounded.Round(maxDecimals)
	}
	return rounded.String()
}

// formatSize renders a size rounded half-up to the asset's szDecimals.
func formatSize(sz decimal.Decimal, szDecimals int) string {
	return sz.Round(int32(szDecimals)).String()
}
