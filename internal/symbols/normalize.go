// Package symbols maps venue-specific market identifiers to canonical asset
// keys and discovers which assets are tradable across venues.
package symbols

import "strings"

// quoteSuffixes are stripped from raw identifiers, longest first so that
// "-PERP" wins over "PERP" and "-USD" over "USD".
var quoteSuffixes = []string{"-PERP", "USDT", "USDC", "-USD", "PERP", "USD"}

// Normalize derives the canonical asset key for a raw venue identifier.
// Uppercase, then strip quote/contract suffixes repeatedly until none match.
// A strip that would leave the empty string is skipped, so pure-quote
// identifiers like "USDT" survive as themselves. Normalize is idempotent:
// "BTC", "BTC-USD", "BTCUSDT" and "BTC-PERP" all map to "BTC".
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))

	for {
		stripped := false
		for _, suffix := range quoteSuffixes {
			if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
				s = s[:len(s)-len(suffix)]
				stripped = true
				break
			}
		}
		if trimmed := strings.TrimSuffix(s, "-"); trimmed != "" && trimmed != s {
			s = trimmed
			stripped = true
		}
		if !stripped {
			return s
		}
	}
}
