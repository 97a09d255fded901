package symbols_test

import (
	"testing"

	"funding_keeper/internal/symbols"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"BTC", "BTC"},
		{"BTC-USD", "BTC"},
		{"BTCUSDT", "BTC"},
		{"BTC-PERP", "BTC"},
		{"BTCUSDC", "BTC"},
		{"BTCPERP", "BTC"},
		{"BTCUSD", "BTC"},
		{"btcusdt", "BTC"},
		{"  eth-perp  ", "ETH"},
		{"BTC-USDT", "BTC"},
		{"SOLUSDTUSDT", "SOL"},
		{"1000PEPEUSDT", "1000PEPE"},
		// Pure-quote identifiers survive instead of normalizing to "".
		{"USDT", "USDT"},
		{"USDC", "USDC"},
		{"PERP", "PERP"},
		{"USD", "USD"},
		// USD strips from longer quote-bearing names.
		{"SUSD", "S"},
		{"XAUUSD", "XAU"},
	}

	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, symbols.Normalize(tc.raw))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"BTC", "BTC-USD", "BTCUSDT", "BTC-PERP", "ETHUSDC", "USDT",
		"SOLUSDTUSDT", "doge-perp", "XAUUSD", "kPEPE",
	}
	for _, raw := range inputs {
		once := symbols.Normalize(raw)
		assert.Equal(t, once, symbols.Normalize(once), "norm(norm(%q))", raw)
	}
}

func TestNormalize_EquivalenceClass(t *testing.T) {
	variants := []string{"BTC", "BTC-USD", "BTCUSDT", "BTC-PERP"}
	for _, raw := range variants {
		assert.Equal(t, "BTC", symbols.Normalize(raw))
	}
}

func TestNormalize_NeverEmpty(t *testing.T) {
	for _, raw := range []string{"USDT", "USDC", "USD", "PERP", "-PERP", "USDTUSDT"} {
		assert.NotEmpty(t, symbols.Normalize(raw), "raw=%q", raw)
	}
}
