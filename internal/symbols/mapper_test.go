package symbols

import (
	"testing"

	"fundingflow/internal/model"
)

func TestNativePair(t *testing.T) {
	cases := []struct {
		exchange model.Exchange
		symbol   string
		want     string
	}{
		{model.Binance, "BTC", "BTCUSDT"},
		{model.Bybit, "eth", "ETHUSDT"},
		{model.Okx, "SOL", "SOL-USDT-SWAP"},
		{model.Binance, " doge ", "DOGEUSDT"},
	}
	for _, tc := range cases {
		if got := NativePair(tc.exchange, tc.symbol); got != tc.want {
			t.Errorf("NativePair(%s, %q) = %q, want %q", tc.exchange, tc.symbol, got, tc.want)
		}
	}
}

func TestToCanonical(t *testing.T) {
	cases := []struct {
		exchange model.Exchange
		pair     string
		want     string
	}{
		{model.Binance, "BTCUSDT", "BTC"},
		{model.Okx, "SOL-USDT-SWAP", "SOL"},
		{model.Binance, "1000PEPEUSDT", "PEPE"},
		{model.Bybit, "SHIB1000USDT", "SHIB"},
		{model.Binance, "1000BONKUSDT", "BONK"},
	}
	for _, tc := range cases {
		if got := ToCanonical(tc.exchange, tc.pair); got != tc.want {
			t.Errorf("ToCanonical(%s, %q) = %q, want %q", tc.exchange, tc.pair, got, tc.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, ex := range model.SupportedExchanges {
		pair := NativePair(ex, "BTC")
		if got := ToCanonical(ex, pair); got != "BTC" {
			t.Errorf("round trip on %s: got %q", ex, got)
		}
	}
}
