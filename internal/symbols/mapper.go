package symbols

import (
	"strings"

	"fundingflow/internal/model"
)

// NativePair converts a canonical asset ticker to the trading pair
// string an exchange expects for its USDT perpetual. Funding rate
// history only exists for perpetual contracts, so OKX uses the swap
// instrument id rather than the spot pair.
func NativePair(exchange model.Exchange, symbol string) string {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	switch exchange {
	case model.Okx:
		return sym + "-USDT-SWAP"
	default:
		return sym + "USDT"
	}
}

// ToCanonical converts an exchange-specific pair back to the canonical
// ticker. Quantity-prefixed listings (1000PEPE and friends) collapse to
// the underlying asset.
func ToCanonical(exchange model.Exchange, pair string) string {
	sym := strings.ToUpper(pair)
	switch exchange {
	case model.Okx:
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.TrimSuffix(sym, "-USDT")
	default:
		sym = strings.TrimSuffix(sym, "USDT")
	}
	switch sym {
	case "1000BONK":
		sym = "BONK"
	case "1000PEPE":
		sym = "PEPE"
	case "1000SHIB", "SHIB1000":
		sym = "SHIB"
	}
	return sym
}
