package model

import (
	"fmt"
	"strings"
)

// Exchange identifies a supported derivatives exchange.
type Exchange string

const (
	Binance Exchange = "binance"
	Bybit   Exchange = "bybit"
	Okx     Exchange = "okx"
)

// SupportedExchanges lists every exchange the pipeline can fetch from.
var SupportedExchanges = []Exchange{Binance, Bybit, Okx}

// ParseExchange validates a user supplied exchange name.
func ParseExchange(s string) (Exchange, error) {
	ex := Exchange(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range SupportedExchanges {
		if ex == known {
			return ex, nil
		}
	}
	return "", fmt.Errorf("unsupported exchange %q (supported: binance, bybit, okx)", s)
}

func (e Exchange) String() string { return string(e) }
