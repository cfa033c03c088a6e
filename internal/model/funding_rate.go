package model

import "time"

// RawEvent is a single funding rate record as returned by an exchange,
// before grid alignment. TimestampMs is the exchange-reported funding
// time in milliseconds since epoch.
type RawEvent struct {
	TimestampMs int64
	Rate        float64
}

// Time returns the raw event timestamp as a UTC time.
func (r RawEvent) Time() time.Time {
	return time.UnixMilli(r.TimestampMs).UTC()
}

// FundingRateEvent is one canonical hourly grid slot. Rate is nil when
// the hour was checked against the exchange and no funding event was
// observed, which is distinct from the row being absent from storage
// (not yet checked).
type FundingRateEvent struct {
	TimestampUTC time.Time
	Symbol       string
	Exchange     Exchange
	Rate         *float64
}
