package exchange

import (
	"context"
	"net/http"
	"sort"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/model"
)

// Adapter fetches funding-rate settlement events from one exchange.
// FetchWindow covers the half-open interval [start, end) and returns
// events in ascending timestamp order. On failure it returns whatever
// pages were collected before the error so callers can salvage partial
// progress.
type Adapter interface {
	Name() model.Exchange
	NativePair(symbol string) string
	FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.RawEvent, error)
}

// Registry holds the configured adapter per supported exchange.
type Registry struct {
	adapters map[model.Exchange]Adapter
}

// NewRegistry builds adapters for all supported exchanges from the
// source configuration.
func NewRegistry(cfg *appconfig.Config) *Registry {
	return &Registry{adapters: map[model.Exchange]Adapter{
		model.Binance: newBinanceAdapter(cfg),
		model.Bybit:   newBybitAdapter(cfg),
		model.Okx:     newOkxAdapter(cfg),
	}}
}

// Adapter returns the adapter for the named exchange.
func (r *Registry) Adapter(ex model.Exchange) (Adapter, bool) {
	a, ok := r.adapters[ex]
	return a, ok
}

func newPoolClient(pool appconfig.ConnectionPoolConfig, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func sortEvents(events []model.RawEvent) []model.RawEvent {
	sort.Slice(events, func(i, j int) bool {
		return events[i].TimestampMs < events[j].TimestampMs
	})
	return events
}

// dedupeSorted drops consecutive duplicate timestamps, keeping the
// last occurrence. Overlapping pages can repeat boundary events.
func dedupeSorted(events []model.RawEvent) []model.RawEvent {
	if len(events) < 2 {
		return events
	}
	out := events[:0]
	for _, ev := range events {
		if n := len(out); n > 0 && out[n-1].TimestampMs == ev.TimestampMs {
			out[n-1] = ev
			continue
		}
		out = append(out, ev)
	}
	return out
}
