package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/model"
	"fundingflow/internal/symbols"
	"fundingflow/logger"

	futures "github.com/adshao/go-binance/v2/futures"
)

// binanceAdapter fetches funding-rate history from Binance USDT-M
// futures. The endpoint returns a flat JSON array and pages forward:
// a full page means more data may follow after the last timestamp.
type binanceAdapter struct {
	cfg       appconfig.ExchangeSourceConfig
	client    *futures.Client
	transport *transport
	log       *logger.Log
}

func newBinanceAdapter(cfg *appconfig.Config) *binanceAdapter {
	src := cfg.Source.Binance

	httpClient := newPoolClient(src.ConnectionPool, cfg.Fetcher.Timeout)

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if parsed, err := url.Parse(src.URL); err == nil {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	return &binanceAdapter{
		cfg:       src,
		client:    client,
		transport: newTransport(client.HTTPClient, cfg.Fetcher),
		log:       logger.GetLogger(),
	}
}

func (a *binanceAdapter) Name() model.Exchange { return model.Binance }

func (a *binanceAdapter) NativePair(symbol string) string {
	return symbols.NativePair(model.Binance, symbol)
}

type binanceFundingEntry struct {
	Symbol      string `json:"symbol"`
	FundingTime int64  `json:"fundingTime"`
	FundingRate string `json:"fundingRate"`
}

func (a *binanceAdapter) FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.RawEvent, error) {
	limit := a.cfg.PageLimit
	if limit <= 0 {
		limit = 1000
	}

	log := a.log.WithComponent("binance_adapter").WithFields(logger.Fields{
		"pair": pair,
	})

	var events []model.RawEvent
	cursor := start.UnixMilli()
	endMs := end.UnixMilli()

	for cursor < endMs {
		reqURL := fmt.Sprintf("%s?symbol=%s&startTime=%d&endTime=%d&limit=%d",
			a.cfg.URL, pair, cursor, endMs-1, limit)

		var page []binanceFundingEntry
		if err := a.transport.getJSON(ctx, "binance_adapter", reqURL, &page); err != nil {
			return dedupeSorted(sortEvents(events)), err
		}

		for _, entry := range page {
			rate, err := strconv.ParseFloat(entry.FundingRate, 64)
			if err != nil {
				return dedupeSorted(sortEvents(events)), &ProtocolError{
					Op:  "binance funding rate",
					Msg: fmt.Sprintf("unparseable rate %q at %d", entry.FundingRate, entry.FundingTime),
				}
			}
			if entry.FundingTime < start.UnixMilli() || entry.FundingTime >= endMs {
				continue
			}
			events = append(events, model.RawEvent{TimestampMs: entry.FundingTime, Rate: rate})
		}

		if len(page) < limit {
			break
		}
		last := page[len(page)-1].FundingTime
		if last+1 <= cursor {
			break
		}
		cursor = last + 1
	}

	log.WithFields(logger.Fields{"events": len(events)}).Debug("binance window fetched")
	return dedupeSorted(sortEvents(events)), nil
}
