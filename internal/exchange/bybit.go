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

	bybit "github.com/bybit-exchange/bybit.go.api"
)

// bybitAdapter fetches funding-rate history from the Bybit v5 market
// API. Responses carry an application-level retCode inside HTTP 200,
// and pages arrive newest-first: pagination walks backwards by moving
// endTime below the oldest timestamp of the previous page.
type bybitAdapter struct {
	cfg       appconfig.ExchangeSourceConfig
	client    *bybit.Client
	transport *transport
	log       *logger.Log
}

func newBybitAdapter(cfg *appconfig.Config) *bybitAdapter {
	src := cfg.Source.Bybit

	httpClient := newPoolClient(src.ConnectionPool, cfg.Fetcher.Timeout)

	base := src.URL
	if parsed, err := url.Parse(src.URL); err == nil {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient

	return &bybitAdapter{
		cfg:       src,
		client:    client,
		transport: newTransport(client.HTTPClient, cfg.Fetcher),
		log:       logger.GetLogger(),
	}
}

func (a *bybitAdapter) Name() model.Exchange { return model.Bybit }

func (a *bybitAdapter) NativePair(symbol string) string {
	return symbols.NativePair(model.Bybit, symbol)
}

type bybitFundingResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string `json:"category"`
		List     []struct {
			Symbol               string `json:"symbol"`
			FundingRate          string `json:"fundingRate"`
			FundingRateTimestamp string `json:"fundingRateTimestamp"`
		} `json:"list"`
	} `json:"result"`
}

func (a *bybitAdapter) FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.RawEvent, error) {
	limit := a.cfg.PageLimit
	if limit <= 0 {
		limit = 200
	}

	log := a.log.WithComponent("bybit_adapter").WithFields(logger.Fields{
		"pair": pair,
	})

	var events []model.RawEvent
	startMs := start.UnixMilli()
	endMs := end.UnixMilli() - 1

	for endMs >= startMs {
		reqURL := fmt.Sprintf("%s?category=linear&symbol=%s&startTime=%d&endTime=%d&limit=%d",
			a.cfg.URL, pair, startMs, endMs, limit)

		var resp bybitFundingResponse
		if err := a.transport.getJSON(ctx, "bybit_adapter", reqURL, &resp); err != nil {
			return dedupeSorted(sortEvents(events)), err
		}
		if resp.RetCode != 0 {
			return dedupeSorted(sortEvents(events)), &ProtocolError{
				Op:  "bybit funding history",
				Msg: fmt.Sprintf("retCode %d: %s", resp.RetCode, resp.RetMsg),
			}
		}
		if len(resp.Result.List) == 0 {
			break
		}

		oldest := int64(-1)
		for _, entry := range resp.Result.List {
			ts, err := strconv.ParseInt(entry.FundingRateTimestamp, 10, 64)
			if err != nil {
				return dedupeSorted(sortEvents(events)), &ProtocolError{
					Op:  "bybit funding history",
					Msg: fmt.Sprintf("unparseable timestamp %q", entry.FundingRateTimestamp),
				}
			}
			rate, err := strconv.ParseFloat(entry.FundingRate, 64)
			if err != nil {
				return dedupeSorted(sortEvents(events)), &ProtocolError{
					Op:  "bybit funding history",
					Msg: fmt.Sprintf("unparseable rate %q at %d", entry.FundingRate, ts),
				}
			}
			if oldest < 0 || ts < oldest {
				oldest = ts
			}
			if ts < startMs || ts >= end.UnixMilli() {
				continue
			}
			events = append(events, model.RawEvent{TimestampMs: ts, Rate: rate})
		}

		if len(resp.Result.List) < limit || oldest <= startMs {
			break
		}
		endMs = oldest - 1
	}

	log.WithFields(logger.Fields{"events": len(events)}).Debug("bybit window fetched")
	return dedupeSorted(sortEvents(events)), nil
}
