package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/model"
	"fundingflow/internal/symbols"
	"fundingflow/logger"
)

// okxAdapter fetches funding-rate history from the OKX public API.
// The endpoint only paginates backwards: the `after` cursor returns
// records strictly older than it, so the walk starts at the window end
// and stops once it crosses the window start.
type okxAdapter struct {
	cfg       appconfig.ExchangeSourceConfig
	transport *transport
	log       *logger.Log
}

// userAgentTransport sets a custom User-Agent on outgoing requests.
// OKX rejects requests with the default Go agent from some regions.
type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	if t.base != nil {
		return t.base.RoundTrip(req)
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newOkxAdapter(cfg *appconfig.Config) *okxAdapter {
	src := cfg.Source.Okx

	pool := &http.Transport{
		MaxIdleConns:        src.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: src.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     src.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     src.ConnectionPool.IdleConnTimeout,
	}
	httpClient := &http.Client{
		Transport: userAgentTransport{agent: "fundingflow/1.0", base: pool},
		Timeout:   cfg.Fetcher.Timeout,
	}

	return &okxAdapter{
		cfg:       src,
		transport: newTransport(httpClient, cfg.Fetcher),
		log:       logger.GetLogger(),
	}
}

func (a *okxAdapter) Name() model.Exchange { return model.Okx }

func (a *okxAdapter) NativePair(symbol string) string {
	return symbols.NativePair(model.Okx, symbol)
}

type okxFundingResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID      string `json:"instId"`
		FundingRate string `json:"fundingRate"`
		FundingTime string `json:"fundingTime"`
	} `json:"data"`
}

func (a *okxAdapter) FetchWindow(ctx context.Context, pair string, start, end time.Time) ([]model.RawEvent, error) {
	limit := a.cfg.PageLimit
	if limit <= 0 {
		limit = 100
	}

	log := a.log.WithComponent("okx_adapter").WithFields(logger.Fields{
		"pair": pair,
	})

	var events []model.RawEvent
	startMs := start.UnixMilli()
	cursor := end.UnixMilli()

	for {
		reqURL := fmt.Sprintf("%s?instId=%s&after=%d&limit=%d", a.cfg.URL, pair, cursor, limit)

		var resp okxFundingResponse
		if err := a.transport.getJSON(ctx, "okx_adapter", reqURL, &resp); err != nil {
			return dedupeSorted(sortEvents(events)), err
		}
		if resp.Code != "0" {
			return dedupeSorted(sortEvents(events)), &ProtocolError{
				Op:  "okx funding history",
				Msg: fmt.Sprintf("code %s: %s", resp.Code, resp.Msg),
			}
		}
		if len(resp.Data) == 0 {
			break
		}

		oldest := int64(-1)
		for _, entry := range resp.Data {
			ts, err := strconv.ParseInt(entry.FundingTime, 10, 64)
			if err != nil {
				return dedupeSorted(sortEvents(events)), &ProtocolError{
					Op:  "okx funding history",
					Msg: fmt.Sprintf("unparseable timestamp %q", entry.FundingTime),
				}
			}
			rate, err := strconv.ParseFloat(entry.FundingRate, 64)
			if err != nil {
				return dedupeSorted(sortEvents(events)), &ProtocolError{
					Op:  "okx funding history",
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

		if len(resp.Data) < limit || oldest <= startMs {
			break
		}
		cursor = oldest
	}

	log.WithFields(logger.Fields{"events": len(events)}).Debug("okx window fetched")
	return dedupeSorted(sortEvents(events)), nil
}
