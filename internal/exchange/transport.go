package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/logger"

	"golang.org/x/time/rate"
)

// transport issues GET requests against an exchange REST API with a
// politeness delay between calls and a fixed-delay retry loop for
// transient failures. Protocol errors are surfaced immediately.
type transport struct {
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	retryDelay  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	log         *logger.Log
}

func newTransport(client *http.Client, fetcher appconfig.FetcherConfig) *transport {
	delay := fetcher.RequestDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	attempts := fetcher.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	return &transport{
		client:      client,
		limiter:     rate.NewLimiter(rate.Every(delay), 1),
		maxAttempts: attempts,
		retryDelay:  fetcher.RetryDelay,
		sleep:       sleepContext,
		log:         logger.GetLogger(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// getJSON fetches reqURL and decodes the body into out. Transient
// failures are retried up to maxAttempts with a fixed delay between
// attempts; protocol errors are returned on the first occurrence.
func (t *transport) getJSON(ctx context.Context, component, reqURL string, out interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		if attempt > 1 {
			logger.IncrementAPIRetry()
			t.log.WithComponent(component).WithFields(logger.Fields{
				"attempt": attempt,
				"url":     reqURL,
			}).WithError(lastErr).Warn("retrying exchange request")
			if err := t.sleep(ctx, t.retryDelay); err != nil {
				return lastErr
			}
		}

		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		err := t.doOnce(ctx, reqURL, out)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (t *transport) doOnce(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return &ProtocolError{Op: "build request", Msg: err.Error()}
	}

	logger.IncrementAPIRequest()
	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransientError{Op: "http get", Err: err}
	}
	defer resp.Body.Close()

	if weight := resp.Header.Get("X-Mbx-Used-Weight-1m"); weight != "" {
		t.log.WithComponent("transport").WithFields(logger.Fields{
			"used_weight": weight,
		}).Debug("request weight consumed")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Op: "read body", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Op: "http status", Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body))}
	default:
		return &ProtocolError{Op: "http status", Msg: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &ProtocolError{Op: "decode body", Msg: err.Error()}
	}
	return nil
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
