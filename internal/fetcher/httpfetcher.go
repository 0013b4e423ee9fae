// Package fetcher implements HttpFetcher (spec §4.5, component C5) and its
// two adapters, RefStream and Lookups. Every upstream HTTP call in the
// service funnels through HttpFetcher, which wraps a gate.Gate with
// exponential backoff retries and normalizes failures into the errkind
// taxonomy — the same shape as the teacher's evegateway retry client,
// generalized from ESI-only to the zkb/ESI pair this service talks to.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"wanderer-kills/internal/errkind"
	"wanderer-kills/internal/gate"
)

// Doer is satisfied by *http.Client; tests substitute a stub.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryConfig matches spec §4.5's exponential backoff parameters.
type RetryConfig struct {
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	MaxRetries    int
}

// DefaultRetryConfig is base 1s, factor 2, cap 30s, 4 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseBackoff:   time.Second,
		MaxBackoff:    30 * time.Second,
		BackoffFactor: 2,
		MaxRetries:    4,
	}
}

// HttpFetcher is the retry-with-backoff wrapper over a Gate.
type HttpFetcher struct {
	client    Doer
	gate      *gate.Gate
	userAgent string
	retry     RetryConfig
}

func New(client Doer, g *gate.Gate, userAgent string, retry RetryConfig) *HttpFetcher {
	return &HttpFetcher{client: client, gate: g, userAgent: userAgent, retry: retry}
}

// FetchJSON calls url through the Gate with backoff retries and decodes the
// response body into out (skipped when out is nil, e.g. for existence-only
// probes).
func (f *HttpFetcher) FetchJSON(ctx context.Context, priority gate.Priority, fingerprint string, coalesce bool, url string, out any) error {
	result, err := f.gate.Execute(ctx, priority, fingerprint, coalesce, func(ctx context.Context) (any, error) {
		return f.doWithRetry(ctx, url)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	body := result.([]byte)
	if err := json.Unmarshal(body, out); err != nil {
		return errkind.Wrap(errkind.ParseError, "decode response body", err)
	}
	return nil
}

func (f *HttpFetcher) doWithRetry(ctx context.Context, url string) ([]byte, error) {
	backoff := f.retry.BaseBackoff
	var lastErr error

	for attempt := 0; attempt < f.retry.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errkind.Wrap(errkind.ParseError, "build request", err)
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, doErr := f.client.Do(req)
		if doErr != nil {
			lastErr = errkind.Wrap(errkind.ConnectionFailed, "request failed", doErr)
			if !f.sleepBackoff(ctx, &backoff) {
				return nil, lastErr
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = errkind.New(errkind.RateLimited, "rate limited by upstream")
			if !f.sleepBackoff(ctx, &backoff) {
				return nil, lastErr
			}
			continue
		case resp.StatusCode >= 500:
			lastErr = errkind.New(errkind.ServerError, fmt.Sprintf("upstream returned %d", resp.StatusCode))
			if !f.sleepBackoff(ctx, &backoff) {
				return nil, lastErr
			}
			continue
		case resp.StatusCode >= 400:
			return nil, errkind.New(errkind.ClientError, fmt.Sprintf("upstream returned %d", resp.StatusCode))
		}

		if readErr != nil {
			return nil, errkind.Wrap(errkind.ParseError, "read response body", readErr)
		}
		return body, nil
	}
	return nil, lastErr
}

func (f *HttpFetcher) sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
	}
	next := time.Duration(float64(*backoff) * f.retry.BackoffFactor)
	if next > f.retry.MaxBackoff {
		next = f.retry.MaxBackoff
	}
	*backoff = next
	return true
}
