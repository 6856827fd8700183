// Package exchangerates calls the upstream HTTPS rates provider with a
// bounded exponential retry.
package exchangerates

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/config"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// Client fetches the latest exchange rates. Transient failures (5xx,
// transport errors) are retried per the configured backoff; 4xx responses
// and provider-level refusals are permanent.
type Client struct {
	baseURL     string
	apiKey      string
	hc          *http.Client
	maxAttempts int
	initial     time.Duration
	maxInterval time.Duration
	multiplier  float64
}

// New constructs a Client from the process configuration.
func New(cfg config.Config) *Client {
	attempts, initial, maxInterval, multiplier := cfg.GetUpstreamBackoff()
	return &Client{
		baseURL:     cfg.ExchangeAPIURL,
		apiKey:      cfg.ExchangeAPIKey,
		hc:          &http.Client{Timeout: 10 * time.Second},
		maxAttempts: attempts,
		initial:     initial,
		maxInterval: maxInterval,
		multiplier:  multiplier,
	}
}

// latestResponse is the provider's wire shape.
type latestResponse struct {
	Success   bool               `json:"success"`
	Timestamp int64              `json:"timestamp"`
	Base      string             `json:"base"`
	Date      string             `json:"date"`
	Rates     map[string]float64 `json:"rates"`
}

// Latest fetches the full rate table from the provider.
func (c *Client) Latest(ctx domain.Context) (domain.UpstreamRates, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return domain.UpstreamRates{}, fmt.Errorf("%w: bad upstream url: %v", domain.ErrUpstream, err)
	}
	q := u.Query()
	if c.apiKey != "" {
		q.Set("access_key", c.apiKey)
	}
	u.RawQuery = q.Encode()

	var out latestResponse
	op := func() error {
		start := time.Now()
		err := c.fetch(ctx, u.String(), &out)
		observability.ObserveUpstream(err, time.Since(start))
		return err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.initial
	expo.MaxInterval = c.maxInterval
	expo.Multiplier = c.multiplier
	expo.RandomizationFactor = 0
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(c.maxAttempts-1)), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		slog.Error("upstream rates call failed after retries",
			slog.Int("max_attempts", c.maxAttempts),
			slog.Any("error", err))
		return domain.UpstreamRates{}, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	return domain.UpstreamRates{
		Success: out.Success,
		Base:    out.Base,
		Date:    out.Date,
		Rates:   out.Rates,
	}, nil
}

func (c *Client) fetch(ctx domain.Context, fullURL string, out *latestResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		slog.Warn("upstream request error", slog.Any("error", err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		snippet := string(body)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		slog.Warn("upstream 4xx",
			slog.Int("status", resp.StatusCode),
			slog.String("body", snippet))
		return backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("upstream non-2xx", slog.Int("status", resp.StatusCode))
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode upstream body: %w", err)
	}
	if !out.Success {
		// Provider refusals (bad key, plan limits) do not heal on retry.
		return backoff.Permanent(fmt.Errorf("upstream reported success=false"))
	}
	if len(out.Rates) == 0 {
		return backoff.Permanent(fmt.Errorf("upstream returned no rates"))
	}
	return nil
}
