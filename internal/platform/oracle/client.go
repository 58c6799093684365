// Package oracle is the REST client for the price oracle service that
// supplies reference-currency quotes for basket assets.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
)

// Client is the REST client for the oracle API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.Oracle = (*Client)(nil)

const defaultTimeout = 10 * time.Second

// NewClient creates a new oracle REST client. A zero timeout falls back to
// defaultTimeout.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Price returns the latest quote for the given asset, including when the
// oracle observed it. Staleness policy is the caller's decision.
func (c *Client) Price(ctx context.Context, assetKey string) (domain.PriceQuote, error) {
	path := fmt.Sprintf("/prices/%s", url.PathEscape(assetKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: get price %s: %w", assetKey, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return domain.PriceQuote{}, fmt.Errorf("oracle: no quote for %s: %w", assetKey, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.PriceQuote{}, fmt.Errorf("oracle: get price %s: HTTP %d: %s", assetKey, resp.StatusCode, string(body))
	}

	var quote struct {
		Price      decimal.Decimal `json:"price"`
		ObservedAt time.Time       `json:"observed_at"`
	}
	if err := json.Unmarshal(body, &quote); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: decode quote %s: %w", assetKey, err)
	}

	return domain.PriceQuote{Price: quote.Price, ObservedAt: quote.ObservedAt}, nil
}
