// Package swap is the REST client for the swap venue used to sell basket
// assets into the reference currency.
package swap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/domain"
)

// Client is the REST client for the swap venue API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

var _ domain.SwapVenue = (*Client)(nil)

// NewClient creates a new swap venue REST client. The HTTP client carries no
// timeout of its own; callers bound each swap with a per-leg context deadline.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type swapRequest struct {
	FromAsset    string `json:"from_asset"`
	ToAsset      string `json:"to_asset"`
	AmountIn     string `json:"amount_in"`
	MinAmountOut string `json:"min_amount_out"`
	Recipient    string `json:"recipient"`
}

type swapResponse struct {
	AmountOut decimal.Decimal `json:"amount_out"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
}

// Swap sells amountIn of fromAsset for toAsset, crediting the recipient. The
// venue enforces the minAmountOut floor; a quote that would land below it is
// rejected and surfaces as domain.ErrSlippageExceeded.
func (c *Client) Swap(ctx context.Context, fromAsset, toAsset string, amountIn, minAmountOut decimal.Decimal, recipient string) (decimal.Decimal, error) {
	reqBody, err := json.Marshal(swapRequest{
		FromAsset:    fromAsset,
		ToAsset:      toAsset,
		AmountIn:     amountIn.String(),
		MinAmountOut: minAmountOut.String(),
		Recipient:    recipient,
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("swap: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swaps", bytes.NewReader(reqBody))
	if err != nil {
		return decimal.Zero, fmt.Errorf("swap: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("swap: %s->%s: %w", fromAsset, toAsset, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("swap: read response: %w", err)
	}

	var out swapResponse
	_ = json.Unmarshal(body, &out)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Some venues report success even when the fill lands below the floor.
		if out.AmountOut.LessThan(minAmountOut) {
			return decimal.Zero, fmt.Errorf("swap: %s->%s filled %s below floor %s: %w",
				fromAsset, toAsset, out.AmountOut, minAmountOut, domain.ErrSlippageExceeded)
		}
		return out.AmountOut, nil
	case resp.StatusCode == http.StatusUnprocessableEntity && out.Code == "slippage_exceeded":
		return decimal.Zero, fmt.Errorf("swap: %s->%s: %s: %w", fromAsset, toAsset, out.Message, domain.ErrSlippageExceeded)
	default:
		return decimal.Zero, fmt.Errorf("swap: %s->%s: HTTP %d: %s (%s)", fromAsset, toAsset, resp.StatusCode, out.Message, out.Code)
	}
}

// healthTimeout bounds the venue health probe.
const healthTimeout = 5 * time.Second

// Healthy reports whether the venue responds on its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
