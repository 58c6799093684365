// Package ledger is the REST client for the custodial ledger API, the
// authoritative store of balances, share supply, and asset configuration.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rose-token/vaultd/internal/crypto"
	"github.com/rose-token/vaultd/internal/domain"
)

// Client is the HMAC-authenticated REST client for the ledger API.
type Client struct {
	baseURL    string
	auth       *crypto.HMACAuth
	httpClient *http.Client
}

var _ domain.Ledger = (*Client)(nil)

const defaultTimeout = 30 * time.Second

// NewClient creates a new ledger REST client.
//
// baseURL is the API root, e.g. "https://ledger.internal/v1". A zero timeout
// falls back to defaultTimeout.
func NewClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		auth:    auth,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type assetEntryJSON struct {
	Key             string `json:"key"`
	TokenRef        string `json:"token_ref"`
	Decimals        int32  `json:"decimals"`
	TargetWeightBps int64  `json:"target_weight_bps"`
	Active          bool   `json:"active"`
}

// AssetConfig returns the vault's asset registry: every asset the vault may
// hold, with its target weight and active flag.
func (c *Client) AssetConfig(ctx context.Context) ([]domain.AssetEntry, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/vault/assets", nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: get asset config: %w", err)
	}

	var resp struct {
		Assets []assetEntryJSON `json:"assets"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ledger: decode asset config: %w", err)
	}

	entries := make([]domain.AssetEntry, 0, len(resp.Assets))
	for _, a := range resp.Assets {
		entries = append(entries, domain.AssetEntry{
			Key:             a.Key,
			TokenRef:        a.TokenRef,
			Decimals:        a.Decimals,
			TargetWeightBps: a.TargetWeightBps,
			Active:          a.Active,
		})
	}
	return entries, nil
}

// AssetBalances returns the vault's current holdings in raw native units.
func (c *Client) AssetBalances(ctx context.Context) ([]domain.AssetBalance, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/vault/balances", nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: get balances: %w", err)
	}

	var resp struct {
		Balances []domain.AssetBalance `json:"balances"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("ledger: decode balances: %w", err)
	}
	return resp.Balances, nil
}

// CirculatingShares returns the outstanding share supply.
func (c *Client) CirculatingShares(ctx context.Context) (decimal.Decimal, error) {
	body, err := c.doSignedRequest(ctx, http.MethodGet, "/vault/shares", nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: get circulating shares: %w", err)
	}

	var resp struct {
		Shares decimal.Decimal `json:"shares"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("ledger: decode circulating shares: %w", err)
	}
	return resp.Shares, nil
}

// Burn destroys the account's shares.
func (c *Client) Burn(ctx context.Context, account string, shares decimal.Decimal) error {
	req := map[string]string{
		"account": account,
		"shares":  shares.String(),
	}
	if _, err := c.doSignedRequest(ctx, http.MethodPost, "/vault/burn", req); err != nil {
		return fmt.Errorf("ledger: burn shares for %s: %w", account, err)
	}
	return nil
}

// TransferOut moves amount of the given asset from the vault to the recipient.
func (c *Client) TransferOut(ctx context.Context, assetKey string, amount decimal.Decimal, to string) error {
	req := map[string]string{
		"asset":  assetKey,
		"amount": amount.String(),
		"to":     to,
	}
	if _, err := c.doSignedRequest(ctx, http.MethodPost, "/vault/transfers", req); err != nil {
		return fmt.Errorf("ledger: transfer %s %s to %s: %w", amount, assetKey, to, err)
	}
	return nil
}

// doSignedRequest builds, signs, sends, and reads an HTTP request against the
// ledger API.
func (c *Client) doSignedRequest(ctx context.Context, method, path string, reqBody any) ([]byte, error) {
	var bodyBytes []byte
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyBytes = jsonBody
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	for k, v := range c.auth.Headers(method, path, string(bodyBytes)) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkStatus maps non-2xx HTTP status codes to appropriate errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("ledger: not found: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("ledger: unauthorized: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("ledger: rejected: %s (%s)", apiErr.Message, apiErr.Code)
	case http.StatusTooManyRequests:
		return fmt.Errorf("ledger: rate limited: %s (%s)", apiErr.Message, apiErr.Code)
	default:
		return fmt.Errorf("ledger: HTTP %d: %s (%s)", statusCode, apiErr.Message, apiErr.Code)
	}
}
