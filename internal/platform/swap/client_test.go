package swap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rose-token/vaultd/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSwapReturnsFill(t *testing.T) {
	var gotReq swapRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/swaps", r.URL.Path)
		assert.Equal(t, "venue-key", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		json.NewEncoder(w).Encode(map[string]string{"amount_out": "995"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "venue-key")
	out, err := c.Swap(context.Background(), "wbtc", "usdc", dec("1000"), dec("990"), "0xvault")
	require.NoError(t, err)

	assert.True(t, out.Equal(dec("995")))
	assert.Equal(t, "wbtc", gotReq.FromAsset)
	assert.Equal(t, "usdc", gotReq.ToAsset)
	assert.Equal(t, "990", gotReq.MinAmountOut)
	assert.Equal(t, "0xvault", gotReq.Recipient)
}

func TestSwapVenueSlippageReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{
			"code":    "slippage_exceeded",
			"message": "quote moved",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Swap(context.Background(), "wbtc", "usdc", dec("1000"), dec("990"), "0xvault")
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}

func TestSwapFillBelowFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"amount_out": "980"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Swap(context.Background(), "wbtc", "usdc", dec("1000"), dec("990"), "0xvault")
	assert.ErrorIs(t, err, domain.ErrSlippageExceeded)
}

func TestHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	c := NewClient(srv.URL, "")
	assert.True(t, c.Healthy(context.Background()))

	srv.Close()
	assert.False(t, c.Healthy(context.Background()))
}
