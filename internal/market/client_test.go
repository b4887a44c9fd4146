package market

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(ClientConfig{BaseURL: srv.URL + "/", APIKey: "k"})
	c.backoff = time.Millisecond
	return c
}

func TestListNewTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/tokens/platform", r.URL.Path)
		assert.Equal(t, "fourmeme_in_new", r.URL.Query().Get("tag"))
		assert.Equal(t, "bsc", r.URL.Query().Get("chain"))
		assert.Equal(t, "k", r.Header.Get("X-API-KEY"))
		_, _ = io.WriteString(w, `{"status":1,"data":[
			{"token":"0xabc","symbol":"AAA","created_at":1700000000,"launch_price":"0.000001","current_price_usd":0.000002},
			{"token":"","symbol":"SKIP"}
		]}`)
	})

	tokens, err := c.ListNewTokens(context.Background(), "fourmeme_in_new", "bsc", 50)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "0xabc", tokens[0].Address)
	assert.Equal(t, "bsc", tokens[0].Chain)
	assert.Equal(t, int64(1700000000), tokens[0].CreatedAt.Unix())
	assert.InDelta(t, 0.000001, tokens[0].LaunchPrice, 1e-12)
	assert.InDelta(t, 0.000002, tokens[0].Price, 1e-12)
}

func TestGetBatchPrices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"0xabc-bsc"}, req["token_ids"])
		_, _ = io.WriteString(w, `{"status":1,"data":{"0xabc-bsc":{"current_price_usd":"1.5","tvl":"1000","fdv":2000,"holders":"42","tx_volume_u_24h":10}}}`)
	})

	quotes, err := c.GetBatchPrices(context.Background(), []string{"0xabc-bsc"})
	require.NoError(t, err)
	q := quotes["0xabc-bsc"]
	assert.Equal(t, 1.5, q.Price)
	assert.Equal(t, 1000.0, q.TVL)
	assert.Equal(t, 42, q.Holders)
}

func TestGetBatchPricesRejectsOversizedBatch(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://unused"})
	ids := make([]string, MaxBatchIDs+1)
	_, err := c.GetBatchPrices(context.Background(), ids)
	assert.Error(t, err)
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"status":1,"data":{"points":[{"time":1700000000,"open":1,"high":2,"low":0.5,"close":1.5,"volume":3}]}}`)
	})

	candles, err := c.GetCandles(context.Background(), "0xabc-bsc", 1, 10)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 1.5, candles[0].Close)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), c.Stats().Requests)
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.ListNewTokens(context.Background(), "t", "bsc", 1)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":0,"msg":"quota exceeded"}`)
	})

	_, err := c.ListNewTokens(context.Background(), "t", "bsc", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestTokenIDRoundTrip(t *testing.T) {
	addr, chain, ok := SplitTokenID(TokenID("0xabc", "bsc"))
	require.True(t, ok)
	assert.Equal(t, "0xabc", addr)
	assert.Equal(t, "bsc", chain)

	_, _, ok = SplitTokenID("nochain")
	assert.False(t, ok)
}

func TestStubWalk(t *testing.T) {
	s := NewStub(1, 2)
	tokens, err := s.ListNewTokens(context.Background(), "", "solana", 10)
	require.NoError(t, err)
	require.Len(t, tokens, 2)

	ids := []string{TokenID(tokens[0].Address, "solana"), TokenID(tokens[1].Address, "solana"), "unknown-solana"}
	quotes, err := s.GetBatchPrices(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, quotes, 2)
	assert.Greater(t, quotes[ids[0]].Price, 0.0)

	candles, err := s.GetCandles(context.Background(), ids[0], 1, 5)
	require.NoError(t, err)
	assert.Len(t, candles, 5)
	for _, c := range candles {
		assert.GreaterOrEqual(t, c.High, c.Low)
	}
}
