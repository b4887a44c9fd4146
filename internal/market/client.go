package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// REST data API client: token discovery, batch prices, klines
// ---------------------------------------------------------------------------

const (
	defaultTimeout = 10 * time.Second
	maxRetries     = 2
	retryBackoff   = 500 * time.Millisecond
)

// ClientConfig configures the HTTP provider.
type ClientConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client is the HTTP implementation of Provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	backoff    time.Duration

	requests  atomic.Int64
	errors    atomic.Int64
	latencyMs atomic.Int64
}

var _ Provider = (*Client)(nil)

// NewClient creates a provider client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		backoff:    retryBackoff,
	}
}

// envelope is the common response wrapper.
type envelope struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// number decodes a JSON number or a numeric string.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*n = number(f)
	return nil
}

type tokenDTO struct {
	Token       string `json:"token"`
	Chain       string `json:"chain"`
	Symbol      string `json:"symbol"`
	CreatedAt   number `json:"created_at"`
	LaunchPrice number `json:"launch_price"`
	Price       number `json:"current_price_usd"`
}

type quoteDTO struct {
	Price       number `json:"current_price_usd"`
	TVL         number `json:"tvl"`
	FDV         number `json:"fdv"`
	Holders     number `json:"holders"`
	TxVolume24h number `json:"tx_volume_u_24h"`
}

type klineDTO struct {
	Time   number `json:"time"`
	Open   number `json:"open"`
	High   number `json:"high"`
	Low    number `json:"low"`
	Close  number `json:"close"`
	Volume number `json:"volume"`
}

// ListNewTokens calls GET /v2/tokens/platform.
func (c *Client) ListNewTokens(ctx context.Context, tag, chain string, limit int) ([]TokenInfo, error) {
	q := url.Values{}
	q.Set("tag", tag)
	q.Set("chain", chain)
	q.Set("limit", strconv.Itoa(limit))

	var rows []tokenDTO
	if err := c.do(ctx, http.MethodGet, "/v2/tokens/platform?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("list new tokens: %w", err)
	}

	out := make([]TokenInfo, 0, len(rows))
	for _, r := range rows {
		if r.Token == "" {
			continue
		}
		ch := r.Chain
		if ch == "" {
			ch = chain
		}
		out = append(out, TokenInfo{
			Address:     r.Token,
			Chain:       ch,
			Symbol:      r.Symbol,
			CreatedAt:   time.Unix(int64(r.CreatedAt), 0).UTC(),
			LaunchPrice: float64(r.LaunchPrice),
			Price:       float64(r.Price),
		})
	}
	return out, nil
}

// GetBatchPrices calls POST /v2/tokens/price.
func (c *Client) GetBatchPrices(ctx context.Context, ids []string) (map[string]Quote, error) {
	if len(ids) == 0 {
		return map[string]Quote{}, nil
	}
	if len(ids) > MaxBatchIDs {
		return nil, fmt.Errorf("batch prices: %d ids exceeds limit of %d", len(ids), MaxBatchIDs)
	}

	body, err := json.Marshal(map[string][]string{"token_ids": ids})
	if err != nil {
		return nil, fmt.Errorf("batch prices: encode request: %w", err)
	}

	var rows map[string]quoteDTO
	if err := c.do(ctx, http.MethodPost, "/v2/tokens/price", body, &rows); err != nil {
		return nil, fmt.Errorf("batch prices: %w", err)
	}

	out := make(map[string]Quote, len(rows))
	for id, r := range rows {
		out[id] = Quote{
			Price:       float64(r.Price),
			TVL:         float64(r.TVL),
			FDV:         float64(r.FDV),
			Holders:     int(r.Holders),
			TxVolume24h: float64(r.TxVolume24h),
		}
	}
	return out, nil
}

// GetCandles calls GET /v2/klines/token/{id}.
func (c *Client) GetCandles(ctx context.Context, id string, intervalMinutes, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("interval", strconv.Itoa(intervalMinutes))
	q.Set("limit", strconv.Itoa(limit))

	var data struct {
		Points []klineDTO `json:"points"`
	}
	path := "/v2/klines/token/" + url.PathEscape(id) + "?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, fmt.Errorf("candles %s: %w", id, err)
	}

	out := make([]Candle, 0, len(data.Points))
	for _, p := range data.Points {
		out = append(out, Candle{
			Time:   time.Unix(int64(p.Time), 0).UTC(),
			Open:   float64(p.Open),
			High:   float64(p.High),
			Low:    float64(p.Low),
			Close:  float64(p.Close),
			Volume: float64(p.Volume),
		})
	}
	return out, nil
}

// do performs a request with retry and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("X-API-KEY", c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		c.requests.Add(1)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http: %w", err)
			c.errors.Add(1)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			c.errors.Add(1)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw, 200))
			c.errors.Add(1)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			c.errors.Add(1)
			return fmt.Errorf("http %d: %s", resp.StatusCode, truncate(raw, 200))
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return fmt.Errorf("decode envelope: %w", err)
		}
		if env.Status != 1 {
			c.errors.Add(1)
			return fmt.Errorf("api status %d: %s", env.Status, env.Msg)
		}
		if len(env.Data) > 0 && out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return fmt.Errorf("decode data: %w", err)
			}
		}

		latency := time.Since(start).Milliseconds()
		c.latencyMs.Store(latency)
		log.Debug().
			Str("method", method).
			Str("path", strings.SplitN(path, "?", 2)[0]).
			Int("attempts", attempt+1).
			Int64("latency_ms", latency).
			Msg("market: request ok")
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
}

// ClientStats reports request counters.
type ClientStats struct {
	Requests      int64 `json:"requests"`
	Errors        int64 `json:"errors"`
	LastLatencyMs int64 `json:"last_latency_ms"`
}

// Stats returns the client counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Requests:      c.requests.Load(),
		Errors:        c.errors.Load(),
		LastLatencyMs: c.latencyMs.Load(),
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
