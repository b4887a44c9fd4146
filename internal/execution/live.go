package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// LiveConfig configures the external signer relay.
type LiveConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LiveClient relays trades to an external signing service that owns the
// wallet and submits transactions on chain. Trades are not retried: a
// resend could execute twice.
type LiveClient struct {
	url        string
	apiKey     string
	httpClient *http.Client

	requests atomic.Int64
	failures atomic.Int64
}

var _ Backend = (*LiveClient)(nil)

// NewLiveClient validates cfg and creates the relay client.
func NewLiveClient(cfg LiveConfig) (*LiveClient, error) {
	if cfg.URL == "" {
		return nil, errors.New("execution: live mode requires execution.live.url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LiveClient{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

func (c *LiveClient) Mode() Mode { return ModeLive }

type tradeRequest struct {
	TokenAddress string          `json:"token_address"`
	Chain        string          `json:"chain"`
	Direction    Direction       `json:"direction"`
	Amount       decimal.Decimal `json:"amount"`
	Price        float64         `json:"price"`
	StrategyID   string          `json:"strategy_id,omitempty"`
}

type tradeResponse struct {
	Success      bool            `json:"success"`
	FilledAmount decimal.Decimal `json:"filled_amount"`
	Value        decimal.Decimal `json:"value"`
	FillPrice    float64         `json:"fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	TxHash       string          `json:"tx_hash"`
	Error        string          `json:"error"`
}

// ExecuteTrade posts the trade to {url}/trade. A response with success
// false is a failed trade, not an error.
func (c *LiveClient) ExecuteTrade(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(tradeRequest{
		TokenAddress: req.TokenAddress,
		Chain:        req.Chain,
		Direction:    req.Direction,
		Amount:       req.Amount,
		Price:        req.Price,
		StrategyID:   req.StrategyID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("live: encode trade: %w", err)
	}

	var resp tradeResponse
	if err := c.do(ctx, http.MethodPost, "/trade", body, &resp); err != nil {
		return Result{}, fmt.Errorf("live: %s %s: %w", req.Direction, req.TokenAddress, err)
	}

	res := Result{
		Success:      resp.Success,
		FilledAmount: resp.FilledAmount,
		Value:        resp.Value,
		FillPrice:    resp.FillPrice,
		Fee:          resp.Fee,
		TxID:         resp.TxHash,
		Error:        resp.Error,
	}
	if !res.Success {
		c.failures.Add(1)
		if res.Error == "" {
			res.Error = "rejected by executor"
		}
	}
	log.Info().
		Str("token", req.TokenAddress).
		Str("direction", string(req.Direction)).
		Str("amount", req.Amount.String()).
		Bool("success", res.Success).
		Str("tx", res.TxID).
		Str("error", res.Error).
		Msg("live: trade relayed")
	return res, nil
}

// Balance calls GET {url}/balance.
func (c *LiveClient) Balance(ctx context.Context) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/balance", nil, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("live: balance: %w", err)
	}
	return resp.Balance, nil
}

func (c *LiveClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.failures.Add(1)
		msg := string(raw)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LiveStats are relay counters.
type LiveStats struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
}

// Stats returns a snapshot of the relay counters.
func (c *LiveClient) Stats() LiveStats {
	return LiveStats{Requests: c.requests.Load(), Failures: c.failures.Load()}
}
