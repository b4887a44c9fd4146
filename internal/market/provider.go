package market

import (
	"context"
	"strings"
	"time"
)

// MaxBatchIDs is the largest id list GetBatchPrices accepts per call.
const MaxBatchIDs = 200

// Provider is the discovery and price source the engine polls.
type Provider interface {
	// ListNewTokens returns recently launched tokens for a platform tag on a chain.
	ListNewTokens(ctx context.Context, tag, chain string, limit int) ([]TokenInfo, error)

	// GetBatchPrices returns the latest quote per token id (at most MaxBatchIDs ids).
	// Ids missing from the result had no quote.
	GetBatchPrices(ctx context.Context, ids []string) (map[string]Quote, error)

	// GetCandles returns OHLC candles, oldest first.
	GetCandles(ctx context.Context, id string, intervalMinutes, limit int) ([]Candle, error)
}

// TokenInfo is a discovered token.
type TokenInfo struct {
	Address     string    `json:"address"`
	Chain       string    `json:"chain"`
	Symbol      string    `json:"symbol"`
	CreatedAt   time.Time `json:"created_at"`
	LaunchPrice float64   `json:"launch_price"`
	Price       float64   `json:"price"`
}

// Quote is the latest market data for one token.
type Quote struct {
	Price       float64 `json:"price"`
	TVL         float64 `json:"tvl"`
	FDV         float64 `json:"fdv"`
	Holders     int     `json:"holders"`
	TxVolume24h float64 `json:"tx_volume_24h"`
}

// Candle is one OHLC bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// TokenID builds the provider id "<address>-<chain>".
func TokenID(address, chain string) string {
	return address + "-" + chain
}

// SplitTokenID is the inverse of TokenID.
func SplitTokenID(id string) (address, chain string, ok bool) {
	i := strings.LastIndex(id, "-")
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
