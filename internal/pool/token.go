package pool

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/cards"
)

var (
	ErrNotFound          = errors.New("pool: token not found")
	ErrInvalidTransition = errors.New("pool: invalid status transition")
	ErrInvalidAddress    = errors.New("pool: invalid token address")
)

// Status is a token's lifecycle state.
type Status string

const (
	StatusMonitoring Status = "monitoring"
	StatusBought     Status = "bought"
	StatusSelling    Status = "selling"
	StatusExited     Status = "exited"
	StatusInactive   Status = "inactive"
	StatusBadHolder  Status = "bad_holder"
)

// transitions lists the statuses reachable from each status. Nothing leads
// back to monitoring. selling -> bought is only used to roll back a failed
// sell-all.
var transitions = map[Status][]Status{
	StatusMonitoring: {StatusBought, StatusInactive, StatusBadHolder},
	StatusBought:     {StatusSelling, StatusExited, StatusInactive},
	StatusSelling:    {StatusExited, StatusInactive, StatusBought},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// PricePoint is one observed price.
type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketData is the non-price part of the latest quote.
type MarketData struct {
	TVL         float64 `json:"tvl"`
	FDV         float64 `json:"fdv"`
	Holders     int     `json:"holders"`
	TxVolume24h float64 `json:"tx_volume_24h"`
}

// Token is one tracked token. Values returned by the pool are deep copies.
type Token struct {
	Address     string    `json:"address"`
	Chain       string    `json:"chain"`
	Symbol      string    `json:"symbol"`
	CreatedAt   time.Time `json:"created_at"`
	CollectedAt time.Time `json:"collected_at"`
	Status      Status    `json:"status"`

	LaunchPrice     float64   `json:"launch_price"`
	CollectionPrice float64   `json:"collection_price"`
	CurrentPrice    float64   `json:"current_price"`
	HighestPrice    float64   `json:"highest_price"`
	HighestPriceAt  time.Time `json:"highest_price_at"`
	BuyPrice        float64   `json:"buy_price"`
	BuyTime         time.Time `json:"buy_time"`
	LastUpdate      time.Time `json:"last_update"`

	History []PricePoint `json:"history,omitempty"`
	Market  MarketData   `json:"market"`

	Cards     *cards.Allocation `json:"cards,omitempty"`
	Holding   decimal.Decimal   `json:"holding"`
	CostBasis decimal.Decimal   `json:"cost_basis"`

	ExecutionCounts map[string]int       `json:"execution_counts,omitempty"`
	LastFired       map[string]time.Time `json:"last_fired,omitempty"`
	ExitReason      string               `json:"exit_reason,omitempty"`
}

// Key returns the pool key of the token.
func (t Token) Key() string { return Key(t.Address, t.Chain) }

// Prices returns the history prices, oldest first.
func (t Token) Prices() []float64 {
	out := make([]float64, len(t.History))
	for i, p := range t.History {
		out[i] = p.Price
	}
	return out
}

// HasPosition reports whether tokens are held.
func (t Token) HasPosition() bool { return t.Holding.IsPositive() }

func (t *Token) clone() Token {
	c := *t
	c.History = append([]PricePoint(nil), t.History...)
	if t.Cards != nil {
		a := *t.Cards
		c.Cards = &a
	}
	c.ExecutionCounts = make(map[string]int, len(t.ExecutionCounts))
	for k, v := range t.ExecutionCounts {
		c.ExecutionCounts[k] = v
	}
	c.LastFired = make(map[string]time.Time, len(t.LastFired))
	for k, v := range t.LastFired {
		c.LastFired[k] = v
	}
	return c
}

// Key builds the pool key "<chain>:<address>". EVM addresses are
// lowercased; base58 addresses are case-sensitive and kept as is.
func Key(address, chain string) string {
	chain = strings.ToLower(chain)
	if isEVM(chain) {
		address = strings.ToLower(address)
	}
	return chain + ":" + address
}

func isEVM(chain string) bool {
	switch chain {
	case "bsc", "eth", "ethereum", "base", "arbitrum", "polygon":
		return true
	}
	return false
}

// ValidateAddress checks the address format for its chain: 0x + 40 hex
// characters on EVM chains, a base58 encoded 32-byte key on solana. Other
// chains only require a non-empty address.
func ValidateAddress(address, chain string) error {
	if address == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	chain = strings.ToLower(chain)
	switch {
	case isEVM(chain):
		if len(address) != 42 || !strings.HasPrefix(strings.ToLower(address), "0x") {
			return fmt.Errorf("%w: %q is not a 20-byte hex address", ErrInvalidAddress, address)
		}
		if _, err := hex.DecodeString(address[2:]); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
		}
	case chain == "solana" || chain == "sol":
		b, err := base58.Decode(address)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
		}
		if len(b) != 32 {
			return fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, address, len(b))
		}
	}
	return nil
}
