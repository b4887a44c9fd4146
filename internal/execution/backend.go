// Package execution executes buy and sell requests against a trading
// backend: an in-process simulator for virtual and backtest runs, or an
// external signer for live trading.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the execution backend.
type Mode string

const (
	ModeLive     Mode = "live"
	ModeVirtual  Mode = "virtual"
	ModeBacktest Mode = "backtest"
)

// ErrUnknownMode is returned for an unrecognised trading mode.
var ErrUnknownMode = errors.New("execution: unknown trading mode")

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeLive, ModeVirtual, ModeBacktest:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Direction is the trade side.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Request is one trade to execute.
type Request struct {
	TokenAddress string
	Chain        string
	Symbol       string
	Direction    Direction
	// Amount is BNB to spend on a buy and tokens to sell on a sell.
	Amount decimal.Decimal
	// Price is the reference token price in BNB terms.
	Price      float64
	StrategyID string
	At         time.Time
}

// Result reports a trade outcome. A backend that ran but could not fill
// returns Success false with Error set and a nil error; a nil Result with
// an error means the backend could not be reached.
type Result struct {
	Success bool
	// FilledAmount is tokens received on a buy and tokens sold on a sell.
	FilledAmount decimal.Decimal
	// Value is BNB spent on a buy and BNB received on a sell, net of fees.
	Value     decimal.Decimal
	FillPrice float64
	Fee       decimal.Decimal
	TxID      string
	Error     string
}

// Backend executes trades.
type Backend interface {
	Mode() Mode
	ExecuteTrade(ctx context.Context, req Request) (Result, error)
	// Balance returns available BNB.
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// Config selects and configures a backend.
type Config struct {
	Mode Mode `yaml:"-"`
	// InitialBalance is the simulated BNB cash.
	InitialBalance float64 `yaml:"virtual_balance"`
	// SlippageBps and FeeBps apply to virtual fills only.
	SlippageBps float64 `yaml:"slippage_bps"`
	FeeBps      float64 `yaml:"fee_bps"`

	Live LiveConfig `yaml:"live"`
}

// DefaultConfig returns a virtual backend with 10 BNB.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeVirtual,
		InitialBalance: 10,
		SlippageBps:    100,
		FeeBps:         25,
	}
}

// NewBackend builds the backend for cfg.Mode.
func NewBackend(cfg Config) (Backend, error) {
	switch cfg.Mode {
	case ModeVirtual, ModeBacktest:
		return NewSimulator(cfg.Mode, SimConfig{
			InitialBalance: decimal.NewFromFloat(cfg.InitialBalance),
			SlippageBps:    cfg.SlippageBps,
			FeeBps:         cfg.FeeBps,
		}), nil
	case ModeLive:
		return NewLiveClient(cfg.Live)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
}
