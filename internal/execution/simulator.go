package execution

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var bps = decimal.NewFromInt(10000)

// SimConfig configures the simulator.
type SimConfig struct {
	InitialBalance decimal.Decimal
	// SlippageBps moves buys up and sells down, e.g. 100 = 1%.
	SlippageBps float64
	// FeeBps is charged on the BNB side of every fill.
	FeeBps float64
}

// Simulator fills trades in process against a BNB cash balance and a
// position book. It serves both the virtual and backtest modes; backtest
// fills have no slippage or fees.
//
// Thread-safe: cash is guarded by mu.
type Simulator struct {
	mode Mode

	mu          sync.Mutex
	cash        decimal.Decimal
	initial     decimal.Decimal
	slippageBps decimal.Decimal
	feeBps      decimal.Decimal

	book *Book

	buys     atomic.Int64
	sells    atomic.Int64
	rejected atomic.Int64
}

var _ Backend = (*Simulator)(nil)

// NewSimulator creates a simulator for ModeVirtual or ModeBacktest.
func NewSimulator(mode Mode, cfg SimConfig) *Simulator {
	if mode == ModeBacktest {
		cfg.SlippageBps = 0
		cfg.FeeBps = 0
	}
	s := &Simulator{
		mode:        mode,
		cash:        cfg.InitialBalance,
		initial:     cfg.InitialBalance,
		slippageBps: decimal.NewFromFloat(cfg.SlippageBps),
		feeBps:      decimal.NewFromFloat(cfg.FeeBps),
		book:        NewBook(),
	}
	log.Info().
		Str("mode", string(mode)).
		Str("balance", cfg.InitialBalance.String()).
		Float64("slippage_bps", cfg.SlippageBps).
		Float64("fee_bps", cfg.FeeBps).
		Msg("simulator initialized")
	return s
}

func (s *Simulator) Mode() Mode { return s.mode }

// Balance returns the BNB cash.
func (s *Simulator) Balance(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash, nil
}

// Book returns the position book.
func (s *Simulator) Book() *Book { return s.book }

// InitialBalance returns the starting BNB cash.
func (s *Simulator) InitialBalance() decimal.Decimal { return s.initial }

// ExecuteTrade fills req immediately at its reference price adjusted for
// slippage. Insufficient cash or holdings fail the trade without error.
func (s *Simulator) ExecuteTrade(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if req.Price <= 0 {
		return s.reject(req, "no reference price"), nil
	}
	if !req.Amount.IsPositive() {
		return s.reject(req, "non-positive amount"), nil
	}
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Direction {
	case Buy:
		return s.buy(req, at), nil
	case Sell:
		return s.sell(req, at), nil
	}
	return Result{}, fmt.Errorf("execution: unknown direction %q", req.Direction)
}

// buy must be called with mu held.
func (s *Simulator) buy(req Request, at time.Time) Result {
	if req.Amount.GreaterThan(s.cash) {
		return s.reject(req, fmt.Sprintf("insufficient balance: need %s, have %s", req.Amount, s.cash))
	}

	price := s.applySlippage(decimal.NewFromFloat(req.Price), Buy)
	fee := req.Amount.Mul(s.feeBps).Div(bps)
	qty := req.Amount.Sub(fee).Div(price)

	s.cash = s.cash.Sub(req.Amount)
	s.book.ApplyBuy(req.Chain, req.TokenAddress, req.Symbol, qty, price, req.Amount, fee, at)
	s.buys.Add(1)

	res := Result{
		Success:      true,
		FilledAmount: qty,
		Value:        req.Amount,
		FillPrice:    price.InexactFloat64(),
		Fee:          fee,
		TxID:         newTxID(s.mode),
	}
	log.Info().
		Str("tx", res.TxID).
		Str("token", req.TokenAddress).
		Str("strategy_id", req.StrategyID).
		Str("bnb", req.Amount.String()).
		Str("qty", qty.String()).
		Str("fill_price", price.String()).
		Msg("simulator: buy filled")
	return res
}

// sell must be called with mu held.
func (s *Simulator) sell(req Request, at time.Time) Result {
	held := s.book.Qty(req.Chain, req.TokenAddress)
	if !held.IsPositive() {
		return s.reject(req, "no holdings")
	}
	qty := req.Amount
	if qty.GreaterThan(held) {
		qty = held
	}

	price := s.applySlippage(decimal.NewFromFloat(req.Price), Sell)
	gross := qty.Mul(price)
	fee := gross.Mul(s.feeBps).Div(bps)
	proceeds := gross.Sub(fee)

	s.cash = s.cash.Add(proceeds)
	s.book.ApplySell(req.Chain, req.TokenAddress, qty, proceeds, fee, at)
	s.sells.Add(1)

	res := Result{
		Success:      true,
		FilledAmount: qty,
		Value:        proceeds,
		FillPrice:    price.InexactFloat64(),
		Fee:          fee,
		TxID:         newTxID(s.mode),
	}
	log.Info().
		Str("tx", res.TxID).
		Str("token", req.TokenAddress).
		Str("strategy_id", req.StrategyID).
		Str("qty", qty.String()).
		Str("bnb", proceeds.String()).
		Str("fill_price", price.String()).
		Msg("simulator: sell filled")
	return res
}

func (s *Simulator) reject(req Request, reason string) Result {
	s.rejected.Add(1)
	log.Warn().
		Str("token", req.TokenAddress).
		Str("direction", string(req.Direction)).
		Str("amount", req.Amount.String()).
		Str("reason", reason).
		Msg("simulator: trade rejected")
	return Result{Error: reason}
}

// applySlippage adjusts a price by the configured slippage.
// Buys pay more; sells receive less.
func (s *Simulator) applySlippage(price decimal.Decimal, d Direction) decimal.Decimal {
	if s.slippageBps.IsZero() {
		return price
	}
	f := s.slippageBps.Div(bps)
	if d == Buy {
		return price.Mul(decimal.NewFromInt(1).Add(f))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(f))
}

// Equity is cash plus open positions marked at prices (keyed "chain:token").
// Positions without a price are valued at their average entry.
func (s *Simulator) Equity(prices map[string]float64) decimal.Decimal {
	s.mu.Lock()
	total := s.cash
	s.mu.Unlock()
	for _, p := range s.book.All() {
		if !p.Open() {
			continue
		}
		mark := p.AvgEntry
		if px, ok := prices[PositionKey(p.Chain, p.Token)]; ok && px > 0 {
			mark = decimal.NewFromFloat(px)
		}
		total = total.Add(p.Qty.Mul(mark))
	}
	return total
}

// SimStats are simulator counters.
type SimStats struct {
	Buys        int64  `json:"buys"`
	Sells       int64  `json:"sells"`
	Rejected    int64  `json:"rejected"`
	Cash        string `json:"cash"`
	RealizedPnL string `json:"realized_pnl"`
	Open        int    `json:"open_positions"`
}

// Stats returns a snapshot of the simulator counters.
func (s *Simulator) Stats() SimStats {
	s.mu.Lock()
	cash := s.cash
	s.mu.Unlock()
	return SimStats{
		Buys:        s.buys.Load(),
		Sells:       s.sells.Load(),
		Rejected:    s.rejected.Load(),
		Cash:        cash.String(),
		RealizedPnL: s.book.RealizedPnL().String(),
		Open:        s.book.OpenCount(),
	}
}

func newTxID(m Mode) string {
	return string(m) + "-" + uuid.New().String()[:16]
}
