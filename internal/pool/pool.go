// Package pool is the in-memory registry of tracked tokens: lifecycle
// status, price history and per-token position and rule bookkeeping.
package pool

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/cards"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/stats"
)

// Config bounds what the pool retains.
type Config struct {
	// HistoryCap is the maximum number of price points kept per token.
	HistoryCap int `yaml:"history_cap"`
	// HistoryWindow drops points older than this (0 = no time bound).
	HistoryWindow time.Duration `yaml:"history_window"`
	// MaxAge removes monitoring/bought tokens this long after creation.
	MaxAge time.Duration `yaml:"max_age"`
	// InactiveAfter is the pool residency after which a never-bought token
	// with a weak return is marked inactive (0 disables the policy).
	InactiveAfter time.Duration `yaml:"inactive_after"`
	// InactiveMaxReturnPct: return since collection below this counts as weak.
	InactiveMaxReturnPct float64 `yaml:"inactive_max_return_pct"`
}

// DefaultConfig returns the production retention bounds.
func DefaultConfig() Config {
	return Config{
		HistoryCap:           100,
		HistoryWindow:        30 * time.Minute,
		MaxAge:               30 * time.Minute,
		InactiveAfter:        10 * time.Minute,
		InactiveMaxReturnPct: 5,
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool is safe for concurrent use. Reads return deep copies; all mutation
// goes through methods keyed by Key(address, chain).
type Pool struct {
	config Config
	now    func() time.Time

	mu     sync.RWMutex
	tokens map[string]*Token
}

// New creates an empty pool.
func New(config Config, opts ...Option) *Pool {
	def := DefaultConfig()
	if config.HistoryCap <= 0 {
		config.HistoryCap = def.HistoryCap
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	p := &Pool{
		config: config,
		now:    time.Now,
		tokens: make(map[string]*Token),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.config }

// ---------------------------------------------------------------------------
// Registration and price updates
// ---------------------------------------------------------------------------

// Add registers a discovered token. It returns false without error when the
// token is already tracked.
func (p *Pool) Add(info market.TokenInfo) (bool, error) {
	if err := ValidateAddress(info.Address, info.Chain); err != nil {
		return false, err
	}
	key := Key(info.Address, info.Chain)
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tokens[key]; ok {
		return false, nil
	}
	createdAt := info.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	t := &Token{
		Address:         info.Address,
		Chain:           info.Chain,
		Symbol:          info.Symbol,
		CreatedAt:       createdAt,
		CollectedAt:     now,
		Status:          StatusMonitoring,
		LaunchPrice:     sanitize(info.LaunchPrice),
		CollectionPrice: sanitize(info.Price),
		CurrentPrice:    sanitize(info.Price),
		ExecutionCounts: make(map[string]int),
		LastFired:       make(map[string]time.Time),
	}
	if t.CurrentPrice > 0 {
		t.HighestPrice = t.CurrentPrice
		t.HighestPriceAt = now
	}
	p.tokens[key] = t
	return true, nil
}

// UpdatePrice appends a price observation and tracks the running high.
func (p *Pool) UpdatePrice(key string, price float64, at time.Time) error {
	if !(price > 0) || math.IsInf(price, 0) {
		return fmt.Errorf("pool: invalid price %v for %s", price, key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tokens[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	t.History = append(t.History, PricePoint{Price: price, Timestamp: at})
	p.trimHistory(t, at)

	t.CurrentPrice = price
	t.LastUpdate = at
	if t.CollectionPrice == 0 {
		t.CollectionPrice = price
	}
	if price > t.HighestPrice {
		t.HighestPrice = price
		t.HighestPriceAt = at
	}
	return nil
}

func (p *Pool) trimHistory(t *Token, at time.Time) {
	drop := 0
	if n := len(t.History); n > p.config.HistoryCap {
		drop = n - p.config.HistoryCap
	}
	if p.config.HistoryWindow > 0 {
		cutoff := at.Add(-p.config.HistoryWindow)
		for drop < len(t.History) && t.History[drop].Timestamp.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		t.History = append(t.History[:0:0], t.History[drop:]...)
	}
}

// UpdateMarket stores the non-price fields of the latest quote.
func (p *Pool) UpdateMarket(key string, m MarketData) error {
	return p.mutate(key, func(t *Token) error {
		t.Market = m
		return nil
	})
}

// ---------------------------------------------------------------------------
// Lifecycle transitions
// ---------------------------------------------------------------------------

// BuyFill describes a completed buy.
type BuyFill struct {
	Price  float64
	At     time.Time
	Amount decimal.Decimal // tokens received
	Cost   decimal.Decimal // BNB spent
	Cards  cards.Allocation
}

// MarkAsBought moves a monitoring token to bought and records the position.
func (p *Pool) MarkAsBought(key string, fill BuyFill) error {
	return p.mutate(key, func(t *Token) error {
		if err := transition(t, StatusBought); err != nil {
			return err
		}
		t.BuyPrice = fill.Price
		t.BuyTime = fill.At
		t.Holding = t.Holding.Add(fill.Amount)
		t.CostBasis = t.CostBasis.Add(fill.Cost)
		a := fill.Cards
		t.Cards = &a
		return nil
	})
}

// MarkAsSelling marks a bought token as having a sell-all in flight.
func (p *Pool) MarkAsSelling(key string) error {
	return p.mutate(key, func(t *Token) error { return transition(t, StatusSelling) })
}

// RevertSelling returns a selling token to bought after a failed sell.
func (p *Pool) RevertSelling(key string) error {
	return p.mutate(key, func(t *Token) error {
		if t.Status != StatusSelling {
			return fmt.Errorf("%w: revert from %s", ErrInvalidTransition, t.Status)
		}
		t.Status = StatusBought
		return nil
	})
}

// SellFill describes a completed sell.
type SellFill struct {
	Amount decimal.Decimal // tokens sold
	Cards  cards.Allocation
	Reason string
}

// ApplySell reduces the holding and updates the card allocation. When no
// token cards remain the token exits. It returns the resulting status.
func (p *Pool) ApplySell(key string, fill SellFill) (Status, error) {
	var status Status
	err := p.mutate(key, func(t *Token) error {
		if t.Status != StatusBought && t.Status != StatusSelling {
			return fmt.Errorf("%w: sell while %s", ErrInvalidTransition, t.Status)
		}
		sold := fill.Amount
		if sold.GreaterThan(t.Holding) {
			sold = t.Holding
		}
		if t.Holding.IsPositive() {
			t.CostBasis = t.CostBasis.Sub(t.CostBasis.Mul(sold).Div(t.Holding))
		}
		t.Holding = t.Holding.Sub(sold)
		if !t.Holding.IsPositive() {
			t.Holding = decimal.Zero
			t.CostBasis = decimal.Zero
		}
		a := fill.Cards
		t.Cards = &a
		if a.TokenCards == 0 {
			if err := transition(t, StatusExited); err != nil {
				return err
			}
			t.ExitReason = fill.Reason
		}
		status = t.Status
		return nil
	})
	return status, err
}

// MarkAsExited closes a position without a sell (e.g. manual exit).
func (p *Pool) MarkAsExited(key, reason string) error {
	return p.mutate(key, func(t *Token) error {
		if err := transition(t, StatusExited); err != nil {
			return err
		}
		t.ExitReason = reason
		return nil
	})
}

// MarkAsInactive retires a token that is no longer worth polling.
func (p *Pool) MarkAsInactive(key, reason string) error {
	return p.mutate(key, func(t *Token) error {
		if err := transition(t, StatusInactive); err != nil {
			return err
		}
		t.ExitReason = reason
		return nil
	})
}

// MarkAsBadHolder retires a token that failed the holder screen.
func (p *Pool) MarkAsBadHolder(key, reason string) error {
	return p.mutate(key, func(t *Token) error {
		if err := transition(t, StatusBadHolder); err != nil {
			return err
		}
		t.ExitReason = reason
		return nil
	})
}

// RecordExecution consumes one execution of strategyID and starts its cooldown.
func (p *Pool) RecordExecution(key, strategyID string, at time.Time) error {
	return p.mutate(key, func(t *Token) error {
		t.ExecutionCounts[strategyID]++
		t.LastFired[strategyID] = at
		return nil
	})
}

func transition(t *Token, to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, t.Status, to, t.Symbol)
	}
	t.Status = to
	return nil
}

func (p *Pool) mutate(key string, fn func(t *Token) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.tokens[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fn(t)
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Get returns a copy of the token.
func (p *Pool) Get(key string) (Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t, ok := p.tokens[key]
	if !ok {
		return Token{}, false
	}
	return t.clone(), true
}

// MonitoringTokens returns copies of the monitoring and bought tokens,
// oldest collection first.
func (p *Pool) MonitoringTokens() []Token {
	return p.filter(func(t *Token) bool {
		return t.Status == StatusMonitoring || t.Status == StatusBought
	})
}

// All returns copies of every token, oldest collection first.
func (p *Pool) All() []Token {
	return p.filter(func(*Token) bool { return true })
}

func (p *Pool) filter(keep func(t *Token) bool) []Token {
	p.mu.RLock()
	out := make([]Token, 0, len(p.tokens))
	for _, t := range p.tokens {
		if keep(t) {
			out = append(out, t.clone())
		}
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CollectedAt.Equal(out[j].CollectedAt) {
			return out[i].CollectedAt.Before(out[j].CollectedAt)
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Len returns the number of tracked tokens.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}

// Counts returns the number of tokens per status.
func (p *Pool) Counts() map[Status]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[Status]int)
	for _, t := range p.tokens {
		out[t.Status]++
	}
	return out
}

// ---------------------------------------------------------------------------
// Cleanup
// ---------------------------------------------------------------------------

// Removal reasons.
const (
	RemovedExited   = "exited"
	RemovedTerminal = "terminal"
	RemovedMaxAge   = "max_age"
	RemovedInactive = "inactive"
)

// Removal records one token dropped by Cleanup.
type Removal struct {
	Key    string `json:"key"`
	Symbol string `json:"symbol"`
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

// Cleanup applies the retention rules: exited and other terminal tokens are
// removed immediately; monitoring, bought and selling tokens are removed
// once older than MaxAge regardless of profitability.
func (p *Pool) Cleanup() []Removal {
	now := p.now()
	return p.sweep(func(t *Token) string {
		switch {
		case t.Status == StatusExited:
			return RemovedExited
		case t.Status.Terminal():
			return RemovedTerminal
		case p.expired(t, now):
			return RemovedMaxAge
		}
		return ""
	})
}

// SweepInactive is the low-activity policy, independent of Cleanup:
// never-bought monitoring tokens that have sat in the pool for InactiveAfter
// with a return since collection below InactiveMaxReturnPct are marked
// inactive and removed.
func (p *Pool) SweepInactive() []Removal {
	now := p.now()
	return p.sweep(func(t *Token) string {
		if !p.inactive(t, now) {
			return ""
		}
		t.Status = StatusInactive
		t.ExitReason = "inactive: weak return since collection"
		return RemovedInactive
	})
}

func (p *Pool) sweep(selectFn func(t *Token) string) []Removal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []Removal
	for key, t := range p.tokens {
		reason := selectFn(t)
		if reason == "" {
			continue
		}
		if reason == RemovedMaxAge && t.HasPosition() {
			log.Warn().
				Str("token", t.Symbol).
				Str("key", key).
				Str("holding", t.Holding.String()).
				Msg("pool: max age reached with an open position")
		}
		removed = append(removed, Removal{Key: key, Symbol: t.Symbol, Status: t.Status, Reason: reason})
		delete(p.tokens, key)
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i].Key < removed[j].Key })
	return removed
}

// expired is the hard retention ceiling.
func (p *Pool) expired(t *Token, now time.Time) bool {
	return now.Sub(t.CreatedAt) > p.config.MaxAge
}

// inactive is the low-activity predicate, independent of expired.
func (p *Pool) inactive(t *Token, now time.Time) bool {
	if p.config.InactiveAfter <= 0 || t.Status != StatusMonitoring || !t.BuyTime.IsZero() {
		return false
	}
	if now.Sub(t.CollectedAt) < p.config.InactiveAfter {
		return false
	}
	return stats.PctChange(t.CollectionPrice, t.CurrentPrice) < p.config.InactiveMaxReturnPct
}

func sanitize(x float64) float64 {
	if x < 0 {
		return 0
	}
	return stats.Finite(x)
}
