// Package risk gates new positions on portfolio-wide limits.
package risk

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Engine is the pre-trade risk gate. Sells are never blocked except by the
// kill switch, so open positions can always be unwound.
//
// Daily counters reset at UTC midnight.
type Engine struct {
	config Config
	now    func() time.Time

	mu         sync.RWMutex
	day        time.Time
	dailySpend decimal.Decimal
	dailyPnL   decimal.Decimal

	// Kill switch and pause - atomic for lock-free check
	killed atomic.Bool
	paused atomic.Bool

	allowed atomic.Int64
	denied  atomic.Int64
}

// Config holds risk limits. A zero limit is disabled.
type Config struct {
	// MaxOpenPositions caps concurrently held tokens.
	MaxOpenPositions int `yaml:"max_open_positions"`
	// MaxDailySpendBNB caps BNB spent on buys per UTC day.
	MaxDailySpendBNB float64 `yaml:"max_daily_spend_bnb"`
	// MaxDailyLossBNB pauses buying once realized losses for the day exceed it.
	MaxDailyLossBNB float64 `yaml:"max_daily_loss_bnb"`
	// MaxBuyBNB caps a single buy.
	MaxBuyBNB float64 `yaml:"max_buy_bnb"`
}

// DefaultConfig returns conservative limits.
func DefaultConfig() Config {
	return Config{
		MaxOpenPositions: 10,
		MaxDailySpendBNB: 5,
		MaxDailyLossBNB:  2,
	}
}

// Decision is the outcome of a check.
type Decision struct {
	Allowed     bool     `json:"allowed"`
	ReasonCodes []string `json:"reason_codes,omitempty"`
}

// Reason joins the reason codes.
func (d Decision) Reason() string {
	return strings.Join(d.ReasonCodes, "; ")
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a risk engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		config: cfg,
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	e.day = utcDay(e.now())
	return e
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// rollover must be called with mu held for writing.
func (e *Engine) rollover() {
	today := utcDay(e.now())
	if today.Equal(e.day) {
		return
	}
	e.day = today
	e.dailySpend = decimal.Zero
	e.dailyPnL = decimal.Zero
	log.Info().Time("day", today).Msg("risk: daily counters reset")
}

// CheckBuy evaluates a buy of amount BNB for token while openPositions
// tokens are held.
func (e *Engine) CheckBuy(token string, amount decimal.Decimal, openPositions int) Decision {
	d := Decision{Allowed: true}

	// Kill switch check - ALWAYS first
	if e.killed.Load() {
		return e.deny(token, "KILL_SWITCH_ACTIVE")
	}
	if e.paused.Load() {
		return e.deny(token, "PAUSED")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover()

	if e.config.MaxOpenPositions > 0 && openPositions >= e.config.MaxOpenPositions {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("MAX_OPEN_POSITIONS:open=%d,limit=%d", openPositions, e.config.MaxOpenPositions))
	}

	if e.config.MaxBuyBNB > 0 && amount.GreaterThan(decimal.NewFromFloat(e.config.MaxBuyBNB)) {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("ORDER_TOO_LARGE:amount=%s,limit=%g", amount, e.config.MaxBuyBNB))
	}

	if e.config.MaxDailySpendBNB > 0 {
		limit := decimal.NewFromFloat(e.config.MaxDailySpendBNB)
		if e.dailySpend.Add(amount).GreaterThan(limit) {
			d.Allowed = false
			d.ReasonCodes = append(d.ReasonCodes,
				fmt.Sprintf("DAILY_SPEND_EXCEEDED:spent=%s,order=%s,limit=%s", e.dailySpend, amount, limit))
		}
	}

	if e.config.MaxDailyLossBNB > 0 && e.dailyPnL.LessThan(decimal.NewFromFloat(-e.config.MaxDailyLossBNB)) {
		d.Allowed = false
		d.ReasonCodes = append(d.ReasonCodes,
			fmt.Sprintf("DAILY_LOSS_EXCEEDED:pnl=%s,limit=-%g", e.dailyPnL, e.config.MaxDailyLossBNB))
	}

	if d.Allowed {
		e.allowed.Add(1)
		log.Debug().Str("token", token).Str("amount", amount.String()).Msg("risk: buy allowed")
	} else {
		e.denied.Add(1)
		log.Warn().Str("token", token).Strs("reasons", d.ReasonCodes).Msg("risk: buy denied")
	}
	return d
}

// CheckSell only honours the kill switch.
func (e *Engine) CheckSell(token string) Decision {
	if e.killed.Load() {
		return e.deny(token, "KILL_SWITCH_ACTIVE")
	}
	e.allowed.Add(1)
	return Decision{Allowed: true}
}

func (e *Engine) deny(token, code string) Decision {
	e.denied.Add(1)
	log.Warn().Str("token", token).Str("reason", code).Msg("risk: trade denied")
	return Decision{ReasonCodes: []string{code}}
}

// RecordBuy adds a filled buy to today's spend.
func (e *Engine) RecordBuy(amount decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover()
	e.dailySpend = e.dailySpend.Add(amount)
}

// RecordRealized adds realized PnL (BNB) of a sell to today's total.
func (e *Engine) RecordRealized(pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollover()
	e.dailyPnL = e.dailyPnL.Add(pnl)
	if e.config.MaxDailyLossBNB > 0 && e.dailyPnL.LessThan(decimal.NewFromFloat(-e.config.MaxDailyLossBNB)) {
		log.Error().Str("pnl", e.dailyPnL.String()).Float64("limit", -e.config.MaxDailyLossBNB).
			Msg("risk: daily loss limit breached, new buys blocked until UTC midnight")
	}
}

// Kill stops all trading until restart.
func (e *Engine) Kill() {
	e.killed.Store(true)
	log.Error().Msg("risk: KILL SWITCH ACTIVATED - all trading stopped")
}

// Pause blocks new buys. Sells continue.
func (e *Engine) Pause(reason string) {
	e.paused.Store(true)
	log.Warn().Str("reason", reason).Msg("risk: buying paused")
}

// Resume lifts a pause. A kill cannot be resumed.
func (e *Engine) Resume() {
	if e.killed.Load() {
		log.Warn().Msg("risk: cannot resume, kill switch is active (requires restart)")
		return
	}
	e.paused.Store(false)
	log.Info().Msg("risk: buying resumed")
}

// Paused reports whether buying is paused.
func (e *Engine) Paused() bool { return e.paused.Load() }

// IsActive returns true if the system is not killed or paused.
func (e *Engine) IsActive() bool {
	return !e.killed.Load() && !e.paused.Load()
}

// Stats is a snapshot of the risk state.
type Stats struct {
	DailySpend string `json:"daily_spend_bnb"`
	DailyPnL   string `json:"daily_pnl_bnb"`
	Killed     bool   `json:"killed"`
	Paused     bool   `json:"paused"`
	Allowed    int64  `json:"allowed_total"`
	Denied     int64  `json:"denied_total"`
}

// Stats returns the current risk state.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		DailySpend: e.dailySpend.String(),
		DailyPnL:   e.dailyPnL.String(),
		Killed:     e.killed.Load(),
		Paused:     e.paused.Load(),
		Allowed:    e.allowed.Load(),
		Denied:     e.denied.Load(),
	}
}
