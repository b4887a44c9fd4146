package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/cards"
	"github.com/wangkobe88/richer-js-sub001/internal/execution"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
)

// FailureReason classifies a signal that did not result in a filled trade.
type FailureReason string

const (
	FailureNone              FailureReason = ""
	FailureInsufficientCards FailureReason = "insufficient_cards"
	FailureNoHoldings        FailureReason = "no_holdings"
	FailureRiskRejected      FailureReason = "risk_rejected"
	FailureExecutionFailed   FailureReason = "execution_failed"
	FailureExecutionError    FailureReason = "execution_error"
)

// attempted reports whether the failure happened at or after the backend
// call. Only attempted trades can consume a rule's budget.
func (f FailureReason) attempted() bool {
	return f == FailureNone || f == FailureExecutionFailed || f == FailureExecutionError
}

// tokenOutcome is what one token contributed to the tick.
type tokenOutcome struct {
	signals int
	trades  int
}

// tradeOutcome is the result of acting on one rule match.
type tradeOutcome struct {
	failure FailureReason
	detail  string
	request *execution.Request
	result  execution.Result
	before  cards.Allocation
	after   cards.Allocation
}

func (o tradeOutcome) success() bool { return o.failure == FailureNone }

// processToken builds factors, records the time-series point, applies the
// holder screen, evaluates the rules and acts on a match. ctrl must be held.
func (m *Monitor) processToken(ctx context.Context, key string) (tokenOutcome, error) {
	var out tokenOutcome
	tok, ok := m.pool.Get(key)
	if !ok {
		return out, fmt.Errorf("%w: %s", pool.ErrNotFound, key)
	}
	now := m.now()

	var candles []market.Candle
	if m.config.Candles {
		var err error
		candles, err = m.provider.GetCandles(ctx, market.TokenID(tok.Address, tok.Chain),
			m.config.CandleInterval, m.config.CandleLimit)
		if err != nil {
			m.metrics.ProviderError("candles")
			log.Debug().Err(err).Str("token", tok.Symbol).Msg("monitor: candles unavailable")
			candles = nil
		}
	}

	factors := m.factors.Build(tok, candles, now)
	m.write("timeseries", func() error {
		return m.sink.AppendTimeSeriesPoint(ctx, bus.TimeSeriesPoint{
			ExperimentID:   m.config.ExperimentID,
			TokenAddress:   tok.Address,
			Chain:          tok.Chain,
			Symbol:         tok.Symbol,
			Timestamp:      now,
			Price:          tok.CurrentPrice,
			LaunchPrice:    tok.LaunchPrice,
			TokenCreatedAt: tok.CreatedAt,
			Status:         string(tok.Status),
			Factors:        factors,
		})
	})

	if m.failsHolderScreen(tok) {
		reason := fmt.Sprintf("holders %d below %d", tok.Market.Holders, m.config.MinHolders)
		if err := m.pool.MarkAsBadHolder(key, reason); err != nil {
			return out, err
		}
		log.Info().Str("token", tok.Symbol).Int("holders", tok.Market.Holders).Msg("monitor: token failed holder screen")
		return out, nil
	}

	match := m.strategy.Evaluate(strategy.InputFor(tok, factors, now))
	if match == nil {
		return out, nil
	}
	out.signals = 1
	m.signals.Add(1)

	rule := match.Rule
	var res tradeOutcome
	switch rule.Action {
	case strategy.ActionBuy:
		res = m.buy(ctx, tok, rule, now)
	case strategy.ActionSell:
		res = m.sell(ctx, tok, rule, now)
	default:
		return out, fmt.Errorf("monitor: rule %s has action %q", rule.ID, rule.Action)
	}

	attempted := res.failure.attempted()
	if attempted {
		m.strategy.RecordOutcome(rule.ID, res.success())
	}
	if m.strategy.ShouldConsume(attempted, res.success()) {
		if err := m.pool.RecordExecution(key, rule.ID, now); err != nil {
			log.Error().Err(err).Str("token", tok.Symbol).Str("strategy_id", rule.ID).Msg("monitor: record execution failed")
		}
	}
	if !res.success() {
		m.failures.Add(1)
	}

	sig := m.recordSignal(ctx, tok, rule, factors, res, now)
	m.metrics.Signal(string(rule.Action), res.success())
	if res.request != nil {
		out.trades = 1
		m.recordTrade(ctx, tok, rule, sig.EventID, res, now)
		m.metrics.Trade(string(rule.Action), res.success())
	}
	return out, nil
}

// failsHolderScreen is true for a monitoring token whose quote reported a
// holder count below MinHolders. An unknown (zero) count passes.
func (m *Monitor) failsHolderScreen(tok pool.Token) bool {
	return m.config.MinHolders > 0 &&
		tok.Status == pool.StatusMonitoring &&
		tok.Market.Holders > 0 &&
		tok.Market.Holders < m.config.MinHolders
}

// ---------------------------------------------------------------------------
// Buy and sell
// ---------------------------------------------------------------------------

func (m *Monitor) buy(ctx context.Context, tok pool.Token, rule strategy.Rule, now time.Time) tradeOutcome {
	mgr, err := m.cardsFor(tok)
	if err != nil {
		return tradeOutcome{failure: FailureInsufficientCards, detail: err.Error()}
	}
	before := mgr.Allocation()
	n := rule.Cards.N
	if rule.Cards.All {
		n = before.BNBCards
	}
	amount := mgr.BuyAmount(n)
	if !amount.IsPositive() {
		return tradeOutcome{
			failure: FailureInsufficientCards,
			detail:  fmt.Sprintf("want %d cards, have %d", n, before.BNBCards),
			before:  before,
			after:   before,
		}
	}

	if m.paused.Load() {
		m.metrics.RiskRejected(string(execution.Buy))
		return tradeOutcome{failure: FailureRiskRejected, detail: "paused", before: before, after: before}
	}
	if m.risk != nil {
		if d := m.risk.CheckBuy(tok.Key(), amount, m.openPositions()); !d.Allowed {
			m.metrics.RiskRejected(string(execution.Buy))
			return tradeOutcome{failure: FailureRiskRejected, detail: d.Reason(), before: before, after: before}
		}
	}

	req := execution.Request{
		TokenAddress: tok.Address,
		Chain:        tok.Chain,
		Symbol:       tok.Symbol,
		Direction:    execution.Buy,
		Amount:       amount,
		Price:        tok.CurrentPrice,
		StrategyID:   rule.ID,
		At:           now,
	}
	out := m.execute(ctx, req, before)
	if !out.success() {
		return out
	}

	if err := mgr.AfterBuy(n); err != nil {
		// Unreachable while BuyAmount guards the card count.
		log.Error().Err(err).Str("token", tok.Symbol).Msg("monitor: card update after buy failed")
	}
	out.after = mgr.Allocation()

	fillPrice := out.result.FillPrice
	if !(fillPrice > 0) {
		fillPrice = tok.CurrentPrice
	}
	if err := m.pool.MarkAsBought(tok.Key(), pool.BuyFill{
		Price:  fillPrice,
		At:     now,
		Amount: out.result.FilledAmount,
		Cost:   out.result.Value,
		Cards:  out.after,
	}); err != nil {
		log.Error().Err(err).Str("token", tok.Symbol).Msg("monitor: mark bought failed")
	}
	if m.risk != nil {
		m.risk.RecordBuy(out.result.Value)
	}
	m.buys.Add(1)
	log.Info().
		Str("token", tok.Symbol).
		Str("strategy_id", rule.ID).
		Int("cards", n).
		Str("bnb", out.result.Value.String()).
		Str("qty", out.result.FilledAmount.String()).
		Float64("price", fillPrice).
		Msg("monitor: bought")
	return out
}

func (m *Monitor) sell(ctx context.Context, tok pool.Token, rule strategy.Rule, now time.Time) tradeOutcome {
	if tok.Cards == nil || !tok.HasPosition() {
		return tradeOutcome{failure: FailureNoHoldings, detail: "no position"}
	}
	mgr, err := cards.FromAllocation(*tok.Cards)
	if err != nil {
		return tradeOutcome{failure: FailureNoHoldings, detail: err.Error()}
	}
	before := mgr.Allocation()
	if before.TokenCards == 0 {
		return tradeOutcome{failure: FailureNoHoldings, detail: "no token cards", before: before, after: before}
	}

	sold := mgr.SellCards(rule.Cards.N, rule.Cards.All)
	amount := mgr.SellAmount(tok.Holding, rule.Cards.N, rule.Cards.All)
	sellAll := mgr.IsSellAll(rule.Cards.N, rule.Cards.All)
	if !amount.IsPositive() {
		return tradeOutcome{failure: FailureNoHoldings, detail: "zero sell amount", before: before, after: before}
	}

	if m.risk != nil {
		if d := m.risk.CheckSell(tok.Key()); !d.Allowed {
			m.metrics.RiskRejected(string(execution.Sell))
			return tradeOutcome{failure: FailureRiskRejected, detail: d.Reason(), before: before, after: before}
		}
	}

	key := tok.Key()
	if sellAll {
		if err := m.pool.MarkAsSelling(key); err != nil {
			return tradeOutcome{failure: FailureExecutionError, detail: err.Error(), before: before, after: before}
		}
	}

	req := execution.Request{
		TokenAddress: tok.Address,
		Chain:        tok.Chain,
		Symbol:       tok.Symbol,
		Direction:    execution.Sell,
		Amount:       amount,
		Price:        tok.CurrentPrice,
		StrategyID:   rule.ID,
		At:           now,
	}
	out := m.execute(ctx, req, before)
	if !out.success() {
		if sellAll {
			if err := m.pool.RevertSelling(key); err != nil {
				log.Error().Err(err).Str("token", tok.Symbol).Msg("monitor: revert selling failed")
			}
		}
		return out
	}

	mgr.AfterSell(sold)
	out.after = mgr.Allocation()
	status, err := m.pool.ApplySell(key, pool.SellFill{
		Amount: out.result.FilledAmount,
		Cards:  out.after,
		Reason: rule.ID,
	})
	if err != nil {
		log.Error().Err(err).Str("token", tok.Symbol).Msg("monitor: apply sell failed")
	}

	pnl := realizedPnL(tok, out.result)
	if m.risk != nil {
		m.risk.RecordRealized(pnl)
	}
	m.sells.Add(1)
	log.Info().
		Str("token", tok.Symbol).
		Str("strategy_id", rule.ID).
		Int("cards", sold).
		Bool("sell_all", sellAll).
		Str("qty", out.result.FilledAmount.String()).
		Str("bnb", out.result.Value.String()).
		Str("pnl", pnl.String()).
		Str("status", string(status)).
		Msg("monitor: sold")
	return out
}

// execute calls the backend and maps its outcome onto a failure reason.
func (m *Monitor) execute(ctx context.Context, req execution.Request, before cards.Allocation) tradeOutcome {
	out := tradeOutcome{request: &req, before: before, after: before}
	res, err := m.backend.ExecuteTrade(ctx, req)
	switch {
	case err != nil:
		out.failure = FailureExecutionError
		out.detail = err.Error()
		log.Error().Err(err).Str("token", req.Symbol).Str("direction", string(req.Direction)).
			Msg("monitor: execution error")
	case !res.Success:
		out.failure = FailureExecutionFailed
		out.detail = res.Error
		out.result = res
		log.Warn().Str("token", req.Symbol).Str("direction", string(req.Direction)).Str("error", res.Error).
			Msg("monitor: execution failed")
	default:
		out.result = res
	}
	return out
}

// cardsFor resumes the token's card manager, or starts a fresh one.
func (m *Monitor) cardsFor(tok pool.Token) (*cards.Manager, error) {
	if tok.Cards != nil {
		return cards.FromAllocation(*tok.Cards)
	}
	return cards.New(m.config.TotalCards, m.perCard), nil
}

// openPositions counts tokens currently holding a position.
func (m *Monitor) openPositions() int {
	c := m.pool.Counts()
	return c[pool.StatusBought] + c[pool.StatusSelling]
}

// realizedPnL attributes the sold fraction of the cost basis to the sale.
func realizedPnL(tok pool.Token, res execution.Result) decimal.Decimal {
	if !tok.Holding.IsPositive() {
		return res.Value
	}
	sold := res.FilledAmount
	if sold.GreaterThan(tok.Holding) {
		sold = tok.Holding
	}
	cost := tok.CostBasis.Mul(sold).Div(tok.Holding)
	return res.Value.Sub(cost)
}
