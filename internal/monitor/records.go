package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
)

// write runs one sink call. Failures are logged and counted, never returned.
func (m *Monitor) write(what string, fn func() error) {
	if err := fn(); err != nil {
		m.sinkErrors.Add(1)
		m.metrics.SinkError()
		log.Error().Err(err).Str("record", what).Msg("monitor: sink write failed")
	}
}

func (m *Monitor) recordSignal(ctx context.Context, tok pool.Token, rule strategy.Rule, factors map[string]float64,
	res tradeOutcome, now time.Time) bus.Signal {
	sig := bus.Signal{
		BaseEvent:    bus.NewBaseEventAt(producer, now),
		ExperimentID: m.config.ExperimentID,
		TokenAddress: tok.Address,
		Chain:        tok.Chain,
		Symbol:       tok.Symbol,
		Action:       string(rule.Action),
		StrategyID:   rule.ID,
		Cards:        rule.Cards.String(),
		Price:        tok.CurrentPrice,
		Factors:      factors,
		Executed:     res.success(),
		Reason:       res.detail,
		Failure:      string(res.failure),
	}
	if res.success() {
		sig.Reason = rule.Condition
	}
	m.write("signal", func() error { return m.sink.RecordSignal(ctx, sig) })

	if !res.success() {
		log.Info().
			Str("token", tok.Symbol).
			Str("strategy_id", rule.ID).
			Str("action", string(rule.Action)).
			Str("failure", string(res.failure)).
			Str("detail", res.detail).
			Msg("monitor: signal not executed")
	}
	return sig
}

func (m *Monitor) recordTrade(ctx context.Context, tok pool.Token, rule strategy.Rule, signalID string,
	res tradeOutcome, now time.Time) {
	req := res.request
	tr := bus.Trade{
		BaseEvent:    bus.NewBaseEventAt(producer, now),
		ExperimentID: m.config.ExperimentID,
		SignalID:     signalID,
		TokenAddress: tok.Address,
		Chain:        tok.Chain,
		Symbol:       tok.Symbol,
		Direction:    string(req.Direction),
		StrategyID:   rule.ID,
		Mode:         string(m.backend.Mode()),
		Amount:       req.Amount,
		Price:        req.Price,
		FillPrice:    res.result.FillPrice,
		FilledAmount: res.result.FilledAmount,
		Value:        res.result.Value,
		Fee:          res.result.Fee,
		Success:      res.success(),
		Error:        res.detail,
		TxID:         res.result.TxID,
		CardChange:   bus.CardChange{Before: res.before, After: res.after},
	}
	if res.success() {
		tr.Error = ""
	}
	m.write("trade", func() error { return m.sink.RecordTrade(ctx, tr) })
}

// snapshot values every open position at its current price and records
// the portfolio.
func (m *Monitor) snapshot(ctx context.Context) {
	cash, err := m.backend.Balance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("monitor: balance unavailable, snapshot skipped")
		return
	}

	var positions []bus.PositionSnapshot
	value := decimal.Zero
	for _, tok := range m.pool.All() {
		if !tok.HasPosition() {
			continue
		}
		v := tok.Holding.Mul(decimal.NewFromFloat(tok.CurrentPrice))
		value = value.Add(v)
		p := bus.PositionSnapshot{
			TokenAddress: tok.Address,
			Chain:        tok.Chain,
			Symbol:       tok.Symbol,
			Holding:      tok.Holding,
			CostBasis:    tok.CostBasis,
			Price:        tok.CurrentPrice,
			Value:        v,
		}
		if tok.Cards != nil {
			p.Cards = tok.Cards.String()
		}
		positions = append(positions, p)
	}

	snap := bus.PortfolioSnapshot{
		BaseEvent:      bus.NewBaseEventAt(producer, m.now()),
		ExperimentID:   m.config.ExperimentID,
		Cash:           cash,
		PositionsValue: value,
		TotalValue:     cash.Add(value),
		OpenPositions:  len(positions),
		Positions:      positions,
	}
	m.write("portfolio", func() error { return m.sink.SnapshotPortfolio(ctx, snap) })
	m.metrics.SetPortfolio(cash.InexactFloat64(), snap.TotalValue.InexactFloat64())
}
