package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
)

// ---------------------------------------------------------------------------
// Round trips
// ---------------------------------------------------------------------------

// RoundTrip is one position from its first buy until the holding is sold
// out. Amounts are BNB.
type RoundTrip struct {
	Token      string    `json:"token"` // pool key
	Symbol     string    `json:"symbol"`
	StrategyID string    `json:"strategy_id"` // rule of the first buy
	Buys       int       `json:"buys"`
	Sells      int       `json:"sells"`
	Cost       float64   `json:"cost"`
	Proceeds   float64   `json:"proceeds"`
	Fees       float64   `json:"fees"`
	PnL        float64   `json:"pnl"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`

	// Open is set on positions still held when the replay ended. Their
	// Proceeds mark the remaining tokens at the last replayed price.
	Open bool `json:"open,omitempty"`
}

type openTrip struct {
	trip RoundTrip
	cost decimal.Decimal
	proc decimal.Decimal
	fees decimal.Decimal
	qty  decimal.Decimal
}

func (o *openTrip) close(at time.Time) RoundTrip {
	rt := o.trip
	rt.Cost = o.cost.InexactFloat64()
	rt.Proceeds = o.proc.InexactFloat64()
	rt.Fees = o.fees.InexactFloat64()
	rt.PnL = o.proc.Sub(o.cost).InexactFloat64()
	rt.ExitTime = at
	return rt
}

// BuildRoundTrips pairs filled buys and sells per token in trade order.
// Failed trades are ignored. Positions still open at the end are marked at
// lastPrices (keyed by pool key) and returned separately.
func BuildRoundTrips(trades []bus.Trade, lastPrices map[string]float64, end time.Time) (closed, open []RoundTrip) {
	active := make(map[string]*openTrip)
	var order []string

	for _, tr := range trades {
		if !tr.Success {
			continue
		}
		key := pool.Key(tr.TokenAddress, tr.Chain)
		ot := active[key]

		switch tr.Direction {
		case "buy":
			if ot == nil {
				ot = &openTrip{trip: RoundTrip{
					Token:      key,
					Symbol:     tr.Symbol,
					StrategyID: tr.StrategyID,
					EntryTime:  tr.Timestamp,
				}}
				active[key] = ot
				order = append(order, key)
			}
			ot.trip.Buys++
			ot.cost = ot.cost.Add(tr.Value)
			ot.fees = ot.fees.Add(tr.Fee)
			ot.qty = ot.qty.Add(tr.FilledAmount)
		case "sell":
			if ot == nil {
				continue
			}
			ot.trip.Sells++
			ot.proc = ot.proc.Add(tr.Value)
			ot.fees = ot.fees.Add(tr.Fee)
			ot.qty = ot.qty.Sub(tr.FilledAmount)
			if !ot.qty.IsPositive() {
				closed = append(closed, ot.close(tr.Timestamp))
				delete(active, key)
			}
		}
	}

	for _, key := range order {
		ot, ok := active[key]
		if !ok {
			continue
		}
		// A token re-entered after a close appears in order twice.
		delete(active, key)
		if px, ok := lastPrices[key]; ok && px > 0 {
			ot.proc = ot.proc.Add(ot.qty.Mul(decimal.NewFromFloat(px)))
		}
		rt := ot.close(end)
		rt.Open = true
		open = append(open, rt)
	}
	return closed, open
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

// EquityPoint is the portfolio value after one replayed tick.
type EquityPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Result is the outcome of one replay.
type Result struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id"`

	Points     int `json:"points"`
	Frames     int `json:"frames"`
	Discovered int `json:"discovered"`
	Signals    int `json:"signals"`
	Fills      int `json:"fills"`
	Failed     int `json:"failed"`

	RoundTrips []RoundTrip        `json:"round_trips"`
	OpenTrips  []RoundTrip        `json:"open_trips,omitempty"`
	Equity     []EquityPoint      `json:"equity"`
	Divergence *DivergenceReport `json:"divergence,omitempty"`

	InitialBalance float64            `json:"initial_balance"`
	FinalCash      float64            `json:"final_cash"`
	FinalEquity    float64            `json:"final_equity"`
	Metrics        PerformanceMetrics `json:"metrics"`
	Duration       time.Duration      `json:"duration"`
}
