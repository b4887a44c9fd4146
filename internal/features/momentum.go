package features

import (
	"github.com/markcheno/go-talib"
)

// Momentum is the price rate of change, in percent, over the last Lookback
// history points.
//
//	ROC = (price_now / price_N_ago - 1) * 100
//
// With fewer than Lookback+1 points the oldest available point is used.
// Fewer than 2 points yield 0.
type Momentum struct {
	lookback int
}

// NewMomentum creates a Momentum calculator.
func NewMomentum(lookback int) *Momentum {
	if lookback < 1 {
		lookback = 1
	}
	return &Momentum{lookback: lookback}
}

func (m *Momentum) Name() string { return "momentum" }

func (m *Momentum) Value(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	n := m.lookback
	if n > len(prices)-1 {
		n = len(prices) - 1
	}
	roc := talib.Roc(prices[len(prices)-n-1:], n)
	return roc[len(roc)-1]
}
