package features

import (
	"github.com/wangkobe88/richer-js-sub001/internal/stats"
)

// Volatility is the population standard deviation of step returns over the
// last Window history points, in percent.
//
// Method:
//  1. Take the last Window prices.
//  2. Compute step returns r_i = (p_i - p_{i-1}) / p_{i-1}.
//  3. vol = std(returns) * 100
//
// Poll intervals vary with load so no annualisation is applied.
// Cold start: 0 until at least 3 prices are available.
type Volatility struct {
	window int
}

// NewVolatility creates a Volatility calculator.
func NewVolatility(window int) *Volatility {
	if window < 3 {
		window = 3
	}
	return &Volatility{window: window}
}

func (v *Volatility) Name() string { return "volatility" }

func (v *Volatility) Value(prices []float64) float64 {
	if len(prices) < 3 {
		return 0
	}
	if len(prices) > v.window {
		prices = prices[len(prices)-v.window:]
	}
	return stats.StdDev(stats.Returns(prices)) * 100
}
