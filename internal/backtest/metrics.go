package backtest

import (
	"math"
	"time"
)

// PerformanceMetrics holds the performance statistics of a replay. Money
// amounts are BNB.
type PerformanceMetrics struct {
	TotalPnL         float64       // Realised PnL over closed round trips, net of fees
	TotalFees        float64       // Fees paid on closed round trips
	RoundTrips       int           // Closed round trips
	WinRate          float64       // Fraction of winning round trips [0, 1]
	ProfitFactor     float64       // Gross profit / gross loss (abs)
	SharpeRatio      float64       // Annualised Sharpe from per-tick equity returns
	SortinoRatio     float64       // Annualised Sortino from per-tick equity returns
	MaxDrawdown      float64       // Maximum peak-to-trough equity decline
	MaxDrawdownPct   float64       // Maximum peak-to-trough decline as a fraction
	ReturnPct        float64       // Final equity over initial balance, minus one
	AvgTrade         float64       // Average PnL per round trip
	AvgWin           float64       // Average PnL of winning round trips
	AvgLoss          float64       // Average PnL of losing round trips
	LargestWin       float64       // Largest single winning round trip
	LargestLoss      float64       // Largest single losing round trip (negative)
	Turnover         float64       // BNB spent on entries / initial balance
	HoldingPeriodAvg time.Duration // Average time from first buy to last sell
}

// ComputeMetrics calculates performance metrics from closed round trips and
// the per-tick equity curve. periodsPerYear annualises the per-tick return
// ratios. All calculations are deterministic with no I/O or time.Now()
// calls.
func ComputeMetrics(trips []RoundTrip, equity []EquityPoint, initialBalance, periodsPerYear float64) PerformanceMetrics {
	m := PerformanceMetrics{}
	if initialBalance <= 0 {
		return m
	}

	values := equityValues(equity)
	if len(values) > 0 {
		m.ReturnPct = values[len(values)-1]/initialBalance - 1
	}
	m.MaxDrawdown, m.MaxDrawdownPct = MaxDrawdownFromEquity(values)
	returns := periodReturns(values)
	m.SharpeRatio = SharpeFromReturns(returns, periodsPerYear)
	m.SortinoRatio = SortinoFromReturns(returns, periodsPerYear)

	if len(trips) == 0 {
		return m
	}
	m.RoundTrips = len(trips)

	var winCount, lossCount int
	var totalWinPnL, totalLossPnL, spent float64
	var totalHoldingNs int64
	for _, rt := range trips {
		m.TotalPnL += rt.PnL
		m.TotalFees += rt.Fees
		spent += rt.Cost
		totalHoldingNs += rt.ExitTime.Sub(rt.EntryTime).Nanoseconds()

		if rt.PnL > 0 {
			winCount++
			totalWinPnL += rt.PnL
			if rt.PnL > m.LargestWin {
				m.LargestWin = rt.PnL
			}
		} else if rt.PnL < 0 {
			lossCount++
			totalLossPnL += rt.PnL
			if rt.PnL < m.LargestLoss {
				m.LargestLoss = rt.PnL
			}
		}
	}

	m.WinRate = float64(winCount) / float64(m.RoundTrips)
	m.AvgTrade = m.TotalPnL / float64(m.RoundTrips)
	// Break-even round trips count towards AvgTrade only.
	if winCount > 0 {
		m.AvgWin = totalWinPnL / float64(winCount)
	}
	if lossCount > 0 {
		m.AvgLoss = totalLossPnL / float64(lossCount)
	}
	m.ProfitFactor = ProfitFactorFromTrips(trips)
	m.Turnover = spent / initialBalance
	m.HoldingPeriodAvg = time.Duration(totalHoldingNs / int64(m.RoundTrips))
	return m
}

// PeriodsPerYear is the number of ticks of length interval in a year.
func PeriodsPerYear(interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(interval)
}

// SharpeFromReturns computes the annualized Sharpe ratio from a series of periodic returns.
// Formula: Sharpe = mean(returns) / std(returns) * sqrt(periodsPerYear)
// Returns 0 if there are fewer than 2 returns or std is zero.
func SharpeFromReturns(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	mean := mean(returns)
	std := stddev(returns, mean)

	if std == 0 {
		return 0
	}

	return (mean / std) * math.Sqrt(periodsPerYear)
}

// SortinoFromReturns computes the annualized Sortino ratio from a series of periodic returns.
// Formula: Sortino = mean(returns) / downside_std(returns) * sqrt(periodsPerYear)
// Only negative returns contribute to the downside deviation.
func SortinoFromReturns(returns []float64, periodsPerYear float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	m := mean(returns)
	downDev := downsideDeviation(returns)

	if downDev == 0 {
		return 0
	}

	return (m / downDev) * math.Sqrt(periodsPerYear)
}

// MaxDrawdownFromEquity computes the maximum peak-to-trough decline from an equity curve.
// Returns both the absolute drawdown and the fractional drawdown.
func MaxDrawdownFromEquity(equity []float64) (drawdown float64, drawdownPct float64) {
	if len(equity) < 2 {
		return 0, 0
	}

	peak := equity[0]
	maxDD := 0.0
	maxDDPct := 0.0

	for _, eq := range equity {
		if eq > peak {
			peak = eq
		}
		dd := peak - eq
		if dd > maxDD {
			maxDD = dd
		}
		if peak > 0 {
			ddPct := dd / peak
			if ddPct > maxDDPct {
				maxDDPct = ddPct
			}
		}
	}

	return maxDD, maxDDPct
}

// ProfitFactorFromTrips computes gross profit / gross loss.
// Returns math.Inf(1) if there are no losing round trips but there are winning ones.
// Returns 0 if there are no round trips or no winning ones.
func ProfitFactorFromTrips(trips []RoundTrip) float64 {
	var grossProfit, grossLoss float64
	for _, rt := range trips {
		if rt.PnL > 0 {
			grossProfit += rt.PnL
		} else if rt.PnL < 0 {
			grossLoss += math.Abs(rt.PnL)
		}
	}

	if grossLoss == 0 {
		if grossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}

	return grossProfit / grossLoss
}

// --- Internal helpers ---

func equityValues(equity []EquityPoint) []float64 {
	out := make([]float64, len(equity))
	for i, p := range equity {
		out[i] = p.Value
	}
	return out
}

// periodReturns computes fractional returns between consecutive equity values.
func periodReturns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev <= 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, values[i]/prev-1)
	}
	return returns
}

// mean returns the arithmetic mean of a slice.
func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev returns the sample standard deviation of a slice given its mean.
func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sumSq := 0.0
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// downsideDeviation returns the downside deviation (target = 0) from a slice of returns.
// Only negative returns contribute.
func downsideDeviation(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sumSq := 0.0
	count := 0
	for _, x := range xs {
		if x < 0 {
			sumSq += x * x
			count++
		}
	}
	if count == 0 {
		return 0
	}
	// Semi-deviation over the full sample.
	return math.Sqrt(sumSq / float64(len(xs)-1))
}
