// Package stats holds the numeric helpers shared by the detectors and the
// factor builder. Every function returns 0 for empty or degenerate input so
// callers never see NaN or Inf.
package stats

import (
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"
)

// Mean returns the arithmetic mean.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev returns the population standard deviation of the whole series.
// The series is rescaled before handing it to talib, which zeroes variances
// below 1e-14; token prices are routinely far smaller than that.
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	scale := 0.0
	for _, x := range xs {
		if a := math.Abs(x); a > scale {
			scale = a
		}
	}
	if scale == 0 {
		return 0
	}
	scaled := make([]float64, len(xs))
	for i, x := range xs {
		scaled[i] = x / scale
	}
	out := talib.StdDev(scaled, len(scaled), 1)
	return Finite(out[len(out)-1] * scale)
}

// CV returns the coefficient of variation (stddev / mean), 0 when the mean is 0.
func CV(xs []float64) float64 {
	m := Mean(xs)
	if m == 0 {
		return 0
	}
	return Finite(StdDev(xs) / m)
}

// Median returns the median without modifying xs.
func Median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	sort.Float64s(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Slope returns the ordinary least squares slope of xs against its index.
func Slope(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	out := talib.LinearRegSlope(xs, len(xs))
	return Finite(out[len(out)-1])
}

// Intercept returns the OLS intercept at index 0.
func Intercept(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	meanX := float64(n-1) / 2
	return Finite(Mean(xs) - Slope(xs)*meanX)
}

// ResidualStdDev returns the population std-dev of the residuals around the
// OLS line fitted to xs.
func ResidualStdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	slope := Slope(xs)
	intercept := Intercept(xs)
	residuals := make([]float64, n)
	for i, x := range xs {
		residuals[i] = x - (intercept + slope*float64(i))
	}
	return StdDev(residuals)
}

// Returns returns the step returns (p[i]-p[i-1])/p[i-1]; a zero base yields 0.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		out[i-1] = PctChange(prices[i-1], prices[i]) / 100
	}
	return out
}

// RiseRatio returns the fraction of steps where the price went up.
func RiseRatio(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}
	up := 0
	for i := 1; i < len(prices); i++ {
		if prices[i] > prices[i-1] {
			up++
		}
	}
	return float64(up) / float64(len(prices)-1)
}

// PctChange returns (to-from)/from*100, 0 when from is 0.
func PctChange(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return Finite((to - from) / from * 100)
}

// Finite maps NaN and ±Inf to 0.
func Finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
