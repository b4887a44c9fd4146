package pumpdump

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
)

func geometric(n int, rate float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Pow(1+rate, float64(i))
	}
	return out
}

func TestAnalyzeInsufficientData(t *testing.T) {
	d := NewDetector(DefaultConfig())

	res := d.Analyze([]float64{1, 2, 3, 4, 5}, nil)
	assert.False(t, res.Sufficient)
	assert.Equal(t, LevelLow, res.Level)
	assert.Equal(t, 0.0, res.RiskScore)
	assert.Equal(t, 0.5, res.Indicators.BSPR)
}

func TestAnalyzeOrganicRiseIsLowRisk(t *testing.T) {
	d := NewDetector(DefaultConfig())

	res := d.Analyze(geometric(20, 0.02), nil)
	require.True(t, res.Sufficient)
	assert.Equal(t, LevelLow, res.Level)
	assert.Equal(t, 0.0, res.RiskScore)
	assert.Empty(t, res.Triggered)
	assert.InDelta(t, 0.0, res.Indicators.PAI, 1e-9)
	assert.InDelta(t, 6.0/19.0, res.Indicators.PCI, 1e-6)
	assert.Equal(t, 0.0, res.Indicators.PWI, "peak window is the last one")
	assert.Less(t, res.Indicators.PDR, 0.15)
	assert.Equal(t, 0.5, res.Indicators.BSPR)
}

func TestAnalyzePumpAndDump(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prices := []float64{1, 1, 1, 1, 1, 3, 3.1, 2, 1.2, 0.8, 0.6, 0.5}

	res := d.Analyze(prices, nil)
	require.True(t, res.Sufficient)
	assert.InDelta(t, 0.4, res.Indicators.PAI, 1e-9)
	assert.Greater(t, res.Indicators.PCI, 0.7)
	assert.Greater(t, res.Indicators.PDR, 0.15)
	assert.ElementsMatch(t, []string{PAI, PCI, PDR}, res.Triggered)
	assert.Len(t, res.Reasons, len(res.Triggered))
	assert.Equal(t, 65.0, res.RiskScore)
	assert.Equal(t, LevelHigh, res.Level)

	bearish := []market.Candle{
		{Open: 3, High: 3.1, Low: 1.9, Close: 2},
		{Open: 2, High: 2.1, Low: 1.1, Close: 1.2},
		{Open: 1.2, High: 1.25, Low: 1.15, Close: 1.22},
	}
	res = d.Analyze(prices, bearish)
	assert.Contains(t, res.Triggered, BSPR)
	assert.Equal(t, 75.0, res.RiskScore)
}

func TestPullbackWarning(t *testing.T) {
	d := NewDetector(DefaultConfig())
	prices := []float64{1, 1.1, 1.2, 1.3, 1.4, 2.0, 1.0, 0.8, 0.7, 0.6}

	res := d.Analyze(prices, nil)
	assert.InDelta(t, 0.5351, res.Indicators.PWI, 1e-3)
	assert.Contains(t, res.Triggered, PWI)
}

func TestPressureRatio(t *testing.T) {
	assert.Equal(t, 0.5, pressureRatio(nil))
	assert.Equal(t, 0.5, pressureRatio([]market.Candle{{Open: 1, High: 1, Low: 1, Close: 1}}))

	allUp := []market.Candle{{Open: 1, High: 2, Low: 1, Close: 2}}
	assert.Equal(t, 1.0, pressureRatio(allUp))

	mixed := []market.Candle{
		{Open: 1, High: 2, Low: 1, Close: 2},     // up, strength 1
		{Open: 2, High: 2, Low: 0, Close: 1.5},   // down, strength 0.25
		{Open: 1, High: 1.5, Low: 0.5, Close: 1}, // doji, ignored
	}
	assert.InDelta(t, 0.8, pressureRatio(mixed), 1e-12)
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, LevelLow, LevelFor(0))
	assert.Equal(t, LevelLow, LevelFor(30))
	assert.Equal(t, LevelMedium, LevelFor(30.5))
	assert.Equal(t, LevelMedium, LevelFor(60))
	assert.Equal(t, LevelHigh, LevelFor(60.5))
}

func TestZeroConfigTakesDefaults(t *testing.T) {
	d := NewDetector(Config{})
	assert.Equal(t, DefaultConfig(), d.Config())
}
