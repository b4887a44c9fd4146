package trend

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/stats"
)

func TestDetectReferenceSeries(t *testing.T) {
	d := NewDetector(DefaultConfig())

	prices := []float64{1.0, 1.02, 1.05, 1.09, 1.15, 1.22}
	res := d.Detect(prices)
	require.True(t, res.Passed)
	assert.Equal(t, 6, res.FirstPassPoint)
	// Population std-dev over the mean.
	assert.InDelta(t, 0.0703, res.Details.CV, 1e-3)
	assert.InDelta(t, stats.CV(prices), res.Details.CV, 1e-12)
	assert.Equal(t, 3, res.Details.DirectionChecks)
	assert.InDelta(t, 22.0, res.Details.TotalReturn, 1e-9)
	assert.Equal(t, 1.0, res.Details.RiseRatio)
	assert.Equal(t, 1.0, res.Details.Multiplier)
	assert.Greater(t, res.Details.Score, 30.0)
	assert.Equal(t, StepNone, res.Details.FailedStep)
}

func TestDetectFlatSeriesIsNoise(t *testing.T) {
	d := NewDetector(DefaultConfig())

	res := d.Detect([]float64{1, 1, 1, 1, 1, 1, 1, 1})
	assert.False(t, res.Passed)
	assert.Equal(t, StepNoise, res.Details.FailedStep)
	assert.Equal(t, 8, res.Details.DataPoints, "diagnostics come from the largest window")
}

func TestDetectLowCVNeverPasses(t *testing.T) {
	d := NewDetector(DefaultConfig())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		n := 6 + rng.Intn(30)
		prices := make([]float64, n)
		for j := range prices {
			prices[j] = 100 + rng.Float64()*0.5
		}
		require.LessOrEqual(t, stats.CV(prices), 0.005)
		assert.False(t, d.Detect(prices).Passed)
	}
}

func TestDetectMonotonicPassesAtMinDataPoints(t *testing.T) {
	for _, minPoints := range []int{4, 6, 8} {
		cfg := DefaultConfig()
		cfg.MinDataPoints = minPoints
		d := NewDetector(cfg)

		prices := make([]float64, 20)
		for i := range prices {
			prices[i] = math.Pow(1.03, float64(i))
		}
		res := d.Detect(prices)
		require.True(t, res.Passed, "min=%d", minPoints)
		assert.Equal(t, minPoints, res.FirstPassPoint)
	}
}

func TestDetectDowntrendFailsDirection(t *testing.T) {
	d := NewDetector(DefaultConfig())

	res := d.Detect([]float64{1.3, 1.25, 1.2, 1.1, 1.05, 1.0})
	assert.False(t, res.Passed)
	assert.Equal(t, StepDirection, res.Details.FailedStep)
	assert.Equal(t, 0, res.Details.DirectionChecks)
}

func TestDetectChoppyRiseFailsQuality(t *testing.T) {
	d := NewDetector(DefaultConfig())

	// Up overall but only one rising step.
	res := d.Detect([]float64{1, 1, 1, 1, 1, 1, 1.3})
	assert.False(t, res.Passed)
	assert.Equal(t, StepQuality, res.Details.FailedStep)
	assert.InDelta(t, 30.0, res.Details.TotalReturn, 1e-9)
}

func TestDetectInsufficientData(t *testing.T) {
	d := NewDetector(DefaultConfig())

	res := d.Detect([]float64{1, 1.1, 1.2})
	assert.False(t, res.Passed)
	assert.Equal(t, StepInsufficient, res.Details.FailedStep)
	assert.Equal(t, 0, res.FirstPassPoint)
}

func TestDetectShortWindowFailsAfterNoise(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDataPoints = 3
	cfg.MaxDataPoints = 3
	d := NewDetector(cfg)

	res := d.Detect([]float64{1, 1.5, 2, 3})
	assert.False(t, res.Passed)
	assert.Equal(t, StepDirection, res.Details.FailedStep)
	assert.Equal(t, 0.0, res.Details.Score)
	assert.Equal(t, 0.0, res.Details.Slope)
}

func TestDetectMaxDataPointsCapsWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDataPoints = 7
	d := NewDetector(cfg)

	res := d.Detect([]float64{2, 2, 2, 2, 2, 2, 2, 2, 2, 2})
	assert.False(t, res.Passed)
	assert.Equal(t, 7, res.Details.DataPoints)
}

func TestDetectZeroPricesAreFinite(t *testing.T) {
	d := NewDetector(DefaultConfig())

	res := d.Detect([]float64{0, 0, 0, 0, 0, 0})
	assert.False(t, res.Passed)
	assert.False(t, math.IsNaN(res.Details.CV))
	assert.Equal(t, StepNoise, res.Details.FailedStep)
}
