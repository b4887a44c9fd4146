package backtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/risk"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/memory"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
)

// recordedExperiment stores three ticks of two tokens: both pump to 2x,
// then one doubles again and the other drops back.
func recordedExperiment(t *testing.T) *memory.Store {
	t.Helper()
	src := memory.New()
	ctx := context.Background()
	prices := [][2]float64{{1.0, 1.0}, {2.0, 2.0}, {4.0, 1.5}}
	for tick, pair := range prices {
		at := t0.Add(time.Duration(tick) * 10 * time.Second)
		require.NoError(t, src.AppendTimeSeriesPoint(ctx, point(1, at, pair[0])))
		require.NoError(t, src.AppendTimeSeriesPoint(ctx, point(2, at, pair[1])))
	}
	return src
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ExperimentID = "exp-src"
	cfg.RunID = "exp-src-bt"
	cfg.Rules = []strategy.Rule{
		{ID: "early_pump", Action: strategy.ActionBuy, Condition: "earlyReturn > 50", Priority: 1},
		{ID: "double_up", Action: strategy.ActionSell, Condition: "profitPercent >= 100", Priority: 1},
		{ID: "stop_loss", Action: strategy.ActionSell, Condition: "profitPercent <= -20", Priority: 2},
	}
	return cfg
}

func TestRunner_Replay(t *testing.T) {
	src := recordedExperiment(t)
	extra := memory.New()

	r, err := NewRunner(testConfig(), src, WithSink(extra))
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "exp-src-bt", res.RunID)
	assert.Equal(t, 6, res.Points)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, 2, res.Discovered)
	assert.Equal(t, 4, res.Signals)
	assert.Equal(t, 4, res.Fills)
	assert.Zero(t, res.Failed)
	assert.Empty(t, res.OpenTrips)

	require.Len(t, res.RoundTrips, 2)
	byStrategyExit := map[float64]bool{}
	for _, rt := range res.RoundTrips {
		assert.Equal(t, "early_pump", rt.StrategyID)
		assert.InDelta(t, 0.025, rt.Cost, floatTol)
		byStrategyExit[rt.PnL] = true
	}
	assert.Len(t, byStrategyExit, 2)

	m := res.Metrics
	assert.Equal(t, 2, m.RoundTrips)
	assert.InDelta(t, 0.01875, m.TotalPnL, 1e-12)
	assert.InDelta(t, 0.5, m.WinRate, floatTol)
	assert.InDelta(t, 4.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 0.001875, m.ReturnPct, 1e-12)
	assert.Zero(t, m.MaxDrawdown)

	require.Len(t, res.Equity, 4, "initial balance plus one snapshot per frame")
	assert.InDelta(t, 10.0, res.Equity[2].Value, 1e-12)
	assert.InDelta(t, 10.01875, res.FinalCash, 1e-12)
	assert.InDelta(t, 10.01875, res.FinalEquity, 1e-12)
	assert.Nil(t, res.Divergence)

	assert.Len(t, extra.Trades(), 4, "records are mirrored to the extra sink")
	points, err := extra.TimeSeries(context.Background(), "exp-src-bt")
	require.NoError(t, err)
	assert.Len(t, points, 6)
}

func TestRunner_IsDeterministic(t *testing.T) {
	src := recordedExperiment(t)
	run := func() *Result {
		r, err := NewRunner(testConfig(), src)
		require.NoError(t, err)
		res, err := r.Run(context.Background())
		require.NoError(t, err)
		return res
	}
	a, b := run(), run()
	assert.Equal(t, a.Metrics, b.Metrics)
	assert.Equal(t, a.FinalEquity, b.FinalEquity)
}

func TestRunner_ComparesRecordedSignals(t *testing.T) {
	src := recordedExperiment(t)
	ctx := context.Background()
	rec := signal(1, "early_pump", "buy", t0.Add(10*time.Second), true)
	rec.ExperimentID = "exp-src"
	require.NoError(t, src.RecordSignal(ctx, rec))

	r, err := NewRunner(testConfig(), src, WithSignalSource(src))
	require.NoError(t, err)
	res, err := r.Run(ctx)
	require.NoError(t, err)

	require.NotNil(t, res.Divergence)
	assert.Equal(t, 4, res.Divergence.TotalSignals)
	assert.Equal(t, 1, res.Divergence.MatchedSignals)
	assert.Zero(t, res.Divergence.MaxDrift)
	assert.False(t, res.Divergence.Passed)
}

func TestRunner_RiskLimits(t *testing.T) {
	cfg := testConfig()
	cfg.Risk = &risk.Config{MaxOpenPositions: 1}

	r, err := NewRunner(cfg, recordedExperiment(t))
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Signals, "the second buy is rejected and never retried")
	assert.Equal(t, 2, res.Fills)
	require.Len(t, res.RoundTrips, 1)
	assert.InDelta(t, 0.025, res.RoundTrips[0].PnL, 1e-12)
}

func TestRunner_Errors(t *testing.T) {
	_, err := NewRunner(Config{}, memory.New())
	assert.Error(t, err, "experiment id")

	cfg := testConfig()
	cfg.Rules = nil
	_, err = NewRunner(cfg, memory.New())
	assert.Error(t, err, "rules")

	r, err := NewRunner(testConfig(), memory.New())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.True(t, errors.Is(err, ErrNoData))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err = NewRunner(testConfig(), recordedExperiment(t))
	require.NoError(t, err)
	_, err = r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
