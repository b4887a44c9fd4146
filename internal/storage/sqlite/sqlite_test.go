package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/cards"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "richer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTimeSeriesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, tok := range []string{"0xb", "0xa"} {
		require.NoError(t, s.AppendTimeSeriesPoint(ctx, bus.TimeSeriesPoint{
			ExperimentID:   "exp-1",
			TokenAddress:   tok,
			Chain:          "bsc",
			Symbol:         "T",
			Timestamp:      t0.Add(time.Duration(1-i) * 10 * time.Second),
			Price:          0.001 * float64(i+1),
			LaunchPrice:    0.0005,
			TokenCreatedAt: t0.Add(-time.Minute),
			Status:         "monitoring",
			Factors:        map[string]float64{"age": float64(i)},
		}))
	}
	require.NoError(t, s.AppendTimeSeriesPoint(ctx, bus.TimeSeriesPoint{ExperimentID: "exp-2", TokenAddress: "0xc", Chain: "bsc", Timestamp: t0.Add(time.Hour)}))

	pts, err := s.TimeSeries(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, "0xa", pts[0].TokenAddress, "ordered by timestamp")
	assert.Equal(t, t0, pts[0].Timestamp)
	assert.Equal(t, t0.Add(-time.Minute), pts[0].TokenCreatedAt)
	assert.Equal(t, 1.0, pts[0].Factors["age"])
	assert.Equal(t, "exp-1", pts[1].ExperimentID)

	exps, err := s.Experiments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exp-2", "exp-1"}, exps)

	_, err = s.TimeSeries(ctx, "nope")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRecordsPersist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sig := bus.Signal{
		BaseEvent:    bus.NewBaseEventAt("test", t0),
		ExperimentID: "exp-1",
		TokenAddress: "0xa",
		Chain:        "bsc",
		Action:       "buy",
		StrategyID:   "early",
		Factors:      map[string]float64{"age": 1},
		Executed:     true,
	}
	require.NoError(t, s.RecordSignal(ctx, sig))
	assert.Error(t, s.RecordSignal(ctx, sig), "event ids are unique")

	require.NoError(t, s.RecordTrade(ctx, bus.Trade{
		BaseEvent:    bus.NewBaseEventAt("test", t0),
		ExperimentID: "exp-1",
		SignalID:     sig.EventID,
		TokenAddress: "0xa",
		Chain:        "bsc",
		Direction:    "buy",
		StrategyID:   "early",
		Amount:       decimal.RequireFromString("0.25"),
		Price:        0.001,
		Success:      true,
		CardChange: bus.CardChange{
			Before: cards.Allocation{TotalCards: 4, BNBCards: 4},
			After:  cards.Allocation{TotalCards: 4, BNBCards: 3, TokenCards: 1},
		},
	}))
	require.NoError(t, s.SnapshotPortfolio(ctx, bus.PortfolioSnapshot{
		BaseEvent:    bus.NewBaseEventAt("test", t0),
		ExperimentID: "exp-1",
		Cash:         decimal.NewFromInt(9),
		TotalValue:   decimal.NewFromInt(10),
	}))

	n, err := s.TradeCount(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSignalsOf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, action := range []string{"buy", "sell"} {
		require.NoError(t, s.RecordSignal(ctx, bus.Signal{
			BaseEvent:    bus.NewBaseEventAt("test", t0.Add(time.Duration(i)*10*time.Second)),
			ExperimentID: "exp-1",
			TokenAddress: "0xa",
			Chain:        "bsc",
			Action:       action,
			StrategyID:   "rule-" + action,
			Cards:        "1",
			Factors:      map[string]float64{"earlyReturn": 80},
			Failure:      "",
			Executed:     i == 0,
		}))
	}
	require.NoError(t, s.RecordSignal(ctx, bus.Signal{
		BaseEvent:    bus.NewBaseEventAt("test", t0),
		ExperimentID: "exp-2",
		TokenAddress: "0xb",
		Chain:        "bsc",
		Action:       "buy",
		StrategyID:   "other",
	}))

	got, err := s.SignalsOf(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "buy", got[0].Action)
	assert.True(t, got[0].Executed)
	assert.Equal(t, 80.0, got[0].Factors["earlyReturn"])
	assert.Equal(t, "sell", got[1].Action)
	assert.False(t, got[1].Executed)
	assert.True(t, got[1].Timestamp.Equal(t0.Add(10*time.Second)))

	none, err := s.SignalsOf(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestWritesAfterClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	err := s.AppendTimeSeriesPoint(context.Background(), bus.TimeSeriesPoint{ExperimentID: "e"})
	assert.True(t, errors.Is(err, storage.ErrClosed))
}
