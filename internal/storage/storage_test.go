package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/memory"
)

var errDown = errors.New("down")

// failing rejects every write.
type failing struct{ closed int }

func (f *failing) AppendTimeSeriesPoint(context.Context, bus.TimeSeriesPoint) error { return errDown }
func (f *failing) RecordSignal(context.Context, bus.Signal) error { return errDown }
func (f *failing) RecordTrade(context.Context, bus.Trade) error { return errDown }
func (f *failing) SnapshotPortfolio(context.Context, bus.PortfolioSnapshot) error { return errDown }
func (f *failing) Close() error {
	f.closed++
	return nil
}

func TestMultiWritesToEverySink(t *testing.T) {
	a, b := memory.New(), memory.New()
	bad := &failing{}
	m := storage.Multi(a, nil, bad, b)
	ctx := context.Background()

	err := m.RecordSignal(ctx, bus.Signal{StrategyID: "s1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errDown))
	assert.Len(t, a.Signals(), 1, "a failing sink does not stop the others")
	assert.Len(t, b.Signals(), 1)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, bad.closed)
}

func TestSplitRoutesByKind(t *testing.T) {
	ts, rec := memory.New(), memory.New()
	s := storage.Split(ts, rec)
	ctx := context.Background()

	require.NoError(t, s.AppendTimeSeriesPoint(ctx, bus.TimeSeriesPoint{ExperimentID: "e"}))
	require.NoError(t, s.RecordTrade(ctx, bus.Trade{Direction: "sell"}))
	require.NoError(t, s.SnapshotPortfolio(ctx, bus.PortfolioSnapshot{}))

	pts, err := ts.TimeSeries(ctx, "e")
	require.NoError(t, err)
	assert.Len(t, pts, 1)
	_, err = rec.TimeSeries(ctx, "e")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
	assert.Len(t, rec.Trades(), 1)
	assert.Empty(t, ts.Trades())

	require.NoError(t, s.Close())
	assert.True(t, errors.Is(ts.RecordSignal(ctx, bus.Signal{}), storage.ErrClosed))
	assert.True(t, errors.Is(rec.RecordSignal(ctx, bus.Signal{}), storage.ErrClosed))
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, storage.Discard.AppendTimeSeriesPoint(ctx, bus.TimeSeriesPoint{}))
	assert.NoError(t, storage.Discard.RecordTrade(ctx, bus.Trade{}))
	assert.NoError(t, storage.Discard.Close())
}
