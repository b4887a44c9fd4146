// Package storage defines the persistence sinks the monitoring cycle writes
// to. Writes are fire-and-forget for the engine: callers log failures and
// carry on.
package storage

import (
	"context"
	"errors"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
)

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("storage: closed")
	// ErrNotFound is returned when an experiment has no recorded data.
	ErrNotFound = errors.New("storage: not found")
)

// TimeSeriesWriter persists per-tick token observations.
type TimeSeriesWriter interface {
	AppendTimeSeriesPoint(ctx context.Context, p bus.TimeSeriesPoint) error
}

// RecordWriter persists decision records.
type RecordWriter interface {
	RecordSignal(ctx context.Context, s bus.Signal) error
	RecordTrade(ctx context.Context, t bus.Trade) error
	SnapshotPortfolio(ctx context.Context, s bus.PortfolioSnapshot) error
}

// Sink is the full persistence collaborator.
type Sink interface {
	TimeSeriesWriter
	RecordWriter
	Close() error
}

// TimeSeriesReader loads a recorded experiment, ordered by timestamp.
// Backtests replay it.
type TimeSeriesReader interface {
	TimeSeries(ctx context.Context, experimentID string) ([]bus.TimeSeriesPoint, error)
}

// SignalReader loads the recorded signals of an experiment, ordered by
// timestamp. Backtests compare their replayed signals against it.
type SignalReader interface {
	SignalsOf(ctx context.Context, experimentID string) ([]bus.Signal, error)
}

type closer interface{ Close() error }

// ---------------------------------------------------------------------------
// Split
// ---------------------------------------------------------------------------

type split struct {
	ts  TimeSeriesWriter
	rec RecordWriter
}

// Split routes time series and records to different backends. Close closes
// each backend that has a Close method; the same backend may serve both
// roles as long as its Close is idempotent.
func Split(ts TimeSeriesWriter, rec RecordWriter) Sink {
	return &split{ts: ts, rec: rec}
}

func (s *split) AppendTimeSeriesPoint(ctx context.Context, p bus.TimeSeriesPoint) error {
	return s.ts.AppendTimeSeriesPoint(ctx, p)
}

func (s *split) RecordSignal(ctx context.Context, sig bus.Signal) error {
	return s.rec.RecordSignal(ctx, sig)
}

func (s *split) RecordTrade(ctx context.Context, t bus.Trade) error {
	return s.rec.RecordTrade(ctx, t)
}

func (s *split) SnapshotPortfolio(ctx context.Context, snap bus.PortfolioSnapshot) error {
	return s.rec.SnapshotPortfolio(ctx, snap)
}

func (s *split) Close() error {
	var errs []error
	if c, ok := s.ts.(closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.rec.(closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Multi
// ---------------------------------------------------------------------------

type multi []Sink

// Multi fans every write out to all sinks. A failing sink does not stop the
// others; errors are joined.
func Multi(sinks ...Sink) Sink {
	flat := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			flat = append(flat, s)
		}
	}
	return flat
}

func (m multi) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range m {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) AppendTimeSeriesPoint(ctx context.Context, p bus.TimeSeriesPoint) error {
	return m.each(func(s Sink) error { return s.AppendTimeSeriesPoint(ctx, p) })
}

func (m multi) RecordSignal(ctx context.Context, sig bus.Signal) error {
	return m.each(func(s Sink) error { return s.RecordSignal(ctx, sig) })
}

func (m multi) RecordTrade(ctx context.Context, t bus.Trade) error {
	return m.each(func(s Sink) error { return s.RecordTrade(ctx, t) })
}

func (m multi) SnapshotPortfolio(ctx context.Context, snap bus.PortfolioSnapshot) error {
	return m.each(func(s Sink) error { return s.SnapshotPortfolio(ctx, snap) })
}

func (m multi) Close() error {
	return m.each(func(s Sink) error { return s.Close() })
}

// ---------------------------------------------------------------------------
// Discard
// ---------------------------------------------------------------------------

// Discard drops every write.
var Discard Sink = discard{}

type discard struct{}

func (discard) AppendTimeSeriesPoint(context.Context, bus.TimeSeriesPoint) error { return nil }
func (discard) RecordSignal(context.Context, bus.Signal) error { return nil }
func (discard) RecordTrade(context.Context, bus.Trade) error { return nil }
func (discard) SnapshotPortfolio(context.Context, bus.PortfolioSnapshot) error { return nil }
func (discard) Close() error { return nil }
