// Package memory is an in-process sink. It backs tests and dry runs and is
// a replay source for backtests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

// Store keeps every record in memory.
type Store struct {
	mu        sync.RWMutex
	points    map[string][]bus.TimeSeriesPoint
	signals   []bus.Signal
	trades    []bus.Trade
	snapshots []bus.PortfolioSnapshot
	closed    bool
}

// Compile-time interface checks.
var (
	_ storage.Sink             = (*Store)(nil)
	_ storage.TimeSeriesReader = (*Store)(nil)
	_ storage.SignalReader     = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{points: make(map[string][]bus.TimeSeriesPoint)}
}

func (s *Store) write(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	fn()
	return nil
}

func (s *Store) AppendTimeSeriesPoint(_ context.Context, p bus.TimeSeriesPoint) error {
	p.Factors = copyFactors(p.Factors)
	return s.write(func() { s.points[p.ExperimentID] = append(s.points[p.ExperimentID], p) })
}

func (s *Store) RecordSignal(_ context.Context, sig bus.Signal) error {
	sig.Factors = copyFactors(sig.Factors)
	return s.write(func() { s.signals = append(s.signals, sig) })
}

func (s *Store) RecordTrade(_ context.Context, t bus.Trade) error {
	return s.write(func() { s.trades = append(s.trades, t) })
}

func (s *Store) SnapshotPortfolio(_ context.Context, snap bus.PortfolioSnapshot) error {
	snap.Positions = append([]bus.PositionSnapshot(nil), snap.Positions...)
	return s.write(func() { s.snapshots = append(s.snapshots, snap) })
}

// Close rejects further writes. Recorded data stays readable.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// TimeSeries returns the points of experimentID ordered by timestamp, ties
// in insertion order.
func (s *Store) TimeSeries(_ context.Context, experimentID string) ([]bus.TimeSeriesPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pts, ok := s.points[experimentID]
	if !ok {
		return nil, fmt.Errorf("%w: experiment %s", storage.ErrNotFound, experimentID)
	}
	out := append([]bus.TimeSeriesPoint(nil), pts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Signals returns the recorded signals in order.
func (s *Store) Signals() []bus.Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bus.Signal(nil), s.signals...)
}

// SignalsOf returns the signals of experimentID in recording order.
func (s *Store) SignalsOf(_ context.Context, experimentID string) ([]bus.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []bus.Signal
	for _, sig := range s.signals {
		if sig.ExperimentID == experimentID {
			out = append(out, sig)
		}
	}
	return out, nil
}

// Trades returns the recorded trades in order.
func (s *Store) Trades() []bus.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bus.Trade(nil), s.trades...)
}

// Snapshots returns the recorded portfolio snapshots in order.
func (s *Store) Snapshots() []bus.PortfolioSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]bus.PortfolioSnapshot(nil), s.snapshots...)
}

func copyFactors(f map[string]float64) map[string]float64 {
	if f == nil {
		return nil
	}
	out := make(map[string]float64, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
