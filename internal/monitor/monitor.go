// Package monitor is the orchestrator: it discovers new tokens, polls their
// prices, evaluates the strategy rules and executes the resulting trades on
// a fixed cadence.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/execution"
	"github.com/wangkobe88/richer-js-sub001/internal/features"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/observability"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/risk"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
)

// ErrTickInProgress is returned when a tick starts while the previous one is
// still running.
var ErrTickInProgress = errors.New("monitor: tick already in progress")

// producer is stamped on every record.
const producer = "richer-monitor"

// Deps are the collaborators of the cycle. Provider, Pool, Factors,
// Strategy and Backend are required.
type Deps struct {
	Provider market.Provider
	Pool     *pool.Pool
	Factors  *features.Builder
	Strategy *strategy.Engine
	Backend  execution.Backend

	// Risk may be nil to trade without a pre-trade gate.
	Risk *risk.Engine
	// Sink may be nil to discard records.
	Sink storage.Sink
	// Metrics may be nil.
	Metrics *observability.Metrics
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source. Backtests pass the replay clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor runs the monitoring cycle. Tick, Discover and Cleanup serialise
// on one control mutex, so the pool, the card managers and the rule
// bookkeeping are only ever touched by one job at a time.
type Monitor struct {
	config  Config
	perCard decimal.Decimal

	provider market.Provider
	pool     *pool.Pool
	factors  *features.Builder
	strategy *strategy.Engine
	backend  execution.Backend
	risk     *risk.Engine
	sink     storage.Sink
	metrics  *observability.Metrics
	now      func() time.Time

	ctrl    sync.Mutex
	ticking atomic.Bool
	paused  atomic.Bool
	phase   atomic.Value // Phase

	lastTick atomic.Int64 // unix nanos of the last completed tick

	ticks       atomic.Uint64
	emptyTicks  atomic.Int64
	overlaps    atomic.Int64
	signals     atomic.Int64
	buys        atomic.Int64
	sells       atomic.Int64
	failures    atomic.Int64
	tokenErrors atomic.Int64
	discovered  atomic.Int64
	removed     atomic.Int64
	sinkErrors  atomic.Int64
}

// New validates cfg and wires the collaborators.
func New(cfg Config, deps Deps, opts ...Option) (*Monitor, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Provider == nil:
		return nil, fmt.Errorf("monitor: provider is required")
	case deps.Pool == nil:
		return nil, fmt.Errorf("monitor: pool is required")
	case deps.Factors == nil:
		return nil, fmt.Errorf("monitor: factor builder is required")
	case deps.Strategy == nil:
		return nil, fmt.Errorf("monitor: strategy engine is required")
	case deps.Backend == nil:
		return nil, fmt.Errorf("monitor: execution backend is required")
	}
	sink := deps.Sink
	if sink == nil {
		sink = storage.Discard
	}
	m := &Monitor{
		config:   cfg,
		perCard:  decimal.NewFromFloat(cfg.PerCardMaxBNB),
		provider: deps.Provider,
		pool:     deps.Pool,
		factors:  deps.Factors,
		strategy: deps.Strategy,
		backend:  deps.Backend,
		risk:     deps.Risk,
		sink:     sink,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	m.phase.Store(PhaseIdle)
	return m, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.config }

// Phase returns the current tick phase.
func (m *Monitor) Phase() Phase { return m.phase.Load().(Phase) }

func (m *Monitor) setPhase(p Phase) {
	m.phase.Store(p)
	log.Debug().Str("phase", string(p)).Msg("monitor: phase")
}

// Pause stops new buys. Sells keep running so positions can be unwound.
func (m *Monitor) Pause(reason string) {
	if m.paused.CompareAndSwap(false, true) {
		log.Warn().Str("reason", reason).Msg("monitor: buying paused")
	}
}

// Resume re-enables buys.
func (m *Monitor) Resume() {
	if m.paused.CompareAndSwap(true, false) {
		log.Info().Msg("monitor: buying resumed")
	}
}

// Paused reports whether buys are paused.
func (m *Monitor) Paused() bool { return m.paused.Load() }

// LastTick returns when the last tick completed (zero before the first).
func (m *Monitor) LastTick() time.Time {
	n := m.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// Tick runs one monitoring cycle: fetch prices for every monitored and
// bought token, process each token, clean the pool and snapshot the
// portfolio. Per-token failures are isolated; the returned error is only
// ErrTickInProgress or a cancelled context.
func (m *Monitor) Tick(ctx context.Context) (CycleSummary, error) {
	if !m.ticking.CompareAndSwap(false, true) {
		m.overlaps.Add(1)
		log.Warn().Msg("monitor: previous tick still running, skipping")
		return CycleSummary{}, ErrTickInProgress
	}
	defer m.ticking.Store(false)

	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	defer m.setPhase(PhaseIdle)

	start := m.now()
	wall := time.Now()
	sum := CycleSummary{Tick: m.ticks.Add(1), At: start}

	tokens := m.pool.MonitoringTokens()
	sum.Tokens = len(tokens)
	if len(tokens) == 0 {
		sum.Empty = true
		m.emptyTicks.Add(1)
		m.finishTick(&sum, wall, nil)
		return sum, nil
	}

	m.setPhase(PhaseFetching)
	quotes, failed := m.fetchPrices(ctx, tokens)
	sum.FetchFailed = failed
	if err := ctx.Err(); err != nil {
		m.finishTick(&sum, wall, err)
		return sum, err
	}

	now := m.now()
	var ready []string
	for _, tok := range tokens {
		key := tok.Key()
		q, ok := quotes[market.TokenID(tok.Address, tok.Chain)]
		if !ok {
			continue
		}
		if err := m.applyQuote(key, q, now); err != nil {
			log.Debug().Err(err).Str("token", tok.Symbol).Msg("monitor: quote skipped")
			sum.FetchFailed++
			continue
		}
		ready = append(ready, key)
	}
	sum.Fetched = len(ready)

	m.setPhase(PhaseProcessing)
	for _, key := range ready {
		if err := ctx.Err(); err != nil {
			m.finishTick(&sum, wall, err)
			return sum, err
		}
		out, err := m.processSafely(ctx, key)
		if err != nil {
			sum.TokenFailures++
			m.tokenErrors.Add(1)
			m.metrics.TokenFailure()
			log.Error().Err(err).Str("key", key).Msg("monitor: token processing failed")
			continue
		}
		sum.Signals += out.signals
		sum.Trades += out.trades
	}

	sum.Removed = len(m.cleanup())

	m.setPhase(PhaseSnapshotting)
	m.snapshot(ctx)

	m.finishTick(&sum, wall, nil)
	return sum, nil
}

func (m *Monitor) finishTick(sum *CycleSummary, wall time.Time, err error) {
	sum.Duration = time.Since(wall)
	m.metrics.ObserveTick(sum.Duration, err, m.now())
	m.metrics.SetTokenCounts(m.poolCounts())
	if err != nil {
		log.Warn().Err(err).Uint64("tick", sum.Tick).Msg("monitor: tick aborted")
		return
	}
	m.lastTick.Store(time.Now().UnixNano())
	ev := log.Debug()
	if sum.Signals > 0 || sum.TokenFailures > 0 || sum.FetchFailed > 0 {
		ev = log.Info()
	}
	ev.Uint64("tick", sum.Tick).
		Bool("empty", sum.Empty).
		Int("tokens", sum.Tokens).
		Int("fetched", sum.Fetched).
		Int("fetch_failed", sum.FetchFailed).
		Int("token_failures", sum.TokenFailures).
		Int("signals", sum.Signals).
		Int("trades", sum.Trades).
		Int("removed", sum.Removed).
		Dur("duration", sum.Duration).
		Msg("monitor: cycle complete")
}

// processSafely runs processToken and converts a panic into an error so
// one bad token never aborts the tick.
func (m *Monitor) processSafely(ctx context.Context, key string) (out tokenOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.processToken(ctx, key)
}

// ---------------------------------------------------------------------------
// Discovery and cleanup
// ---------------------------------------------------------------------------

// Discover lists newly launched tokens and adds the ones still young enough
// to be worth monitoring. It returns the number added.
func (m *Monitor) Discover(ctx context.Context) (int, error) {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()

	infos, err := m.provider.ListNewTokens(ctx, m.config.DiscoveryTag, m.config.Chain, m.config.DiscoveryLimit)
	if err != nil {
		m.metrics.ProviderError("list")
		return 0, fmt.Errorf("monitor: discover: %w", err)
	}

	now := m.now()
	maxAge := m.pool.Config().MaxAge
	added, stale, invalid := 0, 0, 0
	for _, info := range infos {
		if !info.CreatedAt.IsZero() && now.Sub(info.CreatedAt) > maxAge {
			stale++
			continue
		}
		ok, err := m.pool.Add(info)
		if err != nil {
			invalid++
			log.Debug().Err(err).Str("address", info.Address).Msg("monitor: token rejected")
			continue
		}
		if ok {
			added++
			log.Info().
				Str("token", info.Symbol).
				Str("address", info.Address).
				Str("chain", info.Chain).
				Float64("price", info.Price).
				Msg("monitor: token added")
		}
	}
	m.discovered.Add(int64(added))
	m.metrics.Discovered(added)
	m.metrics.SetTokenCounts(m.poolCounts())
	if added > 0 || stale > 0 || invalid > 0 {
		log.Info().Int("listed", len(infos)).Int("added", added).Int("stale", stale).Int("invalid", invalid).
			Int("pool", m.pool.Len()).Msg("monitor: discovery complete")
	}
	return added, nil
}

// Cleanup applies the pool retention rules outside a tick.
func (m *Monitor) Cleanup() []pool.Removal {
	m.ctrl.Lock()
	defer m.ctrl.Unlock()
	removed := m.cleanup()
	m.metrics.SetTokenCounts(m.poolCounts())
	return removed
}

// cleanup runs the two independent retention predicates. ctrl must be held.
func (m *Monitor) cleanup() []pool.Removal {
	removed := append(m.pool.Cleanup(), m.pool.SweepInactive()...)
	for _, r := range removed {
		m.metrics.Removed(r.Reason)
		log.Info().
			Str("token", r.Symbol).
			Str("key", r.Key).
			Str("status", string(r.Status)).
			Str("reason", r.Reason).
			Msg("monitor: token removed")
	}
	m.removed.Add(int64(len(removed)))
	return removed
}

func (m *Monitor) poolCounts() map[string]int {
	counts := m.pool.Counts()
	out := make(map[string]int, len(counts))
	for s, n := range counts {
		out[string(s)] = n
	}
	return out
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats is a point-in-time view of the cycle.
type Stats struct {
	Phase       Phase                `json:"phase"`
	Paused      bool                 `json:"paused"`
	Mode        string               `json:"mode"`
	Ticks       uint64               `json:"ticks"`
	EmptyTicks  int64                `json:"empty_ticks"`
	Overlaps    int64                `json:"overlaps"`
	Signals     int64                `json:"signals"`
	Buys        int64                `json:"buys"`
	Sells       int64                `json:"sells"`
	Failures    int64                `json:"failures"`
	TokenErrors int64                `json:"token_errors"`
	Discovered  int64                `json:"discovered"`
	Removed     int64                `json:"removed"`
	SinkErrors  int64                `json:"sink_errors"`
	Pool        map[string]int       `json:"pool"`
	LastTick    time.Time            `json:"last_tick"`
	Rules       []strategy.RuleStats `json:"rules"`
}

// Stats returns the cycle counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Phase:       m.Phase(),
		Paused:      m.Paused(),
		Mode:        string(m.backend.Mode()),
		Ticks:       m.ticks.Load(),
		EmptyTicks:  m.emptyTicks.Load(),
		Overlaps:    m.overlaps.Load(),
		Signals:     m.signals.Load(),
		Buys:        m.buys.Load(),
		Sells:       m.sells.Load(),
		Failures:    m.failures.Load(),
		TokenErrors: m.tokenErrors.Load(),
		Discovered:  m.discovered.Load(),
		Removed:     m.removed.Load(),
		SinkErrors:  m.sinkErrors.Load(),
		Pool:        m.poolCounts(),
		LastTick:    m.LastTick(),
		Rules:       m.strategy.Stats(),
	}
}

// LogStats writes the periodic stats line.
func (m *Monitor) LogStats() {
	s := m.Stats()
	ev := log.Info().
		Str("experiment", m.config.ExperimentID).
		Str("mode", s.Mode).
		Uint64("ticks", s.Ticks).
		Int64("discovered", s.Discovered).
		Int64("removed", s.Removed).
		Int64("signals", s.Signals).
		Int64("buys", s.Buys).
		Int64("sells", s.Sells).
		Int64("failures", s.Failures).
		Int64("token_errors", s.TokenErrors).
		Int64("sink_errors", s.SinkErrors).
		Bool("paused", s.Paused)
	for status, n := range s.Pool {
		ev = ev.Int("pool_"+status, n)
	}
	if m.risk != nil {
		rs := m.risk.Stats()
		ev = ev.Str("daily_spent", rs.DailySpend).Int64("risk_denied", rs.Denied)
	}
	ev.Msg("[STATS]")
}

// applyQuote stores q's price and market fields on the pool token. It fails
// when the price is rejected or the token left the pool.
func (m *Monitor) applyQuote(key string, q market.Quote, at time.Time) error {
	if err := m.pool.UpdatePrice(key, q.Price, at); err != nil {
		return fmt.Errorf("update price: %w", err)
	}
	if err := m.pool.UpdateMarket(key, pool.MarketData{
		TVL:         q.TVL,
		FDV:         q.FDV,
		Holders:     q.Holders,
		TxVolume24h: q.TxVolume24h,
	}); err != nil {
		return fmt.Errorf("update market: %w", err)
	}
	return nil
}
