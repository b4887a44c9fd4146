// Package backtest replays a recorded experiment through the monitoring
// cycle with a replay clock, a replay provider and the backtest simulator,
// and reports the resulting performance.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/wangkobe88/richer-js-sub001/internal/execution"
	"github.com/wangkobe88/richer-js-sub001/internal/features"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/monitor"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/risk"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/memory"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
)

// ErrNoData is returned when the source experiment has no points.
var ErrNoData = errors.New("backtest: no recorded data")

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// Config configures a replay.
type Config struct {
	// ExperimentID is the recorded experiment to replay.
	ExperimentID string
	// RunID tags the replay's own records. Defaults to
	// "<experiment>-bt-<random>".
	RunID string
	// TickInterval is the replay cadence; recorded points are bucketed
	// into ticks of this length.
	TickInterval time.Duration
	// InitialBalance is the simulator's starting BNB.
	InitialBalance float64

	Monitor  monitor.Config
	Pool     pool.Config
	Features features.Config
	Rules    []strategy.Rule
	Strategy strategy.Config
	// Risk is optional.
	Risk    *risk.Config
	Compare CompareConfig
}

// DefaultConfig returns the live defaults with a 10 BNB balance.
func DefaultConfig() Config {
	return Config{
		TickInterval:   10 * time.Second,
		InitialBalance: 10,
		Monitor:        monitor.DefaultConfig(),
		Pool:           pool.DefaultConfig(),
		Features:       features.DefaultConfig(),
		Strategy:       strategy.Config{Policy: strategy.ConsumeOnSuccess},
		Compare:        CompareConfig{SignalMatchRate: 0.95},
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Option configures a Runner.
type Option func(*Runner)

// WithSink also writes the replay's records to sink. The runner does not
// close it.
func WithSink(sink storage.Sink) Option {
	return func(r *Runner) { r.sink = sink }
}

// WithSignalSource compares the replayed signals against the recorded ones.
func WithSignalSource(src storage.SignalReader) Option {
	return func(r *Runner) { r.signals = src }
}

// Runner executes a backtest.
type Runner struct {
	config  Config
	source  storage.TimeSeriesReader
	signals storage.SignalReader
	sink    storage.Sink
}

// NewRunner creates a new backtest runner.
func NewRunner(config Config, source storage.TimeSeriesReader, opts ...Option) (*Runner, error) {
	if config.ExperimentID == "" {
		return nil, fmt.Errorf("backtest: experiment id is required")
	}
	if source == nil {
		return nil, fmt.Errorf("backtest: time series source is required")
	}
	if len(config.Rules) == 0 {
		return nil, fmt.Errorf("backtest: no strategy rules")
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 10 * time.Second
	}
	if config.InitialBalance <= 0 {
		return nil, fmt.Errorf("backtest: initial balance must be positive")
	}
	if config.RunID == "" {
		config.RunID = config.ExperimentID + "-bt-" + uuid.New().String()[:8]
	}
	r := &Runner{config: config, source: source}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Run replays the experiment frame by frame: move the clock, discover the
// tokens first seen in the frame, tick the monitor. It then pairs the fills
// into round trips and computes the metrics.
//
// The replay is deterministic: same inputs produce same outputs.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	startWall := time.Now()
	cfg := r.config

	points, err := r.source.TimeSeries(ctx, cfg.ExperimentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoData, cfg.ExperimentID)
		}
		return nil, fmt.Errorf("backtest: load %s: %w", cfg.ExperimentID, err)
	}
	frames := buildFrames(points, cfg.TickInterval)
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, cfg.ExperimentID)
	}

	log.Info().
		Str("experiment", cfg.ExperimentID).
		Str("run_id", cfg.RunID).
		Int("points", len(points)).
		Int("frames", len(frames)).
		Dur("tick_interval", cfg.TickInterval).
		Msg("backtest: points loaded")

	// 1. Wire the engine on the replay clock.
	clock := &Clock{}
	clock.Set(frames[0].at)
	provider := &replayProvider{}
	tokens := pool.New(cfg.Pool, pool.WithClock(clock.Now))
	builder := features.NewBuilder(cfg.Features)
	engine, err := strategy.NewEngine(cfg.Rules, builder.AvailableFactors(), cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}
	sim := execution.NewSimulator(execution.ModeBacktest, execution.SimConfig{
		InitialBalance: decimal.NewFromFloat(cfg.InitialBalance),
	})
	var riskEngine *risk.Engine
	if cfg.Risk != nil {
		riskEngine = risk.New(*cfg.Risk, risk.WithClock(clock.Now))
	}
	records := memory.New()
	var sink storage.Sink = records
	if r.sink != nil {
		sink = storage.Multi(records, r.sink)
	}

	mcfg := cfg.Monitor
	mcfg.ExperimentID = cfg.RunID
	mcfg.Candles = false
	mon, err := monitor.New(mcfg, monitor.Deps{
		Provider: provider,
		Pool:     tokens,
		Factors:  builder,
		Strategy: engine,
		Backend:  sim,
		Risk:     riskEngine,
		Sink:     sink,
	}, monitor.WithClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("backtest: %w", err)
	}

	// 2. Replay.
	res := &Result{
		RunID:          cfg.RunID,
		ExperimentID:   cfg.ExperimentID,
		Points:         len(points),
		Frames:         len(frames),
		InitialBalance: cfg.InitialBalance,
	}
	lastPrices := make(map[string]float64)
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clock.Set(f.at)
		provider.load(f)
		for id, q := range f.quotes {
			if addr, chain, ok := market.SplitTokenID(id); ok {
				lastPrices[pool.Key(addr, chain)] = q.Price
			}
		}

		added, err := mon.Discover(ctx)
		if err != nil {
			log.Debug().Err(err).Time("at", f.at).Msg("backtest: discovery failed")
		}
		res.Discovered += added

		if _, err := mon.Tick(ctx); err != nil {
			return nil, fmt.Errorf("backtest: tick at %s: %w", f.at.Format(time.RFC3339), err)
		}
	}

	// 3. Collect.
	end := frames[len(frames)-1].at
	signals := records.Signals()
	trades := records.Trades()
	res.Signals = len(signals)
	for _, tr := range trades {
		if tr.Success {
			res.Fills++
		} else {
			res.Failed++
		}
	}
	res.RoundTrips, res.OpenTrips = BuildRoundTrips(trades, lastPrices, end)

	res.Equity = append(res.Equity, EquityPoint{Time: frames[0].at, Value: cfg.InitialBalance})
	for _, snap := range records.Snapshots() {
		res.Equity = append(res.Equity, EquityPoint{Time: snap.Timestamp, Value: snap.TotalValue.InexactFloat64()})
	}

	cash, err := sim.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("backtest: balance: %w", err)
	}
	res.FinalCash = cash.InexactFloat64()
	marks := make(map[string]float64, len(lastPrices))
	for _, tok := range tokens.All() {
		marks[execution.PositionKey(tok.Chain, tok.Address)] = tok.CurrentPrice
	}
	res.FinalEquity = sim.Equity(marks).InexactFloat64()

	res.Metrics = ComputeMetrics(res.RoundTrips, res.Equity, cfg.InitialBalance, PeriodsPerYear(cfg.TickInterval))

	if r.signals != nil {
		recorded, err := r.signals.SignalsOf(ctx, cfg.ExperimentID)
		if err != nil {
			log.Warn().Err(err).Msg("backtest: recorded signals unavailable, skipping comparison")
		} else {
			res.Divergence = CompareSignals(recorded, signals, cfg.Compare)
		}
	}

	res.Duration = time.Since(startWall)
	log.Info().
		Str("run_id", res.RunID).
		Int("signals", res.Signals).
		Int("fills", res.Fills).
		Int("round_trips", res.Metrics.RoundTrips).
		Int("open", len(res.OpenTrips)).
		Float64("pnl_bnb", res.Metrics.TotalPnL).
		Float64("return_pct", res.Metrics.ReturnPct*100).
		Float64("max_drawdown_pct", res.Metrics.MaxDrawdownPct*100).
		Float64("sharpe", res.Metrics.SharpeRatio).
		Float64("win_rate", res.Metrics.WinRate*100).
		Dur("wall_time", res.Duration).
		Msg("backtest: complete")

	return res, nil
}
