package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/backtest"
	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/config"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
	"github.com/wangkobe88/richer-js-sub001/internal/storage/sqlite"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file (strategy, pool, cards)")
	dbPath := flag.String("db", "", "SQLite file holding the recorded experiment (default storage.sqlite_path)")
	experimentID := flag.String("experiment", "", "Recorded experiment to replay (default experiment.id)")
	tick := flag.Duration("tick", 0, "Replay tick interval (default monitor.interval)")
	balance := flag.Float64("balance", 0, "Initial BNB balance (default execution.virtual_balance)")
	compare := flag.Bool("compare", true, "Compare the replayed signals against the recorded ones")
	save := flag.Bool("save", false, "Write the replay's records back into the SQLite file")
	list := flag.Bool("list", false, "List the recorded experiments and exit")
	fromKafka := flag.Bool("kafka", false, "Read the experiment from the Kafka topics instead of SQLite (storage.kafka)")
	idle := flag.Duration("kafka-idle", 5*time.Second, "Stop reading a Kafka topic after this long without records")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	setupLogging(cfg.General)

	path := *dbPath
	if path == "" {
		path = cfg.Storage.SQLitePath
	}
	db, err := sqlite.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("db", path).Msg("Failed to open recorded data")
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *list {
		ids, err := db.Experiments(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to list experiments")
		}
		for _, id := range ids {
			trades, _ := db.TradeCount(ctx, id)
			fmt.Printf("%s\t%d trades\n", id, trades)
		}
		return
	}

	rules, err := cfg.Rules()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid strategy rules")
	}

	bc := backtest.DefaultConfig()
	bc.ExperimentID = *experimentID
	if bc.ExperimentID == "" {
		bc.ExperimentID = cfg.Experiment.ID
	}
	bc.TickInterval = cfg.Monitor.Interval
	if *tick > 0 {
		bc.TickInterval = *tick
	}
	bc.InitialBalance = cfg.Execution.InitialBalance
	if *balance > 0 {
		bc.InitialBalance = *balance
	}
	bc.Monitor = cfg.MonitorConfig()
	bc.Pool = cfg.PoolConfig()
	bc.Features = cfg.FeaturesConfig()
	bc.Rules = rules
	bc.Strategy = cfg.StrategyConfig()
	bc.Risk = cfg.RiskConfig()

	var (
		source  storage.TimeSeriesReader = db
		signals storage.SignalReader     = db
	)
	if *fromKafka {
		topics := bus.TopicSource{
			Brokers: cfg.Storage.Kafka.Brokers,
			Topics:  bus.TopicsFor(cfg.Storage.Kafka.TopicPrefix),
			Idle:    *idle,
		}
		source, signals = topics, topics
		log.Info().Strs("brokers", topics.Brokers).Str("topic", topics.Topics.TimeSeries).Msg("Replaying from Kafka")
	}

	var opts []backtest.Option
	if *compare {
		opts = append(opts, backtest.WithSignalSource(signals))
	}
	if *save {
		opts = append(opts, backtest.WithSink(storage.Split(db, db)))
	}

	runner, err := backtest.NewRunner(bc, source, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid backtest configuration")
	}
	res, err := runner.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("experiment", bc.ExperimentID).Msg("Backtest failed")
	}

	m := res.Metrics
	log.Info().
		Str("run_id", res.RunID).
		Str("experiment", res.ExperimentID).
		Int("points", res.Points).
		Int("frames", res.Frames).
		Int("discovered", res.Discovered).
		Int("signals", res.Signals).
		Int("fills", res.Fills).
		Int("failed", res.Failed).
		Int("round_trips", m.RoundTrips).
		Int("open_trips", len(res.OpenTrips)).
		Float64("initial_bnb", res.InitialBalance).
		Float64("final_equity_bnb", res.FinalEquity).
		Float64("pnl_bnb", m.TotalPnL).
		Float64("fees_bnb", m.TotalFees).
		Float64("return_pct", m.ReturnPct*100).
		Float64("win_rate_pct", m.WinRate*100).
		Float64("profit_factor", m.ProfitFactor).
		Float64("max_drawdown_pct", m.MaxDrawdownPct*100).
		Float64("sharpe", m.SharpeRatio).
		Float64("sortino", m.SortinoRatio).
		Dur("avg_holding", m.HoldingPeriodAvg).
		Msg("[BACKTEST]")

	for _, rt := range res.RoundTrips {
		log.Debug().
			Str("token", rt.Token).
			Str("symbol", rt.Symbol).
			Str("strategy_id", rt.StrategyID).
			Float64("cost", rt.Cost).
			Float64("proceeds", rt.Proceeds).
			Float64("pnl", rt.PnL).
			Dur("held", rt.ExitTime.Sub(rt.EntryTime)).
			Msg("backtest: round trip")
	}

	if d := res.Divergence; d != nil {
		ev := log.Info()
		if !d.Passed {
			ev = log.Warn()
		}
		ev.Int("total", d.TotalSignals).
			Int("matched", d.MatchedSignals).
			Int("mismatched", d.MismatchedSignals).
			Float64("match_rate", d.SignalMatchRate).
			Dur("max_drift", d.MaxDrift).
			Bool("passed", d.Passed).
			Msg("[DIVERGENCE]")
		for i, div := range d.Divergences {
			if i == 20 {
				log.Info().Int("more", len(d.Divergences)-i).Msg("backtest: divergences truncated")
				break
			}
			log.Info().
				Time("ts", div.Timestamp).
				Str("type", div.Type).
				Str("token", div.Token).
				Str("strategy_id", div.StrategyID).
				Str("action", div.Action).
				Str("expected", div.Expected).
				Str("actual", div.Actual).
				Msg("backtest: divergence")
		}
		if !d.Passed {
			cancel()
			db.Close()
			os.Exit(2)
		}
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	zerolog.DurationFieldUnit = time.Millisecond
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "richer-backtest").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "richer-backtest").
			Str("instance", general.InstanceID).Logger()
	}
}
