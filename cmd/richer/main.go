package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/config"
	"github.com/wangkobe88/richer-js-sub001/internal/execution"
	"github.com/wangkobe88/richer-js-sub001/internal/features"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/monitor"
	"github.com/wangkobe88/richer-js-sub001/internal/observability"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/quality"
	"github.com/wangkobe88/richer-js-sub001/internal/risk"
	"github.com/wangkobe88/richer-js-sub001/internal/scheduler"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional dotenv file loaded before the config")
	stubMode := flag.Bool("stub", false, "Use the random-walk market stub instead of the HTTP provider")
	modeFlag := flag.String("mode", "", "Override experiment.mode (live|virtual)")
	flag.Parse()

	// 2. Load environment and configuration.
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "WARN: failed to load %s: %v\n", *envFile, err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	if *modeFlag != "" {
		cfg.Experiment.Mode = *modeFlag
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	mode := cfg.TradingMode()
	if mode == execution.ModeBacktest {
		log.Fatal().Msg("backtest mode runs through richer-backtest")
	}
	rules, err := cfg.Rules()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid strategy rules")
	}
	if len(rules) == 0 {
		log.Fatal().Msg("No strategy rules configured")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("experiment", cfg.Experiment.ID).
		Str("mode", string(mode)).
		Str("chain", cfg.Experiment.Chain).
		Bool("stub", *stubMode).
		Int("rules", len(rules)).
		Int("total_cards", cfg.Cards.TotalCards).
		Float64("per_card_max_bnb", cfg.Cards.PerCardMaxBNB).
		Str("time_series", cfg.Storage.TimeSeries).
		Str("records", cfg.Storage.Records).
		Bool("kafka", cfg.Storage.Kafka.Enabled).
		Msg("Configuration loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Metrics and health.
	registry := observability.NewRegistry()
	metrics := observability.NewMetrics(registry)
	health := observability.NewHealth(nil)

	// 5. Market data provider, behind the feed quality monitor.
	var provider market.Provider
	var httpProvider *market.Client
	if *stubMode {
		provider = market.NewStub(time.Now().UnixNano(), 3)
		log.Info().Msg("Market provider: STUB mode")
	} else {
		httpProvider = market.NewClient(cfg.Provider)
		provider = httpProvider
		log.Info().Str("base_url", cfg.Provider.BaseURL).Msg("Market provider: HTTP")
	}
	feed := quality.NewMonitor(provider, cfg.Quality, nil)
	health.Register("feed", feed.HealthCheck())
	go feed.Drain(ctx)

	// 6. Persistence sinks.
	out, err := openSinks(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	for name, check := range out.checks {
		health.Register(name, check)
	}

	// 7. Engine components.
	tokens := pool.New(cfg.PoolConfig())
	builder := features.NewBuilder(cfg.FeaturesConfig())
	engine, err := strategy.NewEngine(rules, builder.AvailableFactors(), cfg.StrategyConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile strategy rules")
	}
	backend, err := execution.NewBackend(cfg.ExecutionConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create execution backend")
	}
	var riskEngine *risk.Engine
	if rc := cfg.RiskConfig(); rc != nil {
		riskEngine = risk.New(*rc)
	}

	mon, err := monitor.New(cfg.MonitorConfig(), monitor.Deps{
		Provider: feed,
		Pool:     tokens,
		Factors:  builder,
		Strategy: engine,
		Backend:  backend,
		Risk:     riskEngine,
		Sink:     out.sink,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create monitor")
	}
	health.Register("monitor", observability.FreshnessCheck(mon.LastTick, 3*cfg.Monitor.Interval, nil))

	// 8. Scheduled jobs.
	sched := scheduler.New(ctx)
	jobs := []struct {
		name     string
		interval time.Duration
		job      scheduler.Job
	}{
		{"discovery", cfg.Discovery.Interval, func(ctx context.Context) {
			if _, err := mon.Discover(ctx); err != nil {
				log.Warn().Err(err).Msg("Discovery failed")
			}
		}},
		{"monitor", cfg.Monitor.Interval, func(ctx context.Context) {
			if _, err := mon.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Monitoring cycle failed")
			}
		}},
		{"cleanup", cfg.Pool.CleanupInterval, func(context.Context) {
			mon.Cleanup()
			feed.CheckStale()
		}},
		{"stats", cfg.Stats.Interval, func(context.Context) {
			mon.LogStats()
			fs := feed.Snapshot()
			log.Info().
				Int64("requested", fs.Requested).
				Int64("missing", fs.Missing).
				Int64("invalid", fs.Invalid).
				Int("frozen", fs.Frozen).
				Int64("alerts_dropped", fs.AlertsDropped).
				Msg("[STATS] feed")
			if httpProvider != nil {
				ps := httpProvider.Stats()
				log.Info().
					Int64("requests", ps.Requests).
					Int64("errors", ps.Errors).
					Int64("last_latency_ms", ps.LastLatencyMs).
					Msg("[STATS] provider")
			}
		}},
	}
	for _, j := range jobs {
		if err := sched.Every(j.name, j.interval, j.job); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule job")
		}
	}

	// Seed the pool before the first scheduled run.
	if n, err := mon.Discover(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial discovery failed")
	} else {
		log.Info().Int("added", n).Msg("Initial discovery complete")
	}
	sched.Start()

	// 9. HTTP server: health, stats, tokens, metrics, control, stream.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mux := http.NewServeMux()
		mux.Handle("/health", health)
		mux.Handle("/metrics", observability.Handler(registry))

		mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
			combined := map[string]any{
				"instance_id": cfg.General.InstanceID,
				"experiment":  cfg.Experiment.ID,
				"monitor":     mon.Stats(),
				"scheduler":   sched.Stats(),
				"feed":        feed.Snapshot(),
			}
			if riskEngine != nil {
				combined["risk"] = riskEngine.Stats()
			}
			if httpProvider != nil {
				combined["provider"] = httpProvider.Stats()
			}
			if out.hub != nil {
				combined["stream"] = out.hub.Stats()
			}
			if out.publisher != nil {
				combined["kafka"] = out.publisher.Stats()
			}
			if balance, err := backend.Balance(r.Context()); err == nil {
				combined["balance_bnb"] = balance.String()
			}
			writeJSON(w, combined)
		})

		mux.HandleFunc("/tokens", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, tokens.All())
		})

		// ── Control Plane ──
		mux.HandleFunc("/control/pause", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			mon.Pause("operator")
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"paused"}`)
		})
		mux.HandleFunc("/control/resume", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "POST only", http.StatusMethodNotAllowed)
				return
			}
			mon.Resume()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"running"}`)
		})

		if out.hub != nil {
			mux.Handle("/stream", out.hub)
		}

		addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
		server := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		log.Info().Str("addr", addr).Msg("HTTP server started (health + stats + control)")

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
		}()

		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			log.Error().Err(srvErr).Msg("HTTP server error")
		}
	}()

	log.Info().Msg("Richer engine running")

	// 10. Block until shutdown.
	<-ctx.Done()
	log.Info().Msg("Shutting down...")

	// Let the running tick finish before the sinks close.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sched.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Scheduler did not stop cleanly")
	}
	stopCancel()
	wg.Wait()

	mon.LogStats()
	if err := out.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close storage")
	}
	log.Info().Msg("Shutdown complete")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "richer").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "richer").
			Str("instance", general.InstanceID).Logger()
	}
}
