package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/wangkobe88/richer-js-sub001/internal/execution"
	"github.com/wangkobe88/richer-js-sub001/internal/features"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/monitor"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/pumpdump"
	"github.com/wangkobe88/richer-js-sub001/internal/quality"
	"github.com/wangkobe88/richer-js-sub001/internal/risk"
	"github.com/wangkobe88/richer-js-sub001/internal/strategy"
	"github.com/wangkobe88/richer-js-sub001/internal/trend"
)

// Config is the root configuration structure for the engine.
type Config struct {
	General    GeneralConfig       `yaml:"general"`
	Experiment ExperimentConfig    `yaml:"experiment"`
	Discovery  DiscoveryConfig     `yaml:"discovery"`
	Monitor    MonitorConfig       `yaml:"monitor"`
	Pool       PoolConfig          `yaml:"pool"`
	Cards      CardsConfig         `yaml:"cards"`
	Features   features.Config     `yaml:"features"`
	Trend      trend.Config        `yaml:"trend"`
	PumpDump   pumpdump.Config     `yaml:"pump_dump"`
	Strategy   StrategyConfig      `yaml:"strategy"`
	Execution  execution.Config    `yaml:"execution"`
	Risk       RiskConfig          `yaml:"risk"`
	Provider   market.ClientConfig `yaml:"provider"`
	Quality    quality.Config      `yaml:"quality"`
	Storage    StorageConfig       `yaml:"storage"`
	HTTP       HTTPConfig          `yaml:"http"`
	Stats      StatsConfig         `yaml:"stats"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
}

type ExperimentConfig struct {
	ID string `yaml:"id"`
	// Mode is the trading mode: live|virtual|backtest.
	Mode  string `yaml:"mode"`
	Chain string `yaml:"chain"`
	// DryRun downgrades live mode to virtual.
	DryRun bool `yaml:"dry_run"`
}

type DiscoveryConfig struct {
	Tag      string        `yaml:"tag"`
	Limit    int           `yaml:"limit"`
	Interval time.Duration `yaml:"interval"`
}

type MonitorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	monitor.Config `yaml:",inline"`
}

type PoolConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	pool.Config     `yaml:",inline"`
}

type CardsConfig struct {
	TotalCards    int     `yaml:"total_cards"`
	PerCardMaxBNB float64 `yaml:"per_card_max_bnb"`
}

type StrategyConfig struct {
	Policy           strategy.Policy `yaml:"consume_policy"`
	strategy.RuleSet `yaml:",inline"`
}

type RiskConfig struct {
	Enabled     bool `yaml:"enabled"`
	risk.Config `yaml:",inline"`
}

// Storage backends.
const (
	BackendNone       = "none"
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendPostgres   = "postgres"
	BackendClickHouse = "clickhouse"
)

type StorageConfig struct {
	// TimeSeries is memory|sqlite|clickhouse|none.
	TimeSeries string `yaml:"time_series"`
	// Records (signals, trades, snapshots) is memory|sqlite|postgres|none.
	Records string `yaml:"records"`

	SQLitePath  string           `yaml:"sqlite_path"`
	PostgresDSN string           `yaml:"postgres_dsn"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Kafka       KafkaConfig      `yaml:"kafka"`
}

type ClickHouseConfig struct {
	DSN           string        `yaml:"dsn"`
	Database      string        `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type KafkaConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

type HTTPConfig struct {
	Port   int  `yaml:"port"`
	Stream bool `yaml:"stream"`
	// StreamTimeSeries also streams every time-series point.
	StreamTimeSeries bool `yaml:"stream_time_series"`
}

type StatsConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns the production configuration without strategy rules.
func Default() *Config {
	mon := monitor.DefaultConfig()
	return &Config{
		General: GeneralConfig{
			InstanceID: "richer-1",
			LogLevel:   "info",
			LogFormat:  "json",
		},
		Experiment: ExperimentConfig{
			Mode:  string(execution.ModeVirtual),
			Chain: mon.Chain,
		},
		Discovery: DiscoveryConfig{
			Tag:      mon.DiscoveryTag,
			Limit:    mon.DiscoveryLimit,
			Interval: 10 * time.Second,
		},
		Monitor:   MonitorConfig{Interval: 10 * time.Second, Config: mon},
		Pool:      PoolConfig{CleanupInterval: time.Minute, Config: pool.DefaultConfig()},
		Cards:     CardsConfig{TotalCards: mon.TotalCards, PerCardMaxBNB: mon.PerCardMaxBNB},
		Features:  features.DefaultConfig(),
		Trend:     trend.DefaultConfig(),
		PumpDump:  pumpdump.DefaultConfig(),
		Strategy:  StrategyConfig{Policy: strategy.ConsumeOnSuccess},
		Execution: execution.DefaultConfig(),
		Risk:      RiskConfig{Config: risk.DefaultConfig()},
		Provider:  market.ClientConfig{Timeout: 10 * time.Second},
		Quality:   quality.DefaultConfig(),
		Storage: StorageConfig{
			TimeSeries: BackendMemory,
			Records:    BackendMemory,
			SQLitePath: "richer.db",
			ClickHouse: ClickHouseConfig{
				Database:      "richer",
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
			},
			Kafka: KafkaConfig{TopicPrefix: "richer"},
		},
		HTTP:  HTTPConfig{Port: 8080, Stream: true},
		Stats: StatsConfig{Interval: 300 * time.Second},
	}
}

// Load reads and parses a YAML configuration file. Keys absent from the
// file keep their Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = def.General.InstanceID
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = def.General.LogLevel
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = def.General.LogFormat
	}
	if cfg.Experiment.ID == "" {
		cfg.Experiment.ID = "exp-" + uuid.New().String()
	}
	if cfg.Experiment.Mode == "" {
		cfg.Experiment.Mode = def.Experiment.Mode
	}
	if cfg.Experiment.Chain == "" {
		cfg.Experiment.Chain = def.Experiment.Chain
	}
	if cfg.Discovery.Tag == "" {
		cfg.Discovery.Tag = def.Discovery.Tag
	}
	if cfg.Discovery.Limit <= 0 {
		cfg.Discovery.Limit = def.Discovery.Limit
	}
	if cfg.Discovery.Interval <= 0 {
		cfg.Discovery.Interval = def.Discovery.Interval
	}
	if cfg.Monitor.Interval <= 0 {
		cfg.Monitor.Interval = def.Monitor.Interval
	}
	if cfg.Pool.CleanupInterval <= 0 {
		cfg.Pool.CleanupInterval = def.Pool.CleanupInterval
	}
	if cfg.Strategy.Policy == "" {
		cfg.Strategy.Policy = def.Strategy.Policy
	}
	if cfg.Storage.TimeSeries == "" {
		cfg.Storage.TimeSeries = def.Storage.TimeSeries
	}
	if cfg.Storage.Records == "" {
		cfg.Storage.Records = def.Storage.Records
	}
	if len(cfg.Storage.Kafka.Brokers) == 0 {
		cfg.Storage.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Stats.Interval <= 0 {
		cfg.Stats.Interval = def.Stats.Interval
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.General.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: general.log_format %q must be json or text", c.General.LogFormat)
	}
	if _, err := execution.ParseMode(c.Experiment.Mode); err != nil {
		return fmt.Errorf("config: experiment.mode: %w", err)
	}
	if c.Monitor.BatchSize > market.MaxBatchIDs {
		return fmt.Errorf("config: monitor.batch_size %d exceeds %d", c.Monitor.BatchSize, market.MaxBatchIDs)
	}
	if c.Cards.TotalCards < 1 {
		return fmt.Errorf("config: cards.total_cards must be >= 1, got %d", c.Cards.TotalCards)
	}
	if !(c.Cards.PerCardMaxBNB > 0) {
		return fmt.Errorf("config: cards.per_card_max_bnb must be > 0, got %v", c.Cards.PerCardMaxBNB)
	}
	switch c.Strategy.Policy {
	case strategy.ConsumeOnSuccess, strategy.ConsumeOnAttempt:
	default:
		return fmt.Errorf("config: strategy.consume_policy %q must be %s or %s",
			c.Strategy.Policy, strategy.ConsumeOnSuccess, strategy.ConsumeOnAttempt)
	}
	if _, err := c.Strategy.Rules(); err != nil {
		return fmt.Errorf("config: strategy: %w", err)
	}
	switch c.Storage.TimeSeries {
	case BackendNone, BackendMemory, BackendSQLite, BackendClickHouse:
	default:
		return fmt.Errorf("config: storage.time_series %q is not a time series backend", c.Storage.TimeSeries)
	}
	switch c.Storage.Records {
	case BackendNone, BackendMemory, BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("config: storage.records %q is not a records backend", c.Storage.Records)
	}
	if c.Storage.Records == BackendPostgres && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: storage.postgres_dsn is required for the postgres backend")
	}
	if c.Storage.TimeSeries == BackendClickHouse && c.Storage.ClickHouse.DSN == "" {
		return fmt.Errorf("config: storage.clickhouse.dsn is required for the clickhouse backend")
	}
	if c.Execution.InitialBalance < 0 {
		return fmt.Errorf("config: execution.virtual_balance must not be negative")
	}
	return nil
}

// TradingMode returns the effective execution mode.
func (c *Config) TradingMode() execution.Mode {
	mode, err := execution.ParseMode(c.Experiment.Mode)
	if err != nil {
		return execution.ModeVirtual
	}
	if mode == execution.ModeLive && c.Experiment.DryRun {
		return execution.ModeVirtual
	}
	return mode
}

// MonitorConfig assembles the monitoring cycle settings from the
// experiment, discovery, monitor and cards sections.
func (c *Config) MonitorConfig() monitor.Config {
	mc := c.Monitor.Config
	mc.ExperimentID = c.Experiment.ID
	mc.Chain = strings.ToLower(c.Experiment.Chain)
	mc.DiscoveryTag = c.Discovery.Tag
	mc.DiscoveryLimit = c.Discovery.Limit
	mc.TotalCards = c.Cards.TotalCards
	mc.PerCardMaxBNB = c.Cards.PerCardMaxBNB
	return mc
}

func (c *Config) PoolConfig() pool.Config { return c.Pool.Config }

// FeaturesConfig attaches the detector sections to the factor builder.
func (c *Config) FeaturesConfig() features.Config {
	fc := c.Features
	fc.Trend = c.Trend
	fc.PumpDump = c.PumpDump
	return fc
}

// Rules returns the buy rules followed by the sell rules.
func (c *Config) Rules() ([]strategy.Rule, error) {
	return c.Strategy.Rules()
}

func (c *Config) StrategyConfig() strategy.Config {
	return strategy.Config{Policy: c.Strategy.Policy}
}

func (c *Config) ExecutionConfig() execution.Config {
	ec := c.Execution
	ec.Mode = c.TradingMode()
	return ec
}

// RiskConfig returns the risk limits, or nil when the guard is disabled.
func (c *Config) RiskConfig() *risk.Config {
	if !c.Risk.Enabled {
		return nil
	}
	rc := c.Risk.Config
	return &rc
}
