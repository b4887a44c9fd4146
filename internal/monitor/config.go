package monitor

import (
	"fmt"
	"time"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
)

// Config configures the monitoring cycle.
type Config struct {
	// ExperimentID tags every record the cycle writes.
	ExperimentID string `yaml:"-"`
	// Chain is the chain discovery lists tokens on.
	Chain string `yaml:"-"`

	// DiscoveryTag and DiscoveryLimit parameterise ListNewTokens.
	DiscoveryTag   string `yaml:"-"`
	DiscoveryLimit int    `yaml:"-"`

	// BatchSize is the number of ids per price request (at most 200).
	BatchSize int `yaml:"batch_size"`
	// FetchConcurrency bounds the price requests in flight.
	FetchConcurrency int `yaml:"fetch_concurrency"`

	// Candles enables the per-token candle fetch that feeds buy/sell
	// pressure.
	Candles        bool `yaml:"candles"`
	CandleInterval int  `yaml:"candle_interval_minutes"`
	CandleLimit    int  `yaml:"candle_limit"`

	// MinHolders retires monitoring tokens with fewer known holders
	// (0 disables the screen).
	MinHolders int `yaml:"min_holders"`

	// TotalCards and PerCardMaxBNB size every new position.
	TotalCards    int     `yaml:"-"`
	PerCardMaxBNB float64 `yaml:"-"`
}

// DefaultConfig returns the production cycle settings.
func DefaultConfig() Config {
	return Config{
		ExperimentID:     "default",
		Chain:            "bsc",
		DiscoveryTag:     "fourmeme",
		DiscoveryLimit:   100,
		BatchSize:        market.MaxBatchIDs,
		FetchConcurrency: 4,
		CandleInterval:   1,
		CandleLimit:      30,
		TotalCards:       4,
		PerCardMaxBNB:    0.025,
	}
}

// validate fills defaults and rejects unusable settings.
func (c *Config) validate() error {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.BatchSize > market.MaxBatchIDs {
		return fmt.Errorf("monitor: batch_size %d exceeds %d", c.BatchSize, market.MaxBatchIDs)
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 1
	}
	if c.DiscoveryLimit <= 0 {
		c.DiscoveryLimit = def.DiscoveryLimit
	}
	if c.CandleInterval <= 0 {
		c.CandleInterval = def.CandleInterval
	}
	if c.CandleLimit <= 0 {
		c.CandleLimit = def.CandleLimit
	}
	if c.TotalCards < 1 {
		return fmt.Errorf("monitor: total_cards must be >= 1, got %d", c.TotalCards)
	}
	if !(c.PerCardMaxBNB > 0) {
		return fmt.Errorf("monitor: per_card_max_bnb must be > 0, got %v", c.PerCardMaxBNB)
	}
	if c.MinHolders < 0 {
		c.MinHolders = 0
	}
	return nil
}

// Phase is the cycle's position in the tick state machine.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseFetching     Phase = "fetching"
	PhaseProcessing   Phase = "processing"
	PhaseSnapshotting Phase = "snapshotting"
)

// CycleSummary describes one tick.
type CycleSummary struct {
	Tick          uint64        `json:"tick"`
	At            time.Time     `json:"at"`
	Empty         bool          `json:"empty"`
	Tokens        int           `json:"tokens"`
	Fetched       int           `json:"fetched"`
	FetchFailed   int           `json:"fetch_failed"`
	TokenFailures int           `json:"token_failures"`
	Signals       int           `json:"signals"`
	Trades        int           `json:"trades"`
	Removed       int           `json:"removed"`
	Duration      time.Duration `json:"duration_ns"`
}
