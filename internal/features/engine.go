// Package features turns a token snapshot into the named numeric factors
// that strategy rules are evaluated against.
package features

import (
	"sort"
	"sync"
	"time"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
	"github.com/wangkobe88/richer-js-sub001/internal/pumpdump"
	"github.com/wangkobe88/richer-js-sub001/internal/trend"
)

// Calculator derives one factor from a token's price history.
// Implementations must be stateless: Value may be called concurrently.
type Calculator interface {
	// Name returns the unique factor name.
	Name() string

	// Value returns the factor for prices (oldest first).
	// Returns 0 if there is insufficient data.
	Value(prices []float64) float64
}

// Config configures the built-in calculators and detectors.
type Config struct {
	// MomentumLookback is the number of history points momentum looks back.
	MomentumLookback int `yaml:"momentum_lookback"`
	// VolatilityWindow is the number of history points volatility uses.
	VolatilityWindow int `yaml:"volatility_window"`

	Trend    trend.Config    `yaml:"-"`
	PumpDump pumpdump.Config `yaml:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MomentumLookback: 6,
		VolatilityWindow: 30,
		Trend:            trend.DefaultConfig(),
		PumpDump:         pumpdump.DefaultConfig(),
	}
}

// Builder computes the full factor set of a token: Base, the registered
// history calculators, and the trend and pump-dump enrichment.
type Builder struct {
	trend    *trend.Detector
	pumpDump *pumpdump.Detector

	mu          sync.RWMutex
	calculators []Calculator
	calcByName  map[string]Calculator
}

// NewBuilder creates a builder with the built-in calculators registered.
func NewBuilder(config Config) *Builder {
	b := &Builder{
		trend:      trend.NewDetector(config.Trend),
		pumpDump:   pumpdump.NewDetector(config.PumpDump),
		calcByName: make(map[string]Calculator),
	}
	b.RegisterCalculator(NewMomentum(config.MomentumLookback))
	b.RegisterCalculator(NewVolatility(config.VolatilityWindow))
	return b
}

// RegisterCalculator adds a history calculator. A calculator with the name
// of an existing one replaces it.
func (b *Builder) RegisterCalculator(c Calculator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.calcByName[c.Name()]; ok {
		for i, existing := range b.calculators {
			if existing.Name() == c.Name() {
				b.calculators[i] = c
			}
		}
	} else {
		b.calculators = append(b.calculators, c)
	}
	b.calcByName[c.Name()] = c
}

// TrendDetector returns the detector used for enrichment.
func (b *Builder) TrendDetector() *trend.Detector { return b.trend }

// PumpDumpDetector returns the detector used for enrichment.
func (b *Builder) PumpDumpDetector() *pumpdump.Detector { return b.pumpDump }

// AvailableFactors lists every factor name Build produces, sorted.
func (b *Builder) AvailableFactors() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(baseFactors)+len(enrichmentFactors)+len(b.calculators))
	names = append(names, baseFactors...)
	names = append(names, enrichmentFactors...)
	for _, c := range b.calculators {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

// Build returns all factors of tok at now. candles are optional and only
// feed the pump-dump buy/sell pressure indicator. Enrichment factors are 0
// until the history is long enough for their detector.
func (b *Builder) Build(tok pool.Token, candles []market.Candle, now time.Time) map[string]float64 {
	f := Base(tok, now)
	prices := tok.Prices()
	f[FactorDataPoints] = float64(len(prices))

	b.mu.RLock()
	for _, c := range b.calculators {
		f[c.Name()] = c.Value(prices)
	}
	b.mu.RUnlock()

	b.enrichTrend(f, prices)
	b.enrichPumpDump(f, prices, candles)

	sanitize(f)
	return f
}

func (b *Builder) enrichTrend(f map[string]float64, prices []float64) {
	f[FactorTrendPassed] = 0
	f[FactorTrendScore] = 0
	f[FactorTrendCV] = 0
	f[FactorTrendSlope] = 0
	f[FactorTrendTotalReturn] = 0
	f[FactorTrendRiseRatio] = 0
	f[FactorTrendFirstPassPoint] = 0
	if len(prices) < b.trend.Config().MinDataPoints {
		return
	}

	res := b.trend.Detect(prices)
	if res.Passed {
		f[FactorTrendPassed] = 1
		f[FactorTrendFirstPassPoint] = float64(res.FirstPassPoint)
	}
	f[FactorTrendScore] = res.Details.Score
	f[FactorTrendCV] = res.Details.CV
	f[FactorTrendSlope] = res.Details.NormalizedSlope
	f[FactorTrendTotalReturn] = res.Details.TotalReturn
	f[FactorTrendRiseRatio] = res.Details.RiseRatio
}

func (b *Builder) enrichPumpDump(f map[string]float64, prices []float64, candles []market.Candle) {
	f[FactorPumpDumpRisk] = 0
	f[FactorPumpDumpPAI] = 0
	f[FactorPumpDumpPCI] = 0
	f[FactorPumpDumpPWI] = 0
	f[FactorPumpDumpPDR] = 0
	f[FactorPumpDumpBSPR] = 0.5
	if len(prices) < b.pumpDump.Config().MinPoints {
		return
	}

	res := b.pumpDump.Analyze(prices, candles)
	f[FactorPumpDumpRisk] = res.RiskScore
	f[FactorPumpDumpPAI] = res.Indicators.PAI
	f[FactorPumpDumpPCI] = res.Indicators.PCI
	f[FactorPumpDumpPWI] = res.Indicators.PWI
	f[FactorPumpDumpPDR] = res.Indicators.PDR
	f[FactorPumpDumpBSPR] = res.Indicators.BSPR
}
