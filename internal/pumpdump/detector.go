// Package pumpdump scores how much a price rally looks like a manipulated
// pump followed by a dump.
package pumpdump

import (
	"fmt"
	"math"
	"sort"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/stats"
)

// Level is the coarse risk classification.
type Level string

const (
	LevelLow    Level = "LOW"
	LevelMedium Level = "MEDIUM"
	LevelHigh   Level = "HIGH"
)

// Indicator names.
const (
	PAI  = "PAI"
	PCI  = "PCI"
	PWI  = "PWI"
	PDR  = "PDR"
	BSPR = "BSPR"
)

// Config holds indicator weights (summing to 100) and trigger thresholds.
type Config struct {
	MinPoints int `yaml:"min_points"`

	WeightPAI  float64 `yaml:"weight_pai"`
	WeightPCI  float64 `yaml:"weight_pci"`
	WeightPWI  float64 `yaml:"weight_pwi"`
	WeightPDR  float64 `yaml:"weight_pdr"`
	WeightBSPR float64 `yaml:"weight_bspr"`

	// PAI, PCI, PWI and PDR trigger above their threshold.
	ThresholdPAI float64 `yaml:"threshold_pai"`
	ThresholdPCI float64 `yaml:"threshold_pci"`
	ThresholdPWI float64 `yaml:"threshold_pwi"`
	ThresholdPDR float64 `yaml:"threshold_pdr"`
	// BSPR triggers below its threshold.
	ThresholdBSPR float64 `yaml:"threshold_bspr"`

	// AccelerationThreshold is the second difference of returns counted by PAI.
	AccelerationThreshold float64 `yaml:"acceleration_threshold"`
	// TopGainShare is the fraction of largest single-step gains summed by PCI.
	TopGainShare float64 `yaml:"top_gain_share"`
	// PullbackWindow is the rolling window size used by PWI.
	PullbackWindow int `yaml:"pullback_window"`
}

// DefaultConfig returns the production weights and thresholds.
func DefaultConfig() Config {
	return Config{
		MinPoints:             6,
		WeightPAI:             25,
		WeightPCI:             30,
		WeightPWI:             25,
		WeightPDR:             10,
		WeightBSPR:            10,
		ThresholdPAI:          0.3,
		ThresholdPCI:          0.7,
		ThresholdPWI:          0.5,
		ThresholdPDR:          0.15,
		ThresholdBSPR:         0.4,
		AccelerationThreshold: 0.02,
		TopGainShare:          0.3,
		PullbackWindow:        5,
	}
}

// Indicators are the raw indicator values.
type Indicators struct {
	PAI  float64 `json:"pai"`
	PCI  float64 `json:"pci"`
	PWI  float64 `json:"pwi"`
	PDR  float64 `json:"pdr"`
	BSPR float64 `json:"bspr"`
}

// Result is the outcome of Analyze.
type Result struct {
	Sufficient bool       `json:"sufficient"`
	RiskScore  float64    `json:"risk_score"`
	Level      Level      `json:"level"`
	Indicators Indicators `json:"indicators"`
	Triggered  []string   `json:"triggered,omitempty"`
	Reasons    []string   `json:"reasons,omitempty"`
}

// Detector is stateless and safe for concurrent use.
type Detector struct {
	config Config
}

// NewDetector creates a detector; zero-valued tuning fields take defaults.
func NewDetector(config Config) *Detector {
	def := DefaultConfig()
	if config.MinPoints <= 0 {
		config.MinPoints = def.MinPoints
	}
	if config.AccelerationThreshold <= 0 {
		config.AccelerationThreshold = def.AccelerationThreshold
	}
	if config.TopGainShare <= 0 || config.TopGainShare > 1 {
		config.TopGainShare = def.TopGainShare
	}
	if config.PullbackWindow < 2 {
		config.PullbackWindow = def.PullbackWindow
	}
	if config.WeightPAI+config.WeightPCI+config.WeightPWI+config.WeightPDR+config.WeightBSPR == 0 {
		config.WeightPAI, config.WeightPCI, config.WeightPWI = def.WeightPAI, def.WeightPCI, def.WeightPWI
		config.WeightPDR, config.WeightBSPR = def.WeightPDR, def.WeightBSPR
	}
	if config.ThresholdPAI <= 0 {
		config.ThresholdPAI = def.ThresholdPAI
	}
	if config.ThresholdPCI <= 0 {
		config.ThresholdPCI = def.ThresholdPCI
	}
	if config.ThresholdPWI <= 0 {
		config.ThresholdPWI = def.ThresholdPWI
	}
	if config.ThresholdPDR <= 0 {
		config.ThresholdPDR = def.ThresholdPDR
	}
	if config.ThresholdBSPR <= 0 {
		config.ThresholdBSPR = def.ThresholdBSPR
	}
	return &Detector{config: config}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.config }

// Analyze computes the risk score for prices (oldest first) and optional candles.
func (d *Detector) Analyze(prices []float64, candles []market.Candle) Result {
	if len(prices) < d.config.MinPoints {
		return Result{Level: LevelLow, Indicators: Indicators{BSPR: 0.5}}
	}

	ind := Indicators{
		PAI:  d.accelerationIndex(prices),
		PCI:  d.concentrationIndex(prices),
		PWI:  d.pullbackWarning(prices),
		PDR:  dispersionRatio(prices),
		BSPR: pressureRatio(candles),
	}

	res := Result{Sufficient: true, Indicators: ind}
	c := d.config
	check := func(name string, triggered bool, weight float64, reason string) {
		if !triggered {
			return
		}
		res.RiskScore += weight
		res.Triggered = append(res.Triggered, name)
		res.Reasons = append(res.Reasons, reason)
	}
	check(PAI, ind.PAI > c.ThresholdPAI, c.WeightPAI,
		fmt.Sprintf("abnormal acceleration: %.0f%% of steps accelerate by more than %.0f%% (PAI %.2f > %.2f)",
			ind.PAI*100, c.AccelerationThreshold*100, ind.PAI, c.ThresholdPAI))
	check(PCI, ind.PCI > c.ThresholdPCI, c.WeightPCI,
		fmt.Sprintf("concentrated rise: top %.0f%% of up-steps carry %.0f%% of the gain (PCI %.2f > %.2f)",
			c.TopGainShare*100, ind.PCI*100, ind.PCI, c.ThresholdPCI))
	check(PWI, ind.PWI > c.ThresholdPWI, c.WeightPWI,
		fmt.Sprintf("post-peak collapse: windows after the peak give back %.0f%% of the peak gain (PWI %.2f > %.2f)",
			ind.PWI*100, ind.PWI, c.ThresholdPWI))
	check(PDR, ind.PDR > c.ThresholdPDR, c.WeightPDR,
		fmt.Sprintf("erratic path: residual dispersion %.2f of mean price (PDR > %.2f)", ind.PDR, c.ThresholdPDR))
	check(BSPR, ind.BSPR < c.ThresholdBSPR, c.WeightBSPR,
		fmt.Sprintf("sell pressure dominant: buy share %.2f (BSPR < %.2f)", ind.BSPR, c.ThresholdBSPR))

	res.RiskScore = math.Min(math.Max(res.RiskScore, 0), 100)
	res.Level = LevelFor(res.RiskScore)
	return res
}

// LevelFor maps a 0-100 risk score to a Level.
func LevelFor(score float64) Level {
	switch {
	case score > 60:
		return LevelHigh
	case score > 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// accelerationIndex is the fraction of second differences of returns above
// the acceleration threshold.
func (d *Detector) accelerationIndex(prices []float64) float64 {
	r := stats.Returns(prices)
	if len(r) < 2 {
		return 0
	}
	hits := 0
	for i := 1; i < len(r); i++ {
		if r[i]-r[i-1] > d.config.AccelerationThreshold {
			hits++
		}
	}
	return float64(hits) / float64(len(r)-1)
}

// concentrationIndex is the share of total gain carried by the largest
// single-step gains.
func (d *Detector) concentrationIndex(prices []float64) float64 {
	var gains []float64
	total := 0.0
	for _, r := range stats.Returns(prices) {
		if r > 0 {
			gains = append(gains, r)
			total += r
		}
	}
	if total == 0 {
		return 0
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(gains)))
	k := int(math.Ceil(d.config.TopGainShare * float64(len(gains))))
	if k < 1 {
		k = 1
	}
	top := 0.0
	for _, g := range gains[:k] {
		top += g
	}
	return stats.Finite(top / total)
}

// pullbackWarning compares the average rolling-window return after the best
// window with that window's gain.
func (d *Detector) pullbackWarning(prices []float64) float64 {
	w := d.config.PullbackWindow
	if len(prices) < w {
		return 0
	}
	windows := make([]float64, 0, len(prices)-w+1)
	for i := 0; i+w-1 < len(prices); i++ {
		windows = append(windows, stats.PctChange(prices[i], prices[i+w-1])/100)
	}
	peak := 0
	for i, r := range windows {
		if r > windows[peak] {
			peak = i
		}
	}
	maxGain := windows[peak]
	after := windows[peak+1:]
	if maxGain <= 0 || len(after) == 0 {
		return 0
	}
	return math.Max(0, stats.Finite(-stats.Mean(after)/maxGain))
}

// dispersionRatio is the residual std-dev around the OLS line over the mean price.
func dispersionRatio(prices []float64) float64 {
	mean := stats.Mean(prices)
	if mean == 0 {
		return 0
	}
	return stats.Finite(stats.ResidualStdDev(prices) / mean)
}

// pressureRatio is the body-to-range weight of up candles over all candles.
// Without usable candles it is neutral (0.5).
func pressureRatio(candles []market.Candle) float64 {
	up, down := 0.0, 0.0
	for _, c := range candles {
		rng := c.High - c.Low
		if rng <= 0 {
			continue
		}
		strength := math.Abs(c.Close-c.Open) / rng
		switch {
		case c.Close > c.Open:
			up += strength
		case c.Close < c.Open:
			down += strength
		}
	}
	if up+down == 0 {
		return 0.5
	}
	return up / (up + down)
}
