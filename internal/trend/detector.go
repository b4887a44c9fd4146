// Package trend confirms that a price series is in a sustained uptrend
// using a four-step gate: noise, direction, strength and quality.
package trend

import (
	"math"

	"github.com/wangkobe88/richer-js-sub001/internal/stats"
)

// Step identifies the gate a window failed at.
type Step string

const (
	StepNone         Step = ""
	StepInsufficient Step = "insufficient_data"
	StepNoise        Step = "noise"
	StepDirection    Step = "direction"
	StepStrength     Step = "strength"
	StepQuality      Step = "quality"
)

// minWindow is the smallest window for which direction, strength and
// quality are computed at all.
const minWindow = 4

// Config holds the detector thresholds.
type Config struct {
	// MinDataPoints is the first window length tried.
	MinDataPoints int `yaml:"min_data_points"`
	// MaxDataPoints caps the window length (0 = unbounded).
	MaxDataPoints int `yaml:"max_data_points"`
	// CVThreshold: a window whose coefficient of variation is not above this is noise.
	CVThreshold float64 `yaml:"cv_threshold"`
	// ScoreThreshold is the minimum strength score (0-100).
	ScoreThreshold float64 `yaml:"score_threshold"`
	// TotalReturnThreshold: the window return in percent must exceed this.
	TotalReturnThreshold float64 `yaml:"total_return_threshold"`
	// RiseRatioThreshold: the fraction of rising steps must exceed this.
	RiseRatioThreshold float64 `yaml:"rise_ratio_threshold"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MinDataPoints:        6,
		MaxDataPoints:        0,
		CVThreshold:          0.005,
		ScoreThreshold:       30,
		TotalReturnThreshold: 5,
		RiseRatioThreshold:   0.5,
	}
}

// Details are the diagnostics of one evaluated window.
type Details struct {
	DataPoints       int     `json:"data_points"`
	CV               float64 `json:"cv"`
	Slope            float64 `json:"slope"`
	NormalizedSlope  float64 `json:"normalized_slope"`
	TotalReturn      float64 `json:"total_return"`
	RiseRatio        float64 `json:"rise_ratio"`
	DirectionChecks  int     `json:"direction_checks"`
	SlopeScore       float64 `json:"slope_score"`
	ReturnScore      float64 `json:"return_score"`
	ConsistencyScore float64 `json:"consistency_score"`
	StabilityScore   float64 `json:"stability_score"`
	Multiplier       float64 `json:"multiplier"`
	Score            float64 `json:"score"`
	FailedStep       Step    `json:"failed_step,omitempty"`
}

// Result is the outcome of Detect.
type Result struct {
	Passed         bool    `json:"passed"`
	FirstPassPoint int     `json:"first_pass_point"`
	Details        Details `json:"details"`
}

// Detector is stateless; one instance is shared by all tokens.
type Detector struct {
	config Config
}

// NewDetector creates a detector, filling unset thresholds from DefaultConfig.
func NewDetector(config Config) *Detector {
	def := DefaultConfig()
	if config.MinDataPoints <= 0 {
		config.MinDataPoints = def.MinDataPoints
	}
	if config.MaxDataPoints < 0 {
		config.MaxDataPoints = 0
	}
	return &Detector{config: config}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.config }

// Detect tries windows prices[:n] for n from MinDataPoints up to the cap and
// returns the first one that passes all four steps. When none passes the
// details of the last window tried are returned.
func (d *Detector) Detect(prices []float64) Result {
	maxN := len(prices)
	if d.config.MaxDataPoints > 0 && d.config.MaxDataPoints < maxN {
		maxN = d.config.MaxDataPoints
	}
	if maxN < d.config.MinDataPoints {
		return Result{Details: Details{DataPoints: len(prices), FailedStep: StepInsufficient}}
	}

	var last Details
	for n := d.config.MinDataPoints; n <= maxN; n++ {
		last = d.evaluate(prices[:n])
		if last.FailedStep == StepNone {
			return Result{Passed: true, FirstPassPoint: n, Details: last}
		}
	}
	return Result{Details: last}
}

// evaluate runs the four steps on a single window.
func (d *Detector) evaluate(window []float64) Details {
	det := Details{DataPoints: len(window)}

	// Step 1: noise.
	det.CV = stats.CV(window)
	if !(det.CV > d.config.CVThreshold) {
		det.FailedStep = StepNoise
		return det
	}
	if len(window) < minWindow {
		det.FailedStep = StepDirection
		return det
	}

	// Step 2: direction.
	det.Slope = stats.Slope(window)
	first, last := window[0], window[len(window)-1]
	half := len(window) / 2
	checks := 0
	if det.Slope > 0 {
		checks++
	}
	if last > first {
		checks++
	}
	if stats.Median(window[len(window)-half:]) > stats.Median(window[:half]) {
		checks++
	}
	det.DirectionChecks = checks
	if checks < 2 {
		det.FailedStep = StepDirection
		return det
	}

	// Step 3: strength.
	if mean := stats.Mean(window); mean != 0 {
		det.NormalizedSlope = stats.Finite(det.Slope / mean * 100)
	}
	det.TotalReturn = stats.PctChange(first, last)
	det.RiseRatio = stats.RiseRatio(window)
	det.SlopeScore = math.Min(math.Abs(det.NormalizedSlope)*1000, 100)
	det.ReturnScore = math.Min(math.Abs(det.TotalReturn)*10, 100)
	det.ConsistencyScore = det.RiseRatio * 100
	det.StabilityScore = math.Max((1-det.CV*10)*100, 0)
	switch {
	case det.TotalReturn > 0:
		det.Multiplier = 1
	case det.TotalReturn < 0:
		det.Multiplier = 0.3
	default:
		det.Multiplier = 0.1
	}
	det.Score = (0.3*det.SlopeScore + 0.3*det.ReturnScore +
		0.2*det.ConsistencyScore + 0.2*det.StabilityScore) * det.Multiplier
	if det.Score < d.config.ScoreThreshold {
		det.FailedStep = StepStrength
		return det
	}

	// Step 4: quality.
	if !(det.TotalReturn > d.config.TotalReturnThreshold && det.RiseRatio > d.config.RiseRatioThreshold) {
		det.FailedStep = StepQuality
	}
	return det
}
