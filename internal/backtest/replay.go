package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/features"
	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/pool"
)

// ---------------------------------------------------------------------------
// Replay clock
// ---------------------------------------------------------------------------

// Clock is the replay time source. Every component of a replay reads it
// instead of the wall clock.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

// Now returns the replay time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the replay time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// frame is one replayed tick: the latest observation of every token
// recorded inside the tick interval.
type frame struct {
	at     time.Time
	quotes map[string]market.Quote // by token id
	listed []market.TokenInfo      // tokens first observed in this frame
}

// buildFrames buckets time-ordered points into ticks of length interval,
// anchored at the first point. Empty intervals produce no frame.
func buildFrames(points []bus.TimeSeriesPoint, interval time.Duration) []frame {
	if len(points) == 0 || interval <= 0 {
		return nil
	}
	start := points[0].Timestamp
	seen := make(map[string]bool)

	var frames []frame
	bucket := int64(-1)
	for _, p := range points {
		b := int64(p.Timestamp.Sub(start) / interval)
		if b != bucket || len(frames) == 0 {
			frames = append(frames, frame{quotes: make(map[string]market.Quote)})
			bucket = b
		}
		f := &frames[len(frames)-1]
		if p.Timestamp.After(f.at) {
			f.at = p.Timestamp
		}

		id := market.TokenID(p.TokenAddress, p.Chain)
		f.quotes[id] = quoteFromPoint(p)
		if !seen[id] {
			seen[id] = true
			f.listed = append(f.listed, market.TokenInfo{
				Address:     p.TokenAddress,
				Chain:       p.Chain,
				Symbol:      p.Symbol,
				CreatedAt:   p.TokenCreatedAt,
				LaunchPrice: p.LaunchPrice,
				Price:       p.Price,
			})
		}
	}
	return frames
}

func quoteFromPoint(p bus.TimeSeriesPoint) market.Quote {
	return market.Quote{
		Price:   p.Price,
		TVL:     p.Factors[features.FactorTVL],
		FDV:     p.Factors[features.FactorFDV],
		Holders: int(p.Factors[features.FactorHolders]),
	}
}

// ---------------------------------------------------------------------------
// Replay provider
// ---------------------------------------------------------------------------

var errNoCandles = errors.New("backtest: candles are not recorded")

// replayProvider serves the current frame as market data.
type replayProvider struct {
	mu  sync.RWMutex
	cur frame
}

var _ market.Provider = (*replayProvider)(nil)

func (p *replayProvider) load(f frame) {
	p.mu.Lock()
	p.cur = f
	p.mu.Unlock()
}

func (p *replayProvider) ListNewTokens(_ context.Context, _, chain string, limit int) ([]market.TokenInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []market.TokenInfo
	for _, info := range p.cur.listed {
		if chain != "" && info.Chain != chain {
			continue
		}
		out = append(out, info)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *replayProvider) GetBatchPrices(_ context.Context, ids []string) (map[string]market.Quote, error) {
	if len(ids) > market.MaxBatchIDs {
		return nil, fmt.Errorf("backtest: %d ids exceed the batch limit", len(ids))
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]market.Quote, len(ids))
	for _, id := range ids {
		if q, ok := p.cur.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (p *replayProvider) GetCandles(context.Context, string, int, int) ([]market.Candle, error) {
	return nil, errNoCandles
}

// ---------------------------------------------------------------------------
// Divergence
// ---------------------------------------------------------------------------

// CompareConfig sets the tolerance of CompareSignals.
type CompareConfig struct {
	// SignalMatchRate is the minimum fraction of matched signals, e.g. 0.95.
	SignalMatchRate float64 `yaml:"signal_match_rate"`
}

// DivergenceReport captures differences between the recorded and the
// replayed signals of an experiment.
type DivergenceReport struct {
	TotalSignals      int           `json:"total_signals"`
	MatchedSignals    int           `json:"matched_signals"`
	MismatchedSignals int           `json:"mismatched_signals"`
	SignalMatchRate   float64       `json:"signal_match_rate"`
	MaxDrift          time.Duration `json:"max_drift"`
	Passed            bool          `json:"passed"`
	Divergences       []Divergence  `json:"divergences"`
}

// Divergence types.
const (
	DivergenceMissing = "missing" // recorded, not replayed
	DivergenceExtra   = "extra"   // replayed, not recorded
	DivergenceOutcome = "outcome" // both fired, executed differently
)

// Divergence is a single difference between the two runs.
type Divergence struct {
	Timestamp  time.Time `json:"ts"`
	Type       string    `json:"type"`
	Token      string    `json:"token"`
	StrategyID string    `json:"strategy_id"`
	Action     string    `json:"action"`
	Expected   string    `json:"expected"`
	Actual     string    `json:"actual"`
}

type signalKey struct {
	token    string
	strategy string
	action   string
}

// CompareSignals pairs recorded and replayed signals per token, rule and
// action in order of occurrence. A pair matches when both runs agree on
// whether the signal executed; unpaired signals on either side mismatch.
func CompareSignals(original, replayed []bus.Signal, config CompareConfig) *DivergenceReport {
	report := &DivergenceReport{}

	orig := groupSignals(original)
	repl := groupSignals(replayed)

	keys := make([]signalKey, 0, len(orig)+len(repl))
	for k := range orig {
		keys = append(keys, k)
	}
	for k := range repl {
		if _, ok := orig[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.token != b.token {
			return a.token < b.token
		}
		if a.strategy != b.strategy {
			return a.strategy < b.strategy
		}
		return a.action < b.action
	})

	for _, k := range keys {
		o, r := orig[k], repl[k]
		n := len(o)
		if len(r) > n {
			n = len(r)
		}
		for i := 0; i < n; i++ {
			report.TotalSignals++
			switch {
			case i >= len(r):
				report.MismatchedSignals++
				report.Divergences = append(report.Divergences,
					divergence(k, DivergenceMissing, o[i].Timestamp, describe(o[i]), "<missing>"))
			case i >= len(o):
				report.MismatchedSignals++
				report.Divergences = append(report.Divergences,
					divergence(k, DivergenceExtra, r[i].Timestamp, "<missing>", describe(r[i])))
			case o[i].Executed != r[i].Executed:
				report.MismatchedSignals++
				report.Divergences = append(report.Divergences,
					divergence(k, DivergenceOutcome, o[i].Timestamp, describe(o[i]), describe(r[i])))
			default:
				report.MatchedSignals++
				drift := time.Duration(math.Abs(float64(r[i].Timestamp.Sub(o[i].Timestamp))))
				if drift > report.MaxDrift {
					report.MaxDrift = drift
				}
			}
		}
	}

	if report.TotalSignals > 0 {
		report.SignalMatchRate = float64(report.MatchedSignals) / float64(report.TotalSignals)
	} else {
		report.SignalMatchRate = 1.0 // no signals => trivially matching
	}
	report.Passed = report.SignalMatchRate >= config.SignalMatchRate
	return report
}

func groupSignals(signals []bus.Signal) map[signalKey][]bus.Signal {
	out := make(map[signalKey][]bus.Signal)
	for _, s := range signals {
		k := signalKey{token: pool.Key(s.TokenAddress, s.Chain), strategy: s.StrategyID, action: s.Action}
		out[k] = append(out[k], s)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	}
	return out
}

func divergence(k signalKey, kind string, ts time.Time, expected, actual string) Divergence {
	return Divergence{
		Timestamp:  ts,
		Type:       kind,
		Token:      k.token,
		StrategyID: k.strategy,
		Action:     k.action,
		Expected:   expected,
		Actual:     actual,
	}
}

func describe(s bus.Signal) string {
	if s.Executed {
		return fmt.Sprintf("executed @ %g", s.Price)
	}
	return fmt.Sprintf("not executed (%s) @ %g", s.Failure, s.Price)
}
