// Package strategy compiles buy/sell rules and picks, per token and tick,
// the single rule that fires.
package strategy

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/pool"
)

// Policy decides when a fire consumes a rule's cooldown and execution budget.
type Policy string

const (
	// ConsumeOnSuccess records the fire only after a successful trade.
	ConsumeOnSuccess Policy = "on_success"
	// ConsumeOnAttempt records the fire whenever execution is attempted.
	ConsumeOnAttempt Policy = "on_attempt"
)

// Config configures the engine.
type Config struct {
	Policy Policy `yaml:"consume_policy"`
}

type compiledRule struct {
	rule Rule
	expr Expr

	matched atomic.Int64
	fired   atomic.Int64
	failed  atomic.Int64
}

// Engine is immutable after NewEngine apart from its counters and is safe
// for concurrent use.
type Engine struct {
	rules  []*compiledRule
	byID   map[string]*compiledRule
	policy Policy
}

// NewEngine validates and compiles rules against the available factor
// names. Any invalid rule fails the whole load.
func NewEngine(rules []Rule, available []string, cfg Config) (*Engine, error) {
	switch cfg.Policy {
	case "":
		cfg.Policy = ConsumeOnSuccess
	case ConsumeOnSuccess, ConsumeOnAttempt:
	default:
		return nil, fmt.Errorf("%w: consume policy %q", ErrInvalidRule, cfg.Policy)
	}

	known := make(map[string]struct{}, len(available))
	for _, f := range available {
		known[f] = struct{}{}
	}

	e := &Engine{
		byID:   make(map[string]*compiledRule, len(rules)),
		policy: cfg.Policy,
	}
	for _, r := range rules {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := e.byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidRule, r.ID)
		}
		expr, err := Parse(r.Condition, known)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		cr := &compiledRule{rule: r, expr: expr}
		e.rules = append(e.rules, cr)
		e.byID[r.ID] = cr
	}

	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].rule.Priority < e.rules[j].rule.Priority
	})

	for _, cr := range e.rules {
		log.Info().
			Str("strategy_id", cr.rule.ID).
			Str("action", string(cr.rule.Action)).
			Int("priority", cr.rule.Priority).
			Str("cards", cr.rule.Cards.String()).
			Str("condition", cr.expr.String()).
			Msg("strategy: rule loaded")
	}
	return e, nil
}

// Policy returns the consume policy in effect.
func (e *Engine) Policy() Policy { return e.policy }

// Input is the per-token state a rule is evaluated against.
type Input struct {
	Status          pool.Status
	ExecutionCounts map[string]int
	LastFired       map[string]time.Time
	Factors         Factors
	Now             time.Time
}

// InputFor builds an Input from a token snapshot.
func InputFor(t pool.Token, factors Factors, now time.Time) Input {
	return Input{
		Status:          t.Status,
		ExecutionCounts: t.ExecutionCounts,
		LastFired:       t.LastFired,
		Factors:         factors,
		Now:             now,
	}
}

// Match is the rule selected for a token on one tick.
type Match struct {
	Rule Rule
}

// Evaluate returns the lowest-priority-value rule whose action fits the
// token status, whose cooldown has elapsed, whose execution cap is not
// reached and whose condition holds. Ties go to declaration order. It
// returns nil when nothing fires.
func (e *Engine) Evaluate(in Input) *Match {
	action, ok := actionFor(in.Status)
	if !ok {
		return nil
	}
	for _, cr := range e.rules {
		r := cr.rule
		if r.Action != action {
			continue
		}
		if last, fired := in.LastFired[r.ID]; fired && r.Cooldown > 0 && in.Now.Sub(last) < r.CooldownDuration() {
			continue
		}
		if r.MaxExecutions != nil && in.ExecutionCounts[r.ID] >= *r.MaxExecutions {
			continue
		}
		if !cr.expr.Eval(in.Factors) {
			continue
		}
		cr.matched.Add(1)
		return &Match{Rule: r}
	}
	return nil
}

func actionFor(s pool.Status) (Action, bool) {
	switch s {
	case pool.StatusMonitoring:
		return ActionBuy, true
	case pool.StatusBought:
		return ActionSell, true
	}
	return "", false
}

// ShouldConsume reports whether a fire with the given outcome consumes the
// rule's budget. attempted is false for soft failures caught before the
// execution backend was called; those never consume.
func (e *Engine) ShouldConsume(attempted, success bool) bool {
	if !attempted {
		return false
	}
	return success || e.policy == ConsumeOnAttempt
}

// RecordOutcome updates the rule's fire counters.
func (e *Engine) RecordOutcome(ruleID string, success bool) {
	cr, ok := e.byID[ruleID]
	if !ok {
		return
	}
	if success {
		cr.fired.Add(1)
	} else {
		cr.failed.Add(1)
	}
}

// Rules returns the compiled rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = cr.rule
	}
	return out
}

// RuleStats exposes per-rule counters.
type RuleStats struct {
	StrategyID string `json:"strategy_id"`
	Action     Action `json:"action"`
	Matched    int64  `json:"matched"`
	Fired      int64  `json:"fired"`
	Failed     int64  `json:"failed"`
}

// Stats returns per-rule counters in evaluation order.
func (e *Engine) Stats() []RuleStats {
	out := make([]RuleStats, len(e.rules))
	for i, cr := range e.rules {
		out[i] = RuleStats{
			StrategyID: cr.rule.ID,
			Action:     cr.rule.Action,
			Matched:    cr.matched.Load(),
			Fired:      cr.fired.Load(),
			Failed:     cr.failed.Load(),
		}
	}
	return out
}
