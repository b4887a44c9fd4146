package strategy

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/wangkobe88/richer-js-sub001/internal/pool"
)

var available = []string{"age", "earlyReturn", "profitPercent", "trendPassed", "holders", "drawdownFromHighest"}

func intPtr(n int) *int { return &n }

func newTestEngine(t *testing.T, policy Policy, rules ...Rule) *Engine {
	t.Helper()
	e, err := NewEngine(rules, available, Config{Policy: policy})
	require.NoError(t, err)
	return e
}

func monitoringInput(f Factors) Input {
	return Input{Status: pool.StatusMonitoring, Factors: f, Now: time.Unix(1_700_000_000, 0)}
}

func TestEvaluatePriorityAndDeclarationOrder(t *testing.T) {
	e := newTestEngine(t, "",
		Rule{ID: "late", Action: ActionBuy, Condition: "age < 10", Priority: 5},
		Rule{ID: "first", Action: ActionBuy, Condition: "age < 10", Priority: 1},
		Rule{ID: "second", Action: ActionBuy, Condition: "age < 10", Priority: 1},
	)

	m := e.Evaluate(monitoringInput(Factors{"age": 2}))
	require.NotNil(t, m)
	assert.Equal(t, "first", m.Rule.ID)

	ids := []string{}
	for _, r := range e.Rules() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"first", "second", "late"}, ids)
}

func TestEvaluateFallsThroughToMatchingRule(t *testing.T) {
	e := newTestEngine(t, "",
		Rule{ID: "strict", Action: ActionBuy, Condition: "age < 1", Priority: 1},
		Rule{ID: "loose", Action: ActionBuy, Condition: "age < 10", Priority: 2},
	)
	m := e.Evaluate(monitoringInput(Factors{"age": 5}))
	require.NotNil(t, m)
	assert.Equal(t, "loose", m.Rule.ID)

	assert.Nil(t, e.Evaluate(monitoringInput(Factors{"age": 50})))
}

func TestEvaluateStatusFiltering(t *testing.T) {
	e := newTestEngine(t, "",
		Rule{ID: "buy", Action: ActionBuy, Condition: "age < 10"},
		Rule{ID: "sell", Action: ActionSell, Condition: "age < 10"},
	)
	f := Factors{"age": 1}

	m := e.Evaluate(Input{Status: pool.StatusMonitoring, Factors: f})
	require.NotNil(t, m)
	assert.Equal(t, ActionBuy, m.Rule.Action)

	m = e.Evaluate(Input{Status: pool.StatusBought, Factors: f})
	require.NotNil(t, m)
	assert.Equal(t, ActionSell, m.Rule.Action)

	for _, s := range []pool.Status{pool.StatusSelling, pool.StatusExited, pool.StatusInactive, pool.StatusBadHolder} {
		assert.Nil(t, e.Evaluate(Input{Status: s, Factors: f}), s)
	}
}

func TestEvaluateSellNeverFiresForMonitoringToken(t *testing.T) {
	e := newTestEngine(t, "", Rule{ID: "tp", Action: ActionSell, Condition: "profitPercent >= 0"})
	assert.Nil(t, e.Evaluate(monitoringInput(Factors{"profitPercent": 100})))
}

func TestEvaluateCooldown(t *testing.T) {
	e := newTestEngine(t, "", Rule{ID: "tp", Action: ActionSell, Condition: "profitPercent > 10", Cooldown: 30})
	now := time.Unix(1_700_000_000, 0)
	in := Input{
		Status:    pool.StatusBought,
		Factors:   Factors{"profitPercent": 20},
		LastFired: map[string]time.Time{"tp": now.Add(-29 * time.Second)},
		Now:       now,
	}
	assert.Nil(t, e.Evaluate(in))

	in.LastFired["tp"] = now.Add(-30 * time.Second)
	assert.NotNil(t, e.Evaluate(in))
}

func TestEvaluateZeroCooldownIgnoresLastFired(t *testing.T) {
	e := newTestEngine(t, "", Rule{ID: "tp", Action: ActionSell, Condition: "profitPercent > 10"})
	now := time.Unix(1_700_000_000, 0)
	in := Input{
		Status:    pool.StatusBought,
		Factors:   Factors{"profitPercent": 20},
		LastFired: map[string]time.Time{"tp": now},
		Now:       now,
	}
	assert.NotNil(t, e.Evaluate(in))
}

func TestEvaluateMaxExecutions(t *testing.T) {
	e := newTestEngine(t, "",
		Rule{ID: "once", Action: ActionBuy, Condition: "age < 10", Priority: 1, MaxExecutions: intPtr(1)},
		Rule{ID: "fallback", Action: ActionBuy, Condition: "age < 10", Priority: 2},
	)
	in := monitoringInput(Factors{"age": 1})
	in.ExecutionCounts = map[string]int{"once": 1}

	m := e.Evaluate(in)
	require.NotNil(t, m)
	assert.Equal(t, "fallback", m.Rule.ID)

	never := newTestEngine(t, "", Rule{ID: "never", Action: ActionBuy, Condition: "age < 10", MaxExecutions: intPtr(0)})
	assert.Nil(t, never.Evaluate(monitoringInput(Factors{"age": 1})))
}

func TestInputForUsesTokenState(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := pool.Token{
		Status:          pool.StatusBought,
		ExecutionCounts: map[string]int{"tp": 2},
		LastFired:       map[string]time.Time{"tp": now.Add(-time.Minute)},
	}
	in := InputFor(tok, Factors{"profitPercent": 1}, now)
	assert.Equal(t, pool.StatusBought, in.Status)
	assert.Equal(t, 2, in.ExecutionCounts["tp"])
	assert.Equal(t, now, in.Now)
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		want error
	}{
		{"unknown factor", Rule{ID: "x", Action: ActionBuy, Condition: "marketCap > 1"}, ErrUnknownFactor},
		{"malformed", Rule{ID: "x", Action: ActionBuy, Condition: "age <"}, ErrMalformedCondition},
		{"empty id", Rule{Action: ActionBuy, Condition: "age < 1"}, ErrInvalidRule},
		{"bad action", Rule{ID: "x", Action: "hold", Condition: "age < 1"}, ErrInvalidRule},
		{"negative cooldown", Rule{ID: "x", Action: ActionBuy, Condition: "age < 1", Cooldown: -1}, ErrInvalidRule},
		{"negative cards", Rule{ID: "x", Action: ActionBuy, Condition: "age < 1", Cards: Cards(-2)}, ErrInvalidRule},
		{"negative max", Rule{ID: "x", Action: ActionBuy, Condition: "age < 1", MaxExecutions: intPtr(-1)}, ErrInvalidRule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEngine([]Rule{{ID: "ok", Action: ActionBuy, Condition: "age < 1"}, tc.rule}, available, Config{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), err.Error())
		})
	}
}

func TestNewEngineRejectsDuplicateIDsAndPolicy(t *testing.T) {
	r := Rule{ID: "dup", Action: ActionBuy, Condition: "age < 1"}
	_, err := NewEngine([]Rule{r, r}, available, Config{})
	assert.True(t, errors.Is(err, ErrInvalidRule))

	_, err = NewEngine([]Rule{r}, available, Config{Policy: "sometimes"})
	assert.True(t, errors.Is(err, ErrInvalidRule))
}

func TestCardDefaults(t *testing.T) {
	e := newTestEngine(t, "",
		Rule{ID: "b", Action: ActionBuy, Condition: "age < 1"},
		Rule{ID: "s", Action: ActionSell, Condition: "profitPercent > 1"},
		Rule{ID: "s2", Action: ActionSell, Condition: "profitPercent > 2", Cards: Cards(2)},
	)
	rules := e.Rules()
	assert.Equal(t, Cards(1), rules[0].Cards)
	assert.Equal(t, AllCards, rules[1].Cards)
	assert.Equal(t, Cards(2), rules[2].Cards)
}

func TestShouldConsume(t *testing.T) {
	onSuccess := newTestEngine(t, "", Rule{ID: "b", Action: ActionBuy, Condition: "age < 1"})
	assert.Equal(t, ConsumeOnSuccess, onSuccess.Policy())
	assert.True(t, onSuccess.ShouldConsume(true, true))
	assert.False(t, onSuccess.ShouldConsume(true, false))
	assert.False(t, onSuccess.ShouldConsume(false, false))

	onAttempt := newTestEngine(t, ConsumeOnAttempt, Rule{ID: "b", Action: ActionBuy, Condition: "age < 1"})
	assert.True(t, onAttempt.ShouldConsume(true, true))
	assert.True(t, onAttempt.ShouldConsume(true, false))
	assert.False(t, onAttempt.ShouldConsume(false, false), "soft failures never consume")
}

func TestRuleStats(t *testing.T) {
	e := newTestEngine(t, "", Rule{ID: "b", Action: ActionBuy, Condition: "age < 10"})
	e.Evaluate(monitoringInput(Factors{"age": 1}))
	e.Evaluate(monitoringInput(Factors{"age": 1}))
	e.RecordOutcome("b", true)
	e.RecordOutcome("b", false)
	e.RecordOutcome("missing", true)

	st := e.Stats()
	require.Len(t, st, 1)
	assert.Equal(t, RuleStats{StrategyID: "b", Action: ActionBuy, Matched: 2, Fired: 1, Failed: 1}, st[0])
}

func TestRuleSetYAML(t *testing.T) {
	src := `
buy:
  - id: early
    condition: "age < 5 AND earlyReturn > 20"
    priority: 1
    max_executions: 1
sell:
  - id: take_profit
    condition: "profitPercent >= 50"
    cards: 2
    cooldown: 15
  - id: stop_loss
    condition: "profitPercent <= -20"
    cards: all
`
	var set RuleSet
	require.NoError(t, yaml.Unmarshal([]byte(src), &set))
	rules, err := set.Rules()
	require.NoError(t, err)
	require.Len(t, rules, 3)

	assert.Equal(t, ActionBuy, rules[0].Action)
	assert.Equal(t, 1, *rules[0].MaxExecutions)
	assert.True(t, rules[0].Cards.IsZero())
	assert.Equal(t, Cards(2), rules[1].Cards)
	assert.Equal(t, 15*time.Second, rules[1].CooldownDuration())
	assert.Equal(t, AllCards, rules[2].Cards)

	_, err = NewEngine(rules, available, Config{})
	assert.NoError(t, err)
}

func TestRuleSetRejectsMisplacedAction(t *testing.T) {
	set := RuleSet{Buy: []Rule{{ID: "x", Action: ActionSell, Condition: "age < 1"}}}
	_, err := set.Rules()
	assert.True(t, errors.Is(err, ErrInvalidRule))
}

func TestCardCountCodecs(t *testing.T) {
	var c CardCount
	assert.Error(t, yaml.Unmarshal([]byte("cards: [1]"), &struct {
		Cards *CardCount `yaml:"cards"`
	}{&c}))
	assert.Error(t, yaml.Unmarshal([]byte("cards: some"), &struct {
		Cards *CardCount `yaml:"cards"`
	}{&c}))

	b, err := json.Marshal(struct {
		A CardCount `json:"a"`
		B CardCount `json:"b"`
	}{AllCards, Cards(3)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"all","b":3}`, string(b))

	var back struct {
		A CardCount `json:"a"`
		B CardCount `json:"b"`
	}
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, AllCards, back.A)
	assert.Equal(t, Cards(3), back.B)

	out, err := yaml.Marshal(map[string]CardCount{"cards": AllCards})
	require.NoError(t, err)
	assert.Equal(t, "cards: all\n", string(out))
}
