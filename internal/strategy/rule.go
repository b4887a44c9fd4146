package strategy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is what a rule does when it fires.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// CardCount is a rule's card size: a positive number or "all".
type CardCount struct {
	N   int
	All bool
}

// AllCards is the "all" card count.
var AllCards = CardCount{All: true}

// Cards returns a fixed card count.
func Cards(n int) CardCount { return CardCount{N: n} }

// IsZero reports whether the count was never set.
func (c CardCount) IsZero() bool { return !c.All && c.N == 0 }

func (c CardCount) String() string {
	if c.All {
		return "all"
	}
	return strconv.Itoa(c.N)
}

// UnmarshalYAML accepts an integer or the literal "all".
func (c *CardCount) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("cards: expected integer or \"all\", got %s at line %d", kindName(node.Kind), node.Line)
	}
	return c.parse(node.Value)
}

// MarshalYAML writes the count back in the same form.
func (c CardCount) MarshalYAML() (interface{}, error) {
	if c.All {
		return "all", nil
	}
	return c.N, nil
}

// UnmarshalJSON accepts a number or "all".
func (c *CardCount) UnmarshalJSON(b []byte) error {
	return c.parse(strings.Trim(string(b), `"`))
}

// MarshalJSON writes a number or "all".
func (c CardCount) MarshalJSON() ([]byte, error) {
	if c.All {
		return []byte(`"all"`), nil
	}
	return json.Marshal(c.N)
}

func (c *CardCount) parse(s string) error {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "all") {
		*c = AllCards
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("cards: %q is neither an integer nor \"all\"", s)
	}
	*c = CardCount{N: n}
	return nil
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	}
	return "node"
}

// Rule is one configured buy or sell rule.
type Rule struct {
	ID        string `yaml:"id" json:"id"`
	Action    Action `yaml:"action" json:"action"`
	Condition string `yaml:"condition" json:"condition"`
	// Priority: lower is evaluated first.
	Priority int `yaml:"priority" json:"priority"`
	// Cooldown in seconds before the rule may fire again for the same token.
	Cooldown float64 `yaml:"cooldown" json:"cooldown"`
	// Cards defaults to 1 for buys and "all" for sells.
	Cards CardCount `yaml:"cards" json:"cards"`
	// MaxExecutions caps fires per token (nil = unlimited).
	MaxExecutions *int `yaml:"max_executions" json:"max_executions,omitempty"`
}

// CooldownDuration returns Cooldown as a duration.
func (r Rule) CooldownDuration() time.Duration {
	return time.Duration(r.Cooldown * float64(time.Second))
}

// validate checks everything except the condition.
func (r *Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Action != ActionBuy && r.Action != ActionSell {
		return fmt.Errorf("%w: %s: action %q must be buy or sell", ErrInvalidRule, r.ID, r.Action)
	}
	if r.Cooldown < 0 {
		return fmt.Errorf("%w: %s: negative cooldown", ErrInvalidRule, r.ID)
	}
	if r.MaxExecutions != nil && *r.MaxExecutions < 0 {
		return fmt.Errorf("%w: %s: negative max_executions", ErrInvalidRule, r.ID)
	}
	if r.Cards.IsZero() {
		if r.Action == ActionBuy {
			r.Cards = Cards(1)
		} else {
			r.Cards = AllCards
		}
	}
	if !r.Cards.All && r.Cards.N < 1 {
		return fmt.Errorf("%w: %s: cards must be >= 1 or \"all\"", ErrInvalidRule, r.ID)
	}
	return nil
}

// RuleSet is the strategy section of the configuration.
type RuleSet struct {
	Buy  []Rule `yaml:"buy"`
	Sell []Rule `yaml:"sell"`
}

// Rules flattens the set in declaration order (buys first), filling each
// rule's action from its list.
func (s RuleSet) Rules() ([]Rule, error) {
	out := make([]Rule, 0, len(s.Buy)+len(s.Sell))
	add := func(rules []Rule, action Action) error {
		for _, r := range rules {
			if r.Action == "" {
				r.Action = action
			}
			if r.Action != action {
				return fmt.Errorf("%w: %s: action %q listed under %s", ErrInvalidRule, r.ID, r.Action, action)
			}
			out = append(out, r)
		}
		return nil
	}
	if err := add(s.Buy, ActionBuy); err != nil {
		return nil, err
	}
	if err := add(s.Sell, ActionSell); err != nil {
		return nil, err
	}
	return out, nil
}
