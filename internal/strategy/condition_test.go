package strategy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var knownFactors = map[string]struct{}{
	"age": {}, "earlyReturn": {}, "profitPercent": {}, "trendPassed": {}, "holders": {},
}

func TestParseSingleComparison(t *testing.T) {
	e, err := Parse("age < 5", knownFactors)
	require.NoError(t, err)
	assert.Equal(t, Comparison{Factor: "age", Op: OpLT, Value: 5}, e)

	assert.True(t, e.Eval(Factors{"age": 4.9}))
	assert.False(t, e.Eval(Factors{"age": 5}))
	assert.False(t, e.Eval(Factors{}), "missing factor is false")
}

func TestParseConjunction(t *testing.T) {
	e, err := Parse("age<5 and earlyReturn >= 20 AND trendPassed == 1 && profitPercent > -1.5e1", knownFactors)
	require.NoError(t, err)

	and, ok := e.(And)
	require.True(t, ok)
	require.Len(t, and.Terms, 4)
	assert.Equal(t, Comparison{Factor: "profitPercent", Op: OpGT, Value: -15}, and.Terms[3])
	assert.Equal(t, []string{"age", "earlyReturn", "trendPassed", "profitPercent"}, FactorNames(e))

	f := Factors{"age": 2, "earlyReturn": 20, "trendPassed": 1, "profitPercent": 0}
	assert.True(t, e.Eval(f))
	f["trendPassed"] = 0
	assert.False(t, e.Eval(f))
	assert.Equal(t, "age < 5 AND earlyReturn >= 20 AND trendPassed == 1 AND profitPercent > -15", e.String())
}

func TestParseOperators(t *testing.T) {
	cases := []struct {
		src  string
		v    float64
		want bool
	}{
		{"age < 3", 2, true},
		{"age <= 3", 3, true},
		{"age > 3", 3, false},
		{"age >= 3", 3, true},
		{"age == 3", 3, true},
		{"age == 3", 3.0001, false},
		{"age > .5", 0.6, true},
	}
	for _, tc := range cases {
		e, err := Parse(tc.src, knownFactors)
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, e.Eval(Factors{"age": tc.v}), tc.src)
	}
}

func TestParseUnknownFactor(t *testing.T) {
	_, err := Parse("age < 5 AND marketCap > 1", knownFactors)
	assert.True(t, errors.Is(err, ErrUnknownFactor))
	assert.Contains(t, err.Error(), "marketCap")

	_, err = Parse("marketCap > 1", nil)
	assert.NoError(t, err, "nil factor set accepts any name")
}

func TestParseMalformed(t *testing.T) {
	for _, src := range []string{
		"",
		"age",
		"age <",
		"age < five",
		"5 < age",
		"age = 5",
		"age != 5",
		"age < 5 AND",
		"age < 5 OR holders > 3",
		"age < 5 holders > 3",
		"(age < 5)",
		"age < 5 & holders > 1",
		"age < 1e",
		"age + 1 < 5",
	} {
		_, err := Parse(src, knownFactors)
		assert.True(t, errors.Is(err, ErrMalformedCondition) || errors.Is(err, ErrUnknownFactor), "%q: %v", src, err)
		assert.Error(t, err, src)
	}
}
