package risk

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bnb(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clk.now)), clk
}

func TestCheckBuy_AllowWithinLimits(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	d := e.CheckBuy("0xabc", bnb(0.25), 0)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.ReasonCodes)
	assert.Empty(t, d.Reason())
}

func TestCheckBuy_MaxOpenPositions(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxOpenPositions: 2})
	assert.True(t, e.CheckBuy("a", bnb(1), 1).Allowed)

	d := e.CheckBuy("a", bnb(1), 2)
	assert.False(t, d.Allowed)
	assert.True(t, strings.HasPrefix(d.ReasonCodes[0], "MAX_OPEN_POSITIONS"))
}

func TestCheckBuy_OrderTooLarge(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxBuyBNB: 0.5})
	d := e.CheckBuy("a", bnb(0.75), 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason(), "ORDER_TOO_LARGE")
}

func TestCheckBuy_DailySpendResetsAtUTCMidnight(t *testing.T) {
	e, clk := newTestEngine(t, Config{MaxDailySpendBNB: 1})

	require.True(t, e.CheckBuy("a", bnb(0.75), 0).Allowed)
	e.RecordBuy(bnb(0.75))

	d := e.CheckBuy("b", bnb(0.5), 1)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason(), "DAILY_SPEND_EXCEEDED")
	assert.Equal(t, "0.75", e.Stats().DailySpend)

	clk.t = clk.t.Add(2 * time.Hour)
	assert.True(t, e.CheckBuy("b", bnb(0.5), 1).Allowed)
	assert.Equal(t, "0", e.Stats().DailySpend)
}

func TestCheckBuy_DailyLoss(t *testing.T) {
	e, clk := newTestEngine(t, Config{MaxDailyLossBNB: 1})
	e.RecordRealized(bnb(-0.6))
	assert.True(t, e.CheckBuy("a", bnb(0.1), 0).Allowed)

	e.RecordRealized(bnb(-0.6))
	d := e.CheckBuy("a", bnb(0.1), 0)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason(), "DAILY_LOSS_EXCEEDED")

	// Sells are still allowed.
	assert.True(t, e.CheckSell("a").Allowed)

	clk.t = clk.t.Add(time.Hour + time.Minute)
	assert.True(t, e.CheckBuy("a", bnb(0.1), 0).Allowed)
}

func TestCheckBuy_MultipleReasons(t *testing.T) {
	e, _ := newTestEngine(t, Config{MaxOpenPositions: 1, MaxBuyBNB: 0.1, MaxDailySpendBNB: 0.05})
	d := e.CheckBuy("a", bnb(0.2), 3)
	assert.False(t, d.Allowed)
	assert.Len(t, d.ReasonCodes, 3)
	assert.Equal(t, int64(1), e.Stats().Denied)
}

func TestPauseResume(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	e.Pause("operator")
	assert.True(t, e.Paused())
	assert.False(t, e.IsActive())

	d := e.CheckBuy("a", bnb(0.1), 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"PAUSED"}, d.ReasonCodes)
	assert.True(t, e.CheckSell("a").Allowed, "pause only gates buys")

	e.Resume()
	assert.True(t, e.IsActive())
	assert.True(t, e.CheckBuy("a", bnb(0.1), 0).Allowed)
}

func TestKillSwitch(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	e.Kill()

	assert.Equal(t, []string{"KILL_SWITCH_ACTIVE"}, e.CheckBuy("a", bnb(0.1), 0).ReasonCodes)
	assert.False(t, e.CheckSell("a").Allowed)

	e.Resume()
	assert.False(t, e.IsActive(), "kill cannot be resumed")
	assert.True(t, e.Stats().Killed)
}
