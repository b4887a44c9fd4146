package quality

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/observability"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

// fakeProvider advances the clock by delay on every call.
type fakeProvider struct {
	clock  *clock
	delay  time.Duration
	quotes map[string]market.Quote
	err    error
}

func (p *fakeProvider) ListNewTokens(context.Context, string, string, int) ([]market.TokenInfo, error) {
	p.clock.t = p.clock.t.Add(p.delay)
	return []market.TokenInfo{{Address: "a", Chain: "bsc"}}, p.err
}

func (p *fakeProvider) GetBatchPrices(_ context.Context, ids []string) (map[string]market.Quote, error) {
	p.clock.t = p.clock.t.Add(p.delay)
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]market.Quote)
	for _, id := range ids {
		if q, ok := p.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

func (p *fakeProvider) GetCandles(context.Context, string, int, int) ([]market.Candle, error) {
	p.clock.t = p.clock.t.Add(p.delay)
	return nil, p.err
}

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *fakeProvider, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	p := &fakeProvider{clock: c, quotes: map[string]market.Quote{}}
	return NewMonitor(p, cfg, c.Now), p, c
}

func TestMonitor_ForwardsAndCounts(t *testing.T) {
	m, p, _ := newTestMonitor(t, DefaultConfig())
	p.delay = 100 * time.Millisecond
	p.quotes["a-bsc"] = market.Quote{Price: 1.5}
	p.quotes["b-bsc"] = market.Quote{Price: 0}
	ctx := context.Background()

	quotes, err := m.GetBatchPrices(ctx, []string{"a-bsc", "b-bsc", "c-bsc"})
	require.NoError(t, err)
	assert.Len(t, quotes, 2, "results are passed through unchanged")

	listed, err := m.ListNewTokens(ctx, "fourmeme", "bsc", 10)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Requested)
	assert.Equal(t, int64(1), snap.Missing)
	assert.Equal(t, int64(1), snap.Invalid)
	assert.Equal(t, 1, snap.TrackedTokens)

	prices := snap.Calls[CallPrices]
	assert.Equal(t, int64(1), prices.Calls)
	assert.Equal(t, 100*time.Millisecond, prices.MaxLatency)
	assert.Equal(t, 100*time.Millisecond, prices.AvgLatency)
	assert.Equal(t, int64(1), snap.Calls[CallList].Calls)
}

func TestMonitor_CountsErrors(t *testing.T) {
	m, p, _ := newTestMonitor(t, DefaultConfig())
	p.err = errors.New("rate limited")

	_, err := m.GetBatchPrices(context.Background(), []string{"a-bsc"})
	require.Error(t, err)
	_, err = m.GetCandles(context.Background(), "a-bsc", 1, 30)
	require.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Calls[CallPrices].Errors)
	assert.Equal(t, int64(1), snap.Calls[CallCandles].Errors)
	assert.True(t, snap.Calls[CallPrices].LastOK.IsZero())
	assert.Zero(t, snap.Requested, "failed calls are not inspected")
}

func TestMonitor_LatencyAlert(t *testing.T) {
	m, p, _ := newTestMonitor(t, Config{LatencyThreshold: time.Second})
	p.delay = 2 * time.Second

	_, err := m.ListNewTokens(context.Background(), "fourmeme", "bsc", 1)
	require.NoError(t, err)

	select {
	case alert := <-m.Alerts():
		assert.Equal(t, LevelWarn, alert.Level)
		assert.Equal(t, CallList, alert.Call)
		assert.Contains(t, alert.Message, "latency exceeds threshold")
	default:
		t.Fatal("expected a latency alert")
	}
}

func TestMonitor_FrozenPrice(t *testing.T) {
	m, p, _ := newTestMonitor(t, Config{FrozenAfter: 3})
	p.quotes["a-bsc"] = market.Quote{Price: 2}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.GetBatchPrices(ctx, []string{"a-bsc"})
		require.NoError(t, err)
	}
	assert.Empty(t, m.Alerts(), "two unchanged quotes are not frozen yet")

	_, err := m.GetBatchPrices(ctx, []string{"a-bsc"})
	require.NoError(t, err)
	require.Len(t, m.Alerts(), 1)
	alert := <-m.Alerts()
	assert.Equal(t, "a-bsc", alert.TokenID)
	assert.Equal(t, 1, m.Snapshot().Frozen)

	// Alerted once per freeze.
	_, err = m.GetBatchPrices(ctx, []string{"a-bsc"})
	require.NoError(t, err)
	assert.Empty(t, m.Alerts())

	p.quotes["a-bsc"] = market.Quote{Price: 2.1}
	_, err = m.GetBatchPrices(ctx, []string{"a-bsc"})
	require.NoError(t, err)
	assert.Zero(t, m.Snapshot().Frozen, "a price move thaws the token")
}

func TestMonitor_CheckStale(t *testing.T) {
	m, p, c := newTestMonitor(t, Config{StaleAfter: time.Minute})
	p.quotes["a-bsc"] = market.Quote{Price: 1}

	assert.False(t, m.CheckStale(), "no successful call yet")

	_, err := m.GetBatchPrices(context.Background(), []string{"a-bsc"})
	require.NoError(t, err)
	assert.False(t, m.CheckStale())
	assert.Equal(t, 1, m.Snapshot().TrackedTokens)

	c.t = c.t.Add(2 * time.Minute)
	assert.True(t, m.CheckStale())
	alert := <-m.Alerts()
	assert.Equal(t, LevelCritical, alert.Level)
	assert.Zero(t, m.Snapshot().TrackedTokens, "tokens no longer quoted are forgotten")
}

func TestMonitor_HealthCheck(t *testing.T) {
	m, p, c := newTestMonitor(t, Config{StaleAfter: time.Minute, FrozenAfter: 1})
	check := m.HealthCheck()
	ctx := context.Background()

	assert.Equal(t, observability.StatusDegraded, check(ctx).Status)

	p.quotes["a-bsc"] = market.Quote{Price: 1}
	_, err := m.GetBatchPrices(ctx, []string{"a-bsc"})
	require.NoError(t, err)
	assert.Equal(t, observability.StatusHealthy, check(ctx).Status)

	_, err = m.GetBatchPrices(ctx, []string{"a-bsc"})
	require.NoError(t, err)
	h := check(ctx)
	assert.Equal(t, observability.StatusDegraded, h.Status)
	assert.Equal(t, "frozen prices", h.Message)

	c.t = c.t.Add(5 * time.Minute)
	assert.Equal(t, observability.StatusUnhealthy, check(ctx).Status)
}

func TestMonitor_DropsAlertsWhenFull(t *testing.T) {
	m, p, _ := newTestMonitor(t, Config{LatencyThreshold: time.Nanosecond})
	p.delay = time.Millisecond
	for i := 0; i < cap(m.alertCh)+5; i++ {
		_, err := m.ListNewTokens(context.Background(), "", "bsc", 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(5), m.Snapshot().AlertsDropped)
}

func TestMonitor_Drain(t *testing.T) {
	m, _, _ := newTestMonitor(t, DefaultConfig())
	m.alertCh <- Alert{Level: LevelCritical, Call: CallPrices, Message: "stale"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Drain(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(m.Alerts()) == 0 }, time.Second, time.Millisecond)
	cancel()
	<-done
}
