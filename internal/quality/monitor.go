// Package quality watches the market data feed: it wraps a market.Provider
// and tracks call latency, failures, missing quotes, invalid prices and
// prices that stop moving.
package quality

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/market"
	"github.com/wangkobe88/richer-js-sub001/internal/observability"
)

// Config sets the alert thresholds. A zero threshold disables its alert.
type Config struct {
	// LatencyThreshold warns when a call takes longer.
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	// FrozenAfter warns when a token's price is unchanged for this many
	// consecutive quotes.
	FrozenAfter int `yaml:"frozen_after"`
	// StaleAfter is how long without a successful price call before the
	// feed counts as stale.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold: 5 * time.Second,
		FrozenAfter:      30,
		StaleAfter:       time.Minute,
	}
}

// Alert levels.
const (
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

// Alert represents a data quality alert.
type Alert struct {
	Level   string    `json:"level"` // warn|critical
	Call    string    `json:"call"`
	TokenID string    `json:"token_id,omitempty"`
	Message string    `json:"message"`
	Ts      time.Time `json:"ts"`
}

// CallStats tracks one provider call type.
type CallStats struct {
	Calls      int64         `json:"calls"`
	Errors     int64         `json:"errors"`
	MaxLatency time.Duration `json:"max_latency_ns"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	LastOK     time.Time     `json:"last_ok"`

	totalLatency time.Duration
}

// FeedStats is a snapshot of the feed quality.
type FeedStats struct {
	Calls         map[string]CallStats `json:"calls"`
	Requested     int64                `json:"requested"`
	Missing       int64                `json:"missing"`
	Invalid       int64                `json:"invalid"`
	Frozen        int                  `json:"frozen"`
	AlertsDropped int64                `json:"alerts_dropped"`
	TrackedTokens int                  `json:"tracked_tokens"`
}

type tokenState struct {
	price     float64
	unchanged int
	frozen    bool
	seen      time.Time
}

// Call names.
const (
	CallList    = "list"
	CallPrices  = "prices"
	CallCandles = "candles"
)

// Monitor is a market.Provider that forwards every call to the wrapped
// provider and records its quality. It never alters results.
type Monitor struct {
	inner  market.Provider
	config Config
	now    func() time.Time

	mu            sync.RWMutex
	calls         map[string]*CallStats
	tokens        map[string]*tokenState
	requested     int64
	missing       int64
	invalid       int64
	alertsDropped int64

	alertCh chan Alert
}

var _ market.Provider = (*Monitor)(nil)

// NewMonitor wraps inner. now may be nil.
func NewMonitor(inner market.Provider, config Config, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		inner:   inner,
		config:  config,
		now:     now,
		calls:   make(map[string]*CallStats),
		tokens:  make(map[string]*tokenState),
		alertCh: make(chan Alert, 256),
	}
}

// ListNewTokens forwards to the wrapped provider.
func (m *Monitor) ListNewTokens(ctx context.Context, tag, chain string, limit int) ([]market.TokenInfo, error) {
	start := m.now()
	out, err := m.inner.ListNewTokens(ctx, tag, chain, limit)
	m.recordCall(CallList, start, err)
	return out, err
}

// GetBatchPrices forwards to the wrapped provider and inspects the quotes.
func (m *Monitor) GetBatchPrices(ctx context.Context, ids []string) (map[string]market.Quote, error) {
	start := m.now()
	out, err := m.inner.GetBatchPrices(ctx, ids)
	m.recordCall(CallPrices, start, err)
	if err == nil {
		m.inspectQuotes(ids, out)
	}
	return out, err
}

// GetCandles forwards to the wrapped provider.
func (m *Monitor) GetCandles(ctx context.Context, id string, intervalMinutes, limit int) ([]market.Candle, error) {
	start := m.now()
	out, err := m.inner.GetCandles(ctx, id, intervalMinutes, limit)
	m.recordCall(CallCandles, start, err)
	return out, err
}

func (m *Monitor) recordCall(call string, start time.Time, err error) {
	end := m.now()
	lat := end.Sub(start)
	if lat < 0 {
		lat = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, ok := m.calls[call]
	if !ok {
		stats = &CallStats{}
		m.calls[call] = stats
	}
	stats.Calls++
	stats.totalLatency += lat
	stats.AvgLatency = stats.totalLatency / time.Duration(stats.Calls)
	if lat > stats.MaxLatency {
		stats.MaxLatency = lat
	}
	if err != nil {
		stats.Errors++
		return
	}
	stats.LastOK = end

	if m.config.LatencyThreshold > 0 && lat > m.config.LatencyThreshold {
		m.emitAlert(Alert{
			Level:   LevelWarn,
			Call:    call,
			Message: fmt.Sprintf("call latency exceeds threshold: %s > %s", lat, m.config.LatencyThreshold),
			Ts:      end,
		})
	}
}

// inspectQuotes counts missing and invalid quotes and tracks how long each
// token's price has been unchanged.
func (m *Monitor) inspectQuotes(ids []string, quotes map[string]market.Quote) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requested += int64(len(ids))
	for _, id := range ids {
		q, ok := quotes[id]
		if !ok {
			m.missing++
			continue
		}
		if !(q.Price > 0) || math.IsInf(q.Price, 0) {
			m.invalid++
			continue
		}

		st, ok := m.tokens[id]
		if !ok {
			m.tokens[id] = &tokenState{price: q.Price, seen: now}
			continue
		}
		st.seen = now
		if q.Price != st.price {
			st.price = q.Price
			st.unchanged = 0
			st.frozen = false
			continue
		}
		st.unchanged++
		if m.config.FrozenAfter > 0 && st.unchanged >= m.config.FrozenAfter && !st.frozen {
			st.frozen = true
			m.emitAlert(Alert{
				Level:   LevelWarn,
				Call:    CallPrices,
				TokenID: id,
				Message: fmt.Sprintf("price unchanged for %d quotes", st.unchanged),
				Ts:      now,
			})
		}
	}
}

// Alerts returns the read-only alert channel.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alertCh
}

// Snapshot returns a copy of the current feed stats.
func (m *Monitor) Snapshot() FeedStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := FeedStats{
		Calls:         make(map[string]CallStats, len(m.calls)),
		Requested:     m.requested,
		Missing:       m.missing,
		Invalid:       m.invalid,
		AlertsDropped: m.alertsDropped,
		TrackedTokens: len(m.tokens),
	}
	for k, v := range m.calls {
		snap.Calls[k] = *v
	}
	for _, st := range m.tokens {
		if st.frozen {
			snap.Frozen++
		}
	}
	return snap
}

// CheckStale emits a critical alert when no price call has succeeded
// within StaleAfter. It reports whether the feed is stale. Tokens not
// quoted within StaleAfter are no longer polled and are forgotten.
func (m *Monitor) CheckStale() bool {
	if m.config.StaleAfter <= 0 {
		return false
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, st := range m.tokens {
		if now.Sub(st.seen) > m.config.StaleAfter {
			delete(m.tokens, id)
		}
	}

	stats, ok := m.calls[CallPrices]
	if !ok || stats.LastOK.IsZero() {
		return false
	}
	age := now.Sub(stats.LastOK)
	if age <= m.config.StaleAfter {
		return false
	}
	m.emitAlert(Alert{
		Level:   LevelCritical,
		Call:    CallPrices,
		Message: fmt.Sprintf("price feed stale for >%s (last success %.1fs ago)", m.config.StaleAfter, age.Seconds()),
		Ts:      now,
	})
	return true
}

// HealthCheck reports the price feed: unhealthy once stale, degraded while
// any token's price is frozen.
func (m *Monitor) HealthCheck() observability.HealthCheck {
	return func(context.Context) observability.ComponentHealth {
		snap := m.Snapshot()
		prices := snap.Calls[CallPrices]
		details := map[string]any{
			"calls":   prices.Calls,
			"errors":  prices.Errors,
			"missing": snap.Missing,
			"frozen":  snap.Frozen,
		}
		switch {
		case prices.LastOK.IsZero():
			return observability.ComponentHealth{Status: observability.StatusDegraded, Message: "no successful price call yet", Details: details}
		case m.config.StaleAfter > 0 && m.now().Sub(prices.LastOK) > m.config.StaleAfter:
			return observability.ComponentHealth{Status: observability.StatusUnhealthy, Message: "price feed stale", Details: details}
		case snap.Frozen > 0:
			return observability.ComponentHealth{Status: observability.StatusDegraded, Message: "frozen prices", Details: details}
		}
		return observability.ComponentHealth{Status: observability.StatusHealthy, Details: details}
	}
}

// Drain logs and discards queued alerts until ctx is done.
func (m *Monitor) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-m.alertCh:
			ev := log.Warn()
			if a.Level == LevelCritical {
				ev = log.Error()
			}
			ev.Str("call", a.Call).Str("token", a.TokenID).Msg("quality: " + a.Message)
		}
	}
}

// emitAlert sends an alert to the channel without blocking. Caller must
// hold m.mu.
func (m *Monitor) emitAlert(alert Alert) {
	select {
	case m.alertCh <- alert:
	default:
		m.alertsDropped++
		log.Warn().
			Str("call", alert.Call).
			Str("token", alert.TokenID).
			Str("level", alert.Level).
			Str("message", alert.Message).
			Msg("quality: alert channel full, dropping alert")
	}
}
