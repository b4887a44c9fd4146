// Package observability exposes Prometheus metrics and component health for
// the token monitor.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "richer"

// Metrics holds the monitor's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	TicksTotal         *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	TokensByStatus     *prometheus.GaugeVec
	TokensDiscovered   prometheus.Counter
	TokensRemoved      *prometheus.CounterVec
	SignalsTotal       *prometheus.CounterVec
	TradesTotal        *prometheus.CounterVec
	TokenFailures      prometheus.Counter
	ProviderErrors     *prometheus.CounterVec
	SinkErrors         prometheus.Counter
	PortfolioValueBNB  prometheus.Gauge
	CashBNB            prometheus.Gauge
	RiskRejections     *prometheus.CounterVec
	LastTickCompletion prometheus.Gauge
}

// NewMetrics registers every collector on reg. Pass prometheus.NewRegistry()
// in tests so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Monitoring cycles by outcome.",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one monitoring cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		TokensByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "tokens",
			Help:      "Tokens in the pool by lifecycle status.",
		}, []string{"status"}),
		TokensDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "tokens_discovered_total",
			Help:      "Newly launched tokens admitted to the pool.",
		}),
		TokensRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "pool",
			Name:      "tokens_removed_total",
			Help:      "Tokens evicted from the pool by reason.",
		}, []string{"reason"}),
		SignalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "strategy",
			Name:      "signals_total",
			Help:      "Strategy signals by action and whether they executed.",
		}, []string{"action", "executed"}),
		TradesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "execution",
			Name:      "trades_total",
			Help:      "Trades by direction and result.",
		}, []string{"direction", "result"}),
		TokenFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "token_failures_total",
			Help:      "Per-token processing failures isolated within a cycle.",
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "market",
			Name:      "provider_errors_total",
			Help:      "Market data provider failures by call.",
		}, []string{"call"}),
		SinkErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "storage",
			Name:      "sink_errors_total",
			Help:      "Failed record writes.",
		}),
		PortfolioValueBNB: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "portfolio",
			Name:      "total_value_bnb",
			Help:      "Cash plus marked-to-market positions.",
		}),
		CashBNB: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "portfolio",
			Name:      "cash_bnb",
			Help:      "Available quote balance.",
		}),
		RiskRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Orders rejected by the risk gate by direction.",
		}, []string{"direction"}),
		LastTickCompletion: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "monitor",
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed cycle.",
		}),
	}
}

// ObserveTick records a finished cycle.
func (m *Metrics) ObserveTick(d time.Duration, err error, at time.Time) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TicksTotal.WithLabelValues(result).Inc()
	m.TickDuration.Observe(d.Seconds())
	if err == nil {
		m.LastTickCompletion.Set(float64(at.Unix()))
	}
}

// SetTokenCounts replaces the per-status token gauges.
func (m *Metrics) SetTokenCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.TokensByStatus.Reset()
	for status, n := range counts {
		m.TokensByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// Discovered counts admitted tokens.
func (m *Metrics) Discovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensDiscovered.Add(float64(n))
}

// Removed counts one eviction.
func (m *Metrics) Removed(reason string) {
	if m == nil {
		return
	}
	m.TokensRemoved.WithLabelValues(reason).Inc()
}

// Signal counts one strategy signal.
func (m *Metrics) Signal(action string, executed bool) {
	if m == nil {
		return
	}
	m.SignalsTotal.WithLabelValues(action, boolLabel(executed)).Inc()
}

// Trade counts one trade attempt.
func (m *Metrics) Trade(direction string, success bool) {
	if m == nil {
		return
	}
	result := "filled"
	if !success {
		result = "failed"
	}
	m.TradesTotal.WithLabelValues(direction, result).Inc()
}

// TokenFailure counts one isolated per-token failure.
func (m *Metrics) TokenFailure() {
	if m == nil {
		return
	}
	m.TokenFailures.Inc()
}

// ProviderError counts one market data failure.
func (m *Metrics) ProviderError(call string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(call).Inc()
}

// SinkError counts one failed record write.
func (m *Metrics) SinkError() {
	if m == nil {
		return
	}
	m.SinkErrors.Inc()
}

// RiskRejected counts one risk rejection.
func (m *Metrics) RiskRejected(direction string) {
	if m == nil {
		return
	}
	m.RiskRejections.WithLabelValues(direction).Inc()
}

// SetPortfolio updates the portfolio gauges.
func (m *Metrics) SetPortfolio(cash, total float64) {
	if m == nil {
		return
	}
	m.CashBNB.Set(cash)
	m.PortfolioValueBNB.Set(total)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
