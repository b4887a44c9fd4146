package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ComponentStatus represents the health status of a component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// HealthCheck reports the health of one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is the health report for a single component.
type ComponentHealth struct {
	Name        string          `json:"name"`
	Status      ComponentStatus `json:"status"`
	Message     string          `json:"message,omitempty"`
	LastChecked time.Time       `json:"last_checked"`
	Details     map[string]any  `json:"details,omitempty"`
}

// SystemHealth is the aggregate of every component.
type SystemHealth struct {
	Status     ComponentStatus            `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  time.Time                  `json:"ts"`
	Uptime     string                     `json:"uptime"`
}

// Health runs registered checks on demand and logs status transitions.
type Health struct {
	mu        sync.RWMutex
	checks    map[string]HealthCheck
	results   map[string]ComponentHealth
	startTime time.Time
	now       func() time.Time
}

// NewHealth creates an empty health registry. now may be nil.
func NewHealth(now func() time.Time) *Health {
	if now == nil {
		now = time.Now
	}
	return &Health{
		checks:    make(map[string]HealthCheck),
		results:   make(map[string]ComponentHealth),
		startTime: now(),
		now:       now,
	}
}

// Register adds or replaces a named check.
func (h *Health) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every check and returns the aggregate. The worst component
// status becomes the system status.
func (h *Health) Check(ctx context.Context) SystemHealth {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]ComponentHealth, len(checks))
	worst := StatusHealthy
	for _, name := range names {
		r := checks[name](ctx)
		r.Name = name
		r.LastChecked = h.now()
		results[name] = r
		if statusSeverity(r.Status) > statusSeverity(worst) {
			worst = r.Status
		}
	}

	h.mu.Lock()
	prev := h.results
	h.results = results
	h.mu.Unlock()

	for _, name := range names {
		cur := results[name]
		if old, ok := prev[name]; ok && old.Status == cur.Status {
			continue
		}
		logTransition(cur)
	}

	return SystemHealth{
		Status:     worst,
		Components: results,
		Timestamp:  h.now(),
		Uptime:     h.now().Sub(h.startTime).Round(time.Second).String(),
	}
}

// Component returns the most recent result for name.
func (h *Health) Component(name string) (ComponentHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.results[name]
	return r, ok
}

// ServeHTTP writes the aggregate as JSON, with 503 when unhealthy.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sys := h.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if sys.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(sys)
}

// -----------------------------------------------------------------------
// Checks
// -----------------------------------------------------------------------

// FreshnessCheck is healthy while last() is within maxAge of now(), degraded
// up to three times that, and unhealthy beyond. A zero time is degraded
// until the first cycle completes.
func FreshnessCheck(last func() time.Time, maxAge time.Duration, now func() time.Time) HealthCheck {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) ComponentHealth {
		t := last()
		if t.IsZero() {
			return ComponentHealth{Status: StatusDegraded, Message: "no completed cycle yet"}
		}
		age := now().Sub(t)
		details := map[string]any{"age_seconds": age.Seconds()}
		switch {
		case age <= maxAge:
			return ComponentHealth{Status: StatusHealthy, Details: details}
		case age <= 3*maxAge:
			return ComponentHealth{Status: StatusDegraded, Message: "cycles are late", Details: details}
		default:
			return ComponentHealth{Status: StatusUnhealthy, Message: "cycles have stalled", Details: details}
		}
	}
}

// PingCheck reports unhealthy when ping fails.
func PingCheck(ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusHealthy}
	}
}

// -----------------------------------------------------------------------
// Internal
// -----------------------------------------------------------------------

func logTransition(h ComponentHealth) {
	ev := log.Info()
	switch h.Status {
	case StatusUnhealthy:
		ev = log.Error()
	case StatusDegraded:
		ev = log.Warn()
	}
	ev.Str("component", h.Name).Str("status", string(h.Status)).Str("message", h.Message).
		Msg("health: status changed")
}

// statusSeverity returns a numeric severity for comparison.
func statusSeverity(s ComponentStatus) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return -1
	}
}
