// Package metrics exposes the orchestrator's Prometheus collectors: HTTP
// request counts by normalized endpoint, webhook event and rejection
// counts, agent run outcomes, and an in-flight agent gauge fed by the
// agent pool.
package metrics

import (
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var apiPathNormalizers = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{pattern: regexp.MustCompile(`^/tasks/[^/]+$`), replacement: "/tasks/{id}"},
}

// normalizePath collapses path parameters so each route counts as one
// endpoint rather than one series per task id.
func normalizePath(path string) string {
	if path == "" {
		return "/"
	}
	for _, normalizer := range apiPathNormalizers {
		if normalizer.pattern.MatchString(path) {
			return normalizer.pattern.ReplaceAllLiteralString(path, normalizer.replacement)
		}
	}
	return path
}

// Metrics bundles every collector the orchestrator registers. Components
// receive the whole struct and touch only the counters they own.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	WebhookEvents   *prometheus.CounterVec
	WebhookRejected *prometheus.CounterVec
	AgentRuns       *prometheus.CounterVec
	TokensUsed      *prometheus.CounterVec
	LockConflicts   prometheus.Counter
}

// New builds and registers the orchestrator's collectors on a private
// registry, so tests can construct independent instances without
// panicking on duplicate registration against the global default.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_http_requests_total",
			Help: "HTTP requests served, by method and normalized path.",
		}, []string{"method", "path"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_webhook_events_total",
			Help: "Webhook events accepted for routing, by event kind.",
		}, []string{"kind"}),
		WebhookRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_webhook_rejected_total",
			Help: "Webhook deliveries rejected before routing, by reason.",
		}, []string{"reason"}),
		AgentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_agent_runs_total",
			Help: "Agent executions, by agent type and outcome.",
		}, []string{"agent_type", "outcome"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_llm_tokens_total",
			Help: "LLM tokens consumed, by model.",
		}, []string{"model"}),
		LockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_lock_conflicts_total",
			Help: "File lock acquisitions refused because another task held a path.",
		}),
	}

	registry.MustRegister(
		m.HTTPRequests,
		m.WebhookEvents,
		m.WebhookRejected,
		m.AgentRuns,
		m.TokensUsed,
		m.LockConflicts,
	)
	return m
}

// RegisterAgentPoolGauge registers a gauge that reads the agent pool's
// current occupancy on every scrape.
func (m *Metrics) RegisterAgentPoolGauge(inUse func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "orchestrator_agents_in_flight",
		Help: "Agent executions currently holding a pool slot.",
	}, func() float64 {
		return float64(inUse())
	}))
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware counts every request that reaches the router, including ones
// later rejected by signature verification or ending as 404s.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.HTTPRequests.WithLabelValues(r.Method, normalizePath(r.URL.Path)).Inc()
		next.ServeHTTP(w, r)
	})
}
