// Package telemetry exposes process-level Prometheus counters for the
// pipeline roles. These are operational metrics about logsift itself, not the
// normalized device metrics flowing through the `metrics` stream.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counter set shared by the pipeline services. All counters
// are safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	MessagesConsumed   *prometheus.CounterVec // labels: role
	UpsertsTotal       *prometheus.CounterVec // labels: collection
	UpsertFailures     *prometheus.CounterVec // labels: collection
	CandidatesTotal    *prometheus.CounterVec // labels: kind ("issue"|"cluster")
	AlertsTotal        *prometheus.CounterVec // labels: type
	AutomationTriggers *prometheus.CounterVec // labels: provider
	LLMCalls           *prometheus.CounterVec // labels: outcome ("success"|"failure")
	MetricPointsTotal  *prometheus.CounterVec // labels: vendor
}

// New builds a Metrics set on its own registry so tests never collide on the
// global default registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_messages_consumed_total",
			Help: "Stream messages consumed, by pipeline role.",
		}, []string{"role"}),
		UpsertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_vector_upserts_total",
			Help: "Documents upserted into vector collections.",
		}, []string{"collection"}),
		UpsertFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_vector_upsert_failures_total",
			Help: "Failed vector collection upserts.",
		}, []string{"collection"}),
		CandidatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_candidates_total",
			Help: "Candidates published for enrichment.",
		}, []string{"kind"}),
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_alerts_total",
			Help: "Alerts published, by alert type.",
		}, []string{"type"}),
		AutomationTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_automation_triggers_total",
			Help: "Automation provider invocations (including dry-run).",
		}, []string{"provider"}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_llm_calls_total",
			Help: "LLM chat completions, by outcome.",
		}, []string{"outcome"}),
		MetricPointsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logsift_metric_points_total",
			Help: "Normalized metric points appended to the metrics stream.",
		}, []string{"vendor"}),
	}

	reg.MustRegister(
		m.MessagesConsumed,
		m.UpsertsTotal,
		m.UpsertFailures,
		m.CandidatesTotal,
		m.AlertsTotal,
		m.AutomationTriggers,
		m.LLMCalls,
		m.MetricPointsTotal,
	)
	return m
}

// Handler returns the /metrics exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
