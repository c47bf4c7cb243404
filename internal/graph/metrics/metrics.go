// Package metrics exposes the Prometheus collectors shared by every
// reactive-core component.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this core registers.
var Registry = prometheus.NewRegistry()

var (
	evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphreactor",
			Subsystem: "query",
			Name:      "evaluations_total",
			Help:      "Total number of query evaluations run.",
		},
		[]string{"result"},
	)

	evaluationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "graphreactor",
			Subsystem: "query",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of a single query evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	skippedEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "graphreactor",
			Subsystem: "subscription",
			Name:      "skipped_evaluations_total",
			Help:      "Re-evaluations skipped because the invalidation index ruled a mutation out as irrelevant.",
		},
	)

	activeSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "graphreactor",
			Subsystem: "subscription",
			Name:      "active",
			Help:      "Current number of live subscriptions.",
		},
	)

	automationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphreactor",
			Subsystem: "automation",
			Name:      "runs_total",
			Help:      "Total number of automation rule executions.",
		},
		[]string{"automation_id", "outcome"},
	)

	computedFieldUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphreactor",
			Subsystem: "computed",
			Name:      "value_changes_total",
			Help:      "Total number of computed field value changes delivered to listeners.",
		},
		[]string{"computed_field_id"},
	)

	webhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "graphreactor",
			Subsystem: "webhook",
			Name:      "attempts_total",
			Help:      "Total number of webhook delivery attempts.",
		},
		[]string{"outcome"},
	)

	webhookQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "graphreactor",
			Subsystem: "webhook",
			Name:      "queue_depth",
			Help:      "Current number of jobs waiting in the webhook queue.",
		},
	)
)

func init() {
	Registry.MustRegister(
		evaluationsTotal,
		evaluationDuration,
		skippedEvaluations,
		activeSubscriptions,
		automationRuns,
		computedFieldUpdates,
		webhookAttempts,
		webhookQueueDepth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation records one query evaluation's outcome and latency.
func RecordEvaluation(success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "error"
	}
	evaluationsTotal.WithLabelValues(result).Inc()
	evaluationDuration.Observe(d.Seconds())
}

// RecordSkippedEvaluation records one re-evaluation avoided by the
// invalidation index.
func RecordSkippedEvaluation() {
	skippedEvaluations.Inc()
}

// SetActiveSubscriptions reports the current subscription count.
func SetActiveSubscriptions(n int) {
	activeSubscriptions.Set(float64(n))
}

// RecordAutomationRun records one automation rule execution.
func RecordAutomationRun(automationID string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	automationRuns.WithLabelValues(automationID, outcome).Inc()
}

// RecordComputedFieldUpdate records one delivered computed-field change.
func RecordComputedFieldUpdate(computedFieldID string) {
	computedFieldUpdates.WithLabelValues(computedFieldID).Inc()
}

// RecordWebhookAttempt records one webhook delivery attempt outcome.
func RecordWebhookAttempt(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	webhookAttempts.WithLabelValues(outcome).Inc()
}

// SetWebhookQueueDepth reports the current webhook queue depth.
func SetWebhookQueueDepth(n int) {
	webhookQueueDepth.Set(float64(n))
}
