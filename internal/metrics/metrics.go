// Package metrics holds the Prometheus collectors for the tool pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Labels: tool, outcome (ok, validation, authz, confirm_required, execution)
	invocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "tools",
		Name:      "invocations_total",
		Help:      "Tool invocations by outcome",
	}, []string{"tool", "outcome"})

	// Labels: tool
	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentgate",
		Subsystem: "tools",
		Name:      "execution_duration_seconds",
		Help:      "Handler execution time in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"tool"})

	schemaFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "schema",
		Name:      "fallbacks_total",
		Help:      "Tool schemas that degraded to the permissive fallback",
	}, []string{"tool"})

	// Labels: kind (audit, shadow_diff)
	auditWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "audit",
		Name:      "write_failures_total",
		Help:      "Audit rows that could not be persisted",
	}, []string{"kind"})

	auditQueueOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "audit",
		Name:      "queue_overflow_total",
		Help:      "Audit writes that bypassed the full queue",
	})

	// Labels: result (match, mismatch, legacy_error, candidate_error)
	shadowComparisons = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentgate",
		Subsystem: "shadow",
		Name:      "comparisons_total",
		Help:      "Shadow comparisons by result",
	}, []string{"result"})
)

// RecordInvocation counts one tool invocation and, for executed calls, its duration.
func RecordInvocation(tool, outcome string, executedSec float64, executed bool) {
	invocations.WithLabelValues(tool, outcome).Inc()
	if executed {
		executionDuration.WithLabelValues(tool).Observe(executedSec)
	}
}

// SchemaFallback counts a schema conversion that fell back.
func SchemaFallback(tool string) {
	schemaFallbacks.WithLabelValues(tool).Inc()
}

// AuditWriteFailed counts a failed audit insert.
func AuditWriteFailed(kind string) {
	auditWriteFailures.WithLabelValues(kind).Inc()
}

// AuditQueueOverflow counts a write that found the queue full.
func AuditQueueOverflow() {
	auditQueueOverflow.Inc()
}

// ShadowComparison counts a completed shadow run.
func ShadowComparison(result string) {
	shadowComparisons.WithLabelValues(result).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
