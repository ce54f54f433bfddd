// Package observability holds the process-wide Prometheus metrics and the
// OpenTelemetry tracer handle. Components record here directly; exporters and
// dashboards live outside this repository.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/troupeai/troupe"

// Tracer returns the tracer all spans in this module are created from.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

var (
	// LLMRequests counts provider calls by outcome (ok or a failure kind).
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troupe_llm_requests_total",
		Help: "Provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	// LLMLatency observes provider call latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "troupe_llm_request_seconds",
		Help:    "Provider call latency in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	// ToolExecutions counts tool runs by outcome (ok or error).
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troupe_tool_executions_total",
		Help: "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// ThrottleTransitions counts adaptive throttle moves per provider.
	// Direction is "drop" or "restore".
	ThrottleTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troupe_throttle_transitions_total",
		Help: "Adaptive throttle transitions by provider and direction.",
	}, []string{"provider", "direction"})

	// GateInUse tracks how many global concurrency permits are held.
	GateInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "troupe_gate_in_use",
		Help: "Global concurrency gate permits currently held.",
	})

	// RateDenials counts admission denials by provider and stage
	// (window or bucket).
	RateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troupe_rate_denials_total",
		Help: "Rate admission denials by provider and stage.",
	}, []string{"provider", "stage"})
)
