package orchestrator

import (
	"log/slog"

	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/tools"
)

// Event identifies one orchestrator call across all observer hooks.
type Event struct {
	RequestID string `json:"request_id"`
	UserID    string `json:"user_id"`
	AgentID   string `json:"agent_id"`
	Mode      Mode   `json:"mode"`
}

// Observer receives the structured lifecycle hooks of an orchestrator call.
// Field names are stable so external sinks (audit logs, traces) can
// subscribe without reaching into internals. Implementations must be fast;
// hooks run inline on the request path.
type Observer interface {
	RequestStarted(e Event, task string)

	// ProviderAttempted fires once per chain link tried, including the one
	// that succeeded (kind is empty on success).
	ProviderAttempted(e Event, provider string, kind llms.FailureKind)

	ToolInvoked(e Event, record tools.Record)

	RequestCompleted(e Event, result *Result)
	RequestFailed(e Event, err error)
}

// LogObserver writes every hook to structured logs. It also satisfies
// ratelimit.ThrottleListener so one sink covers throttle transitions.
type LogObserver struct {
	Logger *slog.Logger
}

func (o *LogObserver) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *LogObserver) RequestStarted(e Event, task string) {
	o.logger().Info("request started",
		"request_id", e.RequestID,
		"user_id", e.UserID,
		"agent_id", e.AgentID,
		"mode", string(e.Mode),
		"task_chars", len(task))
}

func (o *LogObserver) ProviderAttempted(e Event, provider string, kind llms.FailureKind) {
	if kind == "" {
		o.logger().Info("provider succeeded",
			"request_id", e.RequestID, "provider", provider)
		return
	}
	o.logger().Info("provider attempt failed",
		"request_id", e.RequestID, "provider", provider, "kind", string(kind))
}

func (o *LogObserver) ToolInvoked(e Event, record tools.Record) {
	attrs := []any{
		"request_id", e.RequestID,
		"tool", record.Name,
		"call_id", record.CallID,
		"elapsed", record.Elapsed,
	}
	if record.Error != "" {
		attrs = append(attrs, "error", record.Error)
	}
	o.logger().Info("tool invoked", attrs...)
}

func (o *LogObserver) RequestCompleted(e Event, result *Result) {
	o.logger().Info("request completed",
		"request_id", e.RequestID,
		"agent_id", e.AgentID,
		"provider", result.Provider,
		"turns", result.Turns,
		"tool_calls", result.ToolCallsCount,
		"latency_ms", result.LatencyMS,
		"fallback_used", result.FallbackUsed,
		"loop_truncated", result.LoopTruncated)
}

func (o *LogObserver) RequestFailed(e Event, err error) {
	o.logger().Warn("request failed",
		"request_id", e.RequestID,
		"agent_id", e.AgentID,
		"kind", string(llms.KindOf(err)),
		"error", err)
}

// ThrottleChanged implements ratelimit.ThrottleListener.
func (o *LogObserver) ThrottleChanged(provider string, fromRPM, toRPM int, spiking bool) {
	o.logger().Warn("throttle changed",
		"provider", provider,
		"from_rpm", fromRPM,
		"to_rpm", toRPM,
		"spiking", spiking)
}
