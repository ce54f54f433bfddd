package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/observability"
)

// Record captures one tool invocation for the enclosing orchestrator run.
// Records are surfaced to observers, not persisted.
type Record struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Arguments string        `json:"arguments"`
	Result    string        `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Executor dispatches tool calls against the registry. It is shared across
// orchestrator runs; per-run state lives in Run.
type Executor struct {
	registry *Registry
	maxCalls int
	logger   *slog.Logger
}

// NewExecutor creates the shared tool executor. maxCalls caps invocations
// per run.
func NewExecutor(registry *Registry, maxCalls int, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		maxCalls: maxCalls,
		logger:   logger,
	}
}

// Definitions returns the advertised tool schemas.
func (e *Executor) Definitions() []llms.ToolDefinition {
	return Definitions(e.registry)
}

// Names returns the registered tool names in sorted order.
func (e *Executor) Names() []string {
	return e.registry.Names()
}

// NewRun starts per-run accounting: the call cap and the record list.
func (e *Executor) NewRun() *Run {
	return &Run{executor: e}
}

// Run tracks one orchestrator invocation's tool activity. Safe for
// concurrent Execute calls within a turn.
type Run struct {
	executor *Executor

	mu      sync.Mutex
	calls   int
	records []Record
}

// LimitExceeded reports whether the per-run call cap has been hit.
func (r *Run) LimitExceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls >= r.executor.maxCalls
}

// Records returns a copy of the per-run call records in execution order.
func (r *Run) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Count returns how many calls this run has made.
func (r *Run) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Execute runs one LLM-requested tool call. The returned error text is fed
// back to the model as a tool message; it is never an orchestrator error.
func (r *Run) Execute(ctx context.Context, call llms.ToolCall) (string, error) {
	r.mu.Lock()
	if r.calls >= r.executor.maxCalls {
		r.mu.Unlock()
		return "", fmt.Errorf("%s: %d calls per run", codeToolLimit, r.executor.maxCalls)
	}
	r.calls++
	r.mu.Unlock()

	start := time.Now()
	result, err := r.executor.dispatch(ctx, call)
	elapsed := time.Since(start)

	record := Record{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Result:    result,
		Elapsed:   elapsed,
	}
	outcome := "ok"
	if err != nil {
		record.Error = err.Error()
		record.Result = ""
		outcome = "error"
	}
	observability.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()

	r.mu.Lock()
	r.records = append(r.records, record)
	r.mu.Unlock()

	return result, err
}

func (e *Executor) dispatch(ctx context.Context, call llms.ToolCall) (string, error) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return "", unknownTool(call.Name)
	}

	var args map[string]interface{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "", badArguments("arguments are not a JSON object: %v", err)
		}
	}

	ctx, span := observability.Tracer().Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer span.End()

	result, err := tool.Execute(ctx, args)
	if err != nil {
		span.RecordError(err)
		e.logger.Debug("tool failed", "tool", call.Name, "error", err)
		return "", err
	}
	return result, nil
}
