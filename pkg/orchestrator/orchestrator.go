// Package orchestrator ties agent resolution, prompt building, the fallback
// chain, the tool loop, and conversation persistence into the single
// Execute entry point the serving layer calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/troupeai/troupe/pkg/agent"
	"github.com/troupeai/troupe/pkg/clock"
	"github.com/troupeai/troupe/pkg/conversation"
	"github.com/troupeai/troupe/pkg/fallback"
	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/tools"
)

// Mode selects the safety posture of one call.
type Mode string

const (
	// ModeNormal keeps every check on.
	ModeNormal Mode = "normal"

	// ModeYolo bypasses the quality validator. The path sandbox and rate
	// limits stay enforced.
	ModeYolo Mode = "yolo"
)

// Result is the outcome of one orchestrator call.
type Result struct {
	Content        string `json:"content"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	LatencyMS      int64  `json:"latency_ms"`
	TokensInput    int    `json:"tokens_input"`
	TokensOutput   int    `json:"tokens_output"`
	FallbackUsed   bool   `json:"fallback_used"`
	ToolCallsCount int    `json:"tool_calls_count"`
	Turns          int    `json:"turns"`
	LoopTruncated  bool   `json:"loop_truncated"`
	Mode           Mode   `json:"mode"`
}

// AgentNotFoundError reports an unknown agent id along with what is loaded.
type AgentNotFoundError struct {
	AgentID   string
	Available []string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("unknown agent %q; available: %s",
		e.AgentID, strings.Join(e.Available, ", "))
}

// Options tune the orchestrator loop.
type Options struct {
	// MaxTurns caps LLM round-trips per call.
	MaxTurns int

	// ContextCharBudget caps the assembled message list, counted in
	// characters as a token proxy. Trimming drops the oldest history
	// first; the system prompt and the newest user message always stay.
	ContextCharBudget int

	// OverallTimeout bounds one call end to end, tool turns and
	// fallback walks included.
	OverallTimeout time.Duration

	// Prompt carries runtime prompt-builder knobs.
	Prompt agent.PromptConfig
}

const (
	defaultMaxTurns       = 10
	defaultCharBudget     = 200000
	defaultOverallTimeout = 120 * time.Second
)

// Orchestrator runs agent tasks. Safe for concurrent use.
type Orchestrator struct {
	agents        *agent.Loader
	conversations *conversation.Store
	chains        *fallback.Executor
	tools         *tools.Executor
	opts          Options
	observers     []Observer
	logger        *slog.Logger
}

// New wires the orchestrator. Zero option fields take defaults.
func New(
	agents *agent.Loader,
	conversations *conversation.Store,
	chains *fallback.Executor,
	toolExec *tools.Executor,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = defaultMaxTurns
	}
	if opts.ContextCharBudget <= 0 {
		opts.ContextCharBudget = defaultCharBudget
	}
	if opts.OverallTimeout <= 0 {
		opts.OverallTimeout = defaultOverallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		agents:        agents,
		conversations: conversations,
		chains:        chains,
		tools:         toolExec,
		opts:          opts,
		logger:        logger,
	}
}

// Subscribe adds a lifecycle observer. Not safe to call concurrently with
// Execute; subscribe during bootstrap.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.observers = append(o.observers, obs)
}

// Execute runs one agent task to completion: resolve the agent, assemble
// context, loop over LLM turns feeding tool calls to the executor, and
// persist the exchange. The call carries the overall deadline; once it
// passes, any in-flight failure reports as cancelled and nothing is
// persisted.
func (o *Orchestrator) Execute(ctx context.Context, userID, agentID, task string, mode Mode) (*Result, error) {
	if mode == "" {
		mode = ModeNormal
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.OverallTimeout)
	defer cancel()

	event := Event{
		RequestID: clock.NewRequestID(),
		UserID:    userID,
		AgentID:   agentID,
		Mode:      mode,
	}
	o.emitStarted(event, task)

	result, err := o.run(ctx, event, userID, agentID, task, mode)
	if err != nil {
		if ctx.Err() != nil && llms.KindOf(err) != llms.FailureCancelled {
			err = &llms.ProviderError{
				Kind:   llms.FailureCancelled,
				Reason: "call deadline exceeded",
				Err:    ctx.Err(),
			}
		}
		o.emitFailed(event, err)
		return nil, err
	}
	o.emitCompleted(event, result)
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, event Event, userID, agentID, task string, mode Mode) (*Result, error) {
	start := time.Now()

	def, ok := o.agents.Get(ctx, agentID)
	if !ok {
		available := o.agents.IDs()
		sort.Strings(available)
		return nil, &AgentNotFoundError{AgentID: agentID, Available: available}
	}

	history, err := o.conversations.History(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}

	system := llms.Message{Role: llms.RoleSystem, Content: agent.BuildPrompt(def, o.opts.Prompt)}
	userMsg := llms.Message{Role: llms.RoleUser, Content: task}
	msgs := assemble(system, history, userMsg, o.opts.ContextCharBudget)

	run := o.tools.NewRun()
	toolDefs := o.tools.Definitions()

	var (
		final         string
		provider      string
		model         string
		tokensIn      int
		tokensOut     int
		fallbackUsed  bool
		loopTruncated bool
		turns         int
	)

	for turns < o.opts.MaxTurns {
		turns++

		outcome, err := o.chains.Execute(ctx, agentID, &llms.Request{
			Messages: msgs,
			Tools:    toolDefs,
		}, fallback.ExecuteOptions{SkipValidation: mode == ModeYolo})
		if err != nil {
			o.emitChainAttempts(event, err)
			return nil, err
		}
		o.emitOutcome(event, outcome)

		resp := outcome.Response
		provider = outcome.Provider
		model = outcome.Model
		tokensIn += resp.TokensInput
		tokensOut += resp.TokensOutput
		fallbackUsed = fallbackUsed || outcome.FallbackUsed

		if len(resp.ToolCalls) == 0 {
			final = resp.Content
			break
		}
		if resp.Content != "" {
			final = resp.Content
		}

		msgs = append(msgs, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		toolMsgs, capped, err := o.executeTools(ctx, event, run, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, toolMsgs...)
		if capped {
			loopTruncated = true
			break
		}

		if turns == o.opts.MaxTurns {
			// Cap reached with tool calls still pending; the last
			// received content stands.
			loopTruncated = true
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &llms.ProviderError{Kind: llms.FailureCancelled, Err: err}
	}

	if err := o.conversations.Append(ctx, userID, agentID,
		userMsg,
		llms.Message{Role: llms.RoleAssistant, Content: final},
	); err != nil {
		return nil, err
	}

	return &Result{
		Content:        final,
		Provider:       provider,
		Model:          model,
		LatencyMS:      time.Since(start).Milliseconds(),
		TokensInput:    tokensIn,
		TokensOutput:   tokensOut,
		FallbackUsed:   fallbackUsed,
		ToolCallsCount: run.Count(),
		Turns:          turns,
		LoopTruncated:  loopTruncated,
		Mode:           mode,
	}, nil
}

// executeTools runs one turn's tool calls concurrently and returns the
// tool-role messages in the order the model emitted the calls. Tool failures
// become error-text messages, never orchestrator errors; capped reports
// whether the per-run call limit was hit.
func (o *Orchestrator) executeTools(ctx context.Context, event Event, run *tools.Run, calls []llms.ToolCall) ([]llms.Message, bool, error) {
	results := make([]string, len(calls))
	failures := make([]error, len(calls))
	before := len(run.Records())

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			out, err := run.Execute(gctx, call)
			results[i] = out
			failures[i] = err
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, &llms.ProviderError{Kind: llms.FailureCancelled, Err: err}
	}

	for _, record := range run.Records()[before:] {
		o.emitTool(event, record)
	}

	capped := false
	msgs := make([]llms.Message, 0, len(calls))
	for i, call := range calls {
		content := results[i]
		if failures[i] != nil {
			content = "error: " + failures[i].Error()
			if tools.IsLimitExceeded(failures[i]) {
				capped = true
			}
		}
		msgs = append(msgs, llms.Message{
			Role:       llms.RoleTool,
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	return msgs, capped, nil
}

// assemble builds [system] + history + [user], trimming history from the
// front until the character budget holds. The system prompt and the newest
// user message are never dropped.
func assemble(system llms.Message, history []llms.Message, userMsg llms.Message, budget int) []llms.Message {
	total := len(system.Content) + len(userMsg.Content)
	for _, m := range history {
		total += len(m.Content)
	}
	start := 0
	for start < len(history) && total > budget {
		total -= len(history[start].Content)
		start++
	}

	msgs := make([]llms.Message, 0, 2+len(history)-start)
	msgs = append(msgs, system)
	msgs = append(msgs, history[start:]...)
	msgs = append(msgs, userMsg)
	return msgs
}

func (o *Orchestrator) emitStarted(e Event, task string) {
	for _, obs := range o.observers {
		obs.RequestStarted(e, task)
	}
}

func (o *Orchestrator) emitOutcome(e Event, outcome *fallback.Outcome) {
	for _, obs := range o.observers {
		for _, a := range outcome.Attempts {
			obs.ProviderAttempted(e, a.Provider, a.Kind)
		}
		obs.ProviderAttempted(e, outcome.Provider, "")
	}
}

// emitChainAttempts surfaces the per-link failures of an exhausted chain.
func (o *Orchestrator) emitChainAttempts(e Event, err error) {
	var exhausted *fallback.ChainExhaustedError
	if !errors.As(err, &exhausted) {
		return
	}
	for _, obs := range o.observers {
		for _, a := range exhausted.Attempts {
			obs.ProviderAttempted(e, a.Provider, a.Kind)
		}
	}
}

func (o *Orchestrator) emitTool(e Event, record tools.Record) {
	for _, obs := range o.observers {
		obs.ToolInvoked(e, record)
	}
}

func (o *Orchestrator) emitCompleted(e Event, result *Result) {
	for _, obs := range o.observers {
		obs.RequestCompleted(e, result)
	}
}

func (o *Orchestrator) emitFailed(e Event, err error) {
	for _, obs := range o.observers {
		obs.RequestFailed(e, err)
	}
}
