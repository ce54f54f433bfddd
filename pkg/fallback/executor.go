package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/troupeai/troupe/pkg/config"
	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/observability"
	"github.com/troupeai/troupe/pkg/ratelimit"
	"github.com/troupeai/troupe/pkg/registry"
	"github.com/troupeai/troupe/pkg/retry"
)

// Attempt records one chain link's outcome for error reporting.
type Attempt struct {
	Provider string           `json:"provider"`
	Kind     llms.FailureKind `json:"kind"`
}

// ChainExhaustedError reports that every link in an agent's chain failed.
type ChainExhaustedError struct {
	AgentID  string
	Attempts []Attempt

	inner *llms.ProviderError
}

func newChainExhausted(agentID string, attempts []Attempt) *ChainExhaustedError {
	return &ChainExhaustedError{
		AgentID:  agentID,
		Attempts: attempts,
		inner: &llms.ProviderError{
			Kind:   llms.FailureChainExhausted,
			Reason: "all providers failed",
		},
	}
}

func (e *ChainExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s=%s", a.Provider, a.Kind)
	}
	return fmt.Sprintf("chain exhausted for agent %q: %s", e.AgentID, strings.Join(parts, ", "))
}

func (e *ChainExhaustedError) Unwrap() error {
	return e.inner
}

// Outcome is a successful chain walk.
type Outcome struct {
	Response     *llms.Response
	Provider     string
	Model        string
	FallbackUsed bool
	Attempts     []Attempt
}

// Executor walks provider chains. Chains are strictly sequential; there is
// no parallel racing of links.
type Executor struct {
	providers *registry.Registry[llms.Provider]
	chains    map[string]*config.ChainConfig
	gate      *ratelimit.RateGate
	retry     *retry.Engine
	validator *Validator
	logger    *slog.Logger
}

// NewExecutor wires the chain walker.
func NewExecutor(
	providers *registry.Registry[llms.Provider],
	chains map[string]*config.ChainConfig,
	gate *ratelimit.RateGate,
	retryEngine *retry.Engine,
	validator *Validator,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		providers: providers,
		chains:    chains,
		gate:      gate,
		retry:     retryEngine,
		validator: validator,
		logger:    logger,
	}
}

// ExecuteOptions tune one chain walk.
type ExecuteOptions struct {
	// SkipValidation bypasses the quality validator (yolo mode). Rate
	// limits and retries stay enforced.
	SkipValidation bool
}

// Chain returns the configured link order for an agent.
func (e *Executor) Chain(agentID string) ([]string, bool) {
	chain, ok := e.chains[agentID]
	if !ok {
		return nil, false
	}
	return chain.Links(), true
}

// Execute walks the agent's chain in order. Transient failures advance to
// the next link; malformed-request failures surface immediately; quality
// rejection escalates to a boss tier when one exists later in the chain.
func (e *Executor) Execute(ctx context.Context, agentID string, req *llms.Request, opts ExecuteOptions) (*Outcome, error) {
	links, ok := e.Chain(agentID)
	if !ok {
		return nil, fmt.Errorf("no provider chain configured for agent %q", agentID)
	}

	var attempts []Attempt

	for i, link := range links {
		provider, ok := e.providers.Get(link)
		if !ok {
			// Configured but disabled at startup.
			attempts = append(attempts, Attempt{Provider: link, Kind: llms.FailureServerError})
			e.logger.Warn("chain link not registered, skipping", "agent", agentID, "provider", link)
			continue
		}

		resp, err := e.callProvider(ctx, link, provider, req)
		if err != nil {
			kind := llms.KindOf(err)
			switch kind {
			case llms.FailureCancelled:
				return nil, err
			case llms.FailureBadRequest, llms.FailureAuthFailed:
				// The request itself is broken; the next link would
				// fail the same way.
				return nil, err
			default:
				attempts = append(attempts, Attempt{Provider: link, Kind: kind})
				e.logger.Info("chain link failed, advancing",
					"agent", agentID,
					"provider", link,
					"kind", string(kind))
				continue
			}
		}

		if !opts.SkipValidation {
			if verr := e.validator.Validate(link, provider.Tier(), resp.Content); verr != nil {
				if provider.Tier() != config.TierBoss && bossLater(e.providers, links[i+1:]) {
					attempts = append(attempts, Attempt{Provider: link, Kind: llms.FailureQualityRejected})
					e.logger.Info("quality rejected, escalating",
						"agent", agentID,
						"provider", link,
						"reason", verr.Error())
					continue
				}
				// No stronger tier to escalate to: return as-is rather
				// than loop forever.
				e.logger.Debug("quality rejected with no escalation target",
					"agent", agentID,
					"provider", link)
			}
		}

		return &Outcome{
			Response:     resp,
			Provider:     link,
			Model:        resp.Model,
			FallbackUsed: i > 0,
			Attempts:     attempts,
		}, nil
	}

	return nil, newChainExhausted(agentID, attempts)
}

func (e *Executor) callProvider(ctx context.Context, link string, provider llms.Provider, req *llms.Request) (*llms.Response, error) {
	permit, err := e.gate.Acquire(ctx, link)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	ctx, span := observability.Tracer().Start(ctx, "llm.generate",
		trace.WithAttributes(
			attribute.String("llm.provider", link),
			attribute.String("llm.model", provider.Model()),
		))
	defer span.End()

	start := time.Now()
	resp, err := e.retry.Do(ctx, link, func(ctx context.Context) (*llms.Response, error) {
		return provider.Generate(ctx, req)
	})
	observability.LLMLatency.WithLabelValues(link).Observe(time.Since(start).Seconds())

	if err != nil {
		kind := llms.KindOf(err)
		span.RecordError(err)
		observability.LLMRequests.WithLabelValues(link, string(kind)).Inc()
		return nil, err
	}
	observability.LLMRequests.WithLabelValues(link, "ok").Inc()

	if rerr := e.gate.RecordTokens(ctx, link, resp.TokensInput+resp.TokensOutput); rerr != nil {
		e.logger.Warn("record token spend failed", "provider", link, "error", rerr)
	}
	return resp, nil
}

// bossLater reports whether any remaining link is boss tier.
func bossLater(providers *registry.Registry[llms.Provider], rest []string) bool {
	for _, link := range rest {
		if p, ok := providers.Get(link); ok && p.Tier() == config.TierBoss {
			return true
		}
	}
	return false
}
