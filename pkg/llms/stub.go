package llms

import (
	"context"
	"sync"
	"time"

	"github.com/troupeai/troupe/pkg/config"
)

// StubProvider is the deterministic in-process provider used by tests and
// local runs. Responses are scripted in order; after the script runs out the
// last entry repeats.
type StubProvider struct {
	name string
	cfg  *config.ProviderConfig

	mu      sync.Mutex
	script  []StubResult
	cursor  int
	calls   []*Request
	latency time.Duration
	healthy bool
}

// StubResult is one scripted turn. Either Response or Err is set.
type StubResult struct {
	Response *Response
	Err      error
}

// NewStubProvider creates a stub that echoes the prompt until scripted.
func NewStubProvider(name string, cfg *config.ProviderConfig) *StubProvider {
	return &StubProvider{
		name:    name,
		cfg:     cfg,
		healthy: true,
	}
}

func (p *StubProvider) Name() string      { return p.name }
func (p *StubProvider) Model() string     { return p.cfg.Model }
func (p *StubProvider) Tier() config.Tier { return p.cfg.Tier }

// Script replaces the scripted results and rewinds the cursor.
func (p *StubProvider) Script(results ...StubResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = results
	p.cursor = 0
}

// SetLatency makes every Generate call sleep for d before answering.
func (p *StubProvider) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latency = d
}

// SetHealthy controls the HealthCheck answer.
func (p *StubProvider) SetHealthy(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = ok
}

// Calls returns a copy of every request seen since the last Reset.
func (p *StubProvider) Calls() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// Reset clears the script, the call history, and the latency.
func (p *StubProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = nil
	p.cursor = 0
	p.calls = nil
	p.latency = 0
	p.healthy = true
}

func (p *StubProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	latency := p.latency
	var result *StubResult
	if len(p.script) > 0 {
		idx := p.cursor
		if idx >= len(p.script) {
			idx = len(p.script) - 1
		}
		result = &p.script[idx]
		p.cursor++
	}
	p.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ClassifyTransport(p.name, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, ClassifyTransport(p.name, err)
	}

	if result != nil {
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Response, nil
	}

	// Unscripted: echo the last user message.
	var prompt string
	for _, m := range req.ChatMessages() {
		if m.Role == RoleUser {
			prompt = m.Content
		}
	}
	return &Response{
		Content:      "stub: " + prompt,
		Model:        p.cfg.Model,
		FinishReason: "stop",
	}, nil
}

func (p *StubProvider) HealthCheck(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}
