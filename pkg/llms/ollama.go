package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/troupeai/troupe/pkg/config"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaProvider speaks the Ollama /api/chat wire format for local models.
// No API key; tool call arguments arrive as structured objects.
type OllamaProvider struct {
	name   string
	cfg    *config.ProviderConfig
	client *http.Client
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	} `json:"function"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	Message    ollamaMessage `json:"message"`
	DoneReason string        `json:"done_reason"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`

	Error string `json:"error,omitempty"`
}

// NewOllamaProvider creates an adapter for a local Ollama endpoint.
func NewOllamaProvider(name string, cfg *config.ProviderConfig) *OllamaProvider {
	return &OllamaProvider{
		name:   name,
		cfg:    cfg,
		client: newHTTPClient(cfg),
	}
}

func (p *OllamaProvider) Name() string      { return p.name }
func (p *OllamaProvider) Model() string     { return p.cfg.Model }
func (p *OllamaProvider) Tier() config.Tier { return p.cfg.Tier }

func (p *OllamaProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return defaultOllamaBaseURL
}

func (p *OllamaProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	wire := ollamaRequest{
		Model:    p.cfg.Model,
		Messages: toOllamaMessages(req.ChatMessages()),
		Stream:   false,
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wire.Options = &ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		}
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, openAITool{
			Type: "function",
			Function: openAIToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	body, err := postJSON(ctx, p.client, p.name, p.baseURL()+"/api/chat", nil, wire)
	if err != nil {
		return nil, err
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: "decode response", Err: err}
	}
	if parsed.Error != "" {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: parsed.Error}
	}

	resp := &Response{
		Content:      parsed.Message.Content,
		TokensInput:  parsed.PromptEvalCount,
		TokensOutput: parsed.EvalCount,
		LatencyMS:    time.Since(start).Milliseconds(),
		Model:        firstNonEmpty(parsed.Model, p.cfg.Model),
		FinishReason: parsed.DoneReason,
		Raw:          decodeRaw(body),
	}
	for i, tc := range parsed.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        newCallID(i),
			Name:      tc.Function.Name,
			Arguments: encodeArguments(tc.Function.Arguments),
		})
	}
	return resp, nil
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutDuration())
	defer cancel()
	return getJSON(ctx, p.client, p.name, p.baseURL()+"/api/tags", nil) == nil
}

func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = decodeArguments(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}
