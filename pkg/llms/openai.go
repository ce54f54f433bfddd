package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/troupeai/troupe/pkg/config"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI chat-completions wire format.
type OpenAIProvider struct {
	name   string
	cfg    *config.ProviderConfig
	client *http.Client
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider creates an adapter for an OpenAI-compatible endpoint.
func NewOpenAIProvider(name string, cfg *config.ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{
		name:   name,
		cfg:    cfg,
		client: newHTTPClient(cfg),
	}
}

func (p *OpenAIProvider) Name() string      { return p.name }
func (p *OpenAIProvider) Model() string     { return p.cfg.Model }
func (p *OpenAIProvider) Tier() config.Tier { return p.cfg.Tier }

func (p *OpenAIProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return defaultOpenAIBaseURL
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + p.cfg.APIKey(),
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	wire := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    toOpenAIMessages(req.ChatMessages()),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		wire.MaxTokens = &req.MaxTokens
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

	body, err := postJSON(ctx, p.client, p.name, p.baseURL()+"/chat/completions", p.headers(), wire)
	if err != nil {
		return nil, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: "decode response", Err: err}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: "no choices returned"}
	}

	choice := parsed.Choices[0]
	resp := &Response{
		Content:      choice.Message.Content,
		TokensInput:  parsed.Usage.PromptTokens,
		TokensOutput: parsed.Usage.CompletionTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
		Model:        firstNonEmpty(parsed.Model, p.cfg.Model),
		FinishReason: choice.FinishReason,
		Raw:          decodeRaw(body),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return resp, nil
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutDuration())
	defer cancel()
	return getJSON(ctx, p.client, p.name, p.baseURL()+"/models", p.headers()) == nil
}

func toOpenAIMessages(msgs []Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func encodeArguments(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf(`{"_encode_error":%q}`, err.Error())
	}
	return string(data)
}
