package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/troupeai/troupe/pkg/config"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultTokens  = 4096
)

// AnthropicProvider speaks the Anthropic messages wire format. System prompts
// travel as a top-level field and tool results as user-role content blocks.
type AnthropicProvider struct {
	name   string
	cfg    *config.ProviderConfig
	client *http.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// tool_use block
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result block
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicProvider creates an adapter for the Anthropic messages API.
func NewAnthropicProvider(name string, cfg *config.ProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{
		name:   name,
		cfg:    cfg,
		client: newHTTPClient(cfg),
	}
}

func (p *AnthropicProvider) Name() string      { return p.name }
func (p *AnthropicProvider) Model() string     { return p.cfg.Model }
func (p *AnthropicProvider) Tier() config.Tier { return p.cfg.Tier }

func (p *AnthropicProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return defaultAnthropicBaseURL
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.cfg.APIKey(),
		"anthropic-version": anthropicVersion,
	}
}

func (p *AnthropicProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	system, messages := toAnthropicMessages(req.ChatMessages())
	wire := anthropicRequest{
		Model:       p.cfg.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = anthropicDefaultTokens
	}
	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}

	body, err := postJSON(ctx, p.client, p.name, p.baseURL()+"/messages", p.headers(), wire)
	if err != nil {
		return nil, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: "decode response", Err: err}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: parsed.Error.Message}
	}

	resp := &Response{
		TokensInput:  parsed.Usage.InputTokens,
		TokensOutput: parsed.Usage.OutputTokens,
		LatencyMS:    time.Since(start).Milliseconds(),
		Model:        firstNonEmpty(parsed.Model, p.cfg.Model),
		FinishReason: parsed.StopReason,
		Raw:          decodeRaw(body),
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: rawOrEmptyObject(block.Input),
			})
		}
	}
	return resp, nil
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutDuration())
	defer cancel()

	req := &Request{Prompt: "ping", MaxTokens: 1}
	_, err := p.Generate(ctx, req)
	return err == nil
}

// toAnthropicMessages splits out the system prompt and converts the rest into
// content-block messages. Tool results become tool_result blocks on a user
// message, matching the messages API contract.
func toAnthropicMessages(msgs []Message) (string, []anthropicMessage) {
	var system string
	out := make([]anthropicMessage, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleTool:
			out = append(out, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: json.RawMessage(rawOrEmptyObject(json.RawMessage(tc.Arguments))),
				})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})
		default:
			out = append(out, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return system, out
}

func rawOrEmptyObject(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
