package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/troupeai/troupe/pkg/config"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider speaks the Gemini generateContent wire format. The API key
// travels as a query parameter and tool calls come back as functionCall parts.
type GeminiProvider struct {
	name   string
	cfg    *config.ProviderConfig
	client *http.Client
}

type geminiRequest struct {
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	Contents          []geminiContent        `json:"contents"`
	Tools             []geminiToolGroup      `json:"tools,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response"`
}

type geminiToolGroup struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewGeminiProvider creates an adapter for the Gemini generateContent API.
func NewGeminiProvider(name string, cfg *config.ProviderConfig) *GeminiProvider {
	return &GeminiProvider{
		name:   name,
		cfg:    cfg,
		client: newHTTPClient(cfg),
	}
}

func (p *GeminiProvider) Name() string      { return p.name }
func (p *GeminiProvider) Model() string     { return p.cfg.Model }
func (p *GeminiProvider) Tier() config.Tier { return p.cfg.Tier }

func (p *GeminiProvider) baseURL() string {
	if p.cfg.BaseURL != "" {
		return p.cfg.BaseURL
	}
	return defaultGeminiBaseURL
}

func (p *GeminiProvider) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL(), p.cfg.Model, p.cfg.APIKey())
}

func (p *GeminiProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	system, contents := toGeminiContents(req.ChatMessages())
	wire := geminiRequest{
		Contents: contents,
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}
	if system != "" {
		wire.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if len(req.Tools) > 0 {
		group := geminiToolGroup{}
		for _, tool := range req.Tools {
			group.FunctionDeclarations = append(group.FunctionDeclarations, geminiFunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
		wire.Tools = []geminiToolGroup{group}
	}

	body, err := postJSON(ctx, p.client, p.name, p.endpoint(), nil, wire)
	if err != nil {
		return nil, err
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: "decode response", Err: err}
	}
	if parsed.Error != nil {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: parsed.Error.Message}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &ProviderError{Provider: p.name, Kind: FailureServerError, Reason: "no candidates returned"}
	}

	candidate := parsed.Candidates[0]
	resp := &Response{
		TokensInput:  parsed.UsageMetadata.PromptTokenCount,
		TokensOutput: parsed.UsageMetadata.CandidatesTokenCount,
		LatencyMS:    time.Since(start).Milliseconds(),
		Model:        p.cfg.Model,
		FinishReason: candidate.FinishReason,
		Raw:          decodeRaw(body),
	}
	for i, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				// Gemini has no call IDs; synthesize positional ones.
				ID:        newCallID(i),
				Name:      part.FunctionCall.Name,
				Arguments: encodeArguments(part.FunctionCall.Args),
			})
		case part.Text != "":
			resp.Content += part.Text
		}
	}
	return resp, nil
}

func (p *GeminiProvider) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TimeoutDuration())
	defer cancel()

	url := fmt.Sprintf("%s/models/%s?key=%s", p.baseURL(), p.cfg.Model, p.cfg.APIKey())
	return getJSON(ctx, p.client, p.name, url, nil) == nil
}

// toGeminiContents converts the normalized conversation into Gemini contents.
// Gemini uses "model" for assistant turns and function responses for tool
// results, keyed by function name rather than call ID.
func toGeminiContents(msgs []Message) (string, []geminiContent) {
	var system string
	callNames := make(map[string]string)
	out := make([]geminiContent, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case RoleAssistant:
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Name
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name,
					Args: decodeArguments(tc.Arguments),
				}})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, geminiContent{Role: "model", Parts: parts})
		case RoleTool:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{
				FunctionResponse: &geminiFunctionResponse{
					Name:     callNames[m.ToolCallID],
					Response: map[string]interface{}{"result": m.Content},
				},
			}}})
		default:
			out = append(out, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return system, out
}

func decodeArguments(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]interface{}{"_raw": raw}
	}
	return args
}
