// Package llms provides the uniform provider abstraction over heterogeneous
// remote chat APIs, the common request/response shapes, and the failure
// taxonomy the rest of the system dispatches on.
package llms

import (
	"context"

	"github.com/troupeai/troupe/pkg/config"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a function-shaped request emitted by the model.
type ToolCall struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Arguments is the raw JSON-encoded argument object.
	Arguments string `json:"arguments"`
}

// Message is one entry in a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes a callable tool in function-schema shape.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request carries one provider invocation. Callers use either the split
// System/Prompt pair or the Messages list; adapters normalize both into the
// same wire request.
type Request struct {
	System string
	Prompt string

	Messages []Message

	Tools       []ToolDefinition
	MaxTokens   int
	Temperature *float64
}

// ChatMessages normalizes the two calling conventions into one ordered
// message list. The split pair takes effect only when Messages is empty.
func (r *Request) ChatMessages() []Message {
	if len(r.Messages) > 0 {
		return r.Messages
	}
	var msgs []Message
	if r.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: r.System})
	}
	if r.Prompt != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: r.Prompt})
	}
	return msgs
}

// Response is the normalized result every adapter returns.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	TokensInput  int        `json:"tokens_input"`
	TokensOutput int        `json:"tokens_output"`
	LatencyMS    int64      `json:"latency_ms"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason"`

	// Raw keeps unparseable vendor fields for observability.
	Raw map[string]interface{} `json:"-"`
}

// Provider is the uniform invocation interface over remote chat APIs.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name is the configured provider name (chain link identity).
	Name() string

	// Model is the wire model identifier.
	Model() string

	// Tier is the provider's quality tier.
	Tier() config.Tier

	// Generate performs one chat completion. Failures are returned as
	// *ProviderError carrying a FailureKind.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// HealthCheck performs a minimal round-trip.
	HealthCheck(ctx context.Context) bool
}
