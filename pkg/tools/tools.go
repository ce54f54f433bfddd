// Package tools implements the function-schema tool registry, the path
// sandbox, and the per-run executor the orchestrator feeds LLM tool calls
// into.
package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/troupeai/troupe/pkg/llms"
	"github.com/troupeai/troupe/pkg/registry"
)

// Tool is one named side-effectful operation the LLM may invoke.
type Tool interface {
	Name() string

	// Definition is the function-schema form advertised to providers.
	Definition() llms.ToolDefinition

	// Execute runs the tool with decoded arguments and returns result
	// text for the tool-role message.
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds the available tools.
type Registry = registry.Registry[Tool]

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return registry.New[Tool]()
}

// Definitions returns every registered tool's schema, ordered by name.
func Definitions(reg *Registry) []llms.ToolDefinition {
	items := reg.List()
	out := make([]llms.ToolDefinition, 0, len(items))
	for _, tool := range items {
		out = append(out, tool.Definition())
	}
	return out
}

// Error codes surfaced to the LLM as tool-message text. The model is
// expected to recover from these on its next turn.
const (
	codeUnknownTool  = "unknown_tool"
	codeBadArguments = "bad_arguments"
	codePathRejected = "path_rejected"
	codeToolLimit    = "tool_limit_exceeded"
)

func unknownTool(name string) error {
	return fmt.Errorf("%s: %q", codeUnknownTool, name)
}

// IsLimitExceeded reports whether err is the per-run call cap rejection.
func IsLimitExceeded(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), codeToolLimit)
}

func badArguments(format string, a ...interface{}) error {
	return fmt.Errorf("%s: %s", codeBadArguments, fmt.Sprintf(format, a...))
}

// stringArg extracts a required string argument.
func stringArg(args map[string]interface{}, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", badArguments("missing %q", name)
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", badArguments("%q must be a non-empty string", name)
	}
	return value, nil
}

// optionalStringArg extracts a string argument, empty when absent.
func optionalStringArg(args map[string]interface{}, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", nil
	}
	value, ok := raw.(string)
	if !ok {
		return "", badArguments("%q must be a string", name)
	}
	return value, nil
}

// objectSchema builds the function-schema parameters object.
func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProperty(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": description,
	}
}
