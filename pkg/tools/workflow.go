package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/troupeai/troupe/pkg/llms"
)

// UpdateWorkflowStatusTool records workflow progress in a YAML status file
// inside the writable area. The file maps workflow names to status strings
// and is created on first use.
type UpdateWorkflowStatusTool struct {
	sandbox *Sandbox
}

// NewUpdateWorkflowStatusTool creates the update_workflow_status tool.
func NewUpdateWorkflowStatusTool(sandbox *Sandbox) *UpdateWorkflowStatusTool {
	return &UpdateWorkflowStatusTool{sandbox: sandbox}
}

func (t *UpdateWorkflowStatusTool) Name() string { return "update_workflow_status" }

func (t *UpdateWorkflowStatusTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: "Record a workflow's status in a YAML status file in the writable project area.",
		Parameters: objectSchema(map[string]interface{}{
			"workflow": stringProperty("Workflow name to update."),
			"file":     stringProperty("Status file path relative to the project root."),
			"status":   stringProperty("New status; defaults to \"completed\"."),
		}, "workflow", "file"),
	}
}

func (t *UpdateWorkflowStatusTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	workflow, err := stringArg(args, "workflow")
	if err != nil {
		return "", err
	}
	file, err := stringArg(args, "file")
	if err != nil {
		return "", err
	}
	status, err := optionalStringArg(args, "status")
	if err != nil {
		return "", err
	}
	if status == "" {
		status = "completed"
	}

	abs, err := t.sandbox.ResolveWrite(file)
	if err != nil {
		return "", err
	}

	statuses := make(map[string]string)
	if data, err := os.ReadFile(abs); err == nil {
		if err := yaml.Unmarshal(data, &statuses); err != nil {
			return "", fmt.Errorf("parse status file %s: %w", file, err)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read status file %s: %w", file, err)
	}

	statuses[workflow] = status

	// Stable output keeps diffs readable.
	names := make([]string, 0, len(statuses))
	for name := range statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		node := map[string]string{name: statuses[name]}
		line, err := yaml.Marshal(node)
		if err != nil {
			return "", fmt.Errorf("encode status file: %w", err)
		}
		b.Write(line)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent for %s: %w", file, err)
	}
	if err := os.WriteFile(abs, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("write status file %s: %w", file, err)
	}
	return fmt.Sprintf("workflow %q marked %q in %s", workflow, status, file), nil
}

// RegisterBuiltins fills a registry with the standard tool set.
func RegisterBuiltins(reg *Registry, sandbox *Sandbox, searchBaseURL string) error {
	builtins := []Tool{
		NewLoadFileTool(sandbox),
		NewSaveFileTool(sandbox),
		NewListDirectoryTool(sandbox),
		NewWebSearchTool(searchBaseURL),
		NewUpdateWorkflowStatusTool(sandbox),
	}
	for _, tool := range builtins {
		if err := reg.Register(tool.Name(), tool); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}
	return nil
}
