package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/troupeai/troupe/pkg/llms"
)

// LoadFileTool reads a whitelisted file, bounded by the sandbox size cap.
type LoadFileTool struct {
	sandbox *Sandbox
}

// NewLoadFileTool creates the load_file tool.
func NewLoadFileTool(sandbox *Sandbox) *LoadFileTool {
	return &LoadFileTool{sandbox: sandbox}
}

func (t *LoadFileTool) Name() string { return "load_file" }

func (t *LoadFileTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: "Read the contents of a file inside the project (agent definitions, docs, config).",
		Parameters: objectSchema(map[string]interface{}{
			"path": stringProperty("File path relative to the project root."),
		}, "path"),
	}
}

func (t *LoadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	abs, err := t.sandbox.ResolveRead(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return "", badArguments("%q is a directory", path)
	}
	if max := t.sandbox.MaxFileSize(); max > 0 && info.Size() > max {
		return "", fmt.Errorf("file %s is %d bytes, over the %d byte limit", path, info.Size(), max)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// SaveFileTool writes content to a path on the write whitelist.
type SaveFileTool struct {
	sandbox *Sandbox
}

// NewSaveFileTool creates the save_file tool.
func NewSaveFileTool(sandbox *Sandbox) *SaveFileTool {
	return &SaveFileTool{sandbox: sandbox}
}

func (t *SaveFileTool) Name() string { return "save_file" }

func (t *SaveFileTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: "Write content to a file in a writable project area (docs, tmp). Creates parent directories.",
		Parameters: objectSchema(map[string]interface{}{
			"path":    stringProperty("Destination path relative to the project root."),
			"content": stringProperty("Full file content to write."),
		}, "path", "content"),
	}
}

func (t *SaveFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", badArguments("%q must be a string", "content")
	}

	abs, err := t.sandbox.ResolveWrite(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("create parent for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// ListDirectoryTool lists a whitelisted directory, directories first.
type ListDirectoryTool struct {
	sandbox *Sandbox
}

// NewListDirectoryTool creates the list_directory tool.
func NewListDirectoryTool(sandbox *Sandbox) *ListDirectoryTool {
	return &ListDirectoryTool{sandbox: sandbox}
}

func (t *ListDirectoryTool) Name() string { return "list_directory" }

func (t *ListDirectoryTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: "List the entries of a directory inside the project.",
		Parameters: objectSchema(map[string]interface{}{
			"path": stringProperty("Directory path relative to the project root."),
		}, "path"),
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", err
	}
	abs, err := t.sandbox.ResolveRead(path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		return fmt.Sprintf("%s is empty", path), nil
	}
	return strings.Join(names, "\n"), nil
}
