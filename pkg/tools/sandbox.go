package tools

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/troupeai/troupe/pkg/config"
)

// Sandbox validates every path a tool touches. Paths must be relative,
// contain no parent traversal, and normalize under a whitelisted prefix.
// Writes use a stricter whitelist that never includes the agent definition
// directory.
type Sandbox struct {
	root          string
	readPrefixes  []string
	writePrefixes []string
	maxFileSize   int64
}

// NewSandbox builds the sandbox from tool configuration.
func NewSandbox(cfg config.ToolsConfig) *Sandbox {
	return &Sandbox{
		root:          cfg.ProjectRoot,
		readPrefixes:  normalizePrefixes(cfg.ReadWhitelist),
		writePrefixes: normalizePrefixes(cfg.WriteWhitelist),
		maxFileSize:   cfg.MaxFileSize,
	}
}

// Root returns the project root all paths resolve under.
func (s *Sandbox) Root() string {
	return s.root
}

// MaxFileSize returns the read ceiling in bytes.
func (s *Sandbox) MaxFileSize() int64 {
	return s.maxFileSize
}

// ResolveRead validates path against the read whitelist and returns its
// absolute form under the project root.
func (s *Sandbox) ResolveRead(path string) (string, error) {
	return s.resolve(path, s.readPrefixes)
}

// ResolveWrite validates path against the write whitelist.
func (s *Sandbox) ResolveWrite(path string) (string, error) {
	return s.resolve(path, s.writePrefixes)
}

func (s *Sandbox) resolve(path string, prefixes []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%s: empty path", codePathRejected)
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("%s: absolute path %q", codePathRejected, path)
	}

	slashed := filepath.ToSlash(path)
	for _, segment := range strings.Split(slashed, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%s: parent traversal in %q", codePathRejected, path)
		}
	}

	normalized := filepath.ToSlash(filepath.Clean(slashed))
	allowed := false
	for _, prefix := range prefixes {
		if strings.HasPrefix(normalized+"/", prefix) {
			allowed = true
			break
		}
	}
	if !allowed {
		return "", fmt.Errorf("%s: %q outside whitelist %v", codePathRejected, path, prefixes)
	}

	return filepath.Join(s.root, filepath.FromSlash(normalized)), nil
}

// normalizePrefixes ensures every whitelist entry compares with a trailing
// slash so "docs" never matches "docs-private".
func normalizePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = filepath.ToSlash(strings.TrimSpace(p))
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			continue
		}
		out = append(out, p+"/")
	}
	return out
}
