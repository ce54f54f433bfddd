package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/troupeai/troupe/pkg/kv"
	"github.com/troupeai/troupe/pkg/registry"
)

const (
	agentKeyPrefix = "agent:"
	cacheTTL       = time.Hour
)

// Loader reads agent definition files from a directory, keeps them in an
// in-process registry, and mirrors the JSON form into the KV store under
// agent:{id} for cross-process visibility.
type Loader struct {
	dir    string
	store  kv.Store
	defs   *registry.Registry[*Definition]
	logger *slog.Logger
}

// NewLoader creates a loader over the given directory.
func NewLoader(dir string, store kv.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		store:  store,
		defs:   registry.New[*Definition](),
		logger: logger,
	}
}

// Load ingests every .md definition in the directory. A file that fails to
// parse is logged and skipped; it never aborts the rest of the directory.
func (l *Loader) Load(ctx context.Context) error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read agent dir %s: %w", l.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		if err := l.LoadFile(ctx, filepath.Join(l.dir, entry.Name())); err != nil {
			l.logger.Warn("skipping agent definition", "file", entry.Name(), "error", err)
			continue
		}
		loaded++
	}

	l.logger.Info("agents loaded", "dir", l.dir, "count", loaded)
	return nil
}

// LoadFile parses one definition file and replaces the cached entry
// atomically. A parse failure returns an error and leaves any previous
// entry intact.
func (l *Loader) LoadFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if err := l.defs.Replace(def.ID, def); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if err := l.cache(ctx, def); err != nil {
		// The registry already holds the definition; cache loss only
		// costs cross-process visibility.
		l.logger.Warn("agent cache write failed", "agent", def.ID, "error", err)
	}
	return nil
}

func (l *Loader) cache(ctx context.Context, def *Definition) error {
	encoded, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode agent %s: %w", def.ID, err)
	}
	return l.store.SetEx(ctx, agentKeyPrefix+def.ID, string(encoded), cacheTTL)
}

// Get returns the definition for an agent id. On a registry miss it falls
// back to the KV cache, which covers agents loaded by a sibling process.
func (l *Loader) Get(ctx context.Context, id string) (*Definition, bool) {
	if def, ok := l.defs.Get(id); ok {
		return def, true
	}

	raw, ok, err := l.store.Get(ctx, agentKeyPrefix+id)
	if err != nil || !ok {
		return nil, false
	}
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		l.logger.Warn("corrupt cached agent", "agent", id, "error", err)
		return nil, false
	}
	l.defs.Replace(def.ID, &def)
	return &def, true
}

// List returns all loaded definitions ordered by id.
func (l *Loader) List() []*Definition {
	return l.defs.List()
}

// IDs returns the loaded agent ids in sorted order.
func (l *Loader) IDs() []string {
	ids := l.defs.Names()
	sort.Strings(ids)
	return ids
}
