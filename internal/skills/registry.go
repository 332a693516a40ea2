package skills

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// source is one discovery root. Earlier sources win name collisions.
type source struct {
	dir string
	typ SourceType
}

// Registry discovers and serves skills.
//
// Thread Safety:
// Registry is safe for concurrent use; Discover swaps the skill set under
// the write lock.
type Registry struct {
	sources []source
	logger  *slog.Logger

	mu     sync.RWMutex
	byName map[string]*Entry
}

// NewRegistry creates a registry over the standard discovery roots plus
// extraDirs, in priority order: workspace/.agent/skills, workspace/.skills,
// home/.strand/skills, then the extras.
func NewRegistry(workspaceRoot, homeDir string, extraDirs ...string) *Registry {
	sources := []source{
		{dir: filepath.Join(workspaceRoot, ".agent", "skills"), typ: SourceAgent},
		{dir: filepath.Join(workspaceRoot, ".skills"), typ: SourceWorkspace},
	}
	if homeDir != "" {
		sources = append(sources, source{dir: filepath.Join(homeDir, ".strand", "skills"), typ: SourceHome})
	}
	for _, dir := range extraDirs {
		sources = append(sources, source{dir: dir, typ: SourceExtra})
	}
	return &Registry{
		sources: sources,
		logger:  slog.Default().With("component", "skills"),
		byName:  make(map[string]*Entry),
	}
}

// Discover scans all sources and replaces the registry contents. Manually
// registered skills survive rediscovery.
func (r *Registry) Discover(ctx context.Context) error {
	found := make(map[string]*Entry)

	for _, src := range r.sources {
		entries, err := discoverDir(ctx, src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if _, taken := found[entry.Name]; taken {
				// First source wins on collision.
				continue
			}
			found[entry.Name] = entry
		}
	}

	r.mu.Lock()
	for name, entry := range r.byName {
		if entry.Source == SourceManual {
			if _, taken := found[name]; !taken {
				found[name] = entry
			}
		}
	}
	r.byName = found
	r.mu.Unlock()

	r.logger.Info("skills discovered", "count", len(found))
	return nil
}

func discoverDir(ctx context.Context, src source) ([]*Entry, error) {
	info, err := os.Stat(src.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("skills: stat %s: %w", src.dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills: not a directory: %s", src.dir)
	}

	dirEntries, err := os.ReadDir(src.dir)
	if err != nil {
		return nil, fmt.Errorf("skills: read %s: %w", src.dir, err)
	}

	var entries []*Entry
	for _, dirEntry := range dirEntries {
		if ctx.Err() != nil {
			return entries, ctx.Err()
		}
		if !dirEntry.IsDir() {
			continue
		}
		skillFile := filepath.Join(src.dir, dirEntry.Name(), SkillFilename)
		if _, err := os.Stat(skillFile); os.IsNotExist(err) {
			continue
		}
		entry, err := ParseFile(skillFile)
		if err != nil {
			slog.Default().With("component", "skills").Warn("skipping unparsable skill", "path", skillFile, "error", err)
			continue
		}
		entry.Source = src.typ
		entries = append(entries, entry)
	}
	return entries, nil
}

// Register adds a skill programmatically. Registered names shadow nothing;
// an existing entry under the same name fails.
func (r *Registry) Register(entry *Entry) error {
	if entry.Name == "" {
		return fmt.Errorf("skills: name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[entry.Name]; exists {
		return fmt.Errorf("skills: %q already registered", entry.Name)
	}
	if entry.Source == "" {
		entry.Source = SourceManual
	}
	r.byName[entry.Name] = entry
	return nil
}

// Get returns the skill by name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byName[name]
	return entry, ok
}

// GetAll returns all skills sorted by name.
func (r *Registry) GetAll() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.byName))
	for _, entry := range r.byName {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Filter returns the named skills in request order, skipping unknown
// names. An empty list means all skills.
func (r *Registry) Filter(names []string) []*Entry {
	if len(names) == 0 {
		return r.GetAll()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(names))
	for _, name := range names {
		if entry, ok := r.byName[name]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// Search matches query against name and description, case-insensitive.
func (r *Registry) Search(query string) []*Entry {
	needle := strings.ToLower(query)
	var out []*Entry
	for _, entry := range r.GetAll() {
		if strings.Contains(strings.ToLower(entry.Name), needle) ||
			strings.Contains(strings.ToLower(entry.Description), needle) {
			out = append(out, entry)
		}
	}
	return out
}

// ListBySource groups skills by their discovery source.
func (r *Registry) ListBySource() map[SourceType][]*Entry {
	out := make(map[SourceType][]*Entry)
	for _, entry := range r.GetAll() {
		out[entry.Source] = append(out[entry.Source], entry)
	}
	return out
}

// WatchPaths returns the discovery roots for file watching.
func (r *Registry) WatchPaths() []string {
	paths := make([]string, 0, len(r.sources))
	for _, src := range r.sources {
		paths = append(paths, src.dir)
	}
	return paths
}
