package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

const defaultMaxResults = 50

// searchMaxFileSize skips files too large to be source text.
const searchMaxFileSize = 1 << 20

type searchInput struct {
	Query      string   `json:"query" jsonschema:"description=Case-sensitive substring to find"`
	Globs      []string `json:"globs,omitempty" jsonschema:"description=Restrict matches to paths matching any of these globs"`
	MaxResults int      `json:"maxResults,omitempty" jsonschema:"description=Result cap (default 50)"`
}

// SearchMatch is one line hit.
type SearchMatch struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// SearchResult is the repo.search output.
type SearchResult struct {
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated"`
}

// SearchTool runs a recursive case-sensitive text search over the
// workspace, honoring the jail's deny globs.
type SearchTool struct{}

func (t *SearchTool) Name() string { return "repo.search" }

func (t *SearchTool) Description() string {
	return "Search workspace files for a case-sensitive substring, optionally filtered by path globs."
}

func (t *SearchTool) Category() models.RiskCategory { return models.RiskCategoryRead }

func (t *SearchTool) Schema() json.RawMessage { return schemaFor(searchInput{}) }

func (t *SearchTool) Execute(ctx context.Context, ec ExecContext, params json.RawMessage) (any, error) {
	var input searchInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: repo.search: %v", ErrInvalidArgs, err)
	}
	if input.Query == "" {
		return nil, fmt.Errorf("%w: repo.search: query is required", ErrInvalidArgs)
	}
	maxResults := input.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	result := &SearchResult{Matches: []SearchMatch{}}

	err := filepath.WalkDir(ec.Jail.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(ec.Jail.Root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ec.Jail.Denied(rel) {
				return fs.SkipDir
			}
			return nil
		}
		if ec.Jail.Denied(rel) {
			return nil
		}
		if len(input.Globs) > 0 && !matchesAnyGlob(input.Globs, rel) {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > searchMaxFileSize {
			return nil
		}

		data, readErr := os.ReadFile(p)
		if readErr != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}

		lines, _ := splitLines(data)
		for i, line := range lines {
			if !strings.Contains(line, input.Query) {
				continue
			}
			if len(result.Matches) >= maxResults {
				result.Truncated = true
				return filepath.SkipAll
			}
			result.Matches = append(result.Matches, SearchMatch{File: rel, Line: i + 1, Content: line})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repo.search: %w", err)
	}

	return result, nil
}

// matchesAnyGlob matches the relative path against the caller globs. A
// bare pattern without a separator also matches on the file name alone.
func matchesAnyGlob(globs []string, rel string) bool {
	for _, g := range globs {
		if GlobMatch(g, rel) {
			return true
		}
		if !strings.Contains(g, "/") && GlobMatch(g, path.Base(rel)) {
			return true
		}
	}
	return false
}
