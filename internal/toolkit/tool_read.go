package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

type readInput struct {
	Path           string `json:"path" jsonschema:"description=File path relative to the workspace root"`
	StartLine      int    `json:"startLine,omitempty" jsonschema:"description=First line to return (1-indexed inclusive)"`
	EndLine        int    `json:"endLine,omitempty" jsonschema:"description=Last line to return (1-indexed inclusive)"`
	IncludeAnchors bool   `json:"includeAnchors,omitempty" jsonschema:"description=Return per-line anchor hashes for repo.edit"`
}

// ReadResult is the repo.read output.
type ReadResult struct {
	Path       string   `json:"path"`
	Content    string   `json:"content"`
	StartLine  int      `json:"startLine"`
	EndLine    int      `json:"endLine"`
	TotalLines int      `json:"totalLines"`
	Anchors    []Anchor `json:"anchors,omitempty"`
}

// ReadTool reads a file inside the workspace jail, optionally a line range
// with edit anchors.
type ReadTool struct{}

func (t *ReadTool) Name() string { return "repo.read" }

func (t *ReadTool) Description() string {
	return "Read a workspace file, optionally a 1-indexed inclusive line range. Set includeAnchors to get per-line hashes for repo.edit."
}

func (t *ReadTool) Category() models.RiskCategory { return models.RiskCategoryRead }

func (t *ReadTool) Schema() json.RawMessage { return schemaFor(readInput{}) }

func (t *ReadTool) Execute(ctx context.Context, ec ExecContext, params json.RawMessage) (any, error) {
	var input readInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: repo.read: %v", ErrInvalidArgs, err)
	}
	if strings.TrimSpace(input.Path) == "" {
		return nil, fmt.Errorf("%w: repo.read: path is required", ErrInvalidArgs)
	}

	resolved, err := ec.Jail.Validate(input.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, input.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("repo.read: %w", err)
	}

	lines, _ := splitLines(data)
	total := len(lines)
	if total == 0 {
		return &ReadResult{Path: input.Path}, nil
	}

	start := input.StartLine
	if start < 1 {
		start = 1
	}
	end := input.EndLine
	if end < 1 || end > total {
		end = total
	}
	if start > total && total > 0 {
		return nil, fmt.Errorf("%w: repo.read: startLine %d beyond %d lines", ErrInvalidArgs, start, total)
	}
	if end < start {
		return nil, fmt.Errorf("%w: repo.read: endLine %d before startLine %d", ErrInvalidArgs, end, start)
	}

	selected := []string{}
	if total > 0 {
		selected = lines[start-1 : end]
	}

	result := &ReadResult{
		Path:       input.Path,
		Content:    strings.Join(selected, "\n"),
		StartLine:  start,
		EndLine:    end,
		TotalLines: total,
	}
	if input.IncludeAnchors {
		result.Anchors = make([]Anchor, 0, len(selected))
		for i, line := range selected {
			result.Anchors = append(result.Anchors, Anchor{Line: start + i, Hash: LineHash(line)})
		}
	}
	return result, nil
}
