package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/strand/pkg/models"
)

type patchInput struct {
	Path    string `json:"path" jsonschema:"description=File path relative to the workspace root"`
	Content string `json:"content" jsonschema:"description=Full replacement content"`

	// CreateIfMissing defaults to true when omitted.
	CreateIfMissing *bool `json:"createIfMissing,omitempty" jsonschema:"description=Create the file and parent directories when missing (default true)"`
}

// PatchResult is the repo.patch output.
type PatchResult struct {
	Path         string `json:"path"`
	LinesChanged int    `json:"linesChanged"`
	Created      bool   `json:"created"`
}

// PatchTool writes or overwrites a whole file inside the workspace jail.
type PatchTool struct{}

func (t *PatchTool) Name() string { return "repo.patch" }

func (t *PatchTool) Description() string {
	return "Write or overwrite a workspace file with the given content, creating parent directories as needed."
}

func (t *PatchTool) Category() models.RiskCategory { return models.RiskCategoryWrite }

func (t *PatchTool) Schema() json.RawMessage { return schemaFor(patchInput{}) }

func (t *PatchTool) Execute(ctx context.Context, ec ExecContext, params json.RawMessage) (any, error) {
	var input patchInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: repo.patch: %v", ErrInvalidArgs, err)
	}
	if strings.TrimSpace(input.Path) == "" {
		return nil, fmt.Errorf("%w: repo.patch: path is required", ErrInvalidArgs)
	}
	createIfMissing := input.CreateIfMissing == nil || *input.CreateIfMissing

	resolved, err := ec.Jail.Validate(input.Path)
	if err != nil {
		return nil, err
	}

	previous, err := os.ReadFile(resolved)
	created := false
	if errors.Is(err, os.ErrNotExist) {
		if !createIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, input.Path)
		}
		created = true
		previous = nil
	} else if err != nil {
		return nil, fmt.Errorf("repo.patch: %w", err)
	}

	if created {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, fmt.Errorf("repo.patch: %w", err)
		}
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return nil, fmt.Errorf("repo.patch: %w", err)
	}

	return &PatchResult{
		Path:         input.Path,
		LinesChanged: linesChanged(previous, []byte(input.Content)),
		Created:      created,
	}, nil
}

// linesChanged counts the line-count delta plus differing lines at shared
// indices.
func linesChanged(oldData, newData []byte) int {
	oldLines, _ := splitLines(oldData)
	newLines, _ := splitLines(newData)

	changed := len(newLines) - len(oldLines)
	if changed < 0 {
		changed = -changed
	}
	shared := len(oldLines)
	if len(newLines) < shared {
		shared = len(newLines)
	}
	for i := 0; i < shared; i++ {
		if oldLines[i] != newLines[i] {
			changed++
		}
	}
	return changed
}
