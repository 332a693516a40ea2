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

// Edit modes.
const (
	EditModeAtomic     = "atomic"
	EditModeBestEffort = "best-effort"
)

// Structured failure codes for repo.edit.
const (
	FailStaleBase      = "stale-base"
	FailAnchorMismatch = "anchor-mismatch"
	FailInvalidRange   = "invalid-range"
)

// Operation types.
const (
	OpReplaceLine  = "replace-line"
	OpInsertAfter  = "insert-after"
	OpReplaceRange = "replace-range"
)

type editInput struct {
	Path       string          `json:"path" jsonschema:"description=File path relative to the workspace root"`
	BaseHash   string          `json:"baseHash,omitempty" jsonschema:"description=SHA-1 of the file as last read; rejects the edit when stale"`
	Mode       string          `json:"mode,omitempty" jsonschema:"description=atomic (default) or best-effort,enum=atomic,enum=best-effort"`
	Operations []editOperation `json:"operations" jsonschema:"description=Anchored operations applied in order"`
}

type editOperation struct {
	Type string `json:"type" jsonschema:"enum=replace-line,enum=insert-after,enum=replace-range"`

	// replace-line and insert-after.
	Line         int    `json:"line,omitempty"`
	ExpectedHash string `json:"expectedHash,omitempty"`

	// replace-range.
	StartLine int    `json:"startLine,omitempty"`
	EndLine   int    `json:"endLine,omitempty"`
	StartHash string `json:"startHash,omitempty"`
	EndHash   string `json:"endHash,omitempty"`

	Content string `json:"content"`
}

// FailedOperation reports one rejected operation. AnchorWindow carries the
// current hashes around the mismatch so the caller can re-anchor.
type FailedOperation struct {
	Index        int      `json:"index"`
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	AnchorWindow []Anchor `json:"anchorWindow,omitempty"`
}

// EditResult is the repo.edit output. Failures are part of the result, not
// execution errors.
type EditResult struct {
	Path              string            `json:"path"`
	FileHash          string            `json:"fileHash"`
	AppliedOperations int               `json:"appliedOperations"`
	FailedOperations  []FailedOperation `json:"failedOperations"`
}

// EditTool applies hash-anchored line edits. Atomic mode writes nothing
// unless every operation lands; best-effort persists whatever applied.
type EditTool struct{}

func (t *EditTool) Name() string { return "repo.edit" }

func (t *EditTool) Description() string {
	return "Apply anchored line edits to a workspace file. Anchors come from repo.read with includeAnchors."
}

func (t *EditTool) Category() models.RiskCategory { return models.RiskCategoryWrite }

func (t *EditTool) Schema() json.RawMessage { return schemaFor(editInput{}) }

func (t *EditTool) Execute(ctx context.Context, ec ExecContext, params json.RawMessage) (any, error) {
	var input editInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: repo.edit: %v", ErrInvalidArgs, err)
	}
	if strings.TrimSpace(input.Path) == "" {
		return nil, fmt.Errorf("%w: repo.edit: path is required", ErrInvalidArgs)
	}
	mode := input.Mode
	if mode == "" {
		mode = EditModeAtomic
	}
	if mode != EditModeAtomic && mode != EditModeBestEffort {
		return nil, fmt.Errorf("%w: repo.edit: unknown mode %q", ErrInvalidArgs, mode)
	}

	resolved, err := ec.Jail.Validate(input.Path)
	if err != nil {
		return nil, err
	}

	original, err := os.ReadFile(resolved)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, input.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("repo.edit: %w", err)
	}

	result := &EditResult{
		Path:             input.Path,
		FileHash:         FileHash(original),
		FailedOperations: []FailedOperation{},
	}

	if input.BaseHash != "" && input.BaseHash != result.FileHash {
		result.FailedOperations = append(result.FailedOperations, FailedOperation{
			Index:   -1,
			Code:    FailStaleBase,
			Message: fmt.Sprintf("file hash %s does not match baseHash %s", result.FileHash, input.BaseHash),
		})
		return result, nil
	}

	working, trailingNewline := splitLines(original)
	working = append([]string(nil), working...)
	applied := 0

	for i, op := range input.Operations {
		if fail := applyOperation(&working, i, op); fail != nil {
			result.FailedOperations = append(result.FailedOperations, *fail)
			continue
		}
		applied++
	}

	if mode == EditModeAtomic && len(result.FailedOperations) > 0 {
		// Nothing persists; the reported hash stays the on-disk one.
		return result, nil
	}

	updated := joinLines(working, trailingNewline)
	if err := os.WriteFile(resolved, updated, 0o644); err != nil {
		return nil, fmt.Errorf("repo.edit: %w", err)
	}

	result.AppliedOperations = applied
	result.FileHash = FileHash(updated)
	return result, nil
}

// applyOperation validates one operation against the working copy and
// splices it in. It returns the failure record instead of mutating on any
// anchor or range problem.
func applyOperation(working *[]string, index int, op editOperation) *FailedOperation {
	lines := *working

	switch op.Type {
	case OpReplaceLine:
		if op.Line < 1 || op.Line > len(lines) {
			return &FailedOperation{
				Index:   index,
				Code:    FailInvalidRange,
				Message: fmt.Sprintf("line %d out of range 1..%d", op.Line, len(lines)),
			}
		}
		if got := LineHash(lines[op.Line-1]); got != op.ExpectedHash {
			return &FailedOperation{
				Index:        index,
				Code:         FailAnchorMismatch,
				Message:      fmt.Sprintf("line %d hash %s does not match expected %s", op.Line, got, op.ExpectedHash),
				AnchorWindow: anchorWindow(lines, op.Line),
			}
		}
		*working = splice(lines, op.Line-1, op.Line, strings.Split(op.Content, "\n"))
		return nil

	case OpInsertAfter:
		if op.Line < 1 || op.Line > len(lines) {
			return &FailedOperation{
				Index:   index,
				Code:    FailInvalidRange,
				Message: fmt.Sprintf("line %d out of range 1..%d", op.Line, len(lines)),
			}
		}
		if got := LineHash(lines[op.Line-1]); got != op.ExpectedHash {
			return &FailedOperation{
				Index:        index,
				Code:         FailAnchorMismatch,
				Message:      fmt.Sprintf("line %d hash %s does not match expected %s", op.Line, got, op.ExpectedHash),
				AnchorWindow: anchorWindow(lines, op.Line),
			}
		}
		*working = splice(lines, op.Line, op.Line, strings.Split(op.Content, "\n"))
		return nil

	case OpReplaceRange:
		if op.EndLine < op.StartLine || op.StartLine < 1 || op.EndLine > len(lines) {
			return &FailedOperation{
				Index:   index,
				Code:    FailInvalidRange,
				Message: fmt.Sprintf("range %d..%d out of range 1..%d", op.StartLine, op.EndLine, len(lines)),
			}
		}
		if got := LineHash(lines[op.StartLine-1]); got != op.StartHash {
			return &FailedOperation{
				Index:        index,
				Code:         FailAnchorMismatch,
				Message:      fmt.Sprintf("line %d hash %s does not match startHash %s", op.StartLine, got, op.StartHash),
				AnchorWindow: anchorWindow(lines, op.StartLine),
			}
		}
		if got := LineHash(lines[op.EndLine-1]); got != op.EndHash {
			return &FailedOperation{
				Index:        index,
				Code:         FailAnchorMismatch,
				Message:      fmt.Sprintf("line %d hash %s does not match endHash %s", op.EndLine, got, op.EndHash),
				AnchorWindow: anchorWindow(lines, op.EndLine),
			}
		}
		*working = splice(lines, op.StartLine-1, op.EndLine, strings.Split(op.Content, "\n"))
		return nil

	default:
		return &FailedOperation{
			Index:   index,
			Code:    FailInvalidRange,
			Message: fmt.Sprintf("unknown operation type %q", op.Type),
		}
	}
}

// splice replaces lines[from:to] with replacement.
func splice(lines []string, from, to int, replacement []string) []string {
	out := make([]string, 0, len(lines)-(to-from)+len(replacement))
	out = append(out, lines[:from]...)
	out = append(out, replacement...)
	out = append(out, lines[to:]...)
	return out
}
