package toolkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

type procInput struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace root"`
}

// ProcessResult is the process.run output. A non-zero exit code is a
// result, not an error.
type ProcessResult struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// ProcessTool runs a shell command rooted in the workspace jail.
type ProcessTool struct{}

func (t *ProcessTool) Name() string { return "process.run" }

func (t *ProcessTool) Description() string {
	return "Run a shell command in the workspace and capture its exit code and output."
}

func (t *ProcessTool) Category() models.RiskCategory { return models.RiskCategoryExec }

func (t *ProcessTool) Schema() json.RawMessage { return schemaFor(procInput{}) }

func (t *ProcessTool) Execute(ctx context.Context, ec ExecContext, params json.RawMessage) (any, error) {
	var input procInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: process.run: %v", ErrInvalidArgs, err)
	}
	if strings.TrimSpace(input.Command) == "" {
		return nil, fmt.Errorf("%w: process.run: command is required", ErrInvalidArgs)
	}

	dir := ec.Jail.Root
	if input.Cwd != "" {
		resolved, err := ec.Jail.Validate(input.Cwd)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", input.Command)
	cmd.Dir = dir
	// Pagers and prompts hang a non-interactive run.
	cmd.Env = append(os.Environ(),
		"PAGER=cat",
		"GIT_PAGER=cat",
		"GIT_TERMINAL_PROMPT=0",
		"TERM=dumb",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("process.run: %w", runErr)
		}
	}

	return &ProcessResult{
		ExitCode:   exitCode,
		Stdout:     truncateOutput(stdout.String(), ec.MaxStdout),
		Stderr:     truncateOutput(stderr.String(), ec.MaxStdout),
		DurationMs: duration.Milliseconds(),
	}, nil
}

func truncateOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + TruncationMarker
}
